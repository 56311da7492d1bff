package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/psfalgo/quant-engine/internal/arbiter"
	"github.com/psfalgo/quant-engine/internal/chaos"
	"github.com/psfalgo/quant-engine/internal/config"
	"github.com/psfalgo/quant-engine/internal/contracts"
	"github.com/psfalgo/quant-engine/internal/guard"
	"github.com/psfalgo/quant-engine/internal/lifecycle"
	"github.com/psfalgo/quant-engine/internal/observ"
	"github.com/psfalgo/quant-engine/internal/outbox"
	"github.com/psfalgo/quant-engine/internal/portfolio"
	"github.com/psfalgo/quant-engine/internal/stream"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config/config.yaml", "path to yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	observ.InitLogging(cfg.Observability.Logging)
	observ.Log("starting", map[string]any{"config": *configPath, "broker_mode": cfg.Broker.Mode})

	if err := run(cfg); err != nil {
		observ.Error("fatal", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg config.Root) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reference data and position state.
	static := guard.StaticTable{}
	if cfg.PsfalgoRules.StaticDataPath != "" {
		var err error
		static, err = guard.LoadStaticTable(cfg.PsfalgoRules.StaticDataPath)
		if err != nil {
			return err
		}
		observ.Log("static_data_loaded", map[string]any{"symbols": len(static)})
	}
	positions := portfolio.NewStore(cfg.Engine.PositionStatePath)
	if err := positions.Load(); err != nil {
		return err
	}

	tracker := guard.NewRollingTracker()
	evaluator := guard.NewEvaluator(static, tracker, guard.Config{
		ADVDivisor:              cfg.PsfalgoRules.Maxalw.ADVDivisor,
		DailyAddLimitMultiplier: cfg.PsfalgoRules.DailyAdd.LimitMultiplier,
		Change3hLimitMultiplier: cfg.PsfalgoRules.Change3h.LimitMultiplier,
	})

	arb := arbiter.New(arbiter.Config{
		MaxGrossExposurePct:   cfg.Exposure.MaxGrossExposurePct,
		SoftSuppressThreshold: cfg.IntentArbitration.SoftSuppressThreshold,
		CapRecoveryTarget:     cfg.IntentArbitration.CapRecoveryTargetGross,
		MMOvernightMaxPct:     cfg.IntentArbitration.MMOvernightMaxPct,
	})
	market := arbiter.NewMarketState()
	batch := arbiter.NewBatch()

	bus := stream.NewBus(cfg.Stream)
	defer bus.Close()
	if err := bus.Ping(ctx); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}

	policy, err := chaos.NewPolicy(cfg.Chaos)
	if err != nil {
		return err
	}
	if cfg.Chaos.Enabled {
		observ.Warn("chaos_enabled", map[string]any{"seed": cfg.Chaos.Seed})
	}

	var audit *outbox.Outbox
	if cfg.Engine.AuditLogPath != "" {
		audit, err = outbox.Open(cfg.Engine.AuditLogPath)
		if err != nil {
			return err
		}
		defer audit.Close()
	}

	// The emit path publishes order events, appends them to the audit log
	// and feeds the guard windows with realized fill deltas.
	fillTracker := newFillTracker(tracker)
	emit := func(ev contracts.OrderEvent) {
		fillTracker.observe(ev)
		env, err := contracts.NewEnvelope(contracts.EventTypeOrder, orderEventKey(ev), ev)
		if err != nil {
			observ.Error("order_event_encode_failed", map[string]any{"order_id": ev.OrderID, "error": err.Error()})
			return
		}
		if audit != nil {
			if err := audit.Append(env); err != nil {
				observ.Error("audit_append_failed", map[string]any{"order_id": ev.OrderID, "error": err.Error()})
			}
		}
		if err := bus.Publish(ctx, stream.OrdersStream, env); err != nil {
			observ.Error("order_event_publish_failed", map[string]any{"order_id": ev.OrderID, "error": err.Error()})
		}
	}

	guardCheck := func(in contracts.IntentEvent) (bool, string) {
		snap, _ := positions.Get(in.Symbol)
		snap.Symbol = in.Symbol
		verdict := evaluator.Evaluate(in.Symbol, snap, time.Now().UTC())
		action := guard.ActionFor(in.Classification)
		ok, status := verdict.PermitsQuantity(action, in.Quantity)
		if !ok {
			return false, string(status)
		}
		return true, ""
	}

	registry := lifecycle.NewRegistry(cfg.Engine.RegistryCapacity)
	eng := &engineRef{}
	paper := lifecycle.NewPaperBroker(lifecycle.PaperConfig{
		Seed:        cfg.Broker.Paper.Seed,
		MinLatency:  time.Duration(cfg.Broker.Paper.LatencyMsMin) * time.Millisecond,
		MaxLatency:  time.Duration(cfg.Broker.Paper.LatencyMsMax) * time.Millisecond,
		SlippageBps: cfg.Broker.Paper.SlippageBps,
		MaxPartials: cfg.Broker.Paper.MaxPartials,
	}, chaos.WrapSink(eng, policy))
	eng.Engine = lifecycle.NewEngine(registry, chaos.WrapBroker(paper, policy), emit, guardCheck, lifecycle.Config{
		OrdersPerSec: cfg.Engine.OrdersPerSec,
		OrderBurst:   cfg.Engine.OrderBurst,
	})

	var wg sync.WaitGroup
	consume := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && ctx.Err() == nil {
				observ.Error("consumer_stopped", map[string]any{"stream": name, "error": err.Error()})
				stop()
			}
		}()
	}

	consume(stream.IntentsStream, func() error {
		return bus.Consume(ctx, stream.IntentsStream, func(_ context.Context, env contracts.Envelope) error {
			in, err := contracts.DecodeIntent(env)
			if err != nil {
				return err
			}
			observ.IntentsConsumed.Inc()
			batch.Add(in, env.IdempotencyKey)
			return nil
		})
	})
	consume(stream.PositionsStream, func() error {
		return bus.Consume(ctx, stream.PositionsStream, func(_ context.Context, env contracts.Envelope) error {
			snap, err := contracts.DecodePosition(env)
			if err != nil {
				return err
			}
			positions.Apply(snap)
			return nil
		})
	})
	consume(stream.ExposureStream, func() error {
		return bus.Consume(ctx, stream.ExposureStream, func(_ context.Context, env contracts.Envelope) error {
			ev, err := contracts.DecodeExposure(env)
			if err != nil {
				return err
			}
			market.ApplyExposure(ev)
			return nil
		})
	})
	consume(stream.SessionStream, func() error {
		return bus.Consume(ctx, stream.SessionStream, func(_ context.Context, env contracts.Envelope) error {
			ev, err := contracts.DecodeSession(env)
			if err != nil {
				return err
			}
			market.ApplySession(ev)
			return nil
		})
	})

	// Arbitration tick: drain the batch window, resolve, execute survivors.
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(cfg.BatchWindow())
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				intents := batch.Drain()
				if len(intents) == 0 {
					continue
				}
				survivors, drops := arb.Arbitrate(intents, market.Inputs())
				observ.Log("arbitration_tick", map[string]any{
					"batch": len(intents), "survivors": len(survivors), "drops": len(drops),
					"gross_pct": market.GrossExposurePct(),
				})
				for _, in := range survivors {
					if _, err := eng.ProcessIntent(ctx, in); err != nil {
						observ.Error("process_intent_failed", map[string]any{"intent_id": in.IntentID, "error": err.Error()})
					}
				}
			}
		}
	}()

	// Periodic position state checkpoint.
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(30 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := positions.Save(); err != nil {
					observ.Error("position_checkpoint_failed", map[string]any{"error": err.Error()})
				}
			}
		}
	}()

	srv := &http.Server{Addr: cfg.Observability.ListenAddr, Handler: newHTTPHandler(registry)}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			observ.Error("http_server_failed", map[string]any{"error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	observ.Log("shutting_down", map[string]any{"open_orders": registry.Open()})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := positions.Save(); err != nil {
		observ.Error("final_checkpoint_failed", map[string]any{"error": err.Error()})
	}
	wg.Wait()
	return nil
}

func newHTTPHandler(registry *lifecycle.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","open_orders":%d}`, registry.Open())
	})
	return mux
}

// orderEventKey derives the idempotency key for an emitted order event.
// Fill events are keyed by fill id so a republished fill collapses; other
// transitions are keyed by the state reached.
func orderEventKey(ev contracts.OrderEvent) string {
	if ev.Metadata.FillID != "" {
		return "order:" + ev.OrderID + ":fill:" + ev.Metadata.FillID
	}
	return "order:" + ev.OrderID + ":" + string(ev.Action)
}

// engineRef lets the paper broker's sink point at an engine constructed
// after the broker.
type engineRef struct {
	*lifecycle.Engine
}

// fillTracker converts cumulative filled quantities on emitted events into
// signed deltas for the guard's rolling windows.
type fillTracker struct {
	tracker *guard.RollingTracker

	mu     sync.Mutex
	filled map[string]float64
}

func newFillTracker(tracker *guard.RollingTracker) *fillTracker {
	return &fillTracker{tracker: tracker, filled: map[string]float64{}}
}

func (f *fillTracker) observe(ev contracts.OrderEvent) {
	switch ev.Action {
	case contracts.OrderPartialFill, contracts.OrderFilled:
	default:
		if ev.Action.IsTerminal() {
			f.mu.Lock()
			delete(f.filled, ev.OrderID)
			f.mu.Unlock()
		}
		return
	}

	f.mu.Lock()
	prev := f.filled[ev.OrderID]
	delta := ev.FilledQuantity - prev
	f.filled[ev.OrderID] = ev.FilledQuantity
	if ev.Action == contracts.OrderFilled {
		delete(f.filled, ev.OrderID)
	}
	f.mu.Unlock()

	if delta <= 0 {
		return
	}
	now := time.Now().UTC()
	signed := delta
	if ev.Side == contracts.TradeSell {
		signed = -delta
	}
	f.tracker.RecordChange(ev.Symbol, signed, now)
	if ev.Effect == contracts.EffectIncrease {
		f.tracker.RecordAdd(ev.Symbol, delta, now)
	}
}
