// Command replay runs a captured envelope log through the arbitration and
// order lifecycle offline. It reads JSONL envelopes (one per line, the wire
// format), applies them in order, and prints arbitration outcomes plus the
// terminal state of every order. With -chaos-seed set it layers deterministic
// fault injection over the broker path, so the same capture and seed always
// reproduce the same run.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/psfalgo/quant-engine/internal/arbiter"
	"github.com/psfalgo/quant-engine/internal/chaos"
	"github.com/psfalgo/quant-engine/internal/config"
	"github.com/psfalgo/quant-engine/internal/contracts"
	"github.com/psfalgo/quant-engine/internal/guard"
	"github.com/psfalgo/quant-engine/internal/lifecycle"
	"github.com/psfalgo/quant-engine/internal/portfolio"
)

type engineRef struct {
	*lifecycle.Engine
}

func main() {
	log.SetFlags(0)

	capturePath := flag.String("capture", "fixtures/events.jsonl", "path to JSONL envelope capture")
	staticPath := flag.String("static", "", "optional static data yaml")
	chaosSeed := flag.Int64("chaos-seed", 0, "enable chaos with this seed (0 disables)")
	dropRate := flag.Float64("chaos-drop", 0.1, "chaos fill drop rate")
	dupRate := flag.Float64("chaos-dup", 0.1, "chaos fill duplicate rate")
	cancelRate := flag.Float64("chaos-cancelrej", 0.1, "chaos cancel reject rate")
	flag.Parse()

	cfg := config.Default()

	static := guard.StaticTable{}
	if *staticPath != "" {
		var err error
		static, err = guard.LoadStaticTable(*staticPath)
		if err != nil {
			log.Fatalf("static data: %v", err)
		}
	}

	policy, err := chaos.NewPolicy(chaos.Config{
		Enabled:           *chaosSeed != 0,
		Seed:              *chaosSeed,
		DropFillRate:      *dropRate,
		DuplicateFillRate: *dupRate,
		CancelRejectRate:  *cancelRate,
	})
	if err != nil {
		log.Fatalf("chaos config: %v", err)
	}

	positions := portfolio.NewStore("")
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

	var mu sync.Mutex
	var emitted []contracts.OrderEvent
	emit := func(ev contracts.OrderEvent) {
		mu.Lock()
		emitted = append(emitted, ev)
		mu.Unlock()
	}

	guardCheck := func(in contracts.IntentEvent) (bool, string) {
		snap, _ := positions.Get(in.Symbol)
		snap.Symbol = in.Symbol
		verdict := evaluator.Evaluate(in.Symbol, snap, time.Now().UTC())
		ok, status := verdict.PermitsQuantity(guard.ActionFor(in.Classification), in.Quantity)
		if !ok {
			return false, string(status)
		}
		return true, ""
	}

	registry := lifecycle.NewRegistry(0)
	eng := &engineRef{}
	paper := lifecycle.NewPaperBroker(lifecycle.PaperConfig{
		Seed:        cfg.Broker.Paper.Seed,
		MaxPartials: cfg.Broker.Paper.MaxPartials,
		SlippageBps: cfg.Broker.Paper.SlippageBps,
	}, chaos.WrapSink(eng, policy))
	eng.Engine = lifecycle.NewEngine(registry, chaos.WrapBroker(paper, policy), emit, guardCheck, lifecycle.Config{})

	ctx := context.Background()
	var orderIDs []string

	flush := func() {
		intents := batch.Drain()
		if len(intents) == 0 {
			return
		}
		survivors, drops := arb.Arbitrate(intents, market.Inputs())
		for _, d := range drops {
			fmt.Printf("{\"dropped\":\"%s\",\"symbol\":\"%s\",\"reason\":\"%s\"}\n", d.Intent.IntentID, d.Intent.Symbol, d.Reason)
		}
		for _, in := range survivors {
			id, err := eng.ProcessIntent(ctx, in)
			if err != nil {
				log.Fatalf("process intent %s: %v", in.IntentID, err)
			}
			orderIDs = append(orderIDs, id)
		}
	}

	f, err := os.Open(*capturePath)
	if err != nil {
		log.Fatalf("open capture: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<20)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		lines++
		env, err := contracts.DecodeEnvelope(raw)
		if err != nil {
			fmt.Printf("{\"malformed_line\":%d,\"error\":%q}\n", lines, err.Error())
			continue
		}
		switch env.EventType {
		case contracts.EventTypeIntent:
			in, err := contracts.DecodeIntent(env)
			if err != nil {
				fmt.Printf("{\"malformed_line\":%d,\"error\":%q}\n", lines, err.Error())
				continue
			}
			batch.Add(in, env.IdempotencyKey)
		case contracts.EventTypePosition:
			if snap, err := contracts.DecodePosition(env); err == nil {
				positions.Apply(snap)
			}
		case contracts.EventTypeExposure:
			// An exposure report closes the current batch window.
			flush()
			if ev, err := contracts.DecodeExposure(env); err == nil {
				market.ApplyExposure(ev)
			}
		case contracts.EventTypeSession:
			if ev, err := contracts.DecodeSession(env); err == nil {
				market.ApplySession(ev)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("read capture: %v", err)
	}
	flush()

	// Let async paper fills settle.
	deadline := time.Now().Add(3 * time.Second)
	for registry.Open() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	sort.Strings(orderIDs)
	for _, id := range orderIDs {
		if term, ok := registry.TerminalState(id); ok {
			out, _ := json.Marshal(map[string]any{
				"order_id":   term.OrderID,
				"symbol":     term.Symbol,
				"state":      term.State,
				"filled_qty": term.FilledQuantity,
				"avg_price":  term.AvgFillPrice,
			})
			fmt.Println(string(out))
			continue
		}
		fmt.Printf("{\"order_id\":%q,\"state\":\"OPEN\"}\n", id)
	}
	fmt.Printf("{\"lines\":%d,\"orders\":%d,\"events_emitted\":%d}\n", lines, len(orderIDs), len(emitted))
}
