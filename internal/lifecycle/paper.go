package lifecycle

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/psfalgo/quant-engine/internal/contracts"
	"github.com/psfalgo/quant-engine/internal/observ"
)

// PaperConfig tunes the simulated broker. Zero values give immediate full
// fills with no slippage, which is what most tests want.
type PaperConfig struct {
	Seed          int64
	MinLatency    time.Duration
	MaxLatency    time.Duration
	SlippageBps   float64
	MaxPartials   int
	RejectSymbols map[string]bool
}

// PaperBroker simulates executions against an ExecutionSink. Behavior is
// deterministic per order id for a fixed seed, so replays of the same order
// stream produce byte-identical fill sequences.
type PaperBroker struct {
	cfg  PaperConfig
	sink ExecutionSink

	mu     sync.Mutex
	orders map[string]*paperOrder
}

type paperOrder struct {
	req      PlaceRequest
	canceled bool
	done     bool
}

func NewPaperBroker(cfg PaperConfig, sink ExecutionSink) *PaperBroker {
	if cfg.MaxPartials <= 0 {
		cfg.MaxPartials = 1
	}
	return &PaperBroker{cfg: cfg, sink: sink, orders: map[string]*paperOrder{}}
}

// Place accepts the order and fills it asynchronously.
func (b *PaperBroker) Place(ctx context.Context, req PlaceRequest) error {
	if b.cfg.RejectSymbols[req.Symbol] {
		return fmt.Errorf("symbol %s not tradable", req.Symbol)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("order %s has non-positive quantity %v", req.OrderID, req.Quantity)
	}

	po := &paperOrder{req: req}
	b.mu.Lock()
	if _, dup := b.orders[req.OrderID]; dup {
		b.mu.Unlock()
		return fmt.Errorf("order %s already placed", req.OrderID)
	}
	b.orders[req.OrderID] = po
	b.mu.Unlock()

	go b.run(ctx, po)
	return nil
}

// Cancel succeeds only while the order still has unfilled quantity. A cancel
// after the last fill returns ErrCancelRejected, modeling the race against
// an in-flight execution.
func (b *PaperBroker) Cancel(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if po.done {
		return ErrCancelRejected
	}
	po.canceled = true
	return nil
}

func (b *PaperBroker) run(ctx context.Context, po *paperOrder) {
	rng := b.rngFor(po.req.OrderID)

	partials := 1 + rng.Intn(b.cfg.MaxPartials)
	schedule := fillSchedule(po.req.Quantity, partials, rng)
	price := b.fillPrice(po.req, rng)

	filled := 0.0
	for i, qty := range schedule {
		if !b.sleep(ctx, b.latency(rng)) {
			return
		}
		b.mu.Lock()
		if po.canceled {
			b.mu.Unlock()
			return
		}
		filled += qty
		remaining := po.req.Quantity - filled
		if remaining <= qtyEpsilon {
			remaining = 0
			po.done = true
		}
		b.mu.Unlock()

		fillID := fmt.Sprintf("%s-f%d", po.req.OrderID, i+1)
		if err := b.sink.ApplyFill(po.req.OrderID, qty, remaining, fillID, price); err != nil {
			observ.Error("paper_fill_apply_failed", map[string]any{"order_id": po.req.OrderID, "fill_id": fillID, "error": err.Error()})
			return
		}
	}
}

func (b *PaperBroker) rngFor(orderID string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(orderID))
	return rand.New(rand.NewSource(b.cfg.Seed ^ int64(h.Sum64())))
}

func (b *PaperBroker) latency(rng *rand.Rand) time.Duration {
	if b.cfg.MaxLatency <= b.cfg.MinLatency {
		return b.cfg.MinLatency
	}
	span := b.cfg.MaxLatency - b.cfg.MinLatency
	return b.cfg.MinLatency + time.Duration(rng.Int63n(int64(span)))
}

func (b *PaperBroker) fillPrice(req PlaceRequest, rng *rand.Rand) float64 {
	if req.Price <= 0 {
		return 0
	}
	if b.cfg.SlippageBps <= 0 {
		return req.Price
	}
	// Slippage always moves against the order.
	slip := req.Price * b.cfg.SlippageBps / 10000 * rng.Float64()
	if req.Side == contracts.TradeBuy {
		return req.Price + slip
	}
	return req.Price - slip
}

func (b *PaperBroker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// fillSchedule splits qty into n positive slices that sum exactly to qty.
func fillSchedule(qty float64, n int, rng *rand.Rand) []float64 {
	if n <= 1 {
		return []float64{qty}
	}
	out := make([]float64, 0, n)
	remaining := qty
	for i := 0; i < n-1; i++ {
		slice := remaining * (0.2 + 0.6*rng.Float64()) / float64(n-i)
		out = append(out, slice)
		remaining -= slice
	}
	out = append(out, remaining)
	return out
}
