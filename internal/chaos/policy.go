// Package chaos injects deterministic delivery faults on the execution path
// for resilience testing: dropped fills, duplicated fills, delayed fills and
// spurious cancel rejects. Every decision is a pure function of the seed and
// the ids involved, so a chaotic run replays exactly.
package chaos

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/psfalgo/quant-engine/internal/contracts"
	"github.com/psfalgo/quant-engine/internal/lifecycle"
	"github.com/psfalgo/quant-engine/internal/observ"
)

// Config describes the fault mix. Rates are probabilities in [0,1].
type Config struct {
	Enabled           bool          `yaml:"enabled"`
	Seed              int64         `yaml:"seed"`
	DropFillRate      float64       `yaml:"drop_fill_rate"`
	DuplicateFillRate float64       `yaml:"duplicate_fill_rate"`
	MaxFillDelay      time.Duration `yaml:"max_fill_delay"`
	CancelRejectRate  float64       `yaml:"cancel_reject_rate"`
}

func (c Config) Validate() error {
	for _, r := range []struct {
		name string
		v    float64
	}{
		{"drop_fill_rate", c.DropFillRate},
		{"duplicate_fill_rate", c.DuplicateFillRate},
		{"cancel_reject_rate", c.CancelRejectRate},
	} {
		if r.v < 0 || r.v > 1 {
			return fmt.Errorf("chaos %s must be in [0,1], got %v", r.name, r.v)
		}
	}
	if c.MaxFillDelay < 0 {
		return fmt.Errorf("chaos max_fill_delay must be non-negative, got %v", c.MaxFillDelay)
	}
	return nil
}

// Policy implements lifecycle.FaultPolicy with seeded per-key randomness.
type Policy struct {
	cfg Config
}

func NewPolicy(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{cfg: cfg}, nil
}

// roll derives a fresh rng from the seed and the decision key. The same key
// always rolls the same value, independent of call order.
func (p *Policy) roll(key string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(key))
	return rand.New(rand.NewSource(p.cfg.Seed ^ int64(h.Sum64())))
}

func (p *Policy) DropFill(orderID, fillID string) bool {
	if !p.cfg.Enabled {
		return false
	}
	return p.roll("drop|"+orderID+"|"+fillID).Float64() < p.cfg.DropFillRate
}

func (p *Policy) DuplicateFill(orderID, fillID string) bool {
	if !p.cfg.Enabled {
		return false
	}
	return p.roll("dup|"+orderID+"|"+fillID).Float64() < p.cfg.DuplicateFillRate
}

func (p *Policy) FillDelay(orderID string) time.Duration {
	if !p.cfg.Enabled || p.cfg.MaxFillDelay <= 0 {
		return 0
	}
	return time.Duration(p.roll("delay|" + orderID).Int63n(int64(p.cfg.MaxFillDelay)))
}

func (p *Policy) RejectCancel(orderID string) bool {
	if !p.cfg.Enabled {
		return false
	}
	return p.roll("cancelrej|"+orderID).Float64() < p.cfg.CancelRejectRate
}

// WrapSink layers fault injection over an execution sink. Dropped fills are
// swallowed, duplicated fills are delivered twice, delayed fills sleep
// before delivery.
func WrapSink(sink lifecycle.ExecutionSink, policy *Policy) lifecycle.ExecutionSink {
	if policy == nil || !policy.cfg.Enabled {
		return sink
	}
	return &faultySink{sink: sink, policy: policy}
}

type faultySink struct {
	sink   lifecycle.ExecutionSink
	policy *Policy
}

func (s *faultySink) ApplyFill(orderID string, filledQty, remainingQty float64, fillID string, price float64) error {
	if s.policy.DropFill(orderID, fillID) {
		observ.Log("chaos_fill_dropped", map[string]any{"order_id": orderID, "fill_id": fillID})
		return nil
	}
	if d := s.policy.FillDelay(orderID); d > 0 {
		time.Sleep(d)
	}
	if err := s.sink.ApplyFill(orderID, filledQty, remainingQty, fillID, price); err != nil {
		return err
	}
	if s.policy.DuplicateFill(orderID, fillID) {
		observ.Log("chaos_fill_duplicated", map[string]any{"order_id": orderID, "fill_id": fillID})
		return s.sink.ApplyFill(orderID, filledQty, remainingQty, fillID, price)
	}
	return nil
}

func (s *faultySink) ApplyOrderStatus(orderID string, status contracts.OrderAction, eventID string) error {
	return s.sink.ApplyOrderStatus(orderID, status, eventID)
}

// WrapBroker layers cancel-reject injection over a broker.
func WrapBroker(b lifecycle.Broker, policy *Policy) lifecycle.Broker {
	if policy == nil || !policy.cfg.Enabled {
		return b
	}
	return &faultyBroker{broker: b, policy: policy}
}

type faultyBroker struct {
	broker lifecycle.Broker
	policy *Policy
}

func (b *faultyBroker) Place(ctx context.Context, req lifecycle.PlaceRequest) error {
	return b.broker.Place(ctx, req)
}

func (b *faultyBroker) Cancel(ctx context.Context, orderID string) error {
	if b.policy.RejectCancel(orderID) {
		observ.Log("chaos_cancel_rejected", map[string]any{"order_id": orderID})
		return lifecycle.ErrCancelRejected
	}
	return b.broker.Cancel(ctx, orderID)
}
