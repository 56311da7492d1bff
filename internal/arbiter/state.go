package arbiter

import (
	"sync"

	"github.com/psfalgo/quant-engine/internal/contracts"
	"github.com/psfalgo/quant-engine/internal/observ"
)

// MarketState caches the latest exposure and session events consumed from
// their streams; the arbiter tick reads it for its inputs.
type MarketState struct {
	mu       sync.RWMutex
	exposure contracts.ExposureEvent
	session  contracts.SessionEvent
}

// NewMarketState returns an empty cache. Until the first exposure event
// arrives, gross exposure reads as zero and the regime as normal.
func NewMarketState() *MarketState {
	return &MarketState{session: contracts.SessionEvent{Regime: string(ModeNormal)}}
}

// ApplyExposure replaces the cached exposure report.
func (s *MarketState) ApplyExposure(ev contracts.ExposureEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposure = ev
}

// ApplySession replaces the cached session state.
func (s *MarketState) ApplySession(ev contracts.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = ev
}

// GrossExposurePct returns the latest gross exposure percentage.
func (s *MarketState) GrossExposurePct() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exposure.GrossExposurePct
}

// Mode maps the session regime onto an arbitration mode.
func (s *MarketState) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session.Regime == string(ModeCapRecovery) {
		return ModeCapRecovery
	}
	return ModeNormal
}

// Inputs snapshots the cached market context for one arbitration tick.
func (s *MarketState) Inputs() Inputs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tick := Inputs{
		GrossExposurePct: s.exposure.GrossExposurePct,
		Mode:             ModeNormal,
		MinutesToClose:   s.session.MinutesToClose,
	}
	if s.session.Regime == string(ModeCapRecovery) {
		tick.Mode = ModeCapRecovery
	}
	if b, ok := s.exposure.Buckets[string(contracts.BucketMM)]; ok {
		tick.MMExposurePct = b.CurrentPct
	}
	return tick
}

// Batch accumulates intents between scheduling ticks. Draining closes the
// window: whatever was collected is handed to the arbiter, and an intent that
// was not accepted in its window is gone; the decision engine must reissue
// it next cycle. Duplicate deliveries inside a window are absorbed by
// idempotency key.
type Batch struct {
	mu      sync.Mutex
	intents []contracts.IntentEvent
	seen    map[string]struct{}
}

// NewBatch returns an empty accumulator.
func NewBatch() *Batch {
	return &Batch{seen: map[string]struct{}{}}
}

// Add queues an intent for the next tick. The idempotency key dedupes
// redelivery within the window.
func (b *Batch) Add(in contracts.IntentEvent, idempotencyKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idempotencyKey != "" {
		if _, dup := b.seen[idempotencyKey]; dup {
			observ.DuplicateIntents.Inc()
			return
		}
		b.seen[idempotencyKey] = struct{}{}
	}
	b.intents = append(b.intents, in)
}

// Drain closes the current window and returns its intents.
func (b *Batch) Drain() []contracts.IntentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.intents
	b.intents = nil
	b.seen = map[string]struct{}{}
	return out
}

// Len reports how many intents are waiting in the current window.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.intents)
}
