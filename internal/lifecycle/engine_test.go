package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psfalgo/quant-engine/internal/contracts"
)

type eventLog struct {
	mu     sync.Mutex
	events []contracts.OrderEvent
}

func (l *eventLog) emit(ev contracts.OrderEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) actions() []contracts.OrderAction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]contracts.OrderAction, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Action)
	}
	return out
}

func (l *eventLog) last() contracts.OrderEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

// manualBroker accepts orders without filling them, so tests drive fills
// explicitly through ApplyFill.
type manualBroker struct {
	mu        sync.Mutex
	placed    []PlaceRequest
	cancelErr error
}

func (b *manualBroker) Place(_ context.Context, req PlaceRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, req)
	return nil
}

func (b *manualBroker) Cancel(context.Context, string) error { return b.cancelErr }

func testIntent(id, symbol string, qty float64) contracts.IntentEvent {
	return contracts.IntentEvent{
		IntentID:       id,
		IntentType:     contracts.IntentLTAdd,
		Symbol:         symbol,
		Action:         contracts.TradeBuy,
		Quantity:       qty,
		Classification: contracts.Classify(contracts.BucketLT, contracts.DirectionLong, contracts.EffectIncrease),
		PositionContext: contracts.PositionContext{
			Quantity: 200,
			AvgPrice: 25.10,
		},
		CreatedAt: time.Now().UnixNano(),
	}
}

func newTestEngine(t *testing.T, broker Broker, guard GuardCheck) (*Engine, *eventLog) {
	t.Helper()
	log := &eventLog{}
	eng := NewEngine(NewRegistry(64), broker, log.emit, guard, Config{})
	return eng, log
}

func TestPartialFillsThenDuplicateReplay(t *testing.T) {
	broker := &manualBroker{}
	eng, log := newTestEngine(t, broker, nil)

	orderID, err := eng.ProcessIntent(context.Background(), testIntent("i1", "PFF", 100))
	require.NoError(t, err)
	require.Len(t, broker.placed, 1)
	assert.Equal(t, []contracts.OrderAction{contracts.OrderAccepted, contracts.OrderWorking}, log.actions())

	require.NoError(t, eng.ApplyFill(orderID, 30, 70, orderID+"-f1", 25.12))
	assert.Equal(t, contracts.OrderPartialFill, log.last().Action)
	assert.InDelta(t, 30, log.last().FilledQuantity, 1e-9)

	// Replayed fill id changes nothing.
	require.NoError(t, eng.ApplyFill(orderID, 30, 70, orderID+"-f1", 25.12))
	assert.Len(t, log.actions(), 3)

	require.NoError(t, eng.ApplyFill(orderID, 70, 0, orderID+"-f2", 25.15))
	assert.Equal(t, contracts.OrderFilled, log.last().Action)
	assert.InDelta(t, 100, log.last().FilledQuantity, 1e-9)
	assert.Equal(t, 0, eng.Registry().Open())

	// Replay after the order left the live set is still absorbed.
	require.NoError(t, eng.ApplyFill(orderID, 30, 70, orderID+"-f1", 25.12))
	assert.Len(t, log.actions(), 4)
	term, ok := eng.Registry().TerminalState(orderID)
	require.True(t, ok)
	assert.Equal(t, contracts.OrderFilled, term.State)
}

func TestCancelAfterFilledEmitsCancelRejected(t *testing.T) {
	broker := &manualBroker{}
	eng, log := newTestEngine(t, broker, nil)

	orderID, err := eng.ProcessIntent(context.Background(), testIntent("i1", "PFF", 50))
	require.NoError(t, err)
	require.NoError(t, eng.ApplyFill(orderID, 50, 0, orderID+"-f1", 25.12))
	require.Equal(t, contracts.OrderFilled, log.last().Action)

	err = eng.CancelOrder(context.Background(), orderID, "operator")
	assert.ErrorIs(t, err, ErrOrderTerminal)
	last := log.last()
	assert.Equal(t, contracts.OrderCancelRejected, last.Action)
	assert.Equal(t, orderID, last.OrderID)
	assert.InDelta(t, 50, last.FilledQuantity, 1e-9)

	// The terminal state is unchanged.
	term, ok := eng.Registry().TerminalState(orderID)
	require.True(t, ok)
	assert.Equal(t, contracts.OrderFilled, term.State)
}

func TestCancelRaceWithFill(t *testing.T) {
	broker := &manualBroker{cancelErr: ErrCancelRejected}
	eng, log := newTestEngine(t, broker, nil)

	orderID, err := eng.ProcessIntent(context.Background(), testIntent("i1", "PGX", 40))
	require.NoError(t, err)

	err = eng.CancelOrder(context.Background(), orderID, "risk")
	assert.ErrorIs(t, err, ErrCancelRejected)
	assert.Equal(t, contracts.OrderCancelRejected, log.last().Action)
	// CANCEL_REJECTED is not terminal; the order keeps working.
	assert.Equal(t, 1, eng.Registry().Open())

	require.NoError(t, eng.ApplyFill(orderID, 40, 0, orderID+"-f1", 24.80))
	assert.Equal(t, contracts.OrderFilled, log.last().Action)
}

func TestCancelLiveOrder(t *testing.T) {
	broker := &manualBroker{}
	eng, log := newTestEngine(t, broker, nil)

	orderID, err := eng.ProcessIntent(context.Background(), testIntent("i1", "PGX", 40))
	require.NoError(t, err)
	require.NoError(t, eng.CancelOrder(context.Background(), orderID, "sweep"))
	assert.Equal(t, contracts.OrderCanceled, log.last().Action)
	assert.Equal(t, 0, eng.Registry().Open())

	// A second cancel hits the tombstone.
	assert.ErrorIs(t, eng.CancelOrder(context.Background(), orderID, "sweep"), ErrOrderTerminal)
}

func TestProcessIntentIdempotent(t *testing.T) {
	broker := &manualBroker{}
	eng, log := newTestEngine(t, broker, nil)

	in := testIntent("i1", "PFF", 100)
	first, err := eng.ProcessIntent(context.Background(), in)
	require.NoError(t, err)
	second, err := eng.ProcessIntent(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, broker.placed, 1)
	assert.Len(t, log.actions(), 2)
}

func TestGuardDenialRejectsIntent(t *testing.T) {
	broker := &manualBroker{}
	deny := func(contracts.IntentEvent) (bool, string) { return false, "BLOCK_DAILY" }
	eng, log := newTestEngine(t, broker, deny)

	orderID, err := eng.ProcessIntent(context.Background(), testIntent("i1", "PFF", 100))
	require.NoError(t, err)
	assert.Empty(t, broker.placed)

	last := log.last()
	assert.Equal(t, contracts.OrderRejected, last.Action)
	assert.Equal(t, "BLOCK_DAILY", last.Metadata.Reason)

	term, ok := eng.Registry().TerminalState(orderID)
	require.True(t, ok)
	assert.Equal(t, contracts.OrderRejected, term.State)
}

func TestEarlyFillBufferedUntilOrderExists(t *testing.T) {
	broker := &manualBroker{}
	eng, log := newTestEngine(t, broker, nil)

	require.NoError(t, eng.ApplyFill("ord-early", 10, 0, "ord-early-f1", 25.0))
	assert.Empty(t, log.actions())

	o := newTestOrder("ord-early", "i1")
	o.Quantity = 10
	o.State = contracts.OrderWorking
	require.NoError(t, eng.Registry().Register(o))
	eng.drainEarlyFills("ord-early")

	assert.Equal(t, []contracts.OrderAction{contracts.OrderFilled}, log.actions())
	assert.Equal(t, 0, eng.Registry().Open())
}

func TestOverfillRejected(t *testing.T) {
	broker := &manualBroker{}
	eng, _ := newTestEngine(t, broker, nil)

	orderID, err := eng.ProcessIntent(context.Background(), testIntent("i1", "PFF", 100))
	require.NoError(t, err)
	require.NoError(t, eng.ApplyFill(orderID, 80, 20, orderID+"-f1", 25.0))
	assert.ErrorIs(t, eng.ApplyFill(orderID, 40, 0, orderID+"-f2", 25.0), ErrOverfill)
}

func TestStatusDedupe(t *testing.T) {
	broker := &manualBroker{}
	eng, log := newTestEngine(t, broker, nil)

	orderID, err := eng.ProcessIntent(context.Background(), testIntent("i1", "PFF", 100))
	require.NoError(t, err)

	require.NoError(t, eng.ApplyOrderStatus(orderID, contracts.OrderCanceled, "ev-1"))
	assert.Equal(t, contracts.OrderCanceled, log.last().Action)
	before := len(log.actions())

	require.NoError(t, eng.ApplyOrderStatus(orderID, contracts.OrderCanceled, "ev-1"))
	assert.Len(t, log.actions(), before)
}

func TestStatusRedeliveryAfterUnknownOrderApplies(t *testing.T) {
	broker := &manualBroker{}
	eng, log := newTestEngine(t, broker, nil)

	// The status beats the order's registration: the call fails and the
	// event key must stay unconsumed.
	err := eng.ApplyOrderStatus("ord-x", contracts.OrderCanceled, "ev-1")
	require.ErrorIs(t, err, ErrOrderNotFound)

	o := newTestOrder("ord-x", "i1")
	o.State = contracts.OrderWorking
	require.NoError(t, eng.Registry().Register(o))

	// The redelivery carries the same event id and still applies.
	require.NoError(t, eng.ApplyOrderStatus("ord-x", contracts.OrderCanceled, "ev-1"))
	assert.Equal(t, contracts.OrderCanceled, log.last().Action)
	term, ok := eng.Registry().TerminalState("ord-x")
	require.True(t, ok)
	assert.Equal(t, contracts.OrderCanceled, term.State)

	// Now the key is consumed: a third delivery is a no-op.
	before := len(log.actions())
	require.NoError(t, eng.ApplyOrderStatus("ord-x", contracts.OrderCanceled, "ev-1"))
	assert.Len(t, log.actions(), before)
}

func TestFillRacingRegistrationAlwaysLands(t *testing.T) {
	for i := 0; i < 200; i++ {
		broker := &manualBroker{}
		eng, _ := newTestEngine(t, broker, nil)
		orderID := fmt.Sprintf("ord-race-%d", i)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, eng.ApplyFill(orderID, 10, 0, orderID+"-f1", 25.0))
		}()
		go func() {
			defer wg.Done()
			o := newTestOrder(orderID, "i-"+orderID)
			o.Quantity = 10
			o.State = contracts.OrderWorking
			assert.NoError(t, eng.Registry().Register(o))
			eng.drainEarlyFills(orderID)
		}()
		wg.Wait()

		term, ok := eng.Registry().TerminalState(orderID)
		require.True(t, ok, "fill must land under every interleaving")
		assert.Equal(t, contracts.OrderFilled, term.State)
	}
}

func TestTerminalFinality(t *testing.T) {
	broker := &manualBroker{}
	eng, log := newTestEngine(t, broker, nil)

	orderID, err := eng.ProcessIntent(context.Background(), testIntent("i1", "PFF", 100))
	require.NoError(t, err)
	require.NoError(t, eng.ApplyFill(orderID, 100, 0, orderID+"-f1", 25.0))

	// Contradictory statuses after FILLED never surface.
	require.NoError(t, eng.ApplyOrderStatus(orderID, contracts.OrderCanceled, "ev-late"))
	require.NoError(t, eng.ApplyOrderStatus(orderID, contracts.OrderRejected, "ev-later"))

	term, ok := eng.Registry().TerminalState(orderID)
	require.True(t, ok)
	assert.Equal(t, contracts.OrderFilled, term.State)
	assert.Equal(t, contracts.OrderFilled, log.last().Action)
}

func TestPaperBrokerDeterministicFills(t *testing.T) {
	run := func() []contracts.OrderEvent {
		log := &eventLog{}
		reg := NewRegistry(64)
		var eng *Engine
		broker := NewPaperBroker(PaperConfig{Seed: 7, MaxPartials: 3}, sinkFunc{
			fill: func(orderID string, filled, remaining float64, fillID string, price float64) error {
				return eng.ApplyFill(orderID, filled, remaining, fillID, price)
			},
		})
		eng = NewEngine(reg, broker, log.emit, nil, Config{})

		o := newTestOrder("ord-det", "i-det")
		o.State = contracts.OrderWorking
		require.NoError(t, reg.Register(o))
		require.NoError(t, broker.Place(context.Background(), PlaceRequest{
			OrderID: "ord-det", Symbol: "PFF", Side: contracts.TradeBuy, Quantity: 100, Price: 25.0,
		}))
		require.Eventually(t, func() bool {
			_, ok := reg.TerminalState("ord-det")
			return ok
		}, time.Second, time.Millisecond)
		return log.events
	}

	a, b := run(), run()
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Action, b[i].Action)
		assert.InDelta(t, a[i].FilledQuantity, b[i].FilledQuantity, 1e-9)
		assert.Equal(t, a[i].Metadata.FillID, b[i].Metadata.FillID)
	}
}

func TestPaperBrokerCancelAfterDone(t *testing.T) {
	done := make(chan struct{})
	broker := NewPaperBroker(PaperConfig{Seed: 1}, sinkFunc{
		fill: func(_ string, _, remaining float64, _ string, _ float64) error {
			if remaining == 0 {
				close(done)
			}
			return nil
		},
	})
	require.NoError(t, broker.Place(context.Background(), PlaceRequest{
		OrderID: "ord-c", Symbol: "PFF", Side: contracts.TradeBuy, Quantity: 10, Price: 25.0,
	}))
	<-done
	assert.True(t, errors.Is(broker.Cancel(context.Background(), "ord-c"), ErrCancelRejected))
}

type sinkFunc struct {
	fill func(orderID string, filled, remaining float64, fillID string, price float64) error
}

func (s sinkFunc) ApplyFill(orderID string, filled, remaining float64, fillID string, price float64) error {
	return s.fill(orderID, filled, remaining, fillID, price)
}

func (s sinkFunc) ApplyOrderStatus(string, contracts.OrderAction, string) error { return nil }
