package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/psfalgo/quant-engine/internal/contracts"
	"github.com/psfalgo/quant-engine/internal/observ"
)

const qtyEpsilon = 1e-9

// GuardCheck validates an arbitrated intent at execution time. A denial is a
// normal outcome: the intent becomes a REJECTED order event with the reason.
type GuardCheck func(in contracts.IntentEvent) (allowed bool, reason string)

// EmitFunc publishes an order event downstream.
type EmitFunc func(ev contracts.OrderEvent)

// Config tunes the engine.
type Config struct {
	// OrdersPerSec throttles broker submissions; zero disables the limiter.
	OrdersPerSec float64
	OrderBurst   int
}

// Engine drives per-order state machines from arbitrated intents and broker
// events. All delivery pathologies terminate here: duplicate fills and
// statuses are absorbed by idempotency keys, early fills are buffered until
// their order exists, and terminal states are permanent.
type Engine struct {
	reg     *Registry
	broker  Broker
	emit    EmitFunc
	guard   GuardCheck
	limiter *rate.Limiter

	mu    sync.Mutex
	early map[string][]earlyFill
}

type earlyFill struct {
	fillID    string
	filled    float64
	remaining float64
	price     float64
}

// NewEngine wires the engine to its collaborators. guard may be nil to skip
// execution-time validation; emit must not be nil.
func NewEngine(reg *Registry, broker Broker, emit EmitFunc, guard GuardCheck, cfg Config) *Engine {
	var limiter *rate.Limiter
	if cfg.OrdersPerSec > 0 {
		burst := cfg.OrderBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.OrdersPerSec), burst)
	}
	return &Engine{
		reg:     reg,
		broker:  broker,
		emit:    emit,
		guard:   guard,
		limiter: limiter,
		early:   map[string][]earlyFill{},
	}
}

// Registry exposes the order store, mainly for inspection and tests.
func (e *Engine) Registry() *Registry { return e.reg }

// ProcessIntent turns an arbitrated intent into a working order. It is
// idempotent per intent id: re-processing returns the order already spawned.
func (e *Engine) ProcessIntent(ctx context.Context, in contracts.IntentEvent) (string, error) {
	if existing, ok := e.reg.OrderForIntent(in.IntentID); ok {
		observ.Log("intent_already_processed", map[string]any{"intent_id": in.IntentID, "order_id": existing})
		return existing, nil
	}

	o := &Order{
		OrderID:           "ord-" + uuid.NewString(),
		IntentID:          in.IntentID,
		Symbol:            in.Symbol,
		Side:              in.Action,
		Classification:    in.Classification,
		Quantity:          in.Quantity,
		RiskDeltaNotional: in.RiskDeltaNotional,
		RiskDeltaGrossPct: in.RiskDeltaGrossPct,
		State:             contracts.OrderAccepted,
	}

	if e.guard != nil {
		if allowed, reason := e.guard(in); !allowed {
			o.State = contracts.OrderRejected
			e.reg.Tombstone(o)
			e.emit(o.Event(contracts.OrderRejected, contracts.OrderMetadata{Reason: reason}))
			observ.OrdersRejected.Inc()
			observ.Log("intent_rejected_by_guard", map[string]any{"intent_id": in.IntentID, "symbol": in.Symbol, "reason": reason})
			return o.OrderID, nil
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	if err := e.reg.Register(o); err != nil {
		return "", err
	}
	e.emit(o.Event(contracts.OrderAccepted, contracts.OrderMetadata{}))

	err := e.reg.With(o.OrderID, func(o *Order) error {
		o.State = contracts.OrderWorking
		e.emit(o.Event(contracts.OrderWorking, contracts.OrderMetadata{}))
		return nil
	})
	if err != nil {
		return "", err
	}

	e.drainEarlyFills(o.OrderID)

	if err := e.broker.Place(ctx, PlaceRequest{
		OrderID:  o.OrderID,
		Symbol:   o.Symbol,
		Side:     o.Side,
		Quantity: o.Quantity,
		Price:    in.PositionContext.AvgPrice,
	}); err != nil {
		// The broker refused the order outright.
		rejErr := e.reg.With(o.OrderID, func(o *Order) error {
			o.State = contracts.OrderRejected
			e.emit(o.Event(contracts.OrderRejected, contracts.OrderMetadata{Reason: err.Error()}))
			return nil
		})
		observ.OrdersRejected.Inc()
		if rejErr != nil {
			return o.OrderID, rejErr
		}
		return o.OrderID, nil
	}
	return o.OrderID, nil
}

// ApplyFill applies one execution report. A fill id seen before is a no-op;
// a fill for an order not yet registered is buffered, not lost; cumulative
// fills never exceed the order quantity.
func (e *Engine) ApplyFill(orderID string, filledQty, remainingQty float64, fillID string, price float64) error {
	if fillID == "" {
		return fmt.Errorf("fill for order %s missing fill_id", orderID)
	}
	if filledQty <= 0 {
		return fmt.Errorf("fill %s has non-positive quantity %v", fillID, filledQty)
	}

	err := e.reg.With(orderID, func(o *Order) error {
		if _, dup := o.seenFills[fillID]; dup {
			observ.DuplicateFills.Inc()
			observ.Log("duplicate_fill_absorbed", map[string]any{"order_id": orderID, "fill_id": fillID})
			return nil
		}
		if o.FilledQuantity+filledQty > o.Quantity+qtyEpsilon {
			return fmt.Errorf("%w: order %s qty %v, already filled %v, fill %s adds %v",
				ErrOverfill, orderID, o.Quantity, o.FilledQuantity, fillID, filledQty)
		}
		if price > 0 {
			total := o.FilledQuantity + filledQty
			o.AvgFillPrice = (o.AvgFillPrice*o.FilledQuantity + price*filledQty) / total
		}
		o.FilledQuantity += filledQty
		o.seenFills[fillID] = struct{}{}
		observ.FillsApplied.Inc()

		action := contracts.OrderPartialFill
		if remainingQty <= qtyEpsilon {
			action = contracts.OrderFilled
		}
		o.State = action
		e.emit(o.Event(action, contracts.OrderMetadata{FillID: fillID}))
		return nil
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrOrderTerminal):
		if e.reg.SeenFill(orderID, fillID) {
			observ.DuplicateFills.Inc()
			observ.Log("duplicate_fill_absorbed", map[string]any{"order_id": orderID, "fill_id": fillID, "terminal": true})
			return nil
		}
		observ.Warn("late_fill_on_terminal_order", map[string]any{"order_id": orderID, "fill_id": fillID})
		return err
	case errors.Is(err, ErrOrderNotFound):
		// Out-of-order delivery: the fill beat the order's registration.
		e.mu.Lock()
		e.early[orderID] = append(e.early[orderID], earlyFill{fillID: fillID, filled: filledQty, remaining: remainingQty, price: price})
		e.mu.Unlock()
		observ.EarlyFills.Inc()
		observ.Log("early_fill_buffered", map[string]any{"order_id": orderID, "fill_id": fillID})
		// The order may have registered and drained while we buffered; a
		// fill parked after that drain would otherwise never be replayed.
		if e.reg.Live(orderID) {
			e.drainEarlyFills(orderID)
		}
		return nil
	default:
		return err
	}
}

// ApplyOrderStatus applies a broker status transition, idempotent by
// (order_id, status, event_id). The dedup key is recorded only once the
// transition applied; a status that errors (order not yet known) stays
// unconsumed so its redelivery is not absorbed as a duplicate.
func (e *Engine) ApplyOrderStatus(orderID string, status contracts.OrderAction, eventID string) error {
	if e.reg.StatusSeen(orderID, status, eventID) {
		observ.DuplicateStatuses.Inc()
		observ.Log("duplicate_status_absorbed", map[string]any{"order_id": orderID, "status": string(status), "event_id": eventID})
		return nil
	}

	err := e.reg.With(orderID, func(o *Order) error {
		switch status {
		case contracts.OrderWorking:
			if o.State == contracts.OrderAccepted {
				o.State = contracts.OrderWorking
				e.emit(o.Event(contracts.OrderWorking, contracts.OrderMetadata{}))
			}
			return nil
		case contracts.OrderCanceled, contracts.OrderRejected:
			o.State = status
			e.emit(o.Event(status, contracts.OrderMetadata{}))
			return nil
		case contracts.OrderCancelRejected:
			// Non-terminal: the order stays in its prior live state.
			observ.CancelRejects.Inc()
			e.emit(o.Event(contracts.OrderCancelRejected, contracts.OrderMetadata{}))
			return nil
		default:
			return fmt.Errorf("unsupported status transition %s for order %s", status, orderID)
		}
	})
	switch {
	case err == nil:
		e.reg.MarkStatus(orderID, status, eventID)
		return nil
	case errors.Is(err, ErrOrderTerminal):
		// Finality: whatever terminal state was reached first is permanent.
		e.reg.MarkStatus(orderID, status, eventID)
		observ.Log("status_after_terminal_dropped", map[string]any{"order_id": orderID, "status": string(status)})
		return nil
	default:
		return err
	}
}

// CancelOrder attempts to cancel a live order. Canceling a terminal order
// emits CANCEL_REJECTED and fails; a broker-side race with an in-flight fill
// does the same while the order stays live.
func (e *Engine) CancelOrder(ctx context.Context, orderID, reason string) error {
	if term, ok := e.reg.TerminalState(orderID); ok {
		observ.CancelRejects.Inc()
		e.emit(term.Event(contracts.OrderCancelRejected, contracts.OrderMetadata{Reason: reason}))
		observ.Log("cancel_rejected_terminal", map[string]any{"order_id": orderID, "state": string(term.State)})
		return ErrOrderTerminal
	}

	if err := e.broker.Cancel(ctx, orderID); err != nil {
		if errors.Is(err, ErrCancelRejected) {
			observ.CancelRejects.Inc()
			withErr := e.reg.With(orderID, func(o *Order) error {
				e.emit(o.Event(contracts.OrderCancelRejected, contracts.OrderMetadata{Reason: reason}))
				return nil
			})
			if errors.Is(withErr, ErrOrderTerminal) {
				// Filled while the cancel was in flight.
				if term, ok := e.reg.TerminalState(orderID); ok {
					e.emit(term.Event(contracts.OrderCancelRejected, contracts.OrderMetadata{Reason: reason}))
				}
			}
			return ErrCancelRejected
		}
		return fmt.Errorf("broker cancel %s: %w", orderID, err)
	}

	err := e.reg.With(orderID, func(o *Order) error {
		o.State = contracts.OrderCanceled
		e.emit(o.Event(contracts.OrderCanceled, contracts.OrderMetadata{Reason: reason}))
		return nil
	})
	if errors.Is(err, ErrOrderTerminal) {
		// The fill won the race after the broker acknowledged the cancel.
		observ.CancelRejects.Inc()
		if term, ok := e.reg.TerminalState(orderID); ok {
			e.emit(term.Event(contracts.OrderCancelRejected, contracts.OrderMetadata{Reason: reason}))
		}
		return ErrCancelRejected
	}
	return err
}

// drainEarlyFills replays fills that arrived before their order existed.
func (e *Engine) drainEarlyFills(orderID string) {
	e.mu.Lock()
	buffered := e.early[orderID]
	delete(e.early, orderID)
	e.mu.Unlock()
	for _, f := range buffered {
		if err := e.ApplyFill(orderID, f.filled, f.remaining, f.fillID, f.price); err != nil {
			observ.Error("buffered_fill_apply_failed", map[string]any{"order_id": orderID, "fill_id": f.fillID, "error": err.Error()})
		}
	}
}
