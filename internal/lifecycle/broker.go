package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/psfalgo/quant-engine/internal/contracts"
)

// ErrCancelRejected means the broker could not cancel because the order was
// already done, typically a race with an in-flight fill. It is a normal
// outcome, not a failure of the engine.
var ErrCancelRejected = errors.New("cancel rejected by broker")

// PlaceRequest is the order handed to the broker adapter. Price is a
// reference price for adapters that simulate execution.
type PlaceRequest struct {
	OrderID  string
	Symbol   string
	Side     contracts.TradeAction
	Quantity float64
	Price    float64
}

// Broker transmits orders to a venue. Place returns once the order is
// working; fills and terminal statuses arrive asynchronously through the
// ExecutionSink the adapter was built with. Cancel returns ErrCancelRejected
// when the order completed first.
type Broker interface {
	Place(ctx context.Context, req PlaceRequest) error
	Cancel(ctx context.Context, orderID string) error
}

// ExecutionSink receives asynchronous execution reports. The lifecycle
// engine implements it; fault-injection layers wrap it.
type ExecutionSink interface {
	ApplyFill(orderID string, filledQty, remainingQty float64, fillID string, price float64) error
	ApplyOrderStatus(orderID string, status contracts.OrderAction, eventID string) error
}

// FaultPolicy decides which faults to inject on the execution path. All
// decisions must be deterministic given the ids so a run can be replayed.
type FaultPolicy interface {
	DropFill(orderID, fillID string) bool
	DuplicateFill(orderID, fillID string) bool
	FillDelay(orderID string) time.Duration
	RejectCancel(orderID string) bool
}
