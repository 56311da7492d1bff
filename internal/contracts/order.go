package contracts

import "fmt"

// OrderAction is a lifecycle transition published on the orders stream.
type OrderAction string

const (
	OrderAccepted       OrderAction = "ACCEPTED"
	OrderWorking        OrderAction = "WORKING"
	OrderPartialFill    OrderAction = "PARTIAL_FILL"
	OrderFilled         OrderAction = "FILLED"
	OrderCanceled       OrderAction = "CANCELED"
	OrderRejected       OrderAction = "REJECTED"
	OrderCancelRejected OrderAction = "CANCEL_REJECTED"
)

// IsTerminal reports whether the action ends an order's lifecycle.
// CANCEL_REJECTED is not terminal: the cancel failed, the order stays live.
func (a OrderAction) IsTerminal() bool {
	switch a {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	default:
		return false
	}
}

// OrderMetadata carries transition-specific details. FillID is present on
// fill-bearing events and is the idempotency unit for fills.
type OrderMetadata struct {
	FillID string `json:"fill_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// OrderEvent is one lifecycle transition for a single order. Classification,
// bucket, direction, effect and the risk deltas are copied verbatim from the
// originating intent so the audit trail from decision to fill stays stable.
type OrderEvent struct {
	OrderID           string              `json:"order_id"`
	Symbol            string              `json:"symbol"`
	Action            OrderAction         `json:"action"`
	Side              TradeAction         `json:"side"`
	Quantity          float64             `json:"quantity"`
	FilledQuantity    float64             `json:"filled_quantity"`
	AvgFillPrice      float64             `json:"avg_fill_price"`
	Classification    OrderClassification `json:"classification"`
	Bucket            Bucket              `json:"bucket"`
	Direction         Direction           `json:"dir"`
	Effect            Effect              `json:"effect"`
	IntentID          string              `json:"intent_id"`
	RiskDeltaNotional float64             `json:"risk_delta_notional"`
	RiskDeltaGrossPct float64             `json:"risk_delta_gross_pct"`
	Metadata          OrderMetadata       `json:"metadata,omitempty"`
}

// Validate rejects order events that cannot be applied downstream.
func (ev OrderEvent) Validate() error {
	if ev.OrderID == "" {
		return fmt.Errorf("order event missing order_id")
	}
	if ev.Symbol == "" {
		return fmt.Errorf("order event %s missing symbol", ev.OrderID)
	}
	switch ev.Action {
	case OrderAccepted, OrderWorking, OrderPartialFill, OrderFilled,
		OrderCanceled, OrderRejected, OrderCancelRejected:
	default:
		return fmt.Errorf("order event %s has invalid action %q", ev.OrderID, ev.Action)
	}
	if ev.Action == OrderPartialFill || ev.Action == OrderFilled {
		if ev.Metadata.FillID == "" {
			return fmt.Errorf("order event %s (%s) missing fill_id", ev.OrderID, ev.Action)
		}
	}
	return nil
}

// DecodeOrder extracts and validates an OrderEvent payload.
func DecodeOrder(env Envelope) (OrderEvent, error) {
	if env.EventType != EventTypeOrder {
		return OrderEvent{}, fmt.Errorf("expected %s envelope, got %s", EventTypeOrder, env.EventType)
	}
	var ev OrderEvent
	if err := env.decodePayload(&ev); err != nil {
		return OrderEvent{}, err
	}
	if err := ev.Validate(); err != nil {
		return OrderEvent{}, err
	}
	return ev, nil
}
