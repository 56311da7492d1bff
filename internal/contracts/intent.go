package contracts

import "fmt"

// IntentType labels why the upstream decision engine wants a position change.
type IntentType string

const (
	IntentCapRecovery      IntentType = "CAP_RECOVERY"
	IntentHardDerisk       IntentType = "HARD_DERISK"
	IntentSoftDerisk       IntentType = "SOFT_DERISK"
	IntentLTBandCorrective IntentType = "LT_BAND_CORRECTIVE"
	IntentMMChurn          IntentType = "MM_CHURN"
	IntentAlpha            IntentType = "ALPHA"
	IntentLTAdd            IntentType = "LT_ADD"
	IntentLTReduce         IntentType = "LT_REDUCE"
	IntentMMAdd            IntentType = "MM_ADD"
	IntentMMReduce         IntentType = "MM_REDUCE"
)

// TradeAction is the order side an intent asks for.
type TradeAction string

const (
	TradeBuy  TradeAction = "BUY"
	TradeSell TradeAction = "SELL"
)

// PositionContext is the position snapshot captured when the intent was
// created. It is immutable from then on; arbitration and execution read it
// but never update it.
type PositionContext struct {
	Quantity  float64 `json:"qty"`
	AvgPrice  float64 `json:"avg_price"`
	AccountID string  `json:"account_id"`
}

// IntentMetadata carries optional hints attached by the decision engine.
type IntentMetadata struct {
	EstimatedCost *float64 `json:"estimated_cost,omitempty"`
}

// IntentEvent is a proposed position change awaiting arbitration. Priority is
// derived from the intent type at arbitration time; a priority carried on the
// wire is informational only.
type IntentEvent struct {
	IntentID          string              `json:"intent_id"`
	IntentType        IntentType          `json:"intent_type"`
	Symbol            string              `json:"symbol"`
	Action            TradeAction         `json:"action"`
	Quantity          float64             `json:"quantity"`
	Classification    OrderClassification `json:"classification"`
	RiskDeltaNotional float64             `json:"risk_delta_notional"`
	RiskDeltaGrossPct float64             `json:"risk_delta_gross_pct"`
	PositionContext   PositionContext     `json:"position_context_at_intent"`
	Reason            string              `json:"reason,omitempty"`
	CreatedAt         int64               `json:"created_at"` // unix nanoseconds
	Metadata          IntentMetadata      `json:"metadata,omitempty"`
}

// Validate rejects intents that cannot be arbitrated safely.
func (in IntentEvent) Validate() error {
	if in.IntentID == "" {
		return fmt.Errorf("intent missing intent_id")
	}
	if in.Symbol == "" {
		return fmt.Errorf("intent %s missing symbol", in.IntentID)
	}
	if in.Action != TradeBuy && in.Action != TradeSell {
		return fmt.Errorf("intent %s has invalid action %q", in.IntentID, in.Action)
	}
	if in.Quantity <= 0 {
		return fmt.Errorf("intent %s has non-positive quantity %v", in.IntentID, in.Quantity)
	}
	if !in.Classification.Valid() {
		return fmt.Errorf("intent %s has invalid classification %q", in.IntentID, in.Classification)
	}
	return nil
}

// DecodeIntent extracts and validates an IntentEvent payload.
func DecodeIntent(env Envelope) (IntentEvent, error) {
	if env.EventType != EventTypeIntent {
		return IntentEvent{}, fmt.Errorf("expected %s envelope, got %s", EventTypeIntent, env.EventType)
	}
	var in IntentEvent
	if err := env.decodePayload(&in); err != nil {
		return IntentEvent{}, err
	}
	if in.CreatedAt == 0 {
		in.CreatedAt = env.Timestamp
	}
	if err := in.Validate(); err != nil {
		return IntentEvent{}, err
	}
	return in, nil
}
