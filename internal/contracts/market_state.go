package contracts

import "fmt"

// PositionSnapshot is the read-only view served by the external position
// service. BefdayQty is captured once at session open and never mutated
// intraday; CurrentQty and PotentialQty move with fills and open orders.
type PositionSnapshot struct {
	Symbol       string  `json:"symbol"`
	BefdayQty    float64 `json:"befday_qty"`
	CurrentQty   float64 `json:"current_qty"`
	PotentialQty float64 `json:"potential_qty"`
	AccountID    string  `json:"account_id"`
}

// BucketExposure is one book's slice of the exposure report.
type BucketExposure struct {
	CurrentPct   float64 `json:"current_pct"`
	PotentialPct float64 `json:"potential_pct"`
	TargetPct    float64 `json:"target_pct"`
	MaxPct       float64 `json:"max_pct"`
}

// ExposureEvent is the periodic account-level exposure report.
type ExposureEvent struct {
	Equity           float64                   `json:"equity"`
	GrossExposurePct float64                   `json:"gross_exposure_pct"`
	NetExposurePct   float64                   `json:"net_exposure_pct"`
	Buckets          map[string]BucketExposure `json:"buckets,omitempty"`
}

// SessionEvent describes the trading session regime.
type SessionEvent struct {
	Regime         string `json:"regime"`
	MarketOpen     bool   `json:"market_open"`
	MinutesToClose int    `json:"minutes_to_close"`
}

// DecodePosition extracts a PositionSnapshot payload.
func DecodePosition(env Envelope) (PositionSnapshot, error) {
	if env.EventType != EventTypePosition {
		return PositionSnapshot{}, fmt.Errorf("expected %s envelope, got %s", EventTypePosition, env.EventType)
	}
	var snap PositionSnapshot
	if err := env.decodePayload(&snap); err != nil {
		return PositionSnapshot{}, err
	}
	if snap.Symbol == "" {
		return PositionSnapshot{}, fmt.Errorf("position event %s missing symbol", env.EventID)
	}
	return snap, nil
}

// DecodeExposure extracts an ExposureEvent payload.
func DecodeExposure(env Envelope) (ExposureEvent, error) {
	if env.EventType != EventTypeExposure {
		return ExposureEvent{}, fmt.Errorf("expected %s envelope, got %s", EventTypeExposure, env.EventType)
	}
	var ev ExposureEvent
	if err := env.decodePayload(&ev); err != nil {
		return ExposureEvent{}, err
	}
	return ev, nil
}

// DecodeSession extracts a SessionEvent payload.
func DecodeSession(env Envelope) (SessionEvent, error) {
	if env.EventType != EventTypeSession {
		return SessionEvent{}, fmt.Errorf("expected %s envelope, got %s", EventTypeSession, env.EventType)
	}
	var ev SessionEvent
	if err := env.decodePayload(&ev); err != nil {
		return SessionEvent{}, err
	}
	return ev, nil
}
