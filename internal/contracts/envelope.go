package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags the payload carried inside an envelope.
type EventType string

const (
	EventTypeIntent   EventType = "intent"
	EventTypeOrder    EventType = "order"
	EventTypePosition EventType = "position"
	EventTypeExposure EventType = "exposure"
	EventTypeSession  EventType = "session"
)

// Envelope is the wire format shared by every stream. The data field is a
// type-specific JSON document; two envelopes with the same idempotency key
// describe the same logical fact and must be applied at most once.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      EventType       `json:"event_type"`
	Timestamp      int64           `json:"timestamp"` // unix nanoseconds
	IdempotencyKey string          `json:"idempotency_key"`
	Data           json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload in a fresh envelope. The idempotency key is
// caller-supplied because only the producer knows the logical occurrence.
func NewEnvelope(eventType EventType, idempotencyKey string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		Timestamp:      time.Now().UTC().UnixNano(),
		IdempotencyKey: idempotencyKey,
		Data:           data,
	}, nil
}

// Validate rejects envelopes that cannot be routed. Unknown event types are
// not an error here; consumers skip types they do not handle.
func (e Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("envelope missing event_id")
	}
	if e.EventType == "" {
		return fmt.Errorf("envelope missing event_type")
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("envelope missing idempotency_key")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope missing data")
	}
	return nil
}

// DecodeEnvelope parses a serialized envelope. Unknown fields in the outer
// document are ignored for forward compatibility; a payload that is not valid
// JSON fails here so the consumer can drop it without crashing.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// decodePayload unmarshals the data document into out, tolerating unknown
// fields but failing closed on malformed JSON.
func (e Envelope) decodePayload(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event %s has empty data", e.EventType, e.EventID)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode %s payload (event %s): %w", e.EventType, e.EventID, err)
	}
	return nil
}
