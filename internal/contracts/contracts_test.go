package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassificationRoundTrip(t *testing.T) {
	buckets := []Bucket{BucketLT, BucketMM}
	dirs := []Direction{DirectionLong, DirectionShort}
	effects := []Effect{EffectIncrease, EffectDecrease}

	for _, b := range buckets {
		for _, d := range dirs {
			for _, e := range effects {
				c := Classify(b, d, e)
				assert.True(t, c.Valid(), "classification %s should be valid", c)
				assert.Equal(t, b, c.Bucket())
				assert.Equal(t, d, c.Direction())
				assert.Equal(t, e, c.Effect())
				assert.Equal(t, c, Classify(c.Bucket(), c.Direction(), c.Effect()))
				assert.Equal(t, e == EffectIncrease, c.IsRiskIncreasing())
			}
		}
	}
}

func TestClassificationRejectsMalformed(t *testing.T) {
	bad := []string{"", "LT_LONG", "LT_LONG_INCREASE_X", "XX_LONG_INCREASE", "LT_UP_INCREASE", "LT_LONG_NOOP"}
	for _, s := range bad {
		_, err := ParseClassification(s)
		assert.Error(t, err, "expected %q to be rejected", s)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	intent := IntentEvent{
		IntentID:       "int-1",
		IntentType:     IntentCapRecovery,
		Symbol:         "GOOGL",
		Action:         TradeSell,
		Quantity:       500,
		Classification: Classify(BucketLT, DirectionLong, EffectDecrease),
		CreatedAt:      42,
	}
	env, err := NewEnvelope(EventTypeIntent, "idem-1", intent)
	require.NoError(t, err)
	require.NotEmpty(t, env.EventID)
	require.NotZero(t, env.Timestamp)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	got, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
	assert.Equal(t, "idem-1", got.IdempotencyKey)

	decoded, err := DecodeIntent(got)
	require.NoError(t, err)
	assert.Equal(t, intent, decoded)
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	raw := []byte(`{
		"event_id": "e1",
		"event_type": "intent",
		"timestamp": 1000,
		"idempotency_key": "k1",
		"some_future_field": true,
		"data": {
			"intent_id": "int-9",
			"intent_type": "MM_CHURN",
			"symbol": "AAPL",
			"action": "BUY",
			"quantity": 100,
			"classification": "MM_LONG_INCREASE",
			"introduced_in_v9": {"nested": 1}
		}
	}`)
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	in, err := DecodeIntent(env)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", in.Symbol)
	assert.Equal(t, int64(1000), in.CreatedAt, "created_at defaults to envelope timestamp")
}

func TestDecodeFailsClosed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"missing idempotency key", `{"event_id":"e","event_type":"intent","timestamp":1,"data":{}}`},
		{"missing data", `{"event_id":"e","event_type":"intent","timestamp":1,"idempotency_key":"k"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tc.raw))
			assert.Error(t, err)
		})
	}

	// Well-formed envelope, malformed payload: reject at decode, don't panic.
	env := Envelope{EventID: "e", EventType: EventTypeIntent, Timestamp: 1, IdempotencyKey: "k", Data: json.RawMessage(`"not an object"`)}
	_, err := DecodeIntent(env)
	assert.Error(t, err)

	env.Data = json.RawMessage(`{"intent_id":"i","symbol":"X","action":"BUY","quantity":-5,"classification":"LT_LONG_INCREASE"}`)
	_, err = DecodeIntent(env)
	assert.Error(t, err, "non-positive quantity must be rejected")
}

func TestOrderEventValidate(t *testing.T) {
	ev := OrderEvent{
		OrderID:        "ord-1",
		Symbol:         "MSFT",
		Action:         OrderPartialFill,
		Side:           TradeBuy,
		Quantity:       100,
		FilledQuantity: 30,
		Classification: Classify(BucketLT, DirectionLong, EffectIncrease),
	}
	assert.Error(t, ev.Validate(), "fill-bearing event needs a fill_id")

	ev.Metadata.FillID = "F1"
	assert.NoError(t, ev.Validate())

	assert.False(t, OrderCancelRejected.IsTerminal())
	assert.True(t, OrderFilled.IsTerminal())
	assert.True(t, OrderCanceled.IsTerminal())
	assert.True(t, OrderRejected.IsTerminal())
	assert.False(t, OrderWorking.IsTerminal())
}
