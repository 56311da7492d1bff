package stream

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psfalgo/quant-engine/internal/contracts"
)

func TestEntryToEnvelopeRoundTrip(t *testing.T) {
	msg := redis.XMessage{
		ID: "1-0",
		Values: map[string]any{
			"event_id":        "ev-1",
			"event_type":      "intent",
			"timestamp":       "1724990400000000000",
			"idempotency_key": "intent:i-1",
			"data":            `{"intent_id":"i-1","symbol":"PFF"}`,
		},
	}
	env, err := entryToEnvelope(msg)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", env.EventID)
	assert.Equal(t, contracts.EventTypeIntent, env.EventType)
	assert.Equal(t, int64(1724990400000000000), env.Timestamp)
	assert.Equal(t, "intent:i-1", env.IdempotencyKey)
	assert.JSONEq(t, `{"intent_id":"i-1","symbol":"PFF"}`, string(env.Data))
}

func TestEntryToEnvelopeMalformed(t *testing.T) {
	cases := map[string]map[string]any{
		"missing event_id": {
			"event_type": "intent", "timestamp": "1", "idempotency_key": "k", "data": "{}",
		},
		"missing data": {
			"event_id": "e", "event_type": "intent", "timestamp": "1", "idempotency_key": "k",
		},
		"bad timestamp": {
			"event_id": "e", "event_type": "intent", "timestamp": "soon", "idempotency_key": "k", "data": "{}",
		},
		"non-string field": {
			"event_id": 7, "event_type": "intent", "timestamp": "1", "idempotency_key": "k", "data": "{}",
		},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := entryToEnvelope(redis.XMessage{ID: "1-0", Values: values})
			assert.Error(t, err)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, "quant-engine", cfg.Group)
	assert.NotZero(t, cfg.BlockTimeout)
	assert.NotZero(t, cfg.BatchSize)
	assert.NotZero(t, cfg.ClaimMinIdle)
}
