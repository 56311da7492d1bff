// Package stream carries event envelopes over Redis Streams. Each logical
// feed is one stream; consumers join a consumer group, acknowledge after the
// handler returns, and periodically reclaim entries stuck pending on dead
// consumers. Malformed entries are counted, logged and acknowledged so one
// bad producer cannot wedge a stream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psfalgo/quant-engine/internal/contracts"
	"github.com/psfalgo/quant-engine/internal/observ"
)

// Stream names shared by producers and consumers.
const (
	IntentsStream   = "qe:intents"
	OrdersStream    = "qe:orders"
	PositionsStream = "qe:positions"
	ExposureStream  = "qe:exposure"
	SessionStream   = "qe:session"
)

// Config locates Redis and names this process within its consumer group.
type Config struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	Group         string        `yaml:"group"`
	Consumer      string        `yaml:"consumer"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
	BatchSize     int64         `yaml:"batch_size"`
	ClaimInterval time.Duration `yaml:"claim_interval"`
	ClaimMinIdle  time.Duration `yaml:"claim_min_idle"`
	MaxLen        int64         `yaml:"max_len"`
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Group == "" {
		c.Group = "quant-engine"
	}
	if c.Consumer == "" {
		c.Consumer = "qe-1"
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = time.Minute
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 100000
	}
}

// Bus publishes and consumes envelopes over one Redis connection.
type Bus struct {
	cfg Config
	rdb *redis.Client
}

func NewBus(cfg Config) *Bus {
	cfg.applyDefaults()
	return &Bus{
		cfg: cfg,
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Bus) Close() error { return b.rdb.Close() }

// Publish appends an envelope to the stream. Fields are flattened so entries
// stay readable from redis-cli.
func (b *Bus) Publish(ctx context.Context, stream string, env contracts.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":        env.EventID,
			"event_type":      string(env.EventType),
			"timestamp":       strconv.FormatInt(env.Timestamp, 10),
			"idempotency_key": env.IdempotencyKey,
			"data":            string(env.Data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// EnsureGroup creates the consumer group if it does not exist yet, starting
// from the beginning of the stream.
func (b *Bus) EnsureGroup(ctx context.Context, stream string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", b.cfg.Group, stream, err)
	}
	return nil
}

// Handler processes one decoded envelope. Returning an error leaves the
// entry pending so it can be retried or reclaimed.
type Handler func(ctx context.Context, env contracts.Envelope) error

// Consume reads the stream until the context is canceled. It acknowledges
// after the handler succeeds and runs a periodic reclaim pass for entries
// abandoned by dead consumers.
func (b *Bus) Consume(ctx context.Context, stream string, handle Handler) error {
	if err := b.EnsureGroup(ctx, stream); err != nil {
		return err
	}

	claim := time.NewTicker(b.cfg.ClaimInterval)
	defer claim.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-claim.C:
			b.reclaim(ctx, stream, handle)
		default:
		}

		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    b.cfg.BatchSize,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			observ.Error("stream_read_failed", map[string]any{"stream": stream, "error": err.Error()})
			time.Sleep(time.Second)
			continue
		}

		for _, sr := range res {
			for _, msg := range sr.Messages {
				b.handleEntry(ctx, stream, msg, handle)
			}
		}
	}
}

func (b *Bus) handleEntry(ctx context.Context, stream string, msg redis.XMessage, handle Handler) {
	env, err := entryToEnvelope(msg)
	if err != nil {
		observ.MalformedEvents.WithLabelValues(stream).Inc()
		observ.Warn("malformed_stream_entry", map[string]any{"stream": stream, "entry_id": msg.ID, "error": err.Error()})
		// Acknowledge so the poison entry does not cycle forever.
		b.ack(ctx, stream, msg.ID)
		return
	}
	if err := handle(ctx, env); err != nil {
		observ.Error("stream_handler_failed", map[string]any{"stream": stream, "entry_id": msg.ID, "event_id": env.EventID, "error": err.Error()})
		return
	}
	b.ack(ctx, stream, msg.ID)
}

func (b *Bus) ack(ctx context.Context, stream, id string) {
	if err := b.rdb.XAck(ctx, stream, b.cfg.Group, id).Err(); err != nil {
		observ.Error("stream_ack_failed", map[string]any{"stream": stream, "entry_id": id, "error": err.Error()})
	}
}

func (b *Bus) reclaim(ctx context.Context, stream string, handle Handler) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ClaimMinIdle,
		Start:    "0",
		Count:    b.cfg.BatchSize,
	}).Result()
	if err != nil {
		observ.Error("stream_reclaim_failed", map[string]any{"stream": stream, "error": err.Error()})
		return
	}
	for _, msg := range msgs {
		observ.ReclaimedEntries.Inc()
		b.handleEntry(ctx, stream, msg, handle)
	}
}

// entryToEnvelope rebuilds an envelope from the flattened stream fields.
func entryToEnvelope(msg redis.XMessage) (contracts.Envelope, error) {
	env := contracts.Envelope{}
	var ok bool
	if env.EventID, ok = stringField(msg, "event_id"); !ok {
		return env, fmt.Errorf("entry %s missing event_id", msg.ID)
	}
	et, ok := stringField(msg, "event_type")
	if !ok {
		return env, fmt.Errorf("entry %s missing event_type", msg.ID)
	}
	env.EventType = contracts.EventType(et)
	if env.IdempotencyKey, ok = stringField(msg, "idempotency_key"); !ok {
		return env, fmt.Errorf("entry %s missing idempotency_key", msg.ID)
	}
	ts, ok := stringField(msg, "timestamp")
	if !ok {
		return env, fmt.Errorf("entry %s missing timestamp", msg.ID)
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return env, fmt.Errorf("entry %s bad timestamp %q: %w", msg.ID, ts, err)
	}
	env.Timestamp = n
	data, ok := stringField(msg, "data")
	if !ok || data == "" {
		return env, fmt.Errorf("entry %s missing data", msg.ID)
	}
	env.Data = []byte(data)
	if err := env.Validate(); err != nil {
		return env, fmt.Errorf("entry %s: %w", msg.ID, err)
	}
	return env, nil
}

func stringField(msg redis.XMessage, key string) (string, bool) {
	v, ok := msg.Values[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
