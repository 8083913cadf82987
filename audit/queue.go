package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultQueueKey is the Redis list violations are queued on.
const DefaultQueueKey = "ratelimit:audit:violations"

type queueOptions struct {
	key         string
	pushTimeout time.Duration
	maxLen      int64
	blockTime   time.Duration
	backoff     time.Duration
	sinkTimeout time.Duration
}

func defaultQueueOptions() queueOptions {
	return queueOptions{
		key:         DefaultQueueKey,
		pushTimeout: 100 * time.Millisecond,
		blockTime:   5 * time.Second,
		backoff:     time.Second,
		sinkTimeout: 5 * time.Second,
	}
}

// QueueOption configures a QueueBackend or a Drainer.
type QueueOption func(*queueOptions)

// WithQueueKey sets the Redis list name.
func WithQueueKey(key string) QueueOption {
	return func(o *queueOptions) {
		if key != "" {
			o.key = key
		}
	}
}

// WithPushTimeout bounds each LPUSH. A push that times out is dropped.
// Defaults to 100ms.
func WithPushTimeout(d time.Duration) QueueOption {
	return func(o *queueOptions) {
		if d > 0 {
			o.pushTimeout = d
		}
	}
}

// WithMaxLen caps the list with LTRIM after every push, keeping the newest n
// records. Zero means unbounded.
func WithMaxLen(n int64) QueueOption {
	return func(o *queueOptions) {
		if n >= 0 {
			o.maxLen = n
		}
	}
}

// WithBlockTime sets how long a Drainer's BRPOP waits for a record.
// Redis only supports whole seconds. Defaults to 5s.
func WithBlockTime(d time.Duration) QueueOption {
	return func(o *queueOptions) {
		if d > 0 {
			o.blockTime = d
		}
	}
}

// WithBackoff sets how long a Drainer waits after a Redis error. Defaults to 1s.
func WithBackoff(d time.Duration) QueueOption {
	return func(o *queueOptions) {
		if d > 0 {
			o.backoff = d
		}
	}
}

// WithSinkTimeout bounds each write a Drainer makes to its sink. Defaults to 5s.
func WithSinkTimeout(d time.Duration) QueueOption {
	return func(o *queueOptions) {
		if d > 0 {
			o.sinkTimeout = d
		}
	}
}

// QueueBackend pushes violations onto a Redis list for a Drainer to persist
// out of band. Delivery is best effort.
type QueueBackend struct {
	rdb  redis.Cmdable
	opts queueOptions
}

// NewQueueBackend creates a QueueBackend.
func NewQueueBackend(rdb redis.Cmdable, opts ...QueueOption) *QueueBackend {
	cfg := defaultQueueOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &QueueBackend{rdb: rdb, opts: cfg}
}

// LogViolation implements Backend.
func (q *QueueBackend) LogViolation(ctx context.Context, v Violation) {
	r := NewRecord(v, time.Now())
	err := q.WriteRecord(ctx, r)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		log.Warn().Err(err).Str("queue", q.opts.key).Str("audit_id", r.ID).Msg("violation dropped due to timeout during lpush")
	default:
		log.Error().Err(err).Str("queue", q.opts.key).Str("audit_id", r.ID).Msg("failed to queue violation")
	}
}

// WriteRecord implements Writer.
func (q *QueueBackend) WriteRecord(ctx context.Context, r Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("serialization failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, q.opts.pushTimeout)
	defer cancel()

	if err := q.rdb.LPush(ctx, q.opts.key, payload).Err(); err != nil {
		return err
	}

	if q.opts.maxLen > 0 {
		// LPUSH puts the newest record first
		if err := q.rdb.LTrim(ctx, q.opts.key, 0, q.opts.maxLen-1).Err(); err != nil {
			log.Warn().Err(err).Str("queue", q.opts.key).Int64("max_len", q.opts.maxLen).Msg("failed to trim list after lpush")
		}
	}

	log.Debug().Str("queue", q.opts.key).Str("audit_id", r.ID).Msg("violation queued")
	return nil
}

// Drainer moves queued records into a Writer, oldest first.
type Drainer struct {
	rdb  redis.Cmdable
	sink Writer
	opts queueOptions
}

// NewDrainer creates a Drainer reading the same list a QueueBackend writes.
func NewDrainer(rdb redis.Cmdable, sink Writer, opts ...QueueOption) *Drainer {
	cfg := defaultQueueOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Drainer{rdb: rdb, sink: sink, opts: cfg}
}

// Run polls the list with BRPOP until ctx is done, then returns nil.
// Redis and sink failures are logged and polling continues.
func (d *Drainer) Run(ctx context.Context) error {
	log.Info().Str("queue", d.opts.key).Dur("block_time", d.opts.blockTime).Msg("audit drainer started")
	defer log.Info().Str("queue", d.opts.key).Msg("audit drainer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		result, err := d.rdb.BRPop(ctx, d.opts.blockTime, d.opts.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("queue", d.opts.key).Msg("error during brpop")
			select {
			case <-time.After(d.opts.backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		// BRPOP replies [list, value]
		if len(result) != 2 || result[0] != d.opts.key {
			log.Error().Str("queue", d.opts.key).Strs("brpop_result", result).Msg("invalid result format from brpop")
			continue
		}
		d.store(ctx, []byte(result[1]))
	}
}

// DrainOnce moves every record currently queued and returns how many were
// handed to the sink.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	n := 0
	for {
		payload, err := d.rdb.RPop(ctx, d.opts.key).Bytes()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("drain %s: %w", d.opts.key, err)
		}
		if d.store(ctx, payload) {
			n++
		}
	}
}

func (d *Drainer) store(ctx context.Context, payload []byte) bool {
	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		log.Error().Err(err).Str("queue", d.opts.key).Int("payload_size", len(payload)).Msg("failed to deserialize queued violation, skipping")
		return false
	}
	// the record is already off the list; a sink failure loses it
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.sinkTimeout)
	defer cancel()
	if err := d.sink.WriteRecord(wctx, r); err != nil {
		log.Error().Err(err).Str("queue", d.opts.key).Str("audit_id", r.ID).Msg("failed to store queued violation")
		return false
	}
	return true
}
