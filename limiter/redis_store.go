package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed token_bucket.lua
var tokenBucketScript string // embed the lua script content

var redisScript = redis.NewScript(tokenBucketScript)

// RedisStorage implements the Storage interface using Redis. Every update is a
// single EVALSHA of token_bucket.lua, which Redis runs atomically, so buckets
// stay consistent across any number of instances sharing the server.
type RedisStorage struct {
	client  redis.Cmdable // Cmdable keeps ClusterClient, Ring etc. usable
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// RedisOption configures a RedisStorage.
type RedisOption func(*RedisStorage)

// WithKeyPrefix sets the namespace prepended to every bucket key.
// Defaults to "ratelimit:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStorage) {
		s.prefix = prefix
	}
}

// WithTimeout bounds each script round trip. A timed out call fails open.
// Defaults to 50ms.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisStorage) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock replaces the clock whose readings are sent to the script.
func WithClock(now func() time.Time) RedisOption {
	return func(s *RedisStorage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStorage creates a new Redis bucket store.
// It expects a pre-configured redis.Cmdable (e.g., redis.Client or redis.ClusterClient).
func NewRedisStorage(client redis.Cmdable, opts ...RedisOption) *RedisStorage {
	s := &RedisStorage{
		client:  client,
		prefix:  DefaultKeyPrefix,
		timeout: DefaultStorageTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Preload loads the script into the Redis script cache so the first
// AtomicUpdate does not pay for the EVAL fallback.
func (s *RedisStorage) Preload(ctx context.Context) error {
	if err := redisScript.Load(ctx, s.client).Err(); err != nil {
		return fmt.Errorf("load token bucket script: %w", err)
	}
	return nil
}

// AtomicUpdate implements the Storage interface for Redis storage.
func (s *RedisStorage) AtomicUpdate(ctx context.Context, key string, spec BucketSpec, cost uint) Verdict {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ttl := int64(math.Ceil(float64(spec.TTL) / float64(time.Millisecond)))
	if ttl < 1 {
		ttl = 1
	}

	// Args for the Lua script: {max_tokens, tokens_per_second, current_timestamp, tokens_to_consume, ttl_ms}
	args := []any{
		spec.MaxTokens,
		spec.RefillRate,
		unixSeconds(s.now()),
		cost,
		ttl,
	}

	result, err := redisScript.Run(ctx, s.client, []string{s.prefix + key}, args...).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Dur("timeout", s.timeout).Msg("redis token bucket script failed, failing open")
		return failOpen(spec)
	}

	v, err := parseVerdict(result)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Interface("result", result).Msg("redis token bucket script returned unexpected reply, failing open")
		return failOpen(spec)
	}

	log.Debug().Str("key", key).Float64("tokens", v.Remaining).Uint("cost", cost).Bool("allowed", v.Allowed).Msg("redis bucket updated")
	return v
}

// parseVerdict decodes {allowed, tokens, retry_after, reset_after}.
func parseVerdict(result any) (Verdict, error) {
	values, ok := result.([]any)
	if !ok || len(values) != 4 {
		return Verdict{}, fmt.Errorf("%w: unexpected reply %T", ErrStorageUnavailable, result)
	}
	allowed, ok := values[0].(int64)
	if !ok {
		return Verdict{}, fmt.Errorf("%w: unexpected allowed flag %T", ErrStorageUnavailable, values[0])
	}

	floats := make([]float64, 3)
	for i, raw := range values[1:] {
		f, err := toFloat(raw)
		if err != nil {
			return Verdict{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		floats[i] = f
	}

	return Verdict{
		Allowed:    allowed == 1,
		Remaining:  floats[0],
		RetryAfter: seconds(floats[1]),
		ResetAfter: seconds(floats[2]),
	}, nil
}

func toFloat(val any) (float64, error) {
	switch v := val.(type) {
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float", val)
	}
}
