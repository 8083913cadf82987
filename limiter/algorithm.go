package limiter

import (
	"context"
	"fmt"
)

// Algorithm decides whether a request may proceed.
type Algorithm interface {
	// IsAllowed charges cost against the bucket stored under key.
	// An error means the algorithm itself could not evaluate the request;
	// storage outages are not errors and come back as fail-open verdicts.
	IsAllowed(ctx context.Context, key string, spec BucketSpec, cost uint) (Verdict, error)
}

// TokenBucket is the token bucket algorithm. The refill-then-take step runs
// inside the storage so that it stays atomic across instances.
type TokenBucket struct {
	storage Storage
}

// NewTokenBucket creates a token bucket algorithm on top of storage.
func NewTokenBucket(storage Storage) *TokenBucket {
	return &TokenBucket{storage: storage}
}

// IsAllowed implements Algorithm.
func (tb *TokenBucket) IsAllowed(ctx context.Context, key string, spec BucketSpec, cost uint) (Verdict, error) {
	if tb.storage == nil {
		return Verdict{}, fmt.Errorf("token bucket for key %s: no storage configured", key)
	}
	if !spec.valid() {
		return Verdict{}, fmt.Errorf("%w: key %s max_tokens=%d refill_rate=%f", ErrInvalidBucket, key, spec.MaxTokens, spec.RefillRate)
	}
	if cost == 0 || cost > spec.MaxTokens {
		return Verdict{}, fmt.Errorf("%w: key %s cost %d outside [1, %d]", ErrInvalidBucket, key, cost, spec.MaxTokens)
	}
	if spec.TTL <= 0 {
		spec.TTL = 2 * seconds(float64(spec.MaxTokens)/spec.RefillRate)
	}
	return tb.storage.AtomicUpdate(ctx, key, spec, cost), nil
}
