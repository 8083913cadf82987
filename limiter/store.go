package limiter

import (
	"context"
	"math"
	"time"
)

// BucketSpec holds the parameters of one token bucket.
type BucketSpec struct {
	MaxTokens  uint          // capacity, also the largest burst
	RefillRate float64       // tokens added per second
	TTL        time.Duration // idle expiry of the stored bucket
}

func (b BucketSpec) valid() bool {
	if b.MaxTokens == 0 || !(b.RefillRate > 0) || math.IsInf(b.RefillRate, 0) {
		return false
	}
	return float64(b.MaxTokens)/b.RefillRate <= MaxWindow.Seconds()
}

// Verdict is the outcome of a single atomic bucket update.
type Verdict struct {
	Allowed    bool
	Remaining  float64       // tokens left after the update
	RetryAfter time.Duration // zero when allowed
	ResetAfter time.Duration // until the bucket is full again
	FailOpen   bool          // the storage could not be reached and allowed by default
}

// Storage defines the interface for storing and updating token buckets.
type Storage interface {
	// AtomicUpdate refills the bucket stored under key, then tries to take cost
	// tokens from it. Read, refill and write happen as one indivisible step with
	// respect to every other caller sharing the same backing store.
	// Storage failures are never returned: implementations log them and return a
	// verdict with Allowed and FailOpen set.
	AtomicUpdate(ctx context.Context, key string, spec BucketSpec, cost uint) Verdict
}

// bucketState holds the state of a bucket in the memory store.
type bucketState struct {
	Tokens     float64 // current number of tokens
	LastRefill float64 // seconds since the epoch of the last refill
	ExpiresAt  time.Time
}

// takeTokens applies the token bucket refill law to state at time now and tries
// to consume cost tokens. A nil state is a bucket seen for the first time and
// starts full. RedisStorage evaluates the same law in token_bucket.lua.
func takeTokens(state *bucketState, spec BucketSpec, cost uint, now float64) (bucketState, Verdict) {
	capacity := float64(spec.MaxTokens)
	next := bucketState{Tokens: capacity, LastRefill: now}
	if state != nil {
		last := state.LastRefill
		if now < last {
			now = last // last refill never moves backwards
		}
		elapsed := now - last
		next.Tokens = math.Min(capacity, state.Tokens+elapsed*spec.RefillRate)
		next.LastRefill = now
	}

	need := float64(cost)
	v := Verdict{}
	if next.Tokens >= need {
		next.Tokens -= need
		v.Allowed = true
	} else {
		v.RetryAfter = seconds((need - next.Tokens) / spec.RefillRate)
	}
	v.Remaining = next.Tokens
	v.ResetAfter = seconds((capacity - next.Tokens) / spec.RefillRate)
	return next, v
}

// seconds converts s to a Duration, saturating instead of overflowing.
func seconds(s float64) time.Duration {
	if !(s > 0) {
		return 0
	}
	if s >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s * float64(time.Second))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// failOpen is the verdict returned when storage is degraded.
func failOpen(spec BucketSpec) Verdict {
	return Verdict{Allowed: true, Remaining: float64(spec.MaxTokens), FailOpen: true}
}
