package audit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/redlock"
)

// DefaultRetentionLockKey serializes purges across instances.
const DefaultRetentionLockKey = "ratelimit:audit:retention:lock"

// Purger deletes records older than a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Retention periodically purges old violations. Every instance may run one;
// a Redis lock makes sure only one of them purges per round.
type Retention struct {
	rdb      redis.Cmdable
	purger   Purger
	maxAge   time.Duration
	interval time.Duration
	lockKey  string
	lockTTL  time.Duration
	now      func() time.Time
}

// RetentionOption configures Retention.
type RetentionOption func(*Retention)

// WithMaxAge sets how long violations are kept. Defaults to 30 days.
func WithMaxAge(d time.Duration) RetentionOption {
	return func(r *Retention) {
		if d > 0 {
			r.maxAge = d
		}
	}
}

// WithInterval sets how often Run purges. Defaults to one hour.
func WithInterval(d time.Duration) RetentionOption {
	return func(r *Retention) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLockKey sets the Redis key of the purge lock.
func WithLockKey(key string) RetentionOption {
	return func(r *Retention) {
		if key != "" {
			r.lockKey = key
		}
	}
}

// WithLockTTL sets the purge lock expiry. The lock is extended every third
// of it while a purge runs. Defaults to one minute.
func WithLockTTL(d time.Duration) RetentionOption {
	return func(r *Retention) {
		if d > 0 {
			r.lockTTL = d
		}
	}
}

// WithRetentionClock replaces the clock the cutoff is computed from.
func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(r *Retention) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRetention creates a Retention job for purger.
func NewRetention(rdb redis.Cmdable, purger Purger, opts ...RetentionOption) *Retention {
	r := &Retention{
		rdb:      rdb,
		purger:   purger,
		maxAge:   30 * 24 * time.Hour,
		interval: time.Hour,
		lockKey:  DefaultRetentionLockKey,
		lockTTL:  time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce purges once if no other instance holds the lock. It reports whether
// this call did the purge and how many records were removed.
func (r *Retention) RunOnce(ctx context.Context) (bool, int64, error) {
	locker := redlock.NewLocker(r.rdb, r.lockKey, redlock.WithTTL(r.lockTTL))
	if err := locker.TryLock(ctx); err != nil {
		if errors.Is(err, redlock.ErrLockNotAcquired) {
			log.Debug().Str("lock", r.lockKey).Msg("audit purge skipped, another instance holds the lock")
			return false, 0, nil
		}
		return false, 0, err
	}
	defer func() {
		if !locker.Held() {
			return
		}
		if err := locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("lock", r.lockKey).Msg("failed to release audit purge lock")
		}
	}()

	purgeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	kept := make(chan struct{})
	go func() {
		defer close(kept)
		r.keepLock(purgeCtx, cancel, locker)
	}()

	cutoff := r.now().Add(-r.maxAge)
	n, err := r.purger.Purge(purgeCtx, cutoff)
	cancel()
	<-kept
	if err != nil {
		return true, 0, err
	}
	log.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("old rate limit violations purged")
	return true, n, nil
}

// keepLock extends the lock until ctx is done. Losing the lock cancels the purge.
func (r *Retention) keepLock(ctx context.Context, cancel context.CancelFunc, locker *redlock.Locker) {
	every := r.lockTTL / 3
	if every <= 0 {
		every = r.lockTTL
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		if err := locker.Extend(ctx); err != nil {
			log.Warn().Err(err).Str("lock", r.lockKey).Msg("lost audit purge lock, aborting purge")
			cancel()
			return
		}
	}
}

// Run calls RunOnce every interval until ctx is done.
func (r *Retention) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("audit purge failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
