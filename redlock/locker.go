// Package redlock provides a single-instance Redis lock used to make sure only
// one throttle process runs a background job at a time.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const defaultTTL = 30 * time.Second

var (
	// ErrLockNotAcquired is returned when the lock is held by someone else.
	ErrLockNotAcquired = errors.New("redlock: lock not acquired")
	// ErrNotHeld is returned by Unlock and Extend when this Locker does not own the lock,
	// either because it never acquired it or because it expired.
	ErrNotHeld = errors.New("redlock: lock not held")
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry forward only while it still carries our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Locker guards one key. A Locker is not safe for concurrent use; each job
// run should create its own.
type Locker struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

// Option configures a Locker.
type Option func(*Locker)

// WithTTL sets how long the lock lives unless extended. Defaults to 30s.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// NewLocker creates a Locker for key.
func NewLocker(client redis.Cmdable, key string, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		key:    key,
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryLock makes one attempt to take the lock.
func (l *Locker) TryLock(ctx context.Context) error {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("redlock: setnx %s: %w", l.key, err)
	}
	if !ok {
		log.Trace().Str("key", l.key).Msg("lock already held")
		return ErrLockNotAcquired
	}
	l.token = token
	log.Debug().Str("key", l.key).Str("token", token).Dur("ttl", l.ttl).Msg("lock acquired")
	return nil
}

// Extend resets the lock expiry to the configured TTL.
func (l *Locker) Extend(ctx context.Context) error {
	if l.token == "" {
		return ErrNotHeld
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redlock: extend %s: %w", l.key, err)
	}
	if n != 1 {
		l.token = ""
		return ErrNotHeld
	}
	return nil
}

// Unlock releases the lock if this Locker still owns it.
func (l *Locker) Unlock(ctx context.Context) error {
	if l.token == "" {
		return ErrNotHeld
	}
	token := l.token
	l.token = ""

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("redlock: release %s: %w", l.key, err)
	}
	if n != 1 {
		log.Warn().Str("key", l.key).Str("token", token).Msg("lock expired or taken over before unlock")
		return ErrNotHeld
	}
	log.Debug().Str("key", l.key).Msg("lock released")
	return nil
}

// Held reports whether this Locker believes it owns the lock.
func (l *Locker) Held() bool {
	return l.token != ""
}
