package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultWriteTimeout = 2 * time.Second
	defaultMaxInFlight  = 256
)

// AsyncOption configures an Async backend.
type AsyncOption func(*Async)

// WithWriteTimeout bounds each background write. Defaults to 2s.
func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithMaxInFlight caps concurrent background writes. Violations arriving while
// the cap is reached are dropped with a warning. Defaults to 256.
func WithMaxInFlight(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.slots = make(chan struct{}, n)
		}
	}
}

// Async runs another backend's writes on their own goroutines so LogViolation
// returns immediately. Writes are detached from the caller's cancellation.
type Async struct {
	next    Backend
	timeout time.Duration
	slots   chan struct{}

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync wraps next.
func NewAsync(next Backend, opts ...AsyncOption) *Async {
	a := &Async{
		next:    next,
		timeout: defaultWriteTimeout,
		slots:   make(chan struct{}, defaultMaxInFlight),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LogViolation implements Backend.
func (a *Async) LogViolation(ctx context.Context, v Violation) {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		log.Warn().Err(ErrClosed).Str("endpoint", v.EndpointKey).Str("rule", v.RuleName).Msg("violation dropped")
		return
	}

	select {
	case a.slots <- struct{}{}:
	default:
		log.Warn().Int("max_in_flight", cap(a.slots)).Str("endpoint", v.EndpointKey).Str("rule", v.RuleName).Msg("violation dropped, too many audit writes in flight")
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.slots }()

		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		safeLog(wctx, a.next, v)
	}()
}

// Close stops accepting violations and waits for in-flight writes or ctx.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for audit writes: %w", ctx.Err())
	}
}
