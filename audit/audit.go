// Package audit records rate limit violations. Backends never return errors
// to the caller: a failing audit store must not change or delay the decision
// that was already made.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/limiter"
)

// ErrClosed is returned when writing through a backend that has been closed.
var ErrClosed = errors.New("audit: backend closed")

// Violation is one denied request as reported by an adapter.
type Violation struct {
	Identifier     string // opaque, stored verbatim
	EndpointKey    string
	RuleName       string
	Limit          uint
	WindowSeconds  int64
	ViolationCount int       // defaults to 1
	Timestamp      time.Time // defaults to now
}

// NewViolation describes a denial of identifier on endpoint by rule. For regex
// rules endpoint is the key that was requested, not the pattern.
func NewViolation(identifier, endpoint string, rule limiter.Rule) Violation {
	if endpoint == "" {
		endpoint = rule.Endpoint
	}
	return Violation{
		Identifier:    identifier,
		EndpointKey:   endpoint,
		RuleName:      rule.Name,
		Limit:         rule.MaxTokens,
		WindowSeconds: rule.WindowSeconds(),
	}
}

// Record is the persisted form of a Violation.
type Record struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Identifier     string    `json:"identifier"`
	EndpointKey    string    `json:"endpoint_key"`
	RuleName       string    `json:"rule_name"`
	Limit          uint      `json:"limit"`
	WindowSeconds  int64     `json:"window_seconds"`
	ViolationCount int       `json:"violation_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewRecord fills in the ID, defaults and UTC timestamps for v.
func NewRecord(v Violation, now time.Time) Record {
	now = now.UTC()
	ts := v.Timestamp
	if ts.IsZero() {
		ts = now
	}
	count := v.ViolationCount
	if count < 1 {
		count = 1
	}
	return Record{
		ID:             uuid.NewString(),
		Timestamp:      ts.UTC(),
		Identifier:     v.Identifier,
		EndpointKey:    v.EndpointKey,
		RuleName:       v.RuleName,
		Limit:          v.Limit,
		WindowSeconds:  v.WindowSeconds,
		ViolationCount: count,
		CreatedAt:      now,
	}
}

// Backend records violations.
type Backend interface {
	// LogViolation stores v. Implementations swallow and log their own errors.
	LogViolation(ctx context.Context, v Violation)
}

// Writer persists already built records. The Drainer moves queued records
// into a Writer so that IDs and timestamps survive the trip.
type Writer interface {
	WriteRecord(ctx context.Context, r Record) error
}

// Nop discards every violation.
type Nop struct{}

// LogViolation implements Backend.
func (Nop) LogViolation(context.Context, Violation) {}

// Multi fans a violation out to every backend in order.
type Multi []Backend

// LogViolation implements Backend.
func (m Multi) LogViolation(ctx context.Context, v Violation) {
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	for _, b := range m {
		safeLog(ctx, b, v)
	}
}

// safeLog keeps a panicking backend from reaching the request path.
func safeLog(ctx context.Context, b Backend, v Violation) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic_value", r).Str("endpoint", v.EndpointKey).Str("rule", v.RuleName).Msg("panic recovered in audit backend")
		}
	}()
	b.LogViolation(ctx, v)
}
