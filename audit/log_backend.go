package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogBackend writes each violation as a structured warn event.
type LogBackend struct {
	logger *zerolog.Logger
}

// NewLogBackend creates a LogBackend. A nil logger uses the global one.
func NewLogBackend(logger *zerolog.Logger) *LogBackend {
	return &LogBackend{logger: logger}
}

// LogViolation implements Backend.
func (b *LogBackend) LogViolation(ctx context.Context, v Violation) {
	_ = b.WriteRecord(ctx, NewRecord(v, time.Now()))
}

// WriteRecord implements Writer.
func (b *LogBackend) WriteRecord(_ context.Context, r Record) error {
	l := b.logger
	if l == nil {
		l = &log.Logger
	}
	l.Warn().
		Str("audit_id", r.ID).
		Str("identifier", r.Identifier).
		Str("endpoint", r.EndpointKey).
		Str("rule", r.RuleName).
		Uint("limit", r.Limit).
		Int64("window_seconds", r.WindowSeconds).
		Int("violation_count", r.ViolationCount).
		Time("timestamp", r.Timestamp).
		Msg("rate limit violation")
	return nil
}
