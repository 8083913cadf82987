package limiter

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable marks a failed storage round trip. It never leaves the
	// storage layer as an error; storages log it and degrade to fail-open.
	ErrStorageUnavailable = errors.New("limiter: storage unavailable")
	// ErrInvalidBucket is returned by algorithms handed a spec they cannot evaluate.
	ErrInvalidBucket = errors.New("limiter: invalid bucket spec")
	// ErrDuplicateRule is wrapped by ConfigError when an endpoint is configured twice.
	ErrDuplicateRule = errors.New("limiter: duplicate rule")
)

// ConfigError describes an invalid rule found while loading configuration.
// It is the only error in this package that is meant to stop the process.
type ConfigError struct {
	Rule    string // endpoint (or index) of the offending rule
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid rate limit rule %q: %s", e.Rule, e.Message)
	}
	return fmt.Sprintf("invalid rate limit rule %q: %s: %s", e.Rule, e.Field, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

func newConfigError(rule, field, format string, args ...any) *ConfigError {
	return &ConfigError{Rule: rule, Field: field, Message: fmt.Sprintf(format, args...)}
}
