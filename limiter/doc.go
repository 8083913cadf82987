// Package limiter implements the rate limiting decision engine: immutable rules,
// a token bucket algorithm, atomic bucket storage (Redis or in-process) and the
// Service that ties them together.
//
// Every failure below the Service degrades to an allow. Only configuration
// errors, reported by NewRuleSet as *ConfigError, are meant to be fatal.
package limiter
