package limiter

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/toolink/throttle/limiter"

// Decision is the answer to one rate limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // meaningful only when Allowed is false
	Rule       *Rule         // nil when no rule matched the endpoint
	Remaining  float64       // tokens left in the bucket after this check
	ResetAfter time.Duration // until the bucket is full again
	Key        string        // scoped storage key, empty when no bucket was touched
	FailOpen   bool          // allowed because the limiter was degraded
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int64 {
	return ceilSeconds(d.RetryAfter)
}

// ResetAfterSeconds is ResetAfter rounded up to whole seconds.
func (d Decision) ResetAfterSeconds() int64 {
	return ceilSeconds(d.ResetAfter)
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// Service resolves rules, scopes keys and asks the algorithm for a verdict.
// It never fails a check: anything unexpected below it turns into an allow.
type Service struct {
	rules     *RuleSet
	algorithm Algorithm
	metrics   Metrics
	tracer    trace.Tracer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMetrics sets the decision metrics recorder.
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer used for decision spans. Defaults to the global
// OpenTelemetry tracer provider.
func WithTracer(t trace.Tracer) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewService creates a Service over an immutable rule set.
func NewService(rules *RuleSet, algorithm Algorithm, opts ...ServiceOption) *Service {
	s := &Service{
		rules:     rules,
		algorithm: algorithm,
		metrics:   nopMetrics{},
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type decideOptions struct {
	cost     uint
	resource string
}

// DecideOption adjusts a single Decide call.
type DecideOption func(*decideOptions)

// WithCost charges n tokens instead of the rule cost.
func WithCost(n uint) DecideOption {
	return func(o *decideOptions) {
		o.cost = n
	}
}

// WithResource names the external resource for user_resource rules.
// Defaults to the rule endpoint.
func WithResource(name string) DecideOption {
	return func(o *decideOptions) {
		o.resource = name
	}
}

// Lookup returns the rule configured for endpoint.
func (s *Service) Lookup(endpoint string) (Rule, bool) {
	return s.rules.Lookup(endpoint)
}

// Decide checks whether identifier may call endpoint now. The identifier is
// opaque to the service and only used to build the storage key.
func (s *Service) Decide(ctx context.Context, endpoint, identifier string, opts ...DecideOption) Decision {
	rule, ok := s.rules.Lookup(endpoint)
	if !ok {
		return Decision{Allowed: true}
	}
	if !rule.Enabled {
		return Decision{Allowed: true, Rule: &rule}
	}

	o := decideOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	cost := rule.Cost
	if o.cost != 0 {
		if o.cost > rule.MaxTokens {
			log.Warn().Str("rule", rule.Name).Uint("cost", o.cost).Uint("max_tokens", rule.MaxTokens).Msg("cost override exceeds bucket capacity, using rule cost")
		} else {
			cost = o.cost
		}
	}

	key := buildKey(rule, identifier, o.resource)

	ctx, span := s.tracer.Start(ctx, "ratelimit.decide", trace.WithAttributes(
		attribute.String("ratelimit.rule", rule.Name),
		attribute.String("ratelimit.scope", string(rule.Scope)),
	))
	defer span.End()

	start := time.Now()
	v, err := s.evaluate(ctx, key, rule.Spec(), cost)
	elapsed := time.Since(start)

	d := Decision{Rule: &rule, Key: key}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fail open")
		log.Error().Err(err).Str("rule", rule.Name).Str("scope", string(rule.Scope)).Str("endpoint", endpoint).Str("key", key).Dur("execution_time", elapsed).Msg("rate limit check failed, failing open")
		s.metrics.ObserveDecision(rule.Name, rule.Scope, OutcomeFailOpen, elapsed)
		d.Allowed = true
		d.FailOpen = true
		d.Remaining = float64(rule.MaxTokens)
		return d
	}

	d.Allowed = v.Allowed
	d.RetryAfter = v.RetryAfter
	d.Remaining = v.Remaining
	d.ResetAfter = v.ResetAfter
	d.FailOpen = v.FailOpen

	outcome := OutcomeAllowed
	var event *zerolog.Event
	switch {
	case v.FailOpen:
		outcome = OutcomeFailOpen
		event = log.Warn()
	case !v.Allowed:
		outcome = OutcomeBlocked
		event = log.Info()
	default:
		event = log.Debug()
	}
	span.SetAttributes(attribute.String("ratelimit.outcome", outcome))
	s.metrics.ObserveDecision(rule.Name, rule.Scope, outcome, elapsed)

	event.Str("outcome", outcome).
		Str("rule", rule.Name).
		Str("scope", string(rule.Scope)).
		Str("endpoint", endpoint).
		Str("key", key).
		Uint("cost", cost).
		Float64("remaining", v.Remaining).
		Dur("retry_after", v.RetryAfter).
		Dur("execution_time", elapsed).
		Msg("rate limit decision")
	return d
}

// evaluate calls the algorithm and turns a panic into an error.
func (s *Service) evaluate(ctx context.Context, key string, spec BucketSpec, cost uint) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rate limit algorithm panicked: %v", r)
		}
	}()
	if s.algorithm == nil {
		return Verdict{}, fmt.Errorf("no rate limit algorithm configured")
	}
	return s.algorithm.IsAllowed(ctx, key, spec, cost)
}

// buildKey creates the storage key for a rule and caller.
// Format: <scope>:<identifier>:<endpoint>, where the identifier of a
// user_resource rule is <user>:<resource>.
func buildKey(rule Rule, identifier, resource string) string {
	if rule.Scope == ScopeUserResource {
		if resource == "" {
			resource = rule.Endpoint
		}
		identifier = identifier + ":" + resource
	}
	return string(rule.Scope) + ":" + identifier + ":" + rule.Endpoint
}
