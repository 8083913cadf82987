// Package httplimit adapts limiter.Service to net/http: it resolves the
// endpoint key and caller identity of a request, answers denials with 429 and
// reports them to an audit backend.
package httplimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/audit"
	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/meta"
)

// DefaultUserHeader carries the authenticated user id set by an upstream auth layer.
const DefaultUserHeader = "X-User-ID"

// EndpointFunc returns the endpoint key rules are looked up by.
type EndpointFunc func(r *http.Request) string

// IdentifierFunc returns the caller identity for a rule's scope.
type IdentifierFunc func(r *http.Request, scope limiter.Scope) string

// Middleware enforces rate limits on an http.Handler.
type Middleware struct {
	service    *limiter.Service
	endpoint   EndpointFunc
	identifier IdentifierFunc
	resource   func(r *http.Request) string
	cost       func(r *http.Request) uint
	audit      audit.Backend
}

// Option configures a Middleware.
type Option func(*Middleware)

// WithEndpointFunc overrides how endpoint keys are derived.
func WithEndpointFunc(fn EndpointFunc) Option {
	return func(m *Middleware) {
		if fn != nil {
			m.endpoint = fn
		}
	}
}

// WithIdentifierFunc overrides how callers are identified.
func WithIdentifierFunc(fn IdentifierFunc) Option {
	return func(m *Middleware) {
		if fn != nil {
			m.identifier = fn
		}
	}
}

// WithResourceFunc names the external resource for user_resource rules.
// Defaults to DefaultResource.
func WithResourceFunc(fn func(r *http.Request) string) Option {
	return func(m *Middleware) {
		m.resource = fn
	}
}

// WithCostFunc charges a per request cost instead of the rule cost.
func WithCostFunc(fn func(r *http.Request) uint) Option {
	return func(m *Middleware) {
		m.cost = fn
	}
}

// WithAudit sets the backend denials are reported to. Wrap slow backends in
// audit.Async so they do not hold up the response.
func WithAudit(b audit.Backend) Option {
	return func(m *Middleware) {
		if b != nil {
			m.audit = b
		}
	}
}

// New creates a Middleware.
func New(service *limiter.Service, opts ...Option) *Middleware {
	m := &Middleware{
		service:    service,
		endpoint:   RouteEndpoint,
		identifier: DefaultIdentifier,
		resource:   DefaultResource,
		audit:      audit.Nop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RouteEndpoint keys a request as "METHOD pattern" using the chi route
// pattern when routing has already happened, or the URL path otherwise.
func RouteEndpoint(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return r.Method + " " + pattern
		}
	}
	return r.Method + " " + r.URL.Path
}

// DefaultIdentifier uses the client IP for ip rules. User rules take the
// caller stored with meta.WithCaller, then the X-User-ID header, and fall
// back to the IP for anonymous callers.
func DefaultIdentifier(r *http.Request, scope limiter.Scope) string {
	if scope != limiter.ScopeIP {
		if user := meta.UserID(r.Context()); user != "" {
			return user
		}
		if user := r.Header.Get(DefaultUserHeader); user != "" {
			return user
		}
	}
	return ClientIP(r)
}

// DefaultResource returns the resource of the caller stored in the context.
func DefaultResource(r *http.Request) string {
	return meta.Resource(r.Context())
}

// ClientIP returns the host part of RemoteAddr. Put chi's middleware.RealIP
// in front when running behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handler wraps next.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := m.endpoint(r)
		rule, ok := m.service.Lookup(endpoint)
		if !ok || !rule.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		identifier := m.identifier(r, rule.Scope)
		var opts []limiter.DecideOption
		if m.resource != nil {
			if res := m.resource(r); res != "" {
				opts = append(opts, limiter.WithResource(res))
			}
		}
		if m.cost != nil {
			if n := m.cost(r); n > 0 {
				opts = append(opts, limiter.WithCost(n))
			}
		}

		d := m.service.Decide(r.Context(), endpoint, identifier, opts...)
		if d.Allowed {
			if d.Rule != nil {
				setAllowHeaders(w.Header(), d)
			}
			next.ServeHTTP(w, r)
			return
		}

		m.deny(w, endpoint, d)
		m.audit.LogViolation(r.Context(), audit.NewViolation(identifier, endpoint, *d.Rule))
	})
}

// errorResponse is the 429 body.
type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after"`
	Endpoint   string `json:"endpoint"`
}

func (m *Middleware) deny(w http.ResponseWriter, endpoint string, d limiter.Decision) {
	retry := strconv.FormatInt(d.RetryAfterSeconds(), 10)
	h := w.Header()
	h.Set("Retry-After", retry)
	h.Set("X-RateLimit-Limit", strconv.FormatUint(uint64(d.Rule.MaxTokens), 10))
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", retry)
	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	body := errorResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests. Retry after " + retry + " seconds.",
		RetryAfter: d.RetryAfterSeconds(),
		Endpoint:   endpoint,
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Str("endpoint", endpoint).Msg("failed to write rate limit response")
	}
}

func setAllowHeaders(h http.Header, d limiter.Decision) {
	remaining := int64(math.Floor(d.Remaining))
	if remaining < 0 {
		remaining = 0
	}
	h.Set("X-RateLimit-Limit", strconv.FormatUint(uint64(d.Rule.MaxTokens), 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAfterSeconds(), 10))
}
