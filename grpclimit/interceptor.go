// Package grpclimit enforces limiter rules on gRPC servers. Rules are keyed
// by the full method name, e.g. "/bank.v1.Accounts/List".
package grpclimit

import (
	"context"
	"math"
	"net"
	"strconv"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/toolink/throttle/audit"
	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/meta"
)

// UserMetadataKey carries the authenticated user id.
const UserMetadataKey = "x-user-id"

// IdentifierFunc returns the caller identity for a rule's scope.
type IdentifierFunc func(ctx context.Context, scope limiter.Scope) string

type options struct {
	identifier IdentifierFunc
	audit      audit.Backend
}

// Option configures the interceptors.
type Option func(*options)

// WithIdentifierFunc overrides how callers are identified.
func WithIdentifierFunc(fn IdentifierFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.identifier = fn
		}
	}
}

// WithAudit sets the backend denials are reported to.
func WithAudit(b audit.Backend) Option {
	return func(o *options) {
		if b != nil {
			o.audit = b
		}
	}
}

// DefaultIdentifier uses the peer IP for ip rules. User rules take the caller
// stored with meta.WithCaller, then the x-user-id metadata, and fall back to
// the peer IP.
func DefaultIdentifier(ctx context.Context, scope limiter.Scope) string {
	if scope != limiter.ScopeIP {
		if user := meta.UserID(ctx); user != "" {
			return user
		}
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(UserMetadataKey); len(vals) > 0 && vals[0] != "" {
				return vals[0]
			}
		}
	}
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}

type guard struct {
	service *limiter.Service
	opts    options
}

func newGuard(service *limiter.Service, opts []Option) *guard {
	o := options{identifier: DefaultIdentifier, audit: audit.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &guard{service: service, opts: o}
}

// check returns a ResourceExhausted status when the call must be rejected.
func (g *guard) check(ctx context.Context, method string) error {
	rule, ok := g.service.Lookup(method)
	if !ok || !rule.Enabled {
		return nil
	}
	identifier := g.opts.identifier(ctx, rule.Scope)
	var opts []limiter.DecideOption
	if res := meta.Resource(ctx); res != "" {
		opts = append(opts, limiter.WithResource(res))
	}
	d := g.service.Decide(ctx, method, identifier, opts...)

	md := metadata.Pairs("x-ratelimit-limit", strconv.FormatUint(uint64(rule.MaxTokens), 10))
	if d.Allowed {
		md.Set("x-ratelimit-remaining", strconv.FormatInt(int64(math.Max(0, math.Floor(d.Remaining))), 10))
		md.Set("x-ratelimit-reset", strconv.FormatInt(d.ResetAfterSeconds(), 10))
	} else {
		md.Set("x-ratelimit-remaining", "0")
		md.Set("retry-after", strconv.FormatInt(d.RetryAfterSeconds(), 10))
	}
	if err := grpc.SetHeader(ctx, md); err != nil {
		log.Debug().Err(err).Str("method", method).Msg("failed to set rate limit headers")
	}

	if d.Allowed {
		return nil
	}
	g.opts.audit.LogViolation(ctx, audit.NewViolation(identifier, method, *d.Rule))
	return status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s, retry after %d seconds", method, d.RetryAfterSeconds())
}

// UnaryServerInterceptor rejects unary calls over their limit with
// codes.ResourceExhausted.
func UnaryServerInterceptor(service *limiter.Service, opts ...Option) grpc.UnaryServerInterceptor {
	g := newGuard(service, opts)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := g.check(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor charges one request per stream when it is opened.
func StreamServerInterceptor(service *limiter.Service, opts ...Option) grpc.StreamServerInterceptor {
	g := newGuard(service, opts)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := g.check(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
