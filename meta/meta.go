// Package meta carries request-scoped caller metadata in a context.Context.
// An authentication layer stores the caller once and the rate limit adapters
// read it back to pick bucket identifiers.
package meta

import "context"

type callerKey struct{}

// Caller is who a request is made on behalf of.
type Caller struct {
	UserID   string
	Resource string // external resource for user_resource rules, e.g. "plaid"
}

// WithCaller returns a copy of ctx carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext returns the caller stored in ctx, if any.
func FromContext(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return Caller{}, false
	}
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// UserID returns the user id stored in ctx, or "" when there is none.
func UserID(ctx context.Context) string {
	c, _ := FromContext(ctx)
	return c.UserID
}

// Resource returns the resource stored in ctx, or "" when there is none.
func Resource(ctx context.Context) string {
	c, _ := FromContext(ctx)
	return c.Resource
}
