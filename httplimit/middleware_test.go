package httplimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/throttle/audit"
	"github.com/toolink/throttle/limiter"
	"github.com/toolink/throttle/meta"
)

type recordingAudit struct {
	mu         sync.Mutex
	violations []audit.Violation
}

func (r *recordingAudit) LogViolation(_ context.Context, v audit.Violation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, v)
}

func (r *recordingAudit) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.violations)
}

type failingAudit struct{}

func (failingAudit) LogViolation(context.Context, audit.Violation) { panic("audit database down") }

var rules = []limiter.RuleSpec{
	{Endpoint: "GET /accounts/{id}", Name: "account_read", Scope: limiter.ScopeUser, MaxTokens: 2, RefillRate: 1, RefillPeriod: time.Hour},
	{Endpoint: "POST /auth/login", Name: "login", Scope: limiter.ScopeIP, MaxTokens: 1, RefillRate: 1, RefillPeriod: time.Hour},
	{Endpoint: "GET /off", Name: "off", MaxTokens: 1, RefillRate: 1, Enabled: func() *bool { b := false; return &b }()},
}

func newService(t *testing.T, storage limiter.Storage) *limiter.Service {
	t.Helper()
	rs, err := limiter.NewRuleSet(rules)
	require.NoError(t, err)
	return limiter.NewService(rs, limiter.NewTokenBucket(storage))
}

func newRouter(mw *Middleware) http.Handler {
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }
	r := chi.NewRouter()
	r.With(mw.Handler).Get("/accounts/{id}", ok)
	r.With(mw.Handler).Get("/off", ok)
	r.With(mw.Handler).Get("/free", ok)
	return r
}

func get(h http.Handler, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if user != "" {
		req.Header.Set(DefaultUserHeader, user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_BurstThenDeny(t *testing.T) {
	sink := &recordingAudit{}
	h := newRouter(New(newService(t, limiter.NewMemoryStorage()), WithAudit(sink)))

	rec := get(h, "/accounts/1", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "3600", rec.Header().Get("X-RateLimit-Reset"))

	// the route pattern is the key, so another id shares the bucket
	rec = get(h, "/accounts/2", "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = get(h, "/accounts/1", "alice")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "3600", rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body.Error)
	assert.Equal(t, int64(3600), body.RetryAfter)
	assert.Equal(t, "GET /accounts/{id}", body.Endpoint)
	assert.NotEmpty(t, body.Message)

	require.Equal(t, 1, sink.count(), "one audit record per denial")
	v := sink.violations[0]
	assert.Equal(t, "alice", v.Identifier)
	assert.Equal(t, "GET /accounts/{id}", v.EndpointKey)
	assert.Equal(t, "account_read", v.RuleName)
	assert.Equal(t, uint(2), v.Limit)
	assert.Equal(t, int64(7200), v.WindowSeconds)

	// another user has their own bucket
	assert.Equal(t, http.StatusOK, get(h, "/accounts/1", "bob").Code)

	get(h, "/accounts/1", "alice")
	assert.Equal(t, 2, sink.count())
}

func TestMiddleware_NoRuleNoHeaders(t *testing.T) {
	h := newRouter(New(newService(t, limiter.NewMemoryStorage())))

	for _, path := range []string{"/free", "/off", "/off"} {
		rec := get(h, path, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestMiddleware_AuditFailureStillDenies(t *testing.T) {
	sink := &recordingAudit{}
	backend := audit.Multi{failingAudit{}, sink}
	h := newRouter(New(newService(t, limiter.NewMemoryStorage()), WithAudit(backend)))

	get(h, "/accounts/1", "alice")
	get(h, "/accounts/1", "alice")

	var rec *httptest.ResponseRecorder
	require.NotPanics(t, func() { rec = get(h, "/accounts/1", "alice") })
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, sink.count())
}

func TestMiddleware_AsyncAuditDoesNotChangeResponse(t *testing.T) {
	sink := &recordingAudit{}
	async := audit.NewAsync(sink)
	h := newRouter(New(newService(t, limiter.NewMemoryStorage()), WithAudit(async)))

	codes := make([]int, 0, 4)
	for range 4 {
		codes = append(codes, get(h, "/accounts/1", "alice").Code)
	}
	require.NoError(t, async.Close(context.Background()))

	assert.Equal(t, []int{200, 200, 429, 429}, codes)
	assert.Equal(t, 2, sink.count())
}

func TestMiddleware_StorageOutageFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	storage := limiter.NewRedisStorage(client, limiter.WithTimeout(100*time.Millisecond))
	sink := &recordingAudit{}
	h := newRouter(New(newService(t, storage), WithAudit(sink)))

	mr.Close()
	for range 5 {
		rec := get(h, "/accounts/1", "alice")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Remaining"))
	}
	assert.Zero(t, sink.count())
}

func TestMiddleware_RegexRuleAuditsRequestedEndpoint(t *testing.T) {
	rs, err := limiter.NewRuleSet([]limiter.RuleSpec{
		{Endpoint: "^GET /reports/.+$", Name: "reports", Regex: true, Scope: limiter.ScopeUser, MaxTokens: 1, RefillRate: 1, RefillPeriod: time.Hour},
	})
	require.NoError(t, err)
	sink := &recordingAudit{}
	mw := New(limiter.NewService(rs, limiter.NewTokenBucket(limiter.NewMemoryStorage())), WithAudit(sink))
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	assert.Equal(t, http.StatusOK, get(h, "/reports/2024", "erin").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "/reports/2024", "erin").Code)

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "GET /reports/2024", sink.violations[0].EndpointKey)
	assert.Equal(t, "reports", sink.violations[0].RuleName)
}

func TestMiddleware_CustomEndpointAndCost(t *testing.T) {
	svc := newService(t, limiter.NewMemoryStorage())
	mw := New(svc,
		WithEndpointFunc(func(*http.Request) string { return "GET /accounts/{id}" }),
		WithCostFunc(func(*http.Request) uint { return 2 }),
	)
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	assert.Equal(t, http.StatusNoContent, get(h, "/anything", "carol").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(h, "/anything", "carol").Code)
}

func TestMiddleware_IPScopeIgnoresUserHeader(t *testing.T) {
	svc := newService(t, limiter.NewMemoryStorage())
	r := chi.NewRouter()
	r.With(New(svc).Handler).Post("/auth/login", func(w http.ResponseWriter, _ *http.Request) {})

	post := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "192.0.2.7:4000"
		req.Header.Set(DefaultUserHeader, user)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, post("a"))
	assert.Equal(t, http.StatusTooManyRequests, post("b"), "same IP shares the bucket")
}

func TestDefaultIdentifier(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", DefaultIdentifier(req, limiter.ScopeIP))
	assert.Equal(t, "2001:db8::1", DefaultIdentifier(req, limiter.ScopeUser), "anonymous callers fall back to IP")

	req.Header.Set(DefaultUserHeader, "u-9")
	assert.Equal(t, "u-9", DefaultIdentifier(req, limiter.ScopeUserResource))
	assert.Equal(t, "2001:db8::1", DefaultIdentifier(req, limiter.ScopeIP))

	req.RemoteAddr = "not-an-addr"
	assert.Equal(t, "not-an-addr", ClientIP(req))
}

func TestMiddleware_CallerFromContext(t *testing.T) {
	rs, err := limiter.NewRuleSet([]limiter.RuleSpec{
		{Endpoint: "POST /sync", Name: "sync", Scope: limiter.ScopeUserResource, MaxTokens: 1, RefillRate: 1, RefillPeriod: time.Hour},
	})
	require.NoError(t, err)
	storage := &keyRecorder{Storage: limiter.NewMemoryStorage()}
	mw := New(limiter.NewService(rs, limiter.NewTokenBucket(storage)))

	r := chi.NewRouter()
	r.With(mw.Handler).Post("/sync", func(w http.ResponseWriter, _ *http.Request) {})
	post := func(c meta.Caller) int {
		req := httptest.NewRequest(http.MethodPost, "/sync", nil)
		req = req.WithContext(meta.WithCaller(req.Context(), c))
		req.Header.Set(DefaultUserHeader, "ignored")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, post(meta.Caller{UserID: "u-1", Resource: "plaid"}))
	assert.Equal(t, http.StatusTooManyRequests, post(meta.Caller{UserID: "u-1", Resource: "plaid"}))
	assert.Equal(t, http.StatusOK, post(meta.Caller{UserID: "u-1", Resource: "stripe"}), "each resource has its own bucket")
	assert.Equal(t, []string{
		"user_resource:u-1:plaid:POST /sync",
		"user_resource:u-1:plaid:POST /sync",
		"user_resource:u-1:stripe:POST /sync",
	}, storage.keys)
}

type keyRecorder struct {
	limiter.Storage
	keys []string
}

func (k *keyRecorder) AtomicUpdate(ctx context.Context, key string, spec limiter.BucketSpec, cost uint) limiter.Verdict {
	k.keys = append(k.keys, key)
	return k.Storage.AtomicUpdate(ctx, key, spec, cost)
}

func TestRouteEndpoint_WithoutRouter(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/sessions/3", nil)
	assert.Equal(t, "DELETE /sessions/3", RouteEndpoint(req))
}
