package limiter

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStorage_BurstThenDeny(t *testing.T) {
	_, client := newTestRedis(t)
	clock := newFakeClock()
	store := NewRedisStorage(client, WithClock(clock.Now), WithTimeout(time.Second))
	ctx := context.Background()

	for i := range 5 {
		v := store.AtomicUpdate(ctx, "ip:1.2.3.4:GET /a", perMinuteSpec, 1)
		require.Falsef(t, v.FailOpen, "request %d hit a storage failure", i)
		require.Truef(t, v.Allowed, "request %d was unexpectedly denied", i)
		assert.InDelta(t, float64(4-i), v.Remaining, 1e-9)
	}

	v := store.AtomicUpdate(ctx, "ip:1.2.3.4:GET /a", perMinuteSpec, 1)
	require.False(t, v.FailOpen)
	assert.False(t, v.Allowed)
	assert.InDelta(t, 12*time.Second, v.RetryAfter, float64(time.Millisecond))
	assert.InDelta(t, time.Minute, v.ResetAfter, float64(time.Millisecond))

	clock.Advance(13 * time.Second)
	v = store.AtomicUpdate(ctx, "ip:1.2.3.4:GET /a", perMinuteSpec, 1)
	assert.True(t, v.Allowed, "bucket should have refilled one token")
}

func TestRedisStorage_KeyLayoutAndTTL(t *testing.T) {
	mr, client := newTestRedis(t)
	clock := newFakeClock()
	store := NewRedisStorage(client, WithClock(clock.Now), WithKeyPrefix("test:"), WithTimeout(time.Second))

	store.AtomicUpdate(context.Background(), "user:u-1:GET /a", perMinuteSpec, 2)

	key := "test:user:u-1:GET /a"
	require.True(t, mr.Exists(key))
	assert.Equal(t, 2*time.Minute, mr.TTL(key))
	assert.Equal(t, "3", mr.HGet(key, "tokens"))
	assert.Equal(t, "1700000000.000000", mr.HGet(key, "last_refill"))
}

func TestRedisStorage_IdleBucketExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStorage(client, WithTimeout(time.Second))
	spec := BucketSpec{MaxTokens: 1, RefillRate: 0.001, TTL: time.Minute}
	ctx := context.Background()

	require.True(t, store.AtomicUpdate(ctx, "k", spec, 1).Allowed)
	require.False(t, store.AtomicUpdate(ctx, "k", spec, 1).Allowed)

	mr.FastForward(time.Minute + time.Second)
	assert.False(t, mr.Exists(DefaultKeyPrefix+"k"))
	assert.True(t, store.AtomicUpdate(ctx, "k", spec, 1).Allowed, "expired bucket starts full")
}

func TestRedisStorage_MatchesInProcessLaw(t *testing.T) {
	_, client := newTestRedis(t)
	clock := newFakeClock()
	store := NewRedisStorage(client, WithClock(clock.Now), WithTimeout(time.Second))
	spec := BucketSpec{MaxTokens: 10, RefillRate: 1.5, TTL: time.Minute}
	ctx := context.Background()

	steps := []struct {
		advance time.Duration
		cost    uint
	}{
		{0, 4}, {0, 4}, {0, 4}, {time.Second, 1}, {2 * time.Second, 5}, {500 * time.Millisecond, 2}, {time.Hour, 10},
	}

	var state *bucketState
	for i, step := range steps {
		clock.Advance(step.advance)
		next, want := takeTokens(state, spec, step.cost, unixSeconds(clock.Now()))
		state = &next

		got := store.AtomicUpdate(ctx, "law", spec, step.cost)
		require.Falsef(t, got.FailOpen, "step %d", i)
		assert.Equalf(t, want.Allowed, got.Allowed, "step %d", i)
		assert.InDeltaf(t, want.Remaining, got.Remaining, 1e-6, "step %d", i)
		assert.InDeltaf(t, want.RetryAfter, got.RetryAfter, float64(time.Millisecond), "step %d", i)
	}
}

func TestRedisStorage_ConcurrentAdmission(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStorage(client, WithTimeout(5*time.Second))
	spec := BucketSpec{MaxTokens: 25, RefillRate: 0.0001, TTL: time.Hour}

	for _, n := range []int{1, 10, 25, 60} {
		key := "hot:" + time.Duration(n).String()
		var admitted atomic.Int64
		var wg sync.WaitGroup
		wg.Add(n)
		for range n {
			go func() {
				defer wg.Done()
				v := store.AtomicUpdate(context.Background(), key, spec, 1)
				if v.FailOpen {
					t.Errorf("unexpected storage failure for key %s", key)
				}
				if v.Allowed {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equalf(t, int64(min(n, 25)), admitted.Load(), "n=%d", n)
	}
}

func TestRedisStorage_TwoInstancesShareState(t *testing.T) {
	_, client := newTestRedis(t)
	spec := BucketSpec{MaxTokens: 1, RefillRate: 0.001, TTL: time.Minute}
	a := NewRedisStorage(client, WithTimeout(time.Second))
	b := NewRedisStorage(client, WithTimeout(time.Second))

	require.True(t, a.AtomicUpdate(context.Background(), "shared", spec, 1).Allowed)
	assert.False(t, b.AtomicUpdate(context.Background(), "shared", spec, 1).Allowed)
}

func TestRedisStorage_OutageFailsOpen(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStorage(client, WithTimeout(100*time.Millisecond))
	require.NoError(t, store.Preload(context.Background()))

	mr.Close()

	for range 3 {
		v := store.AtomicUpdate(context.Background(), "k", perMinuteSpec, 1)
		assert.True(t, v.Allowed)
		assert.True(t, v.FailOpen)
	}
}

// silentServer accepts connections and never replies.
func silentServer(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		_ = lis.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	return lis.Addr().String()
}

func TestRedisStorage_TimeoutFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:                  silentServer(t),
		ContextTimeoutEnabled: true,
		MaxRetries:            -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStorage(client, WithTimeout(20*time.Millisecond))

	for range 3 {
		start := time.Now()
		v := store.AtomicUpdate(context.Background(), "k", perMinuteSpec, 1)
		assert.True(t, v.Allowed)
		assert.True(t, v.FailOpen)
		assert.Equal(t, float64(perMinuteSpec.MaxTokens), v.Remaining)
		assert.Less(t, time.Since(start), time.Second, "the storage timeout bounds the call")
	}
}

func TestRedisStorage_WrongTypeFailsOpen(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStorage(client, WithTimeout(time.Second))
	require.NoError(t, mr.Set(DefaultKeyPrefix+"k", "not a hash"))

	v := store.AtomicUpdate(context.Background(), "k", perMinuteSpec, 1)
	assert.True(t, v.Allowed)
	assert.True(t, v.FailOpen)
}

func TestParseVerdict(t *testing.T) {
	v, err := parseVerdict([]any{int64(0), "0.5", "6", "54"})
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, 0.5, v.Remaining)
	assert.Equal(t, 6*time.Second, v.RetryAfter)
	assert.Equal(t, 54*time.Second, v.ResetAfter)

	_, err = parseVerdict([]any{int64(1), "x", "0", "0"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = parseVerdict("OK")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
