package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository/memory"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *memory.Store
	loads atomic.Int32
}

func newFixture(t *testing.T, clk clock.Clock) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(clk)}
	require.NoError(t, f.store.CreateService(context.Background(), &model.Service{
		ID: "svc-a", Name: "A", Type: "ai", APIKey: "key-a", Info: model.Document{"token_ttl_min": 5},
	}))
	return f
}

func (f *fixture) load(ctx context.Context, id string) (model.Service, error) {
	f.loads.Add(1)
	s, err := f.store.GetService(ctx, id)
	if err != nil {
		return model.Service{}, err
	}
	return *s, nil
}

func (f *fixture) cache(t *testing.T, shared Shared, opts Options) *Cache[model.Service] {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	c, err := New(model.KindService, f.load, func(s model.Service) int64 { return s.Version }, shared, opts)
	require.NoError(t, err)
	return c
}

func (f *fixture) bump(t *testing.T) int64 {
	t.Helper()
	s, err := f.store.UpdateService(context.Background(), "svc-a", 0, func(s *model.Service) error {
		s.Name += "!"
		return nil
	})
	require.NoError(t, err)
	return s.Version
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *RedisTier) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedisTier(rdb)
}

func TestCache_ReadThroughPopulatesBothTiers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, clock.WallClock)
	mr, tier := newRedis(t)

	c1 := f.cache(t, tier, Options{})
	got, err := c1.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	require.Equal(t, "A", got.Name)
	require.EqualValues(t, 1, f.loads.Load())
	require.True(t, mr.Exists("authbridge:service:svc-a"))

	_, err = c1.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, f.loads.Load(), "second read must hit the local tier")
	require.Equal(t, 1, c1.Len())

	// another process shares the redis tier
	c2 := f.cache(t, tier, Options{})
	got, err = c2.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)
	require.EqualValues(t, 1, f.loads.Load())
	require.EqualValues(t, 5, got.Info["token_ttl_min"])
}

func TestCache_FreshnessTokenForcesStoreRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, clock.WallClock)
	c := f.cache(t, NewMemoryTier(nil), Options{LocalTTL: time.Minute, SharedTTL: time.Minute})

	_, err := c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	v2 := f.bump(t)

	// no token: a stale entry is acceptable within its ttl
	got, err := c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)

	got, err = c.Get(ctx, "svc-a", v2)
	require.NoError(t, err)
	require.Equal(t, v2, got.Version)
	require.EqualValues(t, 2, f.loads.Load())

	// the fresh value replaced the stale one in both tiers
	got, err = c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	require.Equal(t, v2, got.Version)
	require.EqualValues(t, 2, f.loads.Load())
}

func TestCache_ObserveGivesReadYourWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, clock.WallClock)
	shared := NewMemoryTier(nil)
	c := f.cache(t, shared, Options{LocalTTL: time.Minute, SharedTTL: time.Minute})

	_, err := c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)

	for range 5 {
		v := f.bump(t)
		c.Observe("svc-a", v)
		got, err := c.Get(ctx, "svc-a", 0)
		require.NoError(t, err)
		require.GreaterOrEqual(t, got.Version, v)
	}

	// a lower observation never moves the floor back
	c.Observe("svc-a", 1)
	got, err := c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	require.Equal(t, int64(6), got.Version)
}

func TestCache_ConcurrentReadersAfterWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, clock.WallClock)
	c := f.cache(t, NewMemoryTier(nil), Options{LocalTTL: time.Minute, SharedTTL: time.Minute})

	_, err := c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	v := f.bump(t)
	c.Observe("svc-a", v)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Get(ctx, "svc-a", 0)
			if err != nil || got.Version < v {
				t.Errorf("got version %d err %v, want >= %d", got.Version, err, v)
			}
		}()
	}
	wg.Wait()
}

func TestCache_ForgetDropsEntity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, clock.WallClock)
	mr, tier := newRedis(t)
	c := f.cache(t, tier, Options{})

	_, err := c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	_, err = f.store.DeleteService(ctx, "svc-a")
	require.NoError(t, err)
	c.Forget(ctx, "svc-a")

	require.False(t, mr.Exists("authbridge:service:svc-a"))
	require.Equal(t, 0, c.Len())
	_, err = c.Get(ctx, "svc-a", 0)
	require.ErrorIs(t, err, errs.ErrNotFound)

	// recreated under the same id: the tombstone gives way to the new floor
	require.NoError(t, f.store.CreateService(ctx, &model.Service{ID: "svc-a", Name: "again", APIKey: "key-a2"}))
	c.Observe("svc-a", 1)
	got, err := c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	require.Equal(t, "again", got.Name)
}

func TestCache_LocalEntriesExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := testclock.NewClock(t0)
	f := newFixture(t, clk)
	shared := NewMemoryTier(clk)
	c := f.cache(t, shared, Options{LocalTTL: time.Second, SharedTTL: 10 * time.Second, Clock: clk})

	_, err := c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	f.bump(t)

	clk.Advance(2 * time.Second)
	got, err := c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version, "shared tier still holds the old entry")
	require.EqualValues(t, 1, f.loads.Load())

	clk.Advance(11 * time.Second)
	got, err = c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.EqualValues(t, 2, f.loads.Load())
}

func TestCache_SharedOutageFallsThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, clock.WallClock)
	mr, tier := newRedis(t)
	mr.Close()

	c := f.cache(t, tier, Options{})
	got, err := c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	require.Equal(t, "svc-a", got.ID)
}

func TestCache_RetriesTransientStoreErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("connection reset")

	var calls atomic.Int32
	load := func(context.Context, string) (model.Service, error) {
		if calls.Add(1) < 3 {
			return model.Service{}, boom
		}
		return model.Service{ID: "svc-a", Version: 1}, nil
	}
	c, err := New(model.KindService, load, func(s model.Service) int64 { return s.Version }, nil,
		Options{Attempts: 3, RetryDelay: time.Millisecond, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	got, err := c.Get(ctx, "svc-a", 0)
	require.NoError(t, err)
	require.Equal(t, "svc-a", got.ID)
	require.EqualValues(t, 3, calls.Load())
}

func TestCache_ExhaustedRetriesAreUnavailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("connection refused")

	var calls atomic.Int32
	load := func(context.Context, string) (model.Service, error) {
		calls.Add(1)
		return model.Service{}, boom
	}
	c, err := New(model.KindService, load, func(s model.Service) int64 { return s.Version }, nil,
		Options{Attempts: 3, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	_, err = c.Get(ctx, "svc-a", 0)
	require.ErrorIs(t, err, errs.ErrUnavailable)
	require.ErrorIs(t, err, boom)
	require.EqualValues(t, 3, calls.Load())
}

func TestCache_DomainErrorsAreNotRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, clock.WallClock)
	c := f.cache(t, nil, Options{Attempts: 5, RetryDelay: time.Millisecond})

	_, err := c.Get(ctx, "missing", 0)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.False(t, errors.Is(err, errs.ErrUnavailable))
	require.EqualValues(t, 1, f.loads.Load())
}

func TestCache_DeadlineIsHonoured(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	load := func(ctx context.Context, _ string) (model.Service, error) {
		<-ctx.Done()
		return model.Service{}, ctx.Err()
	}
	c, err := New(model.KindService, load, func(s model.Service) int64 { return s.Version }, nil,
		Options{Attempts: 10, RetryDelay: time.Second, LoadTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Get(ctx, "svc-a", 0)
	require.ErrorIs(t, err, errs.ErrUnavailable)
	require.Less(t, time.Since(start), time.Second)
}

func TestCache_DomainErrorAfterTransientFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls atomic.Int32
	load := func(_ context.Context, id string) (model.Service, error) {
		if calls.Add(1) == 1 {
			return model.Service{}, errors.New("connection reset")
		}
		return model.Service{}, fmt.Errorf("service %s: %w", id, errs.ErrNotFound)
	}
	c, err := New(model.KindService, load, func(s model.Service) int64 { return s.Version }, nil,
		Options{Attempts: 5, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	_, err = c.Get(ctx, "gone", 0)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.False(t, errors.Is(err, errs.ErrUnavailable))
	require.Contains(t, err.Error(), "service gone")
	require.EqualValues(t, 2, calls.Load())
}

func TestCache_CancelledWaiterDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	loadCancelled := make(chan struct{}, 1)
	var calls atomic.Int32
	load := func(ctx context.Context, id string) (model.Service, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return model.Service{ID: id, Version: 3}, nil
		case <-ctx.Done():
			loadCancelled <- struct{}{}
			return model.Service{}, ctx.Err()
		}
	}
	c, err := New(model.KindService, load, func(s model.Service) int64 { return s.Version }, nil,
		Options{Attempts: 1, LoadTimeout: 5 * time.Second, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Get(ctxA, "svc-a", 0)
		errA <- err
	}()
	<-started

	type result struct {
		svc model.Service
		err error
	}
	resB := make(chan result, 1)
	go func() {
		s, err := c.Get(context.Background(), "svc-a", 0)
		resB <- result{s, err}
	}()

	cancelA()
	err = <-errA
	require.ErrorIs(t, err, errs.ErrUnavailable)
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-loadCancelled:
		t.Fatal("store read was cancelled with the first caller")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	got := <-resB
	require.NoError(t, got.err)
	require.Equal(t, int64(3), got.svc.Version)
}
