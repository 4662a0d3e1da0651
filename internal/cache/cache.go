// Package cache is a two-tier read-through cache of versioned entities.
//
// Reads try the process-local tier, then the shared tier, then the store.
// A caller may pass a minimum version (freshness token); an entry older
// than that, or older than the floor this process recorded after its own
// writes, is never returned. Writers do not put payloads into the cache:
// they only move floors forward with Observe or drop an entity with Forget.
package cache

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
)

var (
	encMode = mustEnc(cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode())
	decMode = mustDec(cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode())
)

func mustEnc(m cbor.EncMode, err error) cbor.EncMode {
	if err != nil {
		panic(err)
	}
	return m
}

func mustDec(m cbor.DecMode, err error) cbor.DecMode {
	if err != nil {
		panic(err)
	}
	return m
}

// Loader reads the authoritative value of id from the store.
type Loader[T any] func(ctx context.Context, id string) (T, error)

// Options configures a Cache.
type Options struct {
	LocalTTL   time.Duration
	SharedTTL  time.Duration
	LocalSize  int
	Attempts   int
	RetryDelay time.Duration
	// LoadTimeout bounds one collapsed store read.
	LoadTimeout time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Collector
}

func (o *Options) defaults() {
	if o.LocalTTL <= 0 {
		o.LocalTTL = 5 * time.Second
	}
	if o.SharedTTL <= 0 {
		o.SharedTTL = 30 * time.Second
	}
	if o.LocalSize <= 0 {
		o.LocalSize = 10000
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 50 * time.Millisecond
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetricsCollector()
	}
}

type localEntry struct {
	data    []byte
	version int64
	expires time.Time
}

// Cache caches entities of one kind.
type Cache[T any] struct {
	kind    model.Kind
	load    Loader[T]
	version func(T) int64
	shared  Shared
	opts    Options
	log     *zap.Logger

	local  *lru.Cache
	floors *floors
	flight singleflight.Group
}

// New builds a cache for kind. shared may be nil to run with the local tier only.
func New[T any](kind model.Kind, load Loader[T], version func(T) int64, shared Shared, opts Options) (*Cache[T], error) {
	opts.defaults()
	local, err := lru.New(opts.LocalSize)
	if err != nil {
		return nil, err
	}
	return &Cache[T]{
		kind:    kind,
		load:    load,
		version: version,
		shared:  shared,
		opts:    opts,
		log:     opts.Logger.With(zap.String("kind", string(kind))),
		local:   local,
		// a stale shared entry written just before a floor moved lives at most SharedTTL
		// after the write that raced it
		floors: newFloors(opts.Clock, 2*opts.SharedTTL+opts.LocalTTL, opts.LocalSize),
	}, nil
}

func (c *Cache[T]) sharedKey(id string) string {
	return fmt.Sprintf("authbridge:%s:%s", c.kind, id)
}

func (c *Cache[T]) hit(tier string) {
	c.opts.Metrics.lookups.WithLabelValues(string(c.kind), tier).Inc()
}

// Get returns id at version >= minVersion (0 accepts any version).
func (c *Cache[T]) Get(ctx context.Context, id string, minVersion int64) (T, error) {
	floor, gone := c.floors.get(id)
	need := max(minVersion, floor)

	if !gone {
		if v, ok := c.fromLocal(id, need); ok {
			c.hit("local")
			return v, nil
		}
		if v, ok := c.fromShared(ctx, id, need); ok {
			c.hit("shared")
			return v, nil
		}
	}
	c.hit("store")

	v, err := c.loadShared(ctx, id)
	if err == nil && c.version(v) < need {
		// joined a load that started before our floor moved
		v, err = c.loadStore(ctx, id)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	if _, gone := c.floors.get(id); !gone {
		c.populate(ctx, id, v)
	}
	return v, nil
}

func (c *Cache[T]) fromLocal(id string, need int64) (T, bool) {
	var zero T
	raw, ok := c.local.Get(id)
	if !ok {
		return zero, false
	}
	e := raw.(localEntry)
	if !c.opts.Clock.Now().Before(e.expires) || e.version < need {
		return zero, false
	}
	var v T
	if err := decMode.Unmarshal(e.data, &v); err != nil {
		c.local.Remove(id)
		return zero, false
	}
	return v, true
}

func (c *Cache[T]) fromShared(ctx context.Context, id string, need int64) (T, bool) {
	var zero T
	if c.shared == nil {
		return zero, false
	}
	data, ok, err := c.shared.Get(ctx, c.sharedKey(id))
	if err != nil {
		c.opts.Metrics.sharedErrors.WithLabelValues(string(c.kind)).Inc()
		c.log.Debug("shared tier read failed", zap.String("id", id), zap.Error(err))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var v T
	if err := decMode.Unmarshal(data, &v); err != nil {
		c.log.Warn("undecodable shared entry", zap.String("id", id), zap.Error(err))
		return zero, false
	}
	if c.version(v) < need {
		return zero, false
	}
	c.putLocal(id, data, c.version(v))
	return v, true
}

// loadShared collapses concurrent misses of the same id into one store read.
// The read runs detached from any single caller, bounded by LoadTimeout;
// each waiter still gives up on its own ctx.
func (c *Cache[T]) loadShared(ctx context.Context, id string) (T, error) {
	ch := c.flight.DoChan(id, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LoadTimeout)
		defer cancel()
		return c.loadStore(lctx, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		var zero T
		return zero, errs.Unavailable(ctx.Err())
	}
}

// loadStore reads id from the store, retrying transient failures with backoff.
func (c *Cache[T]) loadStore(ctx context.Context, id string) (T, error) {
	var (
		out  T
		last error
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			v, err := c.load(ctx, id)
			if err != nil {
				last = err
				return err
			}
			out = v
			return nil
		},
		IsFatalError: func(err error) bool {
			return errs.IsDomain(err) || errs.IsTimeout(err)
		},
		NotifyFunc: func(err error, attempt int) {
			c.log.Debug("store read failed", zap.String("id", id), zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    c.opts.Attempts,
		Delay:       c.opts.RetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.opts.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		c.opts.Metrics.loads.WithLabelValues(string(c.kind), "ok").Inc()
		return out, nil
	}

	var zero T
	// retry wraps fatal errors in its own trace type; the loader's error keeps the sentinels
	cause := last
	if retry.IsRetryStopped(err) && ctx.Err() != nil {
		cause = ctx.Err()
	}
	if cause == nil {
		cause = err
	}
	if errs.IsDomain(cause) {
		c.opts.Metrics.loads.WithLabelValues(string(c.kind), "domain_error").Inc()
		return zero, cause
	}
	c.opts.Metrics.loads.WithLabelValues(string(c.kind), "unavailable").Inc()
	return zero, errs.Unavailable(cause)
}

func (c *Cache[T]) populate(ctx context.Context, id string, v T) {
	data, err := encMode.Marshal(v)
	if err != nil {
		c.log.Warn("cannot encode entry", zap.String("id", id), zap.Error(err))
		return
	}
	ver := c.version(v)
	c.putLocal(id, data, ver)
	if c.shared == nil {
		return
	}
	if err := c.shared.Set(ctx, c.sharedKey(id), data, c.opts.SharedTTL); err != nil {
		c.opts.Metrics.sharedErrors.WithLabelValues(string(c.kind)).Inc()
		c.log.Debug("shared tier write failed", zap.String("id", id), zap.Error(err))
	}
}

// putLocal never replaces a newer local entry with an older one.
func (c *Cache[T]) putLocal(id string, data []byte, ver int64) {
	if raw, ok := c.local.Peek(id); ok {
		if cur := raw.(localEntry); cur.version > ver && c.opts.Clock.Now().Before(cur.expires) {
			return
		}
	}
	c.local.Add(id, localEntry{data: data, version: ver, expires: c.opts.Clock.Now().Add(c.opts.LocalTTL)})
}

// Observe records that id reached version through a write in this process.
// Later reads in this process return that version or newer.
func (c *Cache[T]) Observe(id string, version int64) {
	c.floors.observe(id, version)
	if raw, ok := c.local.Peek(id); ok && raw.(localEntry).version < version {
		c.local.Remove(id)
	}
}

// Forget drops id from both tiers after a delete; reads go to the store until
// the next Observe.
func (c *Cache[T]) Forget(ctx context.Context, id string) {
	c.floors.forget(id)
	c.local.Remove(id)
	if c.shared == nil {
		return
	}
	if err := c.shared.Del(ctx, c.sharedKey(id)); err != nil {
		c.opts.Metrics.sharedErrors.WithLabelValues(string(c.kind)).Inc()
		c.log.Debug("shared tier delete failed", zap.String("id", id), zap.Error(err))
	}
}

// Len returns the number of local entries.
func (c *Cache[T]) Len() int { return c.local.Len() }

// floors tracks the minimum acceptable version per id after local writes.
type floors struct {
	clock clock.Clock
	ttl   time.Duration
	limit int

	mu sync.Mutex
	m  map[string]floorEntry
}

type floorEntry struct {
	version int64
	gone    bool
	until   time.Time
}

func newFloors(clk clock.Clock, ttl time.Duration, limit int) *floors {
	return &floors{clock: clk, ttl: ttl, limit: limit, m: map[string]floorEntry{}}
}

func (f *floors) get(id string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.m[id]
	if !ok {
		return 0, false
	}
	if !f.clock.Now().Before(e.until) {
		delete(f.m, id)
		return 0, false
	}
	return e.version, e.gone
}

func (f *floors) observe(id string, version int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	e := f.m[id]
	if e.gone || !now.Before(e.until) {
		e = floorEntry{}
	}
	f.m[id] = floorEntry{version: max(e.version, version), until: now.Add(f.ttl)}
	f.sweepLocked(now)
}

func (f *floors) forget(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	f.m[id] = floorEntry{gone: true, until: now.Add(f.ttl)}
	f.sweepLocked(now)
}

func (f *floors) sweepLocked(now time.Time) {
	if len(f.m) <= f.limit {
		return
	}
	for id, e := range f.m {
		if !now.Before(e.until) {
			delete(f.m, id)
		}
	}
}
