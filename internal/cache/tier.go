package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/redis/go-redis/v9"
)

// Shared is the cross-process tier. Implementations must treat a missing key
// as (nil, false, nil) and expire every entry after its ttl.
type Shared interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// RedisTier stores entries in Redis.
type RedisTier struct {
	rdb redis.UniversalClient
}

var _ Shared = (*RedisTier)(nil)

// NewRedisTier wraps an existing client.
func NewRedisTier(rdb redis.UniversalClient) *RedisTier { return &RedisTier{rdb: rdb} }

// Get returns the stored bytes for key.
func (r *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Set stores val under key for ttl.
func (r *RedisTier) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, val, ttl).Err()
}

// Del removes key.
func (r *RedisTier) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// Ping checks the server is reachable.
func (r *RedisTier) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// MemoryTier is a Shared implementation for single-process deployments.
type MemoryTier struct {
	clock clock.Clock

	mu sync.Mutex
	m  map[string]memEntry
}

type memEntry struct {
	val     []byte
	expires time.Time
}

var _ Shared = (*MemoryTier)(nil)

// NewMemoryTier returns an empty tier. A nil clock means the wall clock.
func NewMemoryTier(clk clock.Clock) *MemoryTier {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryTier{clock: clk, m: map[string]memEntry{}}
}

// Get returns a copy of the stored bytes.
func (t *MemoryTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.m[key]
	if !ok {
		return nil, false, nil
	}
	if !t.clock.Now().Before(e.expires) {
		delete(t.m, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.val...), true, nil
}

// Set stores a copy of val until now+ttl.
func (t *MemoryTier) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key] = memEntry{val: append([]byte(nil), val...), expires: t.clock.Now().Add(ttl)}
	return nil
}

// Del removes key.
func (t *MemoryTier) Del(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, key)
	return nil
}

// Ping always succeeds.
func (t *MemoryTier) Ping(context.Context) error { return nil }
