package limiter

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

// Memory is an in-process limiter: a token bucket per (bucket, key) refilled
// at limit per minute with a burst of limit.
type Memory struct {
	limits Limits
	clock  clock.Clock

	mu      sync.Mutex
	buckets *lru.Cache
}

// NewMemory tracks at most size keys; the least recently used ones are forgotten.
func NewMemory(limits Limits, size int, clk clock.Clock) (*Memory, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Memory{limits: limits, clock: clk, buckets: c}, nil
}

// Allow takes one token from the (bucket, key) limiter.
func (m *Memory) Allow(_ context.Context, bucket, key string) (bool, time.Duration, error) {
	limit := m.limits[bucket]
	if limit <= 0 {
		return true, 0, nil
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	id := bucket + "\x00" + string(HashKey(key))
	var lim *rate.Limiter
	if v, ok := m.buckets.Get(id); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(limit)), limit)
		m.buckets.Add(id, lim)
	}

	r := lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d, nil
	}
	return true, 0, nil
}
