package limiter

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/clock"
)

// PG is a PostgreSQL-backed fixed-window limiter shared by every process.
type PG struct {
	pool   pgxQuerier
	limits Limits
	window time.Duration
	clock  clock.Clock
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over q (usually a *pgxpool.Pool).
func NewPG(q pgxQuerier, limits Limits, clk clock.Clock) *PG {
	if clk == nil {
		clk = clock.WallClock
	}
	return &PG{pool: q, limits: limits, window: time.Minute, clock: clk}
}

// Allow counts the request in the current window.
func (l *PG) Allow(ctx context.Context, bucket, key string) (bool, time.Duration, error) {
	limit := l.limits[bucket]
	if limit <= 0 {
		return true, 0, nil
	}
	now := l.clock.Now().UTC()
	start := now.Truncate(l.window)

	const q = `
INSERT INTO rate_limits (bucket, key_hash, window_start, hits)
VALUES ($1,$2,$3,1)
ON CONFLICT (bucket, key_hash) DO UPDATE
SET
  hits = CASE WHEN rate_limits.window_start = EXCLUDED.window_start THEN rate_limits.hits + 1 ELSE 1 END,
  window_start = EXCLUDED.window_start
RETURNING hits`
	var hits int
	if err := l.pool.QueryRow(ctx, q, bucket, HashKey(key), start).Scan(&hits); err != nil {
		return false, 0, err
	}
	if hits > limit {
		return false, start.Add(l.window).Sub(now), nil
	}
	return true, 0, nil
}

// Prune removes counters of windows that ended before now.
func (l *PG) Prune(ctx context.Context) (int64, error) {
	const q = `DELETE FROM rate_limits WHERE window_start < $1`
	tag, err := l.pool.Exec(ctx, q, l.clock.Now().UTC().Truncate(l.window))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
