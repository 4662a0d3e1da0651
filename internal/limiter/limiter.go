// Package limiter implements per-credential request budgets.
package limiter

import (
	"context"
	"crypto/sha256"
	"time"
)

// Buckets.
const (
	BucketIssue  = "issue"
	BucketVerify = "verify"
	BucketAdmin  = "admin"
)

// Limiter enforces a per-minute budget for each (bucket, key).
type Limiter interface {
	// Allow records one request and reports whether it fits the budget,
	// with a retry-after when it does not.
	Allow(ctx context.Context, bucket, key string) (bool, time.Duration, error)
}

// Limits is the per-minute budget of each bucket. Buckets missing or at zero are unlimited.
type Limits map[string]int

// HashKey returns a stable hash for a credential to avoid storing it raw.
func HashKey(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return h[:]
}
