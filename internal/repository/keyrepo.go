package repository

import (
	"context"
	"time"

	"github.com/and161185/authbridge/internal/model"
)

// KeyRepository persists service key records. At most one record per service is active.
type KeyRepository interface {
	// InsertActive stores the first key of a service. ErrAlreadyExists if one is active,
	// ErrNotFound if the service does not exist.
	InsertActive(ctx context.Context, rec model.KeyRecord) error
	// Active returns the signing key of a service or ErrNotFound.
	Active(ctx context.Context, serviceID string) (*model.KeyRecord, error)
	// Verification returns the active key and every retired key not expired at now.
	Verification(ctx context.Context, serviceID string, now time.Time) ([]model.KeyRecord, error)
	// AllVerification is Verification over every service.
	AllVerification(ctx context.Context, now time.Time) ([]model.KeyRecord, error)
	// Rotate retires the active key until retiredUntil, makes next active with the
	// following key version and trims the retired list to maxRetired entries.
	Rotate(ctx context.Context, next model.KeyRecord, now, retiredUntil time.Time, maxRetired int) (model.KeyRecord, error)
	// PurgeExpired deletes retired keys whose window ended at or before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	// CountKeys returns the number of stored key records.
	CountKeys(ctx context.Context) (int64, error)
}

// Store bundles every repository a single backend provides.
type Store interface {
	ServiceRepository
	WorkspaceRepository
	LinkRepository
	KeyRepository
	StatsRepository
}
