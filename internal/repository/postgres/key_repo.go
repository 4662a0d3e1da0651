package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
)

// KeyRepo implements KeyRepository using PostgreSQL.
type KeyRepo struct{ db *DB }

// NewKeyRepo constructs a key repository.
func NewKeyRepo(db *DB) *KeyRepo { return &KeyRepo{db: db} }

const selectKey = `
SELECT service_id, kid, algorithm, public_key, sealed_private, key_version, created_at, retired_at, expires_at
FROM service_keys`

func scanKey(row rowScanner) (model.KeyRecord, error) {
	var (
		k       model.KeyRecord
		retired *time.Time
		expires *time.Time
	)
	if err := row.Scan(&k.ServiceID, &k.KID, &k.Algorithm, &k.PublicKey, &k.SealedPrivate, &k.KeyVersion, &k.CreatedAt, &retired, &expires); err != nil {
		return model.KeyRecord{}, err
	}
	if retired != nil {
		k.RetiredAt = *retired
	}
	if expires != nil {
		k.ExpiresAt = *expires
	}
	return k, nil
}

func (r *KeyRepo) queryKeys(ctx context.Context, q string, args ...any) ([]model.KeyRecord, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KeyRecord
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// InsertActive stores the first signing key of a service.
func (r *KeyRepo) InsertActive(ctx context.Context, rec model.KeyRecord) error {
	const q = `
INSERT INTO service_keys (service_id, kid, algorithm, public_key, sealed_private, key_version, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Pool.Exec(ctx, q, rec.ServiceID, rec.KID, rec.Algorithm, rec.PublicKey, rec.SealedPrivate, rec.KeyVersion, rec.CreatedAt)
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("active key of %s: %w", rec.ServiceID, errs.ErrAlreadyExists)
	case isForeignKeyViolation(err):
		return fmt.Errorf("service %s: %w", rec.ServiceID, errs.ErrNotFound)
	}
	return err
}

// Active returns the signing key of serviceID.
func (r *KeyRepo) Active(ctx context.Context, serviceID string) (*model.KeyRecord, error) {
	k, err := scanKey(r.db.Pool.QueryRow(ctx, selectKey+` WHERE service_id=$1 AND retired_at IS NULL`, serviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("active key of %s: %w", serviceID, errs.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Verification returns the keys of serviceID that still verify at now, newest first.
func (r *KeyRepo) Verification(ctx context.Context, serviceID string, now time.Time) ([]model.KeyRecord, error) {
	return r.queryKeys(ctx, selectKey+`
WHERE service_id=$1 AND (retired_at IS NULL OR expires_at > $2)
ORDER BY key_version DESC`, serviceID, now)
}

// AllVerification returns every key that still verifies at now.
func (r *KeyRepo) AllVerification(ctx context.Context, now time.Time) ([]model.KeyRecord, error) {
	return r.queryKeys(ctx, selectKey+`
WHERE retired_at IS NULL OR expires_at > $1
ORDER BY service_id, key_version DESC`, now)
}

// Rotate swaps the active key for next in one transaction.
func (r *KeyRepo) Rotate(
	ctx context.Context, next model.KeyRecord, now, retiredUntil time.Time, maxRetired int,
) (out model.KeyRecord, err error) {
	err = inTx(ctx, r.db, func(tx pgx.Tx) error {
		var (
			curKID string
			curVer int64
		)
		const sel = `SELECT kid, key_version FROM service_keys WHERE service_id=$1 AND retired_at IS NULL FOR UPDATE`
		err := tx.QueryRow(ctx, sel, next.ServiceID).Scan(&curKID, &curVer)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("active key of %s: %w", next.ServiceID, errs.ErrNotFound)
		}
		if err != nil {
			return err
		}

		const retire = `
UPDATE service_keys SET retired_at=$3, expires_at=$4, sealed_private=NULL
WHERE service_id=$1 AND kid=$2`
		if _, err := tx.Exec(ctx, retire, next.ServiceID, curKID, now, retiredUntil); err != nil {
			return err
		}

		next.KeyVersion = curVer + 1
		next.CreatedAt = now
		const ins = `
INSERT INTO service_keys (service_id, kid, algorithm, public_key, sealed_private, key_version, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
		if _, err := tx.Exec(ctx, ins, next.ServiceID, next.KID, next.Algorithm, next.PublicKey, next.SealedPrivate, next.KeyVersion, next.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("key %s of %s: %w", next.KID, next.ServiceID, errs.ErrAlreadyExists)
			}
			return err
		}

		const trim = `
DELETE FROM service_keys
WHERE service_id=$1 AND retired_at IS NOT NULL
  AND (expires_at <= $2 OR kid NOT IN (
    SELECT kid FROM service_keys
    WHERE service_id=$1 AND retired_at IS NOT NULL
    ORDER BY key_version DESC
    LIMIT $3))`
		if _, err := tx.Exec(ctx, trim, next.ServiceID, now, maxRetired); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return model.KeyRecord{}, err
	}
	return out, nil
}

// PurgeExpired deletes retired keys past their verification window.
func (r *KeyRepo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM service_keys WHERE retired_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountKeys returns the number of stored key records.
func (r *KeyRepo) CountKeys(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM service_keys`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
