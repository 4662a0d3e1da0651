package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
)

// ServiceRepo implements ServiceRepository using PostgreSQL.
type ServiceRepo struct{ db *DB }

// NewServiceRepo constructs a service repository.
func NewServiceRepo(db *DB) *ServiceRepo { return &ServiceRepo{db: db} }

const selectService = `
SELECT id, name, type, api_key, info, content, version, created_at, updated_at
FROM services`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*model.Service, error) {
	var s model.Service
	if err := row.Scan(&s.ID, &s.Name, &s.Type, &s.APIKey, &s.Info, &s.Content, &s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func doc(d model.Document) model.Document {
	if d == nil {
		return model.Document{}
	}
	return d
}

// CreateService inserts a new service at version 1.
func (r *ServiceRepo) CreateService(ctx context.Context, s *model.Service) error {
	const q = `
INSERT INTO services (id, name, type, api_key, info, content, version)
VALUES ($1, $2, $3, $4, $5, $6, 1)
RETURNING created_at, updated_at`
	err := r.db.Pool.QueryRow(ctx, q, s.ID, s.Name, s.Type, s.APIKey, doc(s.Info), doc(s.Content)).
		Scan(&s.CreatedAt, &s.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("service %s: %w", s.ID, errs.ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	s.Version = 1
	return nil
}

// GetService selects a service by id.
func (r *ServiceRepo) GetService(ctx context.Context, id string) (*model.Service, error) {
	s, err := scanService(r.db.Pool.QueryRow(ctx, selectService+` WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("service %s: %w", id, errs.ErrNotFound)
	}
	return s, err
}

// GetServiceByAPIKey selects the service owning key.
func (r *ServiceRepo) GetServiceByAPIKey(ctx context.Context, key string) (*model.Service, error) {
	s, err := scanService(r.db.Pool.QueryRow(ctx, selectService+` WHERE api_key=$1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return s, err
}

// ListServices returns every service ordered by type and name.
func (r *ServiceRepo) ListServices(ctx context.Context) ([]model.Service, error) {
	rows, err := r.db.Pool.Query(ctx, selectService+` ORDER BY type, name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpdateService locks the row, checks expectVer, applies the mutation and bumps version.
func (r *ServiceRepo) UpdateService(
	ctx context.Context, id string, expectVer int64, apply func(*model.Service) error,
) (out *model.Service, err error) {
	err = inTx(ctx, r.db, func(tx pgx.Tx) error {
		cur, err := scanService(tx.QueryRow(ctx, selectService+` WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("service %s: %w", id, errs.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if expectVer != 0 && cur.Version != expectVer {
			return fmt.Errorf("service %s at version %d, expected %d: %w", id, cur.Version, expectVer, errs.ErrVersionConflict)
		}

		next := cur.Clone()
		if err := apply(&next); err != nil {
			return err
		}
		next.ID, next.CreatedAt = cur.ID, cur.CreatedAt
		next.Version = cur.Version + 1

		const upd = `
UPDATE services SET name=$2, type=$3, api_key=$4, info=$5, content=$6, version=$7, updated_at=now()
WHERE id=$1
RETURNING updated_at`
		err = tx.QueryRow(ctx, upd, next.ID, next.Name, next.Type, next.APIKey, doc(next.Info), doc(next.Content), next.Version).
			Scan(&next.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("service %s api key: %w", id, errs.ErrAlreadyExists)
		}
		if err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteService removes the service, its links (bumping each affected workspace) and,
// through the foreign key, its keys.
func (r *ServiceRepo) DeleteService(ctx context.Context, id string) (bumped []model.EntityVersion, err error) {
	err = inTx(ctx, r.db, func(tx pgx.Tx) error {
		// FOR UPDATE blocks the key-share lock a link insert takes on its services,
		// so no link to id can commit between the link sweep and the service delete.
		var got string
		err := tx.QueryRow(ctx, `SELECT id FROM services WHERE id=$1 FOR UPDATE`, id).Scan(&got)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("service %s: %w", id, errs.ErrNotFound)
		}
		if err != nil {
			return err
		}

		wsIDs, err := deleteLinksOf(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, ws := range wsIDs {
			var ver int64
			const bump = `UPDATE workspaces SET version=version+1, updated_at=now() WHERE id=$1 RETURNING version`
			if err := tx.QueryRow(ctx, bump, ws).Scan(&ver); err != nil {
				return err
			}
			bumped = append(bumped, model.EntityVersion{Kind: model.KindWorkspace, ID: ws, Version: ver})
		}

		_, err = tx.Exec(ctx, `DELETE FROM services WHERE id=$1`, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bumped, nil
}

// deleteLinksOf removes every link touching serviceID and returns the distinct
// workspace ids in ascending order, the lock order used for the version bumps.
func deleteLinksOf(ctx context.Context, tx pgx.Tx, serviceID string) ([]string, error) {
	const q = `
DELETE FROM links WHERE issuer_id=$1 OR audience_id=$1
RETURNING workspace_id`
	rows, err := tx.Query(ctx, q, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[string]struct{}{}
	var out []string
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, err
		}
		if _, ok := seen[ws]; !ok {
			seen[ws] = struct{}{}
			out = append(out, ws)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}
