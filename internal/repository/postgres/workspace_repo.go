package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
)

// WorkspaceRepo implements WorkspaceRepository using PostgreSQL.
type WorkspaceRepo struct{ db *DB }

// NewWorkspaceRepo constructs a workspace repository.
func NewWorkspaceRepo(db *DB) *WorkspaceRepo { return &WorkspaceRepo{db: db} }

const selectWorkspace = `
SELECT id, name, api_key, info, content, version, created_at, updated_at
FROM workspaces`

func scanWorkspace(row rowScanner) (*model.Workspace, error) {
	var w model.Workspace
	if err := row.Scan(&w.ID, &w.Name, &w.APIKey, &w.Info, &w.Content, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWorkspace inserts a new workspace at version 1.
func (r *WorkspaceRepo) CreateWorkspace(ctx context.Context, w *model.Workspace) error {
	const q = `
INSERT INTO workspaces (id, name, api_key, info, content, version)
VALUES ($1, $2, $3, $4, $5, 1)
RETURNING created_at, updated_at`
	err := r.db.Pool.QueryRow(ctx, q, w.ID, w.Name, w.APIKey, doc(w.Info), doc(w.Content)).
		Scan(&w.CreatedAt, &w.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("workspace %s: %w", w.ID, errs.ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	w.Version = 1
	return nil
}

// GetWorkspace selects a workspace by id.
func (r *WorkspaceRepo) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	w, err := scanWorkspace(r.db.Pool.QueryRow(ctx, selectWorkspace+` WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workspace %s: %w", id, errs.ErrNotFound)
	}
	return w, err
}

// ListWorkspaces returns every workspace ordered by name.
func (r *WorkspaceRepo) ListWorkspaces(ctx context.Context) ([]model.Workspace, error) {
	rows, err := r.db.Pool.Query(ctx, selectWorkspace+` ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// UpdateWorkspace locks the row, checks expectVer, applies the mutation and bumps version.
func (r *WorkspaceRepo) UpdateWorkspace(
	ctx context.Context, id string, expectVer int64, apply func(*model.Workspace) error,
) (out *model.Workspace, err error) {
	err = inTx(ctx, r.db, func(tx pgx.Tx) error {
		cur, err := scanWorkspace(tx.QueryRow(ctx, selectWorkspace+` WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("workspace %s: %w", id, errs.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if expectVer != 0 && cur.Version != expectVer {
			return fmt.Errorf("workspace %s at version %d, expected %d: %w", id, cur.Version, expectVer, errs.ErrVersionConflict)
		}

		next := cur.Clone()
		if err := apply(&next); err != nil {
			return err
		}
		next.ID, next.CreatedAt = cur.ID, cur.CreatedAt
		next.Version = cur.Version + 1

		const upd = `
UPDATE workspaces SET name=$2, api_key=$3, info=$4, content=$5, version=$6, updated_at=now()
WHERE id=$1
RETURNING updated_at`
		err = tx.QueryRow(ctx, upd, next.ID, next.Name, next.APIKey, doc(next.Info), doc(next.Content), next.Version).
			Scan(&next.UpdatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("workspace %s api key: %w", id, errs.ErrAlreadyExists)
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

// DeleteWorkspace removes the workspace; links go with it through the foreign key.
func (r *WorkspaceRepo) DeleteWorkspace(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM workspaces WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workspace %s: %w", id, errs.ErrNotFound)
	}
	return nil
}
