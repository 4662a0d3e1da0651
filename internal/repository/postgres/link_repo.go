package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
)

// LinkRepo implements LinkRepository using PostgreSQL.
type LinkRepo struct{ db *DB }

// NewLinkRepo constructs a link repository.
func NewLinkRepo(db *DB) *LinkRepo { return &LinkRepo{db: db} }

const selectLink = `
SELECT workspace_id, issuer_id, audience_id, context, created_at
FROM links`

// lockWorkspace takes the workspace row lock and returns its current version.
func lockWorkspace(ctx context.Context, tx pgx.Tx, id string) (int64, error) {
	var ver int64
	err := tx.QueryRow(ctx, `SELECT version FROM workspaces WHERE id=$1 FOR UPDATE`, id).Scan(&ver)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("workspace %s: %w", id, errs.ErrNotFound)
	}
	return ver, err
}

func bumpWorkspace(ctx context.Context, tx pgx.Tx, id string, ver int64) error {
	_, err := tx.Exec(ctx, `UPDATE workspaces SET version=$2, updated_at=now() WHERE id=$1`, id, ver)
	return err
}

// Link inserts a link and bumps the workspace version.
func (r *LinkRepo) Link(ctx context.Context, l model.Link) (ev model.EntityVersion, err error) {
	err = inTx(ctx, r.db, func(tx pgx.Tx) error {
		ver, err := lockWorkspace(ctx, tx, l.WorkspaceID)
		if err != nil {
			return err
		}
		const ins = `
INSERT INTO links (workspace_id, issuer_id, audience_id, context)
VALUES ($1, $2, $3, $4)`
		_, err = tx.Exec(ctx, ins, l.WorkspaceID, l.IssuerID, l.AudienceID, doc(l.Context))
		switch {
		case isUniqueViolation(err):
			return fmt.Errorf("link %s/%s->%s: %w", l.WorkspaceID, l.IssuerID, l.AudienceID, errs.ErrAlreadyExists)
		case isForeignKeyViolation(err):
			return fmt.Errorf("link service: %w", errs.ErrNotFound)
		case isCheckViolation(err):
			return errs.Invalidf("service cannot be linked to itself")
		case err != nil:
			return err
		}
		if err := bumpWorkspace(ctx, tx, l.WorkspaceID, ver+1); err != nil {
			return err
		}
		ev = model.EntityVersion{Kind: model.KindWorkspace, ID: l.WorkspaceID, Version: ver + 1}
		return nil
	})
	if err != nil {
		return model.EntityVersion{}, err
	}
	return ev, nil
}

// Unlink removes a link and bumps the workspace version.
func (r *LinkRepo) Unlink(ctx context.Context, k model.LinkKey) (ev model.EntityVersion, err error) {
	err = inTx(ctx, r.db, func(tx pgx.Tx) error {
		ver, err := lockWorkspace(ctx, tx, k.WorkspaceID)
		if err != nil {
			return err
		}
		const del = `DELETE FROM links WHERE workspace_id=$1 AND issuer_id=$2 AND audience_id=$3`
		tag, err := tx.Exec(ctx, del, k.WorkspaceID, k.IssuerID, k.AudienceID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("link %s/%s->%s: %w", k.WorkspaceID, k.IssuerID, k.AudienceID, errs.ErrNotFound)
		}
		if err := bumpWorkspace(ctx, tx, k.WorkspaceID, ver+1); err != nil {
			return err
		}
		ev = model.EntityVersion{Kind: model.KindWorkspace, ID: k.WorkspaceID, Version: ver + 1}
		return nil
	})
	if err != nil {
		return model.EntityVersion{}, err
	}
	return ev, nil
}

func (r *LinkRepo) queryLinks(ctx context.Context, where string, arg string) ([]model.Link, error) {
	rows, err := r.db.Pool.Query(ctx, selectLink+` WHERE `+where+` ORDER BY workspace_id, issuer_id, audience_id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Link
	for rows.Next() {
		var l model.Link
		if err := rows.Scan(&l.WorkspaceID, &l.IssuerID, &l.AudienceID, &l.Context, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListLinks returns the links of a workspace.
func (r *LinkRepo) ListLinks(ctx context.Context, workspaceID string) ([]model.Link, error) {
	return r.queryLinks(ctx, "workspace_id=$1", workspaceID)
}

// LinksByIssuer returns links where serviceID issues.
func (r *LinkRepo) LinksByIssuer(ctx context.Context, serviceID string) ([]model.Link, error) {
	return r.queryLinks(ctx, "issuer_id=$1", serviceID)
}

// LinksByAudience returns links where serviceID is the audience.
func (r *LinkRepo) LinksByAudience(ctx context.Context, serviceID string) ([]model.Link, error) {
	return r.queryLinks(ctx, "audience_id=$1", serviceID)
}

// LinkExists reports whether the exact (workspace, issuer, audience) link is present.
func (r *LinkRepo) LinkExists(ctx context.Context, k model.LinkKey) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM links WHERE workspace_id=$1 AND issuer_id=$2 AND audience_id=$3)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, k.WorkspaceID, k.IssuerID, k.AudienceID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}
