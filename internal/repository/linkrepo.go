package repository

import (
	"context"

	"github.com/and161185/authbridge/internal/model"
)

// LinkRepository stores workspace-scoped trust links.
//
// Link and Unlink bump the owning workspace version in the same transaction
// and return the version reached.
type LinkRepository interface {
	// Link inserts l. Missing workspace or service yields ErrNotFound, a duplicate ErrAlreadyExists.
	Link(ctx context.Context, l model.Link) (model.EntityVersion, error)
	// Unlink removes the link identified by k or returns ErrNotFound.
	Unlink(ctx context.Context, k model.LinkKey) (model.EntityVersion, error)
	// ListLinks returns the links declared in a workspace.
	ListLinks(ctx context.Context, workspaceID string) ([]model.Link, error)
	// LinksByIssuer returns every link where serviceID is the issuer.
	LinksByIssuer(ctx context.Context, serviceID string) ([]model.Link, error)
	// LinksByAudience returns every link where serviceID is the audience.
	LinksByAudience(ctx context.Context, serviceID string) ([]model.Link, error)
	// LinkExists reports whether k is present.
	LinkExists(ctx context.Context, k model.LinkKey) (bool, error)
}
