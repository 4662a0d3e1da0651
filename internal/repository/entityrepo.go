// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/authbridge/internal/model"
)

// ServiceRepository provides versioned access to services.
//
// Update callbacks run while the row is locked; the repository bumps
// Version and UpdatedAt after apply returns, in the same transaction.
type ServiceRepository interface {
	// CreateService inserts s with version 1. Duplicate id or api key yields ErrAlreadyExists.
	CreateService(ctx context.Context, s *model.Service) error
	// GetService loads a service by id.
	GetService(ctx context.Context, id string) (*model.Service, error)
	// GetServiceByAPIKey loads the service owning key.
	GetServiceByAPIKey(ctx context.Context, key string) (*model.Service, error)
	// ListServices returns all services ordered by type, then name.
	ListServices(ctx context.Context) ([]model.Service, error)
	// UpdateService applies a mutation under the row lock. expectVer 0 skips the version check.
	UpdateService(ctx context.Context, id string, expectVer int64, apply func(*model.Service) error) (*model.Service, error)
	// DeleteService removes the service together with its links and keys and
	// returns the versions reached by every workspace that lost a link.
	DeleteService(ctx context.Context, id string) ([]model.EntityVersion, error)
}

// WorkspaceRepository provides versioned access to workspaces.
type WorkspaceRepository interface {
	// CreateWorkspace inserts w with version 1.
	CreateWorkspace(ctx context.Context, w *model.Workspace) error
	// GetWorkspace loads a workspace by id.
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	// ListWorkspaces returns all workspaces ordered by name.
	ListWorkspaces(ctx context.Context) ([]model.Workspace, error)
	// UpdateWorkspace applies a mutation under the row lock. expectVer 0 skips the version check.
	UpdateWorkspace(ctx context.Context, id string, expectVer int64, apply func(*model.Workspace) error) (*model.Workspace, error)
	// DeleteWorkspace removes the workspace and its links.
	DeleteWorkspace(ctx context.Context, id string) error
}

// StatsRepository answers aggregate questions used by system info.
type StatsRepository interface {
	// MaxVersion returns the highest entity version of kind, 0 when empty.
	MaxVersion(ctx context.Context, kind model.Kind) (int64, error)
	// Count returns the number of entities of kind.
	Count(ctx context.Context, kind model.Kind) (int64, error)
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
}
