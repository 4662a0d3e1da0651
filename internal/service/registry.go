package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/authbridge/internal/cache"
	"github.com/and161185/authbridge/internal/config"
	abcrypto "github.com/and161185/authbridge/internal/crypto"
	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository"
	"github.com/and161185/authbridge/internal/trust"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// KeyAdmin is the part of the key vault the registry drives.
type KeyAdmin interface {
	EnsureKeypair(ctx context.Context, serviceID string) (string, error)
	Rotate(ctx context.Context, serviceID string) (string, error)
}

// Registry owns the entity lifecycle. Every successful mutation moves the
// read cache floor of the entities it touched, so later reads in this
// process see it.
type Registry struct {
	store      repository.Store
	keys       KeyAdmin
	services   *cache.Cache[model.Service]
	workspaces *cache.Cache[model.Workspace]
	graph      *trust.Graph
	types      config.TypeSet
	log        *zap.Logger
}

// NewRegistry wires a Registry.
func NewRegistry(
	store repository.Store,
	keys KeyAdmin,
	services *cache.Cache[model.Service],
	workspaces *cache.Cache[model.Workspace],
	graph *trust.Graph,
	types config.TypeSet,
	log *zap.Logger,
) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		store:      store,
		keys:       keys,
		services:   services,
		workspaces: workspaces,
		graph:      graph,
		types:      types,
		log:        log,
	}
}

// NewService is the admin input for creating a service. Empty ID and Type get defaults.
type NewService struct {
	ID      string
	Name    string
	Type    string
	Info    model.Document
	Content model.Document
}

// NewWorkspace is the admin input for creating a workspace.
type NewWorkspace struct {
	ID      string
	Name    string
	Info    model.Document
	Content model.Document
}

// ServiceGroup is one type bucket of the service listing.
type ServiceGroup struct {
	Type     string
	Services []model.Service
}

func newID(id string) (string, error) {
	if id == "" {
		u, err := uuid.NewV4()
		if err != nil {
			return "", err
		}
		return u.String(), nil
	}
	if !idPattern.MatchString(id) {
		return "", errs.Invalidf("id %q must match %s", id, idPattern)
	}
	return id, nil
}

func (r *Registry) serviceType(t string) (string, error) {
	if strings.TrimSpace(t) == "" {
		return r.types.Default(), nil
	}
	norm, ok := r.types.Normalize(t)
	if !ok {
		return "", errs.Invalidf("type %q is not one of %v", t, r.types.List())
	}
	return norm, nil
}

// CreateService registers a service with a fresh API key and keypair.
func (r *Registry) CreateService(ctx context.Context, caller model.Identity, in NewService) (*model.Service, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	id, err := newID(in.ID)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errs.Invalidf("name is required")
	}
	typ, err := r.serviceType(in.Type)
	if err != nil {
		return nil, err
	}
	key, err := abcrypto.NewAPIKey()
	if err != nil {
		return nil, err
	}

	svc := &model.Service{
		ID:      id,
		Name:    name,
		Type:    typ,
		APIKey:  key,
		Info:    in.Info.Clone(),
		Content: in.Content.Clone(),
	}
	if err := r.store.CreateService(ctx, svc); err != nil {
		return nil, errs.Unavailable(err)
	}
	r.services.Observe(svc.ID, svc.Version)

	if _, err := r.keys.EnsureKeypair(ctx, svc.ID); err != nil {
		// the service exists; RotateServiceKey generates the missing key later
		r.log.Error("keypair not created", zap.String("service_id", svc.ID), zap.Error(err))
		return svc, err
	}
	r.log.Info("service created", zap.String("service_id", svc.ID), zap.String("type", svc.Type))
	return svc, nil
}

// GetService returns a service to an admin or to the service itself.
// minVersion is a freshness token; 0 accepts any cached version.
func (r *Registry) GetService(ctx context.Context, caller model.Identity, id string, minVersion int64) (*model.Service, error) {
	if err := requireAdminOr(caller, id); err != nil {
		return nil, err
	}
	svc, err := r.services.Get(ctx, id, minVersion)
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

// ListServices returns every service grouped by type, groups in type order.
func (r *Registry) ListServices(ctx context.Context, caller model.Identity) ([]ServiceGroup, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	all, err := r.store.ListServices(ctx)
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	var groups []ServiceGroup
	for _, s := range all {
		if n := len(groups); n == 0 || groups[n-1].Type != s.Type {
			groups = append(groups, ServiceGroup{Type: s.Type})
		}
		g := &groups[len(groups)-1]
		g.Services = append(g.Services, s)
	}
	return groups, nil
}

func (r *Registry) updateService(ctx context.Context, caller model.Identity, id string, expectVer int64, apply func(*model.Service) error) (*model.Service, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	svc, err := r.store.UpdateService(ctx, id, expectVer, apply)
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	r.services.Observe(svc.ID, svc.Version)
	r.log.Info("service updated", zap.String("service_id", svc.ID), zap.Int64("version", svc.Version))
	return svc, nil
}

// UpdateServiceInfo replaces the info document. expectVer 0 skips the version check.
func (r *Registry) UpdateServiceInfo(ctx context.Context, caller model.Identity, id string, expectVer int64, info model.Document) (*model.Service, error) {
	return r.updateService(ctx, caller, id, expectVer, func(s *model.Service) error {
		s.Info = info.Clone()
		return nil
	})
}

// UpdateServiceContent replaces the content document.
func (r *Registry) UpdateServiceContent(ctx context.Context, caller model.Identity, id string, expectVer int64, content model.Document) (*model.Service, error) {
	return r.updateService(ctx, caller, id, expectVer, func(s *model.Service) error {
		s.Content = content.Clone()
		return nil
	})
}

// UpdateServiceType moves the service to another allowed type.
func (r *Registry) UpdateServiceType(ctx context.Context, caller model.Identity, id string, expectVer int64, typ string) (*model.Service, error) {
	norm, ok := r.types.Normalize(typ)
	if !ok {
		return nil, errs.Invalidf("type %q is not one of %v", typ, r.types.List())
	}
	return r.updateService(ctx, caller, id, expectVer, func(s *model.Service) error {
		s.Type = norm
		return nil
	})
}

// RekeyService replaces the service API key.
func (r *Registry) RekeyService(ctx context.Context, caller model.Identity, id string, expectVer int64) (*model.Service, error) {
	key, err := abcrypto.NewAPIKey()
	if err != nil {
		return nil, err
	}
	return r.updateService(ctx, caller, id, expectVer, func(s *model.Service) error {
		s.APIKey = key
		return nil
	})
}

// RotateServiceKey rotates the signing key and bumps the service version,
// since key material changed. It returns the new kid.
func (r *Registry) RotateServiceKey(ctx context.Context, caller model.Identity, id string) (string, *model.Service, error) {
	if err := requireAdmin(caller); err != nil {
		return "", nil, err
	}
	if _, err := r.services.Get(ctx, id, 0); err != nil {
		return "", nil, err
	}
	kid, err := r.keys.Rotate(ctx, id)
	if err != nil {
		return "", nil, err
	}
	// rotation commits before the bump; the key row references the service row
	svc, err := r.updateService(ctx, caller, id, 0, func(*model.Service) error { return nil })
	if err != nil {
		return kid, nil, err
	}
	return kid, svc, nil
}

// DeleteService removes the service with its links and keys.
func (r *Registry) DeleteService(ctx context.Context, caller model.Identity, id string) ([]model.EntityVersion, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	touched, err := r.store.DeleteService(ctx, id)
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	r.services.Forget(ctx, id)
	for _, ev := range touched {
		r.workspaces.Observe(ev.ID, ev.Version)
	}
	r.log.Info("service deleted", zap.String("service_id", id), zap.Int("workspaces_touched", len(touched)))
	return touched, nil
}

// CreateWorkspace registers a workspace with a fresh API key.
func (r *Registry) CreateWorkspace(ctx context.Context, caller model.Identity, in NewWorkspace) (*model.Workspace, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	id, err := newID(in.ID)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errs.Invalidf("name is required")
	}
	key, err := abcrypto.NewAPIKey()
	if err != nil {
		return nil, err
	}
	ws := &model.Workspace{ID: id, Name: name, APIKey: key, Info: in.Info.Clone(), Content: in.Content.Clone()}
	if err := r.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, errs.Unavailable(err)
	}
	r.workspaces.Observe(ws.ID, ws.Version)
	r.log.Info("workspace created", zap.String("workspace_id", ws.ID))
	return ws, nil
}

// GetWorkspace returns a workspace at or above minVersion.
func (r *Registry) GetWorkspace(ctx context.Context, caller model.Identity, id string, minVersion int64) (*model.Workspace, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	ws, err := r.workspaces.Get(ctx, id, minVersion)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// ListWorkspaces returns every workspace ordered by name.
func (r *Registry) ListWorkspaces(ctx context.Context, caller model.Identity) ([]model.Workspace, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	all, err := r.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return all, nil
}

func (r *Registry) updateWorkspace(ctx context.Context, caller model.Identity, id string, expectVer int64, apply func(*model.Workspace) error) (*model.Workspace, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	ws, err := r.store.UpdateWorkspace(ctx, id, expectVer, apply)
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	r.workspaces.Observe(ws.ID, ws.Version)
	r.log.Info("workspace updated", zap.String("workspace_id", ws.ID), zap.Int64("version", ws.Version))
	return ws, nil
}

// UpdateWorkspaceInfo replaces the info document.
func (r *Registry) UpdateWorkspaceInfo(ctx context.Context, caller model.Identity, id string, expectVer int64, info model.Document) (*model.Workspace, error) {
	return r.updateWorkspace(ctx, caller, id, expectVer, func(w *model.Workspace) error {
		w.Info = info.Clone()
		return nil
	})
}

// UpdateWorkspaceContent replaces the content document.
func (r *Registry) UpdateWorkspaceContent(ctx context.Context, caller model.Identity, id string, expectVer int64, content model.Document) (*model.Workspace, error) {
	return r.updateWorkspace(ctx, caller, id, expectVer, func(w *model.Workspace) error {
		w.Content = content.Clone()
		return nil
	})
}

// RekeyWorkspace replaces the workspace API key.
func (r *Registry) RekeyWorkspace(ctx context.Context, caller model.Identity, id string, expectVer int64) (*model.Workspace, error) {
	key, err := abcrypto.NewAPIKey()
	if err != nil {
		return nil, err
	}
	return r.updateWorkspace(ctx, caller, id, expectVer, func(w *model.Workspace) error {
		w.APIKey = key
		return nil
	})
}

// DeleteWorkspace removes the workspace and its links.
func (r *Registry) DeleteWorkspace(ctx context.Context, caller model.Identity, id string) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	if err := r.store.DeleteWorkspace(ctx, id); err != nil {
		return errs.Unavailable(err)
	}
	r.workspaces.Forget(ctx, id)
	r.log.Info("workspace deleted", zap.String("workspace_id", id))
	return nil
}

// LinkService lets issuer obtain tokens for audience inside the workspace.
func (r *Registry) LinkService(ctx context.Context, caller model.Identity, l model.Link) (model.EntityVersion, error) {
	if err := requireAdmin(caller); err != nil {
		return model.EntityVersion{}, err
	}
	if l.IssuerID == l.AudienceID {
		return model.EntityVersion{}, errs.Invalidf("service cannot be linked to itself")
	}
	l.Context = l.Context.Clone()
	ev, err := r.store.Link(ctx, l)
	if err != nil {
		return model.EntityVersion{}, errs.Unavailable(err)
	}
	r.workspaces.Observe(ev.ID, ev.Version)
	r.log.Info("link added",
		zap.String("workspace_id", l.WorkspaceID),
		zap.String("issuer", l.IssuerID),
		zap.String("audience", l.AudienceID),
		zap.Int64("version", ev.Version))
	return ev, nil
}

// UnlinkService removes a link. Tokens already issued under it stay valid until they expire.
func (r *Registry) UnlinkService(ctx context.Context, caller model.Identity, k model.LinkKey) (model.EntityVersion, error) {
	if err := requireAdmin(caller); err != nil {
		return model.EntityVersion{}, err
	}
	ev, err := r.store.Unlink(ctx, k)
	if err != nil {
		return model.EntityVersion{}, errs.Unavailable(err)
	}
	r.workspaces.Observe(ev.ID, ev.Version)
	r.log.Info("link removed",
		zap.String("workspace_id", k.WorkspaceID),
		zap.String("issuer", k.IssuerID),
		zap.String("audience", k.AudienceID),
		zap.Int64("version", ev.Version))
	return ev, nil
}

// ListLinks returns the links declared in a workspace.
func (r *Registry) ListLinks(ctx context.Context, caller model.Identity, workspaceID string) ([]model.Link, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	if _, err := r.workspaces.Get(ctx, workspaceID, 0); err != nil {
		return nil, err
	}
	ls, err := r.store.ListLinks(ctx, workspaceID)
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return ls, nil
}

// Discover returns the grouped link view of a service to an admin or the service itself.
func (r *Registry) Discover(ctx context.Context, caller model.Identity, serviceID string) (*trust.Discovery, error) {
	if err := requireAdminOr(caller, serviceID); err != nil {
		return nil, err
	}
	d, err := r.graph.Discover(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", serviceID, err)
	}
	return d, nil
}
