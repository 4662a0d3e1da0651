// Package memory implements repository.Store in process memory.
//
// Mutations of one entity are serialized by a keyed mutex; the maps
// themselves sit behind a short-lived RWMutex so unrelated entities never
// wait on each other's update callbacks.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository"
)

// Store keeps every entity in maps guarded by mu.
type Store struct {
	clock clock.Clock
	locks *kmutex.Kmutex

	mu         sync.RWMutex
	services   map[string]model.Service
	workspaces map[string]model.Workspace
	svcKeys    map[string]string // api key -> service id
	wsKeys     map[string]string // api key -> workspace id
	links      map[model.LinkKey]model.Link
	keys       map[string][]model.KeyRecord // newest first
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store. A nil clock means the wall clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{
		clock:      clk,
		locks:      kmutex.New(),
		services:   map[string]model.Service{},
		workspaces: map[string]model.Workspace{},
		svcKeys:    map[string]string{},
		wsKeys:     map[string]string{},
		links:      map[model.LinkKey]model.Link{},
		keys:       map[string][]model.KeyRecord{},
	}
}

func lockName(kind model.Kind, id string) string { return string(kind) + "/" + id }

func (s *Store) lock(kind model.Kind, id string) func() {
	name := lockName(kind, id)
	s.locks.Lock(name)
	return func() { s.locks.Unlock(name) }
}

func (s *Store) now() time.Time { return s.clock.Now().UTC() }

// CreateService stores s at version 1.
func (s *Store) CreateService(_ context.Context, svc *model.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[svc.ID]; ok {
		return fmt.Errorf("service %s: %w", svc.ID, errs.ErrAlreadyExists)
	}
	if _, ok := s.svcKeys[svc.APIKey]; ok {
		return fmt.Errorf("service %s api key: %w", svc.ID, errs.ErrAlreadyExists)
	}
	now := s.now()
	svc.Version, svc.CreatedAt, svc.UpdatedAt = 1, now, now
	s.services[svc.ID] = svc.Clone()
	s.svcKeys[svc.APIKey] = svc.ID
	return nil
}

// GetService returns a copy of the stored service.
func (s *Store) GetService(_ context.Context, id string) (*model.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", id, errs.ErrNotFound)
	}
	out := svc.Clone()
	return &out, nil
}

// GetServiceByAPIKey returns the service owning key.
func (s *Store) GetServiceByAPIKey(ctx context.Context, key string) (*model.Service, error) {
	s.mu.RLock()
	id, ok := s.svcKeys[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	return s.GetService(ctx, id)
}

// ListServices returns every service ordered by type and name.
func (s *Store) ListServices(context.Context) ([]model.Service, error) {
	s.mu.RLock()
	out := make([]model.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Service) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// UpdateService runs apply on a copy under the service lock and stores the result.
func (s *Store) UpdateService(
	ctx context.Context, id string, expectVer int64, apply func(*model.Service) error,
) (*model.Service, error) {
	defer s.lock(model.KindService, id)()

	cur, err := s.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectVer != 0 && cur.Version != expectVer {
		return nil, fmt.Errorf("service %s at version %d, expected %d: %w", id, cur.Version, expectVer, errs.ErrVersionConflict)
	}
	next := cur.Clone()
	if err := apply(&next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", id, errs.ErrNotFound)
	}
	if next.APIKey != stored.APIKey {
		if _, taken := s.svcKeys[next.APIKey]; taken {
			return nil, fmt.Errorf("service %s api key: %w", id, errs.ErrAlreadyExists)
		}
		delete(s.svcKeys, stored.APIKey)
		s.svcKeys[next.APIKey] = id
	}
	next.ID, next.CreatedAt = stored.ID, stored.CreatedAt
	next.Version = stored.Version + 1
	next.UpdatedAt = s.now()
	s.services[id] = next.Clone()
	return &next, nil
}

// DeleteService removes the service, its keys and every link that names it.
func (s *Store) DeleteService(_ context.Context, id string) ([]model.EntityVersion, error) {
	defer s.lock(model.KindService, id)()

	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[id]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", id, errs.ErrNotFound)
	}
	delete(s.services, id)
	delete(s.svcKeys, svc.APIKey)
	delete(s.keys, id)

	affected := map[string]struct{}{}
	for k := range s.links {
		if k.IssuerID == id || k.AudienceID == id {
			delete(s.links, k)
			affected[k.WorkspaceID] = struct{}{}
		}
	}
	now := s.now()
	out := make([]model.EntityVersion, 0, len(affected))
	for wsID := range affected {
		ws, ok := s.workspaces[wsID]
		if !ok {
			continue
		}
		ws.Version++
		ws.UpdatedAt = now
		s.workspaces[wsID] = ws
		out = append(out, model.EntityVersion{Kind: model.KindWorkspace, ID: wsID, Version: ws.Version})
	}
	slices.SortFunc(out, func(a, b model.EntityVersion) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// CreateWorkspace stores w at version 1.
func (s *Store) CreateWorkspace(_ context.Context, w *model.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[w.ID]; ok {
		return fmt.Errorf("workspace %s: %w", w.ID, errs.ErrAlreadyExists)
	}
	if _, ok := s.wsKeys[w.APIKey]; ok {
		return fmt.Errorf("workspace %s api key: %w", w.ID, errs.ErrAlreadyExists)
	}
	now := s.now()
	w.Version, w.CreatedAt, w.UpdatedAt = 1, now, now
	s.workspaces[w.ID] = w.Clone()
	s.wsKeys[w.APIKey] = w.ID
	return nil
}

// GetWorkspace returns a copy of the stored workspace.
func (s *Store) GetWorkspace(_ context.Context, id string) (*model.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, errs.ErrNotFound)
	}
	out := w.Clone()
	return &out, nil
}

// ListWorkspaces returns every workspace ordered by name.
func (s *Store) ListWorkspaces(context.Context) ([]model.Workspace, error) {
	s.mu.RLock()
	out := make([]model.Workspace, 0, len(s.workspaces))
	for _, w := range s.workspaces {
		out = append(out, w.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Workspace) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

// UpdateWorkspace runs apply on a copy under the workspace lock and stores the result.
func (s *Store) UpdateWorkspace(
	ctx context.Context, id string, expectVer int64, apply func(*model.Workspace) error,
) (*model.Workspace, error) {
	defer s.lock(model.KindWorkspace, id)()

	cur, err := s.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectVer != 0 && cur.Version != expectVer {
		return nil, fmt.Errorf("workspace %s at version %d, expected %d: %w", id, cur.Version, expectVer, errs.ErrVersionConflict)
	}
	next := cur.Clone()
	if err := apply(&next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %s: %w", id, errs.ErrNotFound)
	}
	if next.APIKey != stored.APIKey {
		if _, taken := s.wsKeys[next.APIKey]; taken {
			return nil, fmt.Errorf("workspace %s api key: %w", id, errs.ErrAlreadyExists)
		}
		delete(s.wsKeys, stored.APIKey)
		s.wsKeys[next.APIKey] = id
	}
	// a concurrent service delete may have bumped the version while apply ran
	next.ID, next.CreatedAt = stored.ID, stored.CreatedAt
	next.Version = stored.Version + 1
	next.UpdatedAt = s.now()
	s.workspaces[id] = next.Clone()
	return &next, nil
}

// DeleteWorkspace removes the workspace and its links.
func (s *Store) DeleteWorkspace(_ context.Context, id string) error {
	defer s.lock(model.KindWorkspace, id)()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workspaces[id]
	if !ok {
		return fmt.Errorf("workspace %s: %w", id, errs.ErrNotFound)
	}
	delete(s.workspaces, id)
	delete(s.wsKeys, w.APIKey)
	for k := range s.links {
		if k.WorkspaceID == id {
			delete(s.links, k)
		}
	}
	return nil
}

// MaxVersion returns the highest version among entities of kind.
func (s *Store) MaxVersion(_ context.Context, kind model.Kind) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v int64
	switch kind {
	case model.KindService:
		for _, e := range s.services {
			v = max(v, e.Version)
		}
	case model.KindWorkspace:
		for _, e := range s.workspaces {
			v = max(v, e.Version)
		}
	default:
		return 0, fmt.Errorf("unknown entity kind %q", kind)
	}
	return v, nil
}

// Count returns the number of entities of kind.
func (s *Store) Count(_ context.Context, kind model.Kind) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch kind {
	case model.KindService:
		return int64(len(s.services)), nil
	case model.KindWorkspace:
		return int64(len(s.workspaces)), nil
	default:
		return 0, fmt.Errorf("unknown entity kind %q", kind)
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
