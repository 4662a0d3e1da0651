package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
)

// Link inserts l and bumps the workspace version.
func (s *Store) Link(_ context.Context, l model.Link) (model.EntityVersion, error) {
	defer s.lock(model.KindWorkspace, l.WorkspaceID)()

	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[l.WorkspaceID]
	if !ok {
		return model.EntityVersion{}, fmt.Errorf("workspace %s: %w", l.WorkspaceID, errs.ErrNotFound)
	}
	if l.IssuerID == l.AudienceID {
		return model.EntityVersion{}, errs.Invalidf("service cannot be linked to itself")
	}
	for _, id := range []string{l.IssuerID, l.AudienceID} {
		if _, ok := s.services[id]; !ok {
			return model.EntityVersion{}, fmt.Errorf("service %s: %w", id, errs.ErrNotFound)
		}
	}
	if _, dup := s.links[l.LinkKey]; dup {
		return model.EntityVersion{}, fmt.Errorf("link %s/%s->%s: %w", l.WorkspaceID, l.IssuerID, l.AudienceID, errs.ErrAlreadyExists)
	}

	now := s.now()
	l.Context = l.Context.Clone()
	l.CreatedAt = now
	s.links[l.LinkKey] = l
	ws.Version++
	ws.UpdatedAt = now
	s.workspaces[ws.ID] = ws
	return model.EntityVersion{Kind: model.KindWorkspace, ID: ws.ID, Version: ws.Version}, nil
}

// Unlink removes k and bumps the workspace version.
func (s *Store) Unlink(_ context.Context, k model.LinkKey) (model.EntityVersion, error) {
	defer s.lock(model.KindWorkspace, k.WorkspaceID)()

	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workspaces[k.WorkspaceID]
	if !ok {
		return model.EntityVersion{}, fmt.Errorf("workspace %s: %w", k.WorkspaceID, errs.ErrNotFound)
	}
	if _, ok := s.links[k]; !ok {
		return model.EntityVersion{}, fmt.Errorf("link %s/%s->%s: %w", k.WorkspaceID, k.IssuerID, k.AudienceID, errs.ErrNotFound)
	}
	delete(s.links, k)
	ws.Version++
	ws.UpdatedAt = s.now()
	s.workspaces[ws.ID] = ws
	return model.EntityVersion{Kind: model.KindWorkspace, ID: ws.ID, Version: ws.Version}, nil
}

func (s *Store) filterLinks(keep func(model.LinkKey) bool) []model.Link {
	s.mu.RLock()
	var out []model.Link
	for k, l := range s.links {
		if keep(k) {
			l.Context = l.Context.Clone()
			out = append(out, l)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Link) int {
		return cmp.Or(
			cmp.Compare(a.WorkspaceID, b.WorkspaceID),
			cmp.Compare(a.IssuerID, b.IssuerID),
			cmp.Compare(a.AudienceID, b.AudienceID),
		)
	})
	return out
}

// ListLinks returns the links of a workspace.
func (s *Store) ListLinks(_ context.Context, workspaceID string) ([]model.Link, error) {
	return s.filterLinks(func(k model.LinkKey) bool { return k.WorkspaceID == workspaceID }), nil
}

// LinksByIssuer returns links where serviceID issues.
func (s *Store) LinksByIssuer(_ context.Context, serviceID string) ([]model.Link, error) {
	return s.filterLinks(func(k model.LinkKey) bool { return k.IssuerID == serviceID }), nil
}

// LinksByAudience returns links where serviceID is the audience.
func (s *Store) LinksByAudience(_ context.Context, serviceID string) ([]model.Link, error) {
	return s.filterLinks(func(k model.LinkKey) bool { return k.AudienceID == serviceID }), nil
}

// LinkExists reports whether k is present.
func (s *Store) LinkExists(_ context.Context, k model.LinkKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.links[k]
	return ok, nil
}
