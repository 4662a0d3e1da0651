// Package trust answers questions about the link relation between services.
package trust

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository"
)

// Getter reads an entity at or above minVersion; *cache.Cache satisfies it.
type Getter[T any] interface {
	Get(ctx context.Context, id string, minVersion int64) (T, error)
}

// Edge is one link seen from one of its services.
type Edge struct {
	WorkspaceID string
	PeerID      string
	Context     model.Document
}

// Scope is a workspace under which a relation with a peer holds.
type Scope struct {
	WorkspaceID   string
	WorkspaceName string
	Context       model.Document
}

// Peer groups every scope shared with one counterpart service.
type Peer struct {
	ServiceID string
	Name      string
	Type      string
	Scopes    []Scope
}

// Discovery is the grouped view of a service's links in both directions.
type Discovery struct {
	ServiceID string
	Outbound  []Peer // services this one may issue tokens for
	Inbound   []Peer // services that may issue tokens for this one
}

// Graph computes over stored links.
type Graph struct {
	links      repository.LinkRepository
	services   Getter[model.Service]
	workspaces Getter[model.Workspace]
	log        *zap.Logger
}

// New builds a Graph. Entity summaries for Discover are read through services and workspaces.
func New(links repository.LinkRepository, services Getter[model.Service], workspaces Getter[model.Workspace], log *zap.Logger) *Graph {
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{links: links, services: services, workspaces: workspaces, log: log}
}

// Outbound returns the links where serviceID is the issuer.
func (g *Graph) Outbound(ctx context.Context, serviceID string) ([]Edge, error) {
	ls, err := g.links.LinksByIssuer(ctx, serviceID)
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	out := make([]Edge, 0, len(ls))
	for _, l := range ls {
		out = append(out, Edge{WorkspaceID: l.WorkspaceID, PeerID: l.AudienceID, Context: l.Context.Clone()})
	}
	return out, nil
}

// Inbound returns the links where serviceID is the audience.
func (g *Graph) Inbound(ctx context.Context, serviceID string) ([]Edge, error) {
	ls, err := g.links.LinksByAudience(ctx, serviceID)
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	out := make([]Edge, 0, len(ls))
	for _, l := range ls {
		out = append(out, Edge{WorkspaceID: l.WorkspaceID, PeerID: l.IssuerID, Context: l.Context.Clone()})
	}
	return out, nil
}

// IsAuthorized reports whether issuer may obtain tokens for audience inside workspace.
// It always consults the store.
func (g *Graph) IsAuthorized(ctx context.Context, workspaceID, issuerID, audienceID string) (bool, error) {
	ok, err := g.links.LinkExists(ctx, model.LinkKey{WorkspaceID: workspaceID, IssuerID: issuerID, AudienceID: audienceID})
	if err != nil {
		return false, errs.Unavailable(err)
	}
	return ok, nil
}

// Discover groups the links of serviceID by counterpart, in both directions.
func (g *Graph) Discover(ctx context.Context, serviceID string) (*Discovery, error) {
	if _, err := g.services.Get(ctx, serviceID, 0); err != nil {
		return nil, err
	}
	out, err := g.Outbound(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	in, err := g.Inbound(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	d := &Discovery{ServiceID: serviceID}
	if d.Outbound, err = g.group(ctx, out); err != nil {
		return nil, err
	}
	if d.Inbound, err = g.group(ctx, in); err != nil {
		return nil, err
	}
	return d, nil
}

func (g *Graph) group(ctx context.Context, edges []Edge) ([]Peer, error) {
	byPeer := map[string]*Peer{}
	wsNames := map[string]string{}
	for _, e := range edges {
		p, ok := byPeer[e.PeerID]
		if !ok {
			svc, err := g.services.Get(ctx, e.PeerID, 0)
			if errors.Is(err, errs.ErrNotFound) {
				// deleted after the links were read
				g.log.Debug("skipping link to missing service", zap.String("service_id", e.PeerID))
				continue
			}
			if err != nil {
				return nil, err
			}
			p = &Peer{ServiceID: svc.ID, Name: svc.Name, Type: svc.Type}
			byPeer[e.PeerID] = p
		}
		name, ok := wsNames[e.WorkspaceID]
		if !ok {
			ws, err := g.workspaces.Get(ctx, e.WorkspaceID, 0)
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			name = ws.Name
			wsNames[e.WorkspaceID] = name
		}
		p.Scopes = append(p.Scopes, Scope{WorkspaceID: e.WorkspaceID, WorkspaceName: name, Context: e.Context})
	}

	peers := make([]Peer, 0, len(byPeer))
	for _, p := range byPeer {
		if len(p.Scopes) == 0 {
			continue
		}
		slices.SortFunc(p.Scopes, func(a, b Scope) int { return cmp.Compare(a.WorkspaceID, b.WorkspaceID) })
		peers = append(peers, *p)
	}
	slices.SortFunc(peers, func(a, b Peer) int { return cmp.Compare(a.ServiceID, b.ServiceID) })
	return peers, nil
}
