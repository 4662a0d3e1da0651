// Package convert maps domain values to and from google.protobuf.Struct,
// the message type of every authbridge RPC.
package convert

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/service"
	"github.com/and161185/authbridge/internal/trust"
)

// --- helpers ---

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// plain rewrites v into the value shapes structpb accepts.
func plain(v any) any {
	switch x := v.(type) {
	case model.Document:
		return plain(map[string]any(x))
	case map[string]any:
		if x == nil {
			return nil
		}
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plain(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[fmt.Sprint(k)] = plain(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	case time.Time:
		return ts(x)
	case time.Duration:
		return x.String()
	default:
		return v
	}
}

// Encode builds a Struct from m.
func Encode(m map[string]any) (*structpb.Struct, error) {
	if m == nil {
		return &structpb.Struct{}, nil
	}
	return structpb.NewStruct(plain(m).(map[string]any))
}

// --- requests (client -> server) ---

// Args reads typed request fields.
type Args struct{ m map[string]any }

// NewArgs wraps a request. A nil request has no fields.
func NewArgs(in *structpb.Struct) Args {
	if in == nil {
		return Args{m: map[string]any{}}
	}
	return Args{m: in.AsMap()}
}

// String returns the string field name or "".
func (a Args) String(name string) string {
	s, _ := a.m[name].(string)
	return s
}

// Require returns the non-empty string field name.
func (a Args) Require(name string) (string, error) {
	s := a.String(name)
	if s == "" {
		return "", errs.Invalidf("field %q is required", name)
	}
	return s, nil
}

// Int returns a whole-number field; missing fields are 0.
func (a Args) Int(name string) (int64, error) {
	v, ok := a.m[name]
	if !ok || v == nil {
		return 0, nil
	}
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, errs.Invalidf("field %q must be an integer", name)
	}
	return int64(f), nil
}

// Doc returns an object field as a Document; missing fields are nil.
func (a Args) Doc(name string) (model.Document, error) {
	v, ok := a.m[name]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errs.Invalidf("field %q must be an object", name)
	}
	return model.Document(m), nil
}

// LinkKey reads workspace_id, issuer_id and audience_id.
func (a Args) LinkKey() (model.LinkKey, error) {
	var k model.LinkKey
	var err error
	if k.WorkspaceID, err = a.Require("workspace_id"); err != nil {
		return k, err
	}
	if k.IssuerID, err = a.Require("issuer_id"); err != nil {
		return k, err
	}
	if k.AudienceID, err = a.Require("audience_id"); err != nil {
		return k, err
	}
	return k, nil
}

// --- responses (server -> client) ---

// Service converts a service.
func Service(s model.Service) map[string]any {
	return map[string]any{
		"id":         s.ID,
		"name":       s.Name,
		"type":       s.Type,
		"api_key":    s.APIKey,
		"info":       s.Info,
		"content":    s.Content,
		"version":    s.Version,
		"created_at": s.CreatedAt,
		"updated_at": s.UpdatedAt,
	}
}

// Workspace converts a workspace.
func Workspace(w model.Workspace) map[string]any {
	return map[string]any{
		"id":         w.ID,
		"name":       w.Name,
		"api_key":    w.APIKey,
		"info":       w.Info,
		"content":    w.Content,
		"version":    w.Version,
		"created_at": w.CreatedAt,
		"updated_at": w.UpdatedAt,
	}
}

// Workspaces converts a workspace list.
func Workspaces(ws []model.Workspace) []any {
	out := make([]any, 0, len(ws))
	for _, w := range ws {
		out = append(out, Workspace(w))
	}
	return out
}

// ServiceGroups converts the grouped service listing.
func ServiceGroups(gs []service.ServiceGroup) []any {
	out := make([]any, 0, len(gs))
	for _, g := range gs {
		svcs := make([]any, 0, len(g.Services))
		for _, s := range g.Services {
			svcs = append(svcs, Service(s))
		}
		out = append(out, map[string]any{"type": g.Type, "services": svcs})
	}
	return out
}

// Link converts a link.
func Link(l model.Link) map[string]any {
	return map[string]any{
		"workspace_id": l.WorkspaceID,
		"issuer_id":    l.IssuerID,
		"audience_id":  l.AudienceID,
		"context":      l.Context,
		"created_at":   l.CreatedAt,
	}
}

// Links converts a link list.
func Links(ls []model.Link) []any {
	out := make([]any, 0, len(ls))
	for _, l := range ls {
		out = append(out, Link(l))
	}
	return out
}

// EntityVersion converts a version report.
func EntityVersion(ev model.EntityVersion) map[string]any {
	return map[string]any{"kind": string(ev.Kind), "id": ev.ID, "version": ev.Version}
}

// EntityVersions converts a list of version reports.
func EntityVersions(evs []model.EntityVersion) []any {
	out := make([]any, 0, len(evs))
	for _, ev := range evs {
		out = append(out, EntityVersion(ev))
	}
	return out
}

func peers(ps []trust.Peer) []any {
	out := make([]any, 0, len(ps))
	for _, p := range ps {
		scopes := make([]any, 0, len(p.Scopes))
		for _, s := range p.Scopes {
			scopes = append(scopes, map[string]any{
				"workspace_id":   s.WorkspaceID,
				"workspace_name": s.WorkspaceName,
				"context":        s.Context,
			})
		}
		out = append(out, map[string]any{
			"service_id": p.ServiceID,
			"name":       p.Name,
			"type":       p.Type,
			"workspaces": scopes,
		})
	}
	return out
}

// Discovery converts a grouped link view.
func Discovery(d *trust.Discovery) map[string]any {
	return map[string]any{
		"service_id": d.ServiceID,
		"outbound":   peers(d.Outbound),
		"inbound":    peers(d.Inbound),
	}
}

// Token converts an issued token.
func Token(t *model.Token) map[string]any {
	return map[string]any{
		"token":      t.Value,
		"kid":        t.KID,
		"issued_at":  t.IssuedAt,
		"expires_at": t.ExpiresAt,
	}
}

// Claims converts verified claims.
func Claims(c *model.VerifiedClaims) map[string]any {
	return map[string]any{
		"iss":    c.Issuer,
		"aud":    c.Audience,
		"sub":    c.Subject,
		"iat":    c.IssuedAt,
		"exp":    c.ExpiresAt,
		"kid":    c.KID,
		"claims": c.Custom,
	}
}

// KeySet converts a JWK set into its RFC 7517 JSON object.
func KeySet(set jwk.Set) (map[string]any, error) {
	raw, err := json.Marshal(set)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Heartbeat converts a liveness answer.
func Heartbeat(h service.Heartbeat) map[string]any {
	return map[string]any{
		"status":        h.Status,
		"environment":   h.Environment,
		"build_version": h.BuildVersion,
		"time":          h.Time,
		"uptime":        h.Uptime,
	}
}

// Diagnostics converts a diagnostics report.
func Diagnostics(d *service.Diagnostics) map[string]any {
	entries := make(map[string]any, len(d.CacheEntries))
	for k, v := range d.CacheEntries {
		entries[k] = v
	}
	return map[string]any{
		"services":      d.Services,
		"workspaces":    d.Workspaces,
		"keys":          d.Keys,
		"cache_entries": entries,
		"store_ok":      d.StoreOK,
		"shared_ok":     d.SharedOK,
		"problems":      d.Problems,
	}
}

// Versions converts the per-kind system version.
func Versions(v map[model.Kind]int64) map[string]any {
	out := make(map[string]any, len(v))
	for k, n := range v {
		out[string(k)] = n
	}
	return out
}
