// Package grpcserver exposes the authbridge gRPC API.
//
// Every method of authbridge.v1.AuthBridge takes and returns a
// google.protobuf.Struct; the caller's API key travels in x-api-key metadata.
package grpcserver

import (
	"context"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/authbridge/internal/convert"
	"github.com/and161185/authbridge/internal/limiter"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/service"
	"github.com/and161185/authbridge/internal/token"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "authbridge.v1.AuthBridge"

// FullMethod returns the gRPC path of method name.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// Tokens issues and verifies tokens.
type Tokens interface {
	Issue(ctx context.Context, caller model.Identity, req token.IssueRequest) (*model.Token, error)
	Verify(ctx context.Context, token string) (*model.VerifiedClaims, error)
}

// KeySets publishes verification keys.
type KeySets interface {
	PublicKeys(ctx context.Context, serviceID string) (jwk.Set, error)
	JWKSAll(ctx context.Context) (jwk.Set, error)
}

type handler func(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error)

// method is one RPC. An empty bucket marks a public method that needs no API key.
type method struct {
	name   string
	bucket string
	h      handler
}

// Server wires services into gRPC handlers.
type Server struct {
	reg    *service.Registry
	tokens Tokens
	keys   KeySets
	sys    *service.System
	log    *zap.Logger

	methods []method
	desc    grpc.ServiceDesc
}

// New constructs a gRPC server with injected services.
func New(reg *service.Registry, tokens Tokens, keys KeySets, sys *service.System, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{reg: reg, tokens: tokens, keys: keys, sys: sys, log: log}
	s.methods = s.table()
	s.desc = grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Metadata:    "authbridge/v1/authbridge.proto",
	}
	for _, m := range s.methods {
		s.desc.Methods = append(s.desc.Methods, grpc.MethodDesc{MethodName: m.name, Handler: s.unary(m)})
	}
	return s
}

// Register attaches the service to gs.
func (s *Server) Register(gs grpc.ServiceRegistrar) { gs.RegisterService(&s.desc, s) }

// Buckets maps each guarded method path to its rate-limit bucket.
func (s *Server) Buckets() map[string]string {
	out := make(map[string]string, len(s.methods))
	for _, m := range s.methods {
		if m.bucket != "" {
			out[FullMethod(m.name)] = m.bucket
		}
	}
	return out
}

// Methods lists the RPC names in declaration order.
func (s *Server) Methods() []string {
	out := make([]string, 0, len(s.methods))
	for _, m := range s.methods {
		out = append(out, m.name)
	}
	return out
}

func (s *Server) unary(m method) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		call := func(ctx context.Context, req any) (any, error) {
			return s.call(ctx, m, req.(*structpb.Struct))
		}
		if ic == nil {
			return call(ctx, in)
		}
		return ic(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(m.name)}, call)
	}
}

func (s *Server) call(ctx context.Context, m method, in *structpb.Struct) (*structpb.Struct, error) {
	caller, _ := IdentityFromCtx(ctx)
	out, err := m.h(ctx, caller, convert.NewArgs(in))
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := convert.Encode(out)
	if err != nil {
		s.log.Error("encode response", zap.String("method", m.name), zap.Error(err))
		return nil, status.Error(codes.Internal, "internal")
	}
	return resp, nil
}

func (s *Server) table() []method {
	admin := limiter.BucketAdmin
	return []method{
		{"Heartbeat", "", s.heartbeat},
		{"SystemVersion", "", s.systemVersion},
		{"PublicKeys", "", s.publicKeys},
		{"JWKS", "", s.jwks},

		{"IssueToken", limiter.BucketIssue, s.issueToken},
		{"VerifyToken", limiter.BucketVerify, s.verifyToken},

		{"CreateService", admin, s.createService},
		{"GetService", admin, s.getService},
		{"ListServices", admin, s.listServices},
		{"UpdateServiceInfo", admin, s.updateServiceInfo},
		{"UpdateServiceContent", admin, s.updateServiceContent},
		{"UpdateServiceType", admin, s.updateServiceType},
		{"RekeyService", admin, s.rekeyService},
		{"RotateServiceKey", admin, s.rotateServiceKey},
		{"DeleteService", admin, s.deleteService},
		{"Discover", admin, s.discover},

		{"CreateWorkspace", admin, s.createWorkspace},
		{"GetWorkspace", admin, s.getWorkspace},
		{"ListWorkspaces", admin, s.listWorkspaces},
		{"UpdateWorkspaceInfo", admin, s.updateWorkspaceInfo},
		{"UpdateWorkspaceContent", admin, s.updateWorkspaceContent},
		{"RekeyWorkspace", admin, s.rekeyWorkspace},
		{"DeleteWorkspace", admin, s.deleteWorkspace},

		{"LinkService", admin, s.linkService},
		{"UnlinkService", admin, s.unlinkService},
		{"ListLinks", admin, s.listLinks},

		{"Diagnostics", admin, s.diagnostics},
		{"ReloadConfig", admin, s.reloadConfig},
	}
}

// --- System ---

func (s *Server) heartbeat(context.Context, model.Identity, convert.Args) (map[string]any, error) {
	return convert.Heartbeat(s.sys.Heartbeat()), nil
}

func (s *Server) systemVersion(ctx context.Context, _ model.Identity, _ convert.Args) (map[string]any, error) {
	v, err := s.sys.Version(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"versions": convert.Versions(v)}, nil
}

func (s *Server) diagnostics(ctx context.Context, caller model.Identity, _ convert.Args) (map[string]any, error) {
	d, err := s.sys.Diagnostics(ctx, caller)
	if err != nil {
		return nil, err
	}
	return convert.Diagnostics(d), nil
}

func (s *Server) reloadConfig(_ context.Context, caller model.Identity, _ convert.Args) (map[string]any, error) {
	if err := s.sys.ReloadConfig(caller); err != nil {
		return nil, err
	}
	return map[string]any{"reloaded": true}, nil
}

// --- Keys and tokens ---

func (s *Server) publicKeys(ctx context.Context, _ model.Identity, a convert.Args) (map[string]any, error) {
	id, err := a.Require("service_id")
	if err != nil {
		return nil, err
	}
	set, err := s.keys.PublicKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	return convert.KeySet(set)
}

func (s *Server) jwks(ctx context.Context, _ model.Identity, _ convert.Args) (map[string]any, error) {
	set, err := s.keys.JWKSAll(ctx)
	if err != nil {
		return nil, err
	}
	return convert.KeySet(set)
}

func (s *Server) issueToken(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	k, err := a.LinkKey()
	if err != nil {
		return nil, err
	}
	claims, err := a.Doc("claims")
	if err != nil {
		return nil, err
	}
	tok, err := s.tokens.Issue(ctx, caller, token.IssueRequest{
		IssuerID:    k.IssuerID,
		AudienceID:  k.AudienceID,
		WorkspaceID: k.WorkspaceID,
		Claims:      claims,
	})
	if err != nil {
		return nil, err
	}
	return convert.Token(tok), nil
}

func (s *Server) verifyToken(ctx context.Context, _ model.Identity, a convert.Args) (map[string]any, error) {
	raw, err := a.Require("token")
	if err != nil {
		return nil, err
	}
	c, err := s.tokens.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	return convert.Claims(c), nil
}

// --- Services ---

func (s *Server) createService(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	info, err := a.Doc("info")
	if err != nil {
		return nil, err
	}
	content, err := a.Doc("content")
	if err != nil {
		return nil, err
	}
	svc, err := s.reg.CreateService(ctx, caller, service.NewService{
		ID:      a.String("id"),
		Name:    a.String("name"),
		Type:    a.String("type"),
		Info:    info,
		Content: content,
	})
	if err != nil {
		return nil, err
	}
	return convert.Service(*svc), nil
}

func (s *Server) getService(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	id, err := a.Require("id")
	if err != nil {
		return nil, err
	}
	minVer, err := a.Int("min_version")
	if err != nil {
		return nil, err
	}
	svc, err := s.reg.GetService(ctx, caller, id, minVer)
	if err != nil {
		return nil, err
	}
	return convert.Service(*svc), nil
}

func (s *Server) listServices(ctx context.Context, caller model.Identity, _ convert.Args) (map[string]any, error) {
	groups, err := s.reg.ListServices(ctx, caller)
	if err != nil {
		return nil, err
	}
	return map[string]any{"groups": convert.ServiceGroups(groups)}, nil
}

// idAndVersion reads the target id and the optional expected_version guard.
func idAndVersion(a convert.Args) (string, int64, error) {
	id, err := a.Require("id")
	if err != nil {
		return "", 0, err
	}
	ver, err := a.Int("expected_version")
	return id, ver, err
}

func (s *Server) updateServiceInfo(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	return s.updateServiceDoc(ctx, caller, a, "info", s.reg.UpdateServiceInfo)
}

func (s *Server) updateServiceContent(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	return s.updateServiceDoc(ctx, caller, a, "content", s.reg.UpdateServiceContent)
}

type serviceDocUpdate func(context.Context, model.Identity, string, int64, model.Document) (*model.Service, error)

func (s *Server) updateServiceDoc(ctx context.Context, caller model.Identity, a convert.Args, field string, update serviceDocUpdate) (map[string]any, error) {
	id, ver, err := idAndVersion(a)
	if err != nil {
		return nil, err
	}
	doc, err := a.Doc(field)
	if err != nil {
		return nil, err
	}
	svc, err := update(ctx, caller, id, ver, doc)
	if err != nil {
		return nil, err
	}
	return convert.Service(*svc), nil
}

func (s *Server) updateServiceType(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	id, ver, err := idAndVersion(a)
	if err != nil {
		return nil, err
	}
	typ, err := a.Require("type")
	if err != nil {
		return nil, err
	}
	svc, err := s.reg.UpdateServiceType(ctx, caller, id, ver, typ)
	if err != nil {
		return nil, err
	}
	return convert.Service(*svc), nil
}

func (s *Server) rekeyService(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	id, ver, err := idAndVersion(a)
	if err != nil {
		return nil, err
	}
	svc, err := s.reg.RekeyService(ctx, caller, id, ver)
	if err != nil {
		return nil, err
	}
	return convert.Service(*svc), nil
}

func (s *Server) rotateServiceKey(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	id, err := a.Require("id")
	if err != nil {
		return nil, err
	}
	kid, svc, err := s.reg.RotateServiceKey(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"kid": kid, "service": convert.Service(*svc)}, nil
}

func (s *Server) deleteService(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	id, err := a.Require("id")
	if err != nil {
		return nil, err
	}
	touched, err := s.reg.DeleteService(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": id, "touched": convert.EntityVersions(touched)}, nil
}

func (s *Server) discover(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	id, err := a.Require("service_id")
	if err != nil {
		return nil, err
	}
	d, err := s.reg.Discover(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return convert.Discovery(d), nil
}

// --- Workspaces ---

func (s *Server) createWorkspace(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	info, err := a.Doc("info")
	if err != nil {
		return nil, err
	}
	content, err := a.Doc("content")
	if err != nil {
		return nil, err
	}
	ws, err := s.reg.CreateWorkspace(ctx, caller, service.NewWorkspace{
		ID:      a.String("id"),
		Name:    a.String("name"),
		Info:    info,
		Content: content,
	})
	if err != nil {
		return nil, err
	}
	return convert.Workspace(*ws), nil
}

func (s *Server) getWorkspace(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	id, err := a.Require("id")
	if err != nil {
		return nil, err
	}
	minVer, err := a.Int("min_version")
	if err != nil {
		return nil, err
	}
	ws, err := s.reg.GetWorkspace(ctx, caller, id, minVer)
	if err != nil {
		return nil, err
	}
	return convert.Workspace(*ws), nil
}

func (s *Server) listWorkspaces(ctx context.Context, caller model.Identity, _ convert.Args) (map[string]any, error) {
	ws, err := s.reg.ListWorkspaces(ctx, caller)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workspaces": convert.Workspaces(ws)}, nil
}

type workspaceDocUpdate func(context.Context, model.Identity, string, int64, model.Document) (*model.Workspace, error)

func (s *Server) updateWorkspaceDoc(ctx context.Context, caller model.Identity, a convert.Args, field string, update workspaceDocUpdate) (map[string]any, error) {
	id, ver, err := idAndVersion(a)
	if err != nil {
		return nil, err
	}
	doc, err := a.Doc(field)
	if err != nil {
		return nil, err
	}
	ws, err := update(ctx, caller, id, ver, doc)
	if err != nil {
		return nil, err
	}
	return convert.Workspace(*ws), nil
}

func (s *Server) updateWorkspaceInfo(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	return s.updateWorkspaceDoc(ctx, caller, a, "info", s.reg.UpdateWorkspaceInfo)
}

func (s *Server) updateWorkspaceContent(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	return s.updateWorkspaceDoc(ctx, caller, a, "content", s.reg.UpdateWorkspaceContent)
}

func (s *Server) rekeyWorkspace(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	id, ver, err := idAndVersion(a)
	if err != nil {
		return nil, err
	}
	ws, err := s.reg.RekeyWorkspace(ctx, caller, id, ver)
	if err != nil {
		return nil, err
	}
	return convert.Workspace(*ws), nil
}

func (s *Server) deleteWorkspace(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	id, err := a.Require("id")
	if err != nil {
		return nil, err
	}
	if err := s.reg.DeleteWorkspace(ctx, caller, id); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": id}, nil
}

// --- Links ---

func (s *Server) linkService(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	k, err := a.LinkKey()
	if err != nil {
		return nil, err
	}
	lctx, err := a.Doc("context")
	if err != nil {
		return nil, err
	}
	ev, err := s.reg.LinkService(ctx, caller, model.Link{LinkKey: k, Context: lctx})
	if err != nil {
		return nil, err
	}
	return convert.EntityVersion(ev), nil
}

func (s *Server) unlinkService(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	k, err := a.LinkKey()
	if err != nil {
		return nil, err
	}
	ev, err := s.reg.UnlinkService(ctx, caller, k)
	if err != nil {
		return nil, err
	}
	return convert.EntityVersion(ev), nil
}

func (s *Server) listLinks(ctx context.Context, caller model.Identity, a convert.Args) (map[string]any, error) {
	id, err := a.Require("workspace_id")
	if err != nil {
		return nil, err
	}
	links, err := s.reg.ListLinks(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"links": convert.Links(links)}, nil
}
