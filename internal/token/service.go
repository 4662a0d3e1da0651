// Package token issues and verifies service-to-service tokens.
//
// Issuance is gated by the trust graph and signed by the key vault.
// Verification only needs the issuer's published keys.
package token

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
)

// ReservedClaims may not be supplied as custom claims.
var ReservedClaims = []string{"iss", "aud", "sub", "iat", "exp", "nbf", "jti"}

// TTLInfoKey is the service info field that overrides the token lifetime, in minutes.
const TTLInfoKey = "token_ttl_min"

// Getter reads an entity at or above minVersion.
type Getter[T any] interface {
	Get(ctx context.Context, id string, minVersion int64) (T, error)
}

// Authorizer is the issuance gate.
type Authorizer interface {
	IsAuthorized(ctx context.Context, workspaceID, issuerID, audienceID string) (bool, error)
}

// Keys signs with active keys and resolves published ones.
type Keys interface {
	Sign(ctx context.Context, serviceID string, claims jwt.Claims) (string, string, error)
	ResolveKey(ctx context.Context, serviceID, kid string) (crypto.PublicKey, string, error)
}

// Options configures a Service.
type Options struct {
	TTL    time.Duration
	MaxTTL time.Duration
	// Leeway tolerates clock skew between issuer and verifier.
	Leeway time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Collector
}

// Service issues and verifies tokens.
type Service struct {
	services   Getter[model.Service]
	workspaces Getter[model.Workspace]
	authz      Authorizer
	keys       Keys
	opts       Options
	log        *zap.Logger
}

// New builds a Service.
func New(services Getter[model.Service], workspaces Getter[model.Workspace], authz Authorizer, keys Keys, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.MaxTTL < opts.TTL {
		opts.MaxTTL = opts.TTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetricsCollector()
	}
	return &Service{
		services:   services,
		workspaces: workspaces,
		authz:      authz,
		keys:       keys,
		opts:       opts,
		log:        opts.Logger,
	}
}

func (s *Service) now() time.Time { return s.opts.Clock.Now().UTC() }

// IssueRequest asks for a token that IssuerID presents to AudienceID inside WorkspaceID.
type IssueRequest struct {
	IssuerID    string
	AudienceID  string
	WorkspaceID string
	Claims      map[string]any
}

// Issue signs a token for req after checking the caller and the trust graph.
// Only the issuer itself may request its tokens.
func (s *Service) Issue(ctx context.Context, caller model.Identity, req IssueRequest) (*model.Token, error) {
	tok, err := s.issue(ctx, caller, req)
	s.opts.Metrics.issued.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		s.log.Debug("token not issued",
			zap.String("issuer", req.IssuerID),
			zap.String("audience", req.AudienceID),
			zap.String("workspace", req.WorkspaceID),
			zap.Error(err))
	}
	return tok, err
}

func (s *Service) issue(ctx context.Context, caller model.Identity, req IssueRequest) (*model.Token, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if !caller.IsService(req.IssuerID) {
		return nil, fmt.Errorf("caller may not issue as %s: %w", req.IssuerID, errs.ErrForbidden)
	}

	issuer, err := s.services.Get(ctx, req.IssuerID, 0)
	if err != nil {
		return nil, fmt.Errorf("issuer: %w", err)
	}
	if _, err := s.services.Get(ctx, req.AudienceID, 0); err != nil {
		return nil, fmt.Errorf("audience: %w", err)
	}
	if _, err := s.workspaces.Get(ctx, req.WorkspaceID, 0); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	ok, err := s.authz.IsAuthorized(ctx, req.WorkspaceID, req.IssuerID, req.AudienceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no link %s: %s -> %s: %w", req.WorkspaceID, req.IssuerID, req.AudienceID, errs.ErrForbidden)
	}

	now := s.now().Truncate(time.Second)
	exp := now.Add(s.ttlFor(issuer))
	claims := make(jwt.MapClaims, len(req.Claims)+5)
	maps.Copy(claims, req.Claims)
	claims["iss"] = req.IssuerID
	claims["aud"] = req.AudienceID
	claims["sub"] = req.WorkspaceID
	claims["iat"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(exp)

	signed, kid, err := s.keys.Sign(ctx, req.IssuerID, claims)
	if err != nil {
		return nil, err
	}
	return &model.Token{Value: signed, KID: kid, IssuedAt: now, ExpiresAt: exp}, nil
}

func validate(req IssueRequest) error {
	switch {
	case req.IssuerID == "" || req.AudienceID == "" || req.WorkspaceID == "":
		return errs.Invalidf("issuer, audience and workspace are required")
	case req.IssuerID == req.AudienceID:
		return errs.Invalidf("issuer and audience must differ")
	}
	for _, k := range ReservedClaims {
		if _, ok := req.Claims[k]; ok {
			return errs.Invalidf("claim %q is reserved", k)
		}
	}
	return nil
}

// ttlFor applies the issuer's lifetime override, clamped to MaxTTL.
func (s *Service) ttlFor(issuer model.Service) time.Duration {
	raw, ok := issuer.Info[TTLInfoKey]
	if !ok {
		return s.opts.TTL
	}
	mins, ok := asMinutes(raw)
	if !ok || mins <= 0 {
		s.log.Warn("ignoring invalid token ttl override", zap.String("service_id", issuer.ID), zap.Any("value", raw))
		return s.opts.TTL
	}
	if mins > s.opts.MaxTTL.Minutes() {
		return s.opts.MaxTTL
	}
	return time.Duration(mins) * time.Minute
}

// asMinutes accepts whole numbers of any decoded numeric type.
func asMinutes(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		x, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	return f, f == math.Trunc(f)
}

// Verify checks token against the issuer's published keys and returns its claims.
func (s *Service) Verify(ctx context.Context, token string) (*model.VerifiedClaims, error) {
	vc, err := s.verify(ctx, token)
	s.opts.Metrics.verified.WithLabelValues(outcome(err)).Inc()
	return vc, err
}

func (s *Service) verify(ctx context.Context, token string) (*model.VerifiedClaims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrMalformed)
	}
	kid, _ := unverified.Header["kid"].(string)
	iss, _ := unverified.Claims.(jwt.MapClaims)["iss"].(string)
	if kid == "" || iss == "" {
		return nil, fmt.Errorf("token lacks kid or iss: %w", errs.ErrMalformed)
	}

	pub, alg, err := s.keys.ResolveKey(ctx, iss, kid)
	if err != nil {
		return nil, err
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{alg}),
		jwt.WithLeeway(s.opts.Leeway),
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithJSONNumber(),
	)
	if err != nil {
		return nil, verifyError(err)
	}
	return toVerified(parsed, claims, kid)
}

func verifyError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%v: %w", err, errs.ErrSignatureInvalid)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%v: %w", err, errs.ErrExpired)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%v: %w", err, errs.ErrNotYetValid)
	default:
		return fmt.Errorf("%v: %w", err, errs.ErrMalformed)
	}
}

func toVerified(t *jwt.Token, claims jwt.MapClaims, kid string) (*model.VerifiedClaims, error) {
	aud, err := claims.GetAudience()
	if err != nil || len(aud) != 1 {
		return nil, fmt.Errorf("audience: %w", errs.ErrMalformed)
	}
	iss, _ := claims.GetIssuer()
	sub, _ := claims.GetSubject()
	iat, _ := claims.GetIssuedAt()
	exp, _ := claims.GetExpirationTime()
	if iat == nil || exp == nil || !t.Valid {
		return nil, fmt.Errorf("time claims: %w", errs.ErrMalformed)
	}

	custom := make(map[string]any, len(claims))
	for k, v := range claims {
		if !slices.Contains(ReservedClaims, k) {
			custom[k] = numbers(v)
		}
	}
	return &model.VerifiedClaims{
		Issuer:    iss,
		Audience:  aud[0],
		Subject:   sub,
		IssuedAt:  iat.UTC(),
		ExpiresAt: exp.UTC(),
		KID:       kid,
		Custom:    custom,
	}, nil
}

// numbers turns decoded json.Number values back into int64 when whole,
// float64 otherwise.
func numbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = numbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = numbers(e)
		}
		return x
	}
	return v
}

func outcome(err error) string {
	for _, e := range []error{
		errs.ErrInvalid, errs.ErrNotFound, errs.ErrForbidden, errs.ErrKeyUnavailable,
		errs.ErrMalformed, errs.ErrUnknownKey, errs.ErrSignatureInvalid, errs.ErrExpired, errs.ErrNotYetValid,
		errs.ErrUnavailable,
	} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	if err != nil {
		return "error"
	}
	return "ok"
}
