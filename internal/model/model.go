// Package model defines domain entities used by services and repositories.
package model

import (
	"maps"
	"time"
)

// Kind names a registry entity kind; it is the first component of a cache key.
type Kind string

const (
	KindService   Kind = "service"
	KindWorkspace Kind = "workspace"
)

// Document is a free-form JSON-like metadata or payload document.
type Document map[string]any

// Clone returns a shallow copy so callers cannot mutate a shared map.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// Service is a registered caller/callee identity with its own keypair and credential.
type Service struct {
	ID        string    `cbor:"1,keyasint"`
	Name      string    `cbor:"2,keyasint"`
	Type      string    `cbor:"3,keyasint"`
	APIKey    string    `cbor:"4,keyasint"`
	Info      Document  `cbor:"5,keyasint,omitempty"`
	Content   Document  `cbor:"6,keyasint,omitempty"`
	Version   int64     `cbor:"7,keyasint"` // bumped on any mutation of info/content/type/key material
	CreatedAt time.Time `cbor:"8,keyasint"`
	UpdatedAt time.Time `cbor:"9,keyasint"`
}

// Clone returns a copy with independent top-level documents.
func (s Service) Clone() Service {
	s.Info = s.Info.Clone()
	s.Content = s.Content.Clone()
	return s
}

// Workspace is a scoping context under which trust relations are declared.
type Workspace struct {
	ID        string    `cbor:"1,keyasint"`
	Name      string    `cbor:"2,keyasint"`
	APIKey    string    `cbor:"3,keyasint"`
	Info      Document  `cbor:"4,keyasint,omitempty"`
	Content   Document  `cbor:"5,keyasint,omitempty"`
	Version   int64     `cbor:"6,keyasint"` // bumped on info/content/api key change and on link set change
	CreatedAt time.Time `cbor:"7,keyasint"`
	UpdatedAt time.Time `cbor:"8,keyasint"`
}

// Clone returns a copy with independent top-level documents.
func (w Workspace) Clone() Workspace {
	w.Info = w.Info.Clone()
	w.Content = w.Content.Clone()
	return w
}

// LinkKey uniquely identifies a Link; its existence is the issuance predicate.
type LinkKey struct {
	WorkspaceID string
	IssuerID    string
	AudienceID  string
}

// Link permits IssuerID to obtain tokens for AudienceID inside WorkspaceID.
type Link struct {
	LinkKey
	Context   Document
	CreatedAt time.Time
}

// EntityVersion reports the version an entity reached after a mutation.
type EntityVersion struct {
	Kind    Kind
	ID      string
	Version int64
}

// KeyRecord is one asymmetric key of a service: active while SealedPrivate is set,
// retired (verification only) once RetiredAt is set.
type KeyRecord struct {
	ServiceID     string
	KID           string
	Algorithm     string // JWS alg, e.g. ES256
	PublicKey     []byte // PKIX DER
	SealedPrivate []byte // AEAD(PKCS#8 DER); nil once retired
	KeyVersion    int64
	CreatedAt     time.Time
	RetiredAt     time.Time
	ExpiresAt     time.Time // zero for the active key
}

// Active reports whether the record holds the service's signing key.
func (r KeyRecord) Active() bool { return r.RetiredAt.IsZero() }

// Expired reports whether a retired key is past its verification window.
func (r KeyRecord) Expired(now time.Time) bool {
	return !r.Active() && !now.Before(r.ExpiresAt)
}

// Identity is the already-authenticated caller: either an admin or a specific service.
type Identity struct {
	Admin     bool
	ServiceID string
}

// IsService reports whether the identity is the given service.
func (i Identity) IsService(id string) bool { return !i.Admin && i.ServiceID != "" && i.ServiceID == id }

// Token is an issued credential with the metadata needed by callers.
type Token struct {
	Value     string
	KID       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// VerifiedClaims is the result of a successful verification.
type VerifiedClaims struct {
	Issuer    string
	Audience  string
	Subject   string // workspace id
	IssuedAt  time.Time
	ExpiresAt time.Time
	KID       string
	Custom    map[string]any
}
