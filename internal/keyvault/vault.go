// Package keyvault owns per-service signing keys: generation, sealing at
// rest, rotation with a verification grace window, and publication as JWKS.
package keyvault

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	abcrypto "github.com/and161185/authbridge/internal/crypto"
	"github.com/and161185/authbridge/internal/errs"
	"github.com/and161185/authbridge/internal/model"
	"github.com/and161185/authbridge/internal/repository"
)

// Options configures a Vault.
type Options struct {
	// Algorithm is the JWS algorithm of newly generated keys, ES256 or RS256.
	Algorithm string
	// RetirementWindow is how long a rotated-out key keeps verifying.
	RetirementWindow time.Duration
	// MaxRetired bounds the retired keys kept per service.
	MaxRetired int

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Collector
}

// Vault signs on behalf of services and publishes their public keys.
type Vault struct {
	repo   repository.KeyRepository
	sealer *abcrypto.Sealer
	opts   Options
	log    *zap.Logger
	clock  clock.Clock
	locks  *kmutex.Kmutex
	m      *Collector
}

// New constructs a Vault. Private keys are sealed with sealer before they reach repo.
func New(repo repository.KeyRepository, sealer *abcrypto.Sealer, opts Options) *Vault {
	if opts.Algorithm == "" {
		opts.Algorithm = "ES256"
	}
	if opts.MaxRetired < 1 {
		opts.MaxRetired = 1
	}
	v := &Vault{
		repo:   repo,
		sealer: sealer,
		opts:   opts,
		log:    opts.Logger,
		clock:  opts.Clock,
		locks:  kmutex.New(),
		m:      opts.Metrics,
	}
	if v.log == nil {
		v.log = zap.NewNop()
	}
	if v.clock == nil {
		v.clock = clock.WallClock
	}
	if v.m == nil {
		v.m = NewMetricsCollector()
	}
	return v
}

func (v *Vault) now() time.Time { return v.clock.Now().UTC() }

// newRecord generates and seals a keypair for serviceID. The plaintext DER is wiped before return.
func (v *Vault) newRecord(serviceID string) (model.KeyRecord, error) {
	priv, err := generate(v.opts.Algorithm)
	if err != nil {
		return model.KeyRecord{}, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(priv.Public())
	if err != nil {
		return model.KeyRecord{}, err
	}
	kid, err := thumbprint(priv.Public())
	if err != nil {
		return model.KeyRecord{}, err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return model.KeyRecord{}, err
	}
	defer abcrypto.Wipe(privDER)

	sealed, err := v.sealer.Seal(sealScope(serviceID, kid), privDER)
	if err != nil {
		return model.KeyRecord{}, fmt.Errorf("seal key %s: %w", kid, err)
	}
	return model.KeyRecord{
		ServiceID:     serviceID,
		KID:           kid,
		Algorithm:     v.opts.Algorithm,
		PublicKey:     pubDER,
		SealedPrivate: sealed,
		KeyVersion:    1,
		CreatedAt:     v.now(),
	}, nil
}

// EnsureKeypair makes sure serviceID has an active key and returns its kid. It is idempotent.
func (v *Vault) EnsureKeypair(ctx context.Context, serviceID string) (string, error) {
	v.locks.Lock(serviceID)
	defer v.locks.Unlock(serviceID)
	return v.ensureLocked(ctx, serviceID)
}

func (v *Vault) ensureLocked(ctx context.Context, serviceID string) (string, error) {
	cur, err := v.repo.Active(ctx, serviceID)
	if err == nil {
		return cur.KID, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return "", errs.Unavailable(err)
	}

	rec, err := v.newRecord(serviceID)
	if err != nil {
		return "", err
	}
	switch err := v.repo.InsertActive(ctx, rec); {
	case errors.Is(err, errs.ErrAlreadyExists):
		// another process won the race
		cur, err := v.repo.Active(ctx, serviceID)
		if err != nil {
			return "", errs.Unavailable(err)
		}
		return cur.KID, nil
	case err != nil:
		return "", errs.Unavailable(err)
	}
	v.m.generated.Inc()
	v.log.Info("keypair generated", zap.String("service_id", serviceID), zap.String("kid", rec.KID))
	return rec.KID, nil
}

// Rotate replaces the active key of serviceID and returns the new kid. The
// previous key keeps verifying for the retirement window.
func (v *Vault) Rotate(ctx context.Context, serviceID string) (string, error) {
	v.locks.Lock(serviceID)
	defer v.locks.Unlock(serviceID)

	next, err := v.newRecord(serviceID)
	if err != nil {
		return "", err
	}
	now := v.now()
	rec, err := v.repo.Rotate(ctx, next, now, now.Add(v.opts.RetirementWindow), v.opts.MaxRetired)
	if errors.Is(err, errs.ErrNotFound) {
		return v.ensureLocked(ctx, serviceID)
	}
	if err != nil {
		return "", errs.Unavailable(err)
	}
	v.m.rotations.Inc()
	v.log.Info("key rotated",
		zap.String("service_id", serviceID),
		zap.String("kid", rec.KID),
		zap.Int64("key_version", rec.KeyVersion),
		zap.Time("previous_expires_at", now.Add(v.opts.RetirementWindow)))
	return rec.KID, nil
}

// Sign produces a compact JWS of claims with the active key of serviceID.
// The kid header names the signing key.
func (v *Vault) Sign(ctx context.Context, serviceID string, claims jwt.Claims) (token, kid string, err error) {
	rec, err := v.repo.Active(ctx, serviceID)
	if errors.Is(err, errs.ErrNotFound) {
		v.m.signFails.WithLabelValues("no_keypair").Inc()
		return "", "", fmt.Errorf("service %s has no keypair: %w", serviceID, errs.ErrKeyUnavailable)
	}
	if err != nil {
		return "", "", errs.Unavailable(err)
	}

	der, err := v.sealer.Open(sealScope(serviceID, rec.KID), rec.SealedPrivate)
	if err != nil {
		v.m.signFails.WithLabelValues("unseal").Inc()
		v.log.Error("cannot unseal signing key", zap.String("service_id", serviceID), zap.String("kid", rec.KID))
		return "", "", fmt.Errorf("key %s of %s: %w", rec.KID, serviceID, errs.ErrKeyUnavailable)
	}
	defer abcrypto.Wipe(der)

	priv, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		v.m.signFails.WithLabelValues("parse").Inc()
		return "", "", fmt.Errorf("key %s of %s: %w", rec.KID, serviceID, errs.ErrKeyUnavailable)
	}
	method := jwt.GetSigningMethod(rec.Algorithm)
	if method == nil {
		return "", "", fmt.Errorf("key %s algorithm %q: %w", rec.KID, rec.Algorithm, errs.ErrKeyUnavailable)
	}

	t := jwt.NewWithClaims(method, claims)
	t.Header["kid"] = rec.KID
	signed, err := t.SignedString(priv)
	if err != nil {
		v.m.signFails.WithLabelValues("sign").Inc()
		return "", "", fmt.Errorf("sign with %s: %w", rec.KID, errs.ErrKeyUnavailable)
	}
	return signed, rec.KID, nil
}

// PublicKeys returns the active and still-valid retired keys of serviceID.
func (v *Vault) PublicKeys(ctx context.Context, serviceID string) (jwk.Set, error) {
	recs, err := v.repo.Verification(ctx, serviceID, v.now())
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return keySet(recs)
}

// JWKSAll returns the union of PublicKeys over every service.
func (v *Vault) JWKSAll(ctx context.Context) (jwk.Set, error) {
	recs, err := v.repo.AllVerification(ctx, v.now())
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return keySet(recs)
}

// ResolveKey returns the public key kid of serviceID if it still verifies, else ErrUnknownKey.
func (v *Vault) ResolveKey(ctx context.Context, serviceID, kid string) (crypto.PublicKey, string, error) {
	recs, err := v.repo.Verification(ctx, serviceID, v.now())
	if err != nil {
		return nil, "", errs.Unavailable(err)
	}
	for _, rec := range recs {
		if rec.KID != kid {
			continue
		}
		pub, err := x509.ParsePKIXPublicKey(rec.PublicKey)
		if err != nil {
			return nil, "", fmt.Errorf("key %s: %w", kid, errs.ErrUnknownKey)
		}
		return pub, rec.Algorithm, nil
	}
	return nil, "", fmt.Errorf("key %q of %s: %w", kid, serviceID, errs.ErrUnknownKey)
}

// Purge removes retired keys whose window has ended.
func (v *Vault) Purge(ctx context.Context) (int64, error) {
	n, err := v.repo.PurgeExpired(ctx, v.now())
	if err != nil {
		return 0, errs.Unavailable(err)
	}
	if n > 0 {
		v.m.purged.Add(float64(n))
		v.log.Info("expired keys purged", zap.Int64("count", n))
	}
	return n, nil
}

// RunJanitor purges expired keys every interval until ctx is done.
func (v *Vault) RunJanitor(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.clock.After(interval):
			if _, err := v.Purge(ctx); err != nil && !errs.IsTimeout(err) {
				v.log.Warn("key purge failed", zap.Error(err))
			}
		}
	}
}
