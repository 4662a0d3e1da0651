package keyvault

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/and161185/authbridge/internal/model"
)

const rsaBits = 2048

// generate creates a fresh private key for alg (ES256 or RS256).
func generate(alg string) (crypto.Signer, error) {
	switch alg {
	case "ES256":
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case "RS256":
		return rsa.GenerateKey(rand.Reader, rsaBits)
	default:
		return nil, fmt.Errorf("unsupported key algorithm %q", alg)
	}
}

// thumbprint returns the RFC 7638 SHA-256 thumbprint of pub, base64url without padding.
func thumbprint(pub crypto.PublicKey) (string, error) {
	k, err := jwk.FromRaw(pub)
	if err != nil {
		return "", err
	}
	tp, err := k.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// publicJWK converts a stored record to a public JWK carrying kid, alg and use.
func publicJWK(rec model.KeyRecord) (jwk.Key, error) {
	pub, err := x509.ParsePKIXPublicKey(rec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", rec.KID, err)
	}
	k, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, err
	}
	for name, v := range map[string]any{
		jwk.KeyIDKey:     rec.KID,
		jwk.AlgorithmKey: jwa.SignatureAlgorithm(rec.Algorithm),
		jwk.KeyUsageKey:  jwk.ForSignature,
	} {
		if err := k.Set(name, v); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// keySet builds a JWK set from records, skipping none.
func keySet(recs []model.KeyRecord) (jwk.Set, error) {
	set := jwk.NewSet()
	for _, rec := range recs {
		k, err := publicJWK(rec)
		if err != nil {
			return nil, err
		}
		if err := set.AddKey(k); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// sealScope binds a sealed private key to its owner and key id.
func sealScope(serviceID, kid string) []byte {
	return []byte(serviceID + "|" + kid)
}
