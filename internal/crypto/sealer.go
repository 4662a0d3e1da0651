// Package crypto implements sealing of private key material and API key generation.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for deriving the master key from the configured secret.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	keyLen       uint32 = 32
)

// ErrOpen is returned when a sealed blob cannot be decrypted (wrong secret, wrong scope or tampering).
var ErrOpen = errors.New("crypto: open sealed blob")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Sealer encrypts small secrets at rest. Every blob is bound to a scope
// (used both for subkey derivation and as AAD) so a blob copied between
// scopes does not open.
type Sealer struct {
	master []byte
}

// NewSealer derives the master key from secret and salt with Argon2id.
func NewSealer(secret, salt []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("crypto: empty secret")
	}
	return &Sealer{master: argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, keyLen)}, nil
}

func (s *Sealer) subkey(scope []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, scope)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under a random nonce. Output is nonce||ciphertext.
func (s *Sealer) Seal(scope, plaintext []byte) ([]byte, error) {
	key, err := s.subkey(scope)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, scope), nil
}

// Open reverses Seal. Any failure is reported as ErrOpen.
func (s *Sealer) Open(scope, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrOpen
	}
	key, err := s.subkey(scope)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	pt, err := aead.Open(nil, nonce, blob[chacha20poly1305.NonceSizeX:], scope)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	clear(b)
}
