package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func newSealer(t *testing.T, secret string) *Sealer {
	t.Helper()
	s, err := NewSealer([]byte(secret), []byte("test-salt"))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal", n)
	}
}

func TestSealer_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newSealer(t, "correct horse battery staple")
	pt := []byte("-----private key der-----")
	scope := []byte("svc-a|kid-1")

	blob, err := s.Seal(scope, pt)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(blob, pt) {
		t.Fatalf("plaintext visible in sealed blob")
	}
	got, err := s.Open(scope, blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("got %q, want %q", got, pt)
	}

	again, _ := s.Seal(scope, pt)
	if bytes.Equal(blob, again) {
		t.Fatalf("nonce reuse: two seals are identical")
	}
}

func TestSealer_OpenFailures(t *testing.T) {
	t.Parallel()

	s := newSealer(t, "correct horse battery staple")
	blob, err := s.Seal([]byte("svc-a|k1"), []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := s.Open([]byte("svc-b|k1"), blob); !errors.Is(err, ErrOpen) {
		t.Fatalf("wrong scope: want ErrOpen, got %v", err)
	}
	other := newSealer(t, "a different master secret")
	if _, err := other.Open([]byte("svc-a|k1"), blob); !errors.Is(err, ErrOpen) {
		t.Fatalf("wrong secret: want ErrOpen, got %v", err)
	}
	tampered := bytes.Clone(blob)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := s.Open([]byte("svc-a|k1"), tampered); !errors.Is(err, ErrOpen) {
		t.Fatalf("tampered: want ErrOpen, got %v", err)
	}
	if _, err := s.Open([]byte("svc-a|k1"), []byte("short")); !errors.Is(err, ErrOpen) {
		t.Fatalf("short: want ErrOpen, got %v", err)
	}
}

func TestNewSealer_EmptySecret(t *testing.T) {
	t.Parallel()

	if _, err := NewSealer(nil, []byte("salt")); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestNewAPIKey(t *testing.T) {
	t.Parallel()

	a, err := NewAPIKey()
	if err != nil {
		t.Fatalf("NewAPIKey: %v", err)
	}
	if len(a) != 2*APIKeyBytes {
		t.Fatalf("len=%d", len(a))
	}
	b, _ := NewAPIKey()
	if EqualKeys(a, b) {
		t.Fatalf("two keys are equal")
	}
	if !EqualKeys(a, a) {
		t.Fatalf("EqualKeys(a, a) = false")
	}
}
