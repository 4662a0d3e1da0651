// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Registry sentinels.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (duplicate id or link).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalid indicates a malformed input document or argument.
	ErrInvalid = errors.New("invalid")

	// ErrVersionConflict indicates optimistic concurrency failure (expected version mismatch).
	ErrVersionConflict = errors.New("version conflict")
)

// Authorization sentinels.
var (
	// ErrUnauthorized indicates the presented caller identity was rejected.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates the trust graph does not permit the requested issuance.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limited")
)

// Key vault and token sentinels.
var (
	// ErrKeyUnavailable indicates the vault cannot sign (missing keypair or undecryptable key).
	ErrKeyUnavailable = errors.New("key unavailable")

	// ErrMalformed indicates a token that cannot be parsed structurally.
	ErrMalformed = errors.New("malformed token")

	// ErrUnknownKey indicates the token key id is not among the issuer's published keys.
	ErrUnknownKey = errors.New("unknown key")

	// ErrSignatureInvalid indicates signature verification failed.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrExpired indicates the token is past its expiry claim.
	ErrExpired = errors.New("token expired")

	// ErrNotYetValid indicates the token was issued in the future beyond clock skew.
	ErrNotYetValid = errors.New("token not yet valid")
)

// ErrUnavailable indicates a transient storage or cache failure; safe to retry.
var ErrUnavailable = errors.New("unavailable")

type unavailableError struct{ cause error }

func (e *unavailableError) Error() string { return fmt.Sprintf("unavailable: %v", e.cause) }

func (e *unavailableError) Unwrap() []error { return []error{ErrUnavailable, e.cause} }

// Unavailable wraps a transient I/O error so that errors.Is(err, ErrUnavailable)
// holds while the cause stays inspectable. Nil stays nil, domain sentinels pass through.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) || IsDomain(err) {
		return err
	}
	return &unavailableError{cause: err}
}

// IsTimeout reports whether err stems from a caller deadline or cancellation.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

var domain = []error{
	ErrNotFound, ErrAlreadyExists, ErrInvalid, ErrVersionConflict,
	ErrUnauthorized, ErrForbidden, ErrRateLimited,
	ErrKeyUnavailable, ErrMalformed, ErrUnknownKey, ErrSignatureInvalid, ErrExpired, ErrNotYetValid,
}

// IsDomain reports whether err carries one of the terminal (non-retryable) sentinels.
func IsDomain(err error) bool {
	for _, d := range domain {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

// Invalidf returns an ErrInvalid carrying a formatted reason.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalid)
}
