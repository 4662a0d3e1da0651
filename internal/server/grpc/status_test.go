package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/authbridge/internal/errs"
)

func TestToStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		code   codes.Code
		reason string
	}{
		{"not found", fmt.Errorf("service x: %w", errs.ErrNotFound), codes.NotFound, "NOT_FOUND"},
		{"conflict", errs.ErrVersionConflict, codes.Aborted, "VERSION_CONFLICT"},
		{"invalid", errs.Invalidf("bad"), codes.InvalidArgument, "INVALID"},
		{"forbidden", errs.ErrForbidden, codes.PermissionDenied, "FORBIDDEN"},
		{"rate", errs.ErrRateLimited, codes.ResourceExhausted, "RATE_LIMITED"},
		{"key", errs.ErrKeyUnavailable, codes.FailedPrecondition, "KEY_UNAVAILABLE"},
		{"expired", errs.ErrExpired, codes.Unauthenticated, "EXPIRED"},
		{"unknown kid", errs.ErrUnknownKey, codes.Unauthenticated, "UNKNOWN_KEY"},
		{"unavailable", errs.Unavailable(errors.New("dial")), codes.Unavailable, "UNAVAILABLE"},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded, "DEADLINE_EXCEEDED"},
		{"other", errors.New("boom"), codes.Internal, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := toStatus(tc.err)
			if status.Code(err) != tc.code {
				t.Fatalf("code: got %v, want %v", status.Code(err), tc.code)
			}
			if got := Reason(err); got != tc.reason {
				t.Fatalf("reason: got %q, want %q", got, tc.reason)
			}
		})
	}
}

func TestToStatus_HidesInternalCause(t *testing.T) {
	t.Parallel()

	st, _ := status.FromError(toStatus(errors.New("password=hunter2")))
	if st.Message() != "internal" {
		t.Fatalf("internal cause leaked: %q", st.Message())
	}
	if toStatus(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	orig := status.Error(codes.Canceled, "gone")
	if toStatus(orig) != orig {
		t.Fatalf("status errors pass through")
	}
	if Reason(errors.New("plain")) != "" {
		t.Fatalf("plain error has no reason")
	}
}
