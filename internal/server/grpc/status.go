package grpcserver

import (
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/authbridge/internal/errs"
)

// ErrorDomain is the ErrorInfo domain attached to every mapped status.
const ErrorDomain = "authbridge"

type mapping struct {
	err    error
	code   codes.Code
	reason string
}

// first match wins
var mappings = []mapping{
	{errs.ErrNotFound, codes.NotFound, "NOT_FOUND"},
	{errs.ErrAlreadyExists, codes.AlreadyExists, "ALREADY_EXISTS"},
	{errs.ErrInvalid, codes.InvalidArgument, "INVALID"},
	{errs.ErrVersionConflict, codes.Aborted, "VERSION_CONFLICT"},
	{errs.ErrUnauthorized, codes.Unauthenticated, "UNAUTHORIZED"},
	{errs.ErrForbidden, codes.PermissionDenied, "FORBIDDEN"},
	{errs.ErrRateLimited, codes.ResourceExhausted, "RATE_LIMITED"},
	{errs.ErrKeyUnavailable, codes.FailedPrecondition, "KEY_UNAVAILABLE"},
	{errs.ErrMalformed, codes.InvalidArgument, "MALFORMED"},
	{errs.ErrUnknownKey, codes.Unauthenticated, "UNKNOWN_KEY"},
	{errs.ErrSignatureInvalid, codes.Unauthenticated, "SIGNATURE_INVALID"},
	{errs.ErrExpired, codes.Unauthenticated, "EXPIRED"},
	{errs.ErrNotYetValid, codes.Unauthenticated, "NOT_YET_VALID"},
	{errs.ErrUnavailable, codes.Unavailable, "UNAVAILABLE"},
}

// toStatus converts a service error into a gRPC status error with an
// ErrorInfo reason clients can switch on.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code, reason, msg := codes.Internal, "INTERNAL", "internal"
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			code, reason, msg = m.code, m.reason, err.Error()
			break
		}
	}
	if code == codes.Internal && errs.IsTimeout(err) {
		code, reason, msg = codes.DeadlineExceeded, "DEADLINE_EXCEEDED", err.Error()
	}
	st := status.New(code, msg)
	if withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: reason, Domain: ErrorDomain}); derr == nil {
		st = withInfo
	}
	return st.Err()
}

// Reason extracts the ErrorInfo reason from a status error, "" when absent.
func Reason(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == ErrorDomain {
			return info.GetReason()
		}
	}
	return ""
}
