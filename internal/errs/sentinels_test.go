package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestUnavailable_WrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: connection refused")
	err := Unavailable(cause)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	if Unavailable(err) != err {
		t.Fatalf("double wrap")
	}
}

func TestUnavailable_PassesThroughDomainAndNil(t *testing.T) {
	t.Parallel()

	if Unavailable(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	nf := fmt.Errorf("service x: %w", ErrNotFound)
	if got := Unavailable(nf); got != nf {
		t.Fatalf("domain error rewrapped: %v", got)
	}
}

func TestIsTimeout(t *testing.T) {
	t.Parallel()

	if !IsTimeout(fmt.Errorf("q: %w", context.DeadlineExceeded)) {
		t.Fatalf("deadline not detected")
	}
	if IsTimeout(errors.New("boom")) {
		t.Fatalf("false positive")
	}
}

func TestInvalidf(t *testing.T) {
	t.Parallel()

	err := Invalidf("bad type %q", "x")
	if !errors.Is(err, ErrInvalid) || err.Error() != `bad type "x": invalid` {
		t.Fatalf("got %v", err)
	}
}
