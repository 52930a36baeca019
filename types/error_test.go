package types

import (
	"errors"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamUnavailable, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithProvider("glm")

	if GetErrorCode(err) != ErrUpstreamUnavailable {
		t.Fatalf("expected code %s, got %s", ErrUpstreamUnavailable, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestIsAuthFailure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code ErrorCode
		want bool
	}{
		{ErrAuthenticationFailed, true},
		{ErrCredentialsRejected, true},
		{ErrUnauthorized, true},
		{ErrUpstreamTimeout, false},
		{ErrRateLimited, false},
	}
	for _, tc := range cases {
		if got := IsAuthFailure(NewError(tc.code, "x")); got != tc.want {
			t.Errorf("IsAuthFailure(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
	if IsAuthFailure(errors.New("plain")) {
		t.Errorf("plain error should not be an auth failure")
	}
}
