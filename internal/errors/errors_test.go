package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestJSONRPCCodeMapping(t *testing.T) {
	cases := []struct {
		reason Reason
		code   int
	}{
		{ReasonParseError, -32700},
		{ReasonInvalidRequest, -32600},
		{ReasonInsufficientCredits, -32402},
		{ReasonRateLimited, -32001},
		{ReasonRateLimitedTool, -32001},
		{ReasonToolDenied, -32000},
		{ReasonMaintenance, -32000},
		{ReasonSpendingLimit, -32000},
	}
	for _, c := range cases {
		if got := c.reason.JSONRPCCode(); got != c.code {
			t.Errorf("%s: code = %d, want %d", c.reason, got, c.code)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !ReasonRateLimited.Retryable() || !ReasonQuotaDailyCalls.Retryable() {
		t.Error("rate/quota reasons should be retryable")
	}
	if ReasonInvalidAPIKey.Retryable() || ReasonToolDenied.Retryable() {
		t.Error("auth/acl reasons should not be retryable")
	}
}

func TestDenyErrorUnwrapsViaAs(t *testing.T) {
	err := fmt.Errorf("gate: %w", Deny(ReasonKeyExpired, "expired 2026-01-01"))
	if got := DenyReason(err); got != ReasonKeyExpired {
		t.Errorf("DenyReason = %q, want key_expired", got)
	}
	if got := DenyReason(stderrors.New("plain")); got != "" {
		t.Errorf("DenyReason on plain error = %q, want empty", got)
	}
}

func TestBackendErrorMessage(t *testing.T) {
	e := &BackendError{Prefix: "fs", Code: -32602, Message: "bad params"}
	if e.Error() != "backend fs: [-32602] bad params" {
		t.Errorf("unexpected message: %s", e.Error())
	}
	wrapped := &BackendError{Prefix: "gh", Err: ErrTimeout}
	if !stderrors.Is(wrapped, ErrTimeout) {
		t.Error("expected BackendError to unwrap to ErrTimeout")
	}
}
