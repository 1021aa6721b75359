package errors

import (
	"context"
	"errors"
	"fmt"
)

// Application-specific errors
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("resource conflict")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// Reason identifies why a call was denied or failed. The strings are part of
// the wire contract: they appear in JSON-RPC error messages, usage events,
// audit entries, and webhook payloads.
type Reason string

const (
	ReasonParseError          Reason = "parse_error"
	ReasonInvalidRequest      Reason = "invalid_request"
	ReasonMaintenance         Reason = "maintenance"
	ReasonMissingAPIKey       Reason = "missing_api_key"
	ReasonInvalidAPIKey       Reason = "invalid_api_key"
	ReasonKeyExpired          Reason = "key_expired"
	ReasonKeySuspended        Reason = "key_suspended"
	ReasonIPNotAllowed        Reason = "ip_not_allowed"
	ReasonToolDenied          Reason = "tool_denied"
	ReasonToolNotAllowed      Reason = "tool_not_allowed"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonRateLimitedTool     Reason = "rate_limited_tool"
	ReasonQuotaDailyCalls     Reason = "quota_daily_calls"
	ReasonQuotaMonthlyCalls   Reason = "quota_monthly_calls"
	ReasonQuotaDailyCredits   Reason = "quota_daily_credits"
	ReasonQuotaMonthlyCredits Reason = "quota_monthly_credits"
	ReasonSpendingLimit       Reason = "spending_limit"
	ReasonInsufficientCredits Reason = "insufficient_credits"
	ReasonTeamBudget          Reason = "team_budget"
	ReasonTeamQuota           Reason = "team_quota"
	ReasonBackendTimeout      Reason = "backend_timeout"
	ReasonBackendCrashed      Reason = "backend_crashed"
	ReasonBackendError        Reason = "backend_error"
	ReasonInternalError       Reason = "internal_error"
)

// JSON-RPC error codes used on the wire. -32402 and -32001 are PayGate
// extensions; the rest are standard.
const (
	CodeParseError          = -32700
	CodeInvalidRequest      = -32600
	CodeMethodNotFound      = -32601
	CodeInsufficientCredits = -32402
	CodeRateLimited         = -32001
	CodeDenied              = -32000
)

// JSONRPCCode maps a deny reason to the JSON-RPC error code sent to clients.
func (r Reason) JSONRPCCode() int {
	switch r {
	case ReasonParseError:
		return CodeParseError
	case ReasonInvalidRequest:
		return CodeInvalidRequest
	case ReasonInsufficientCredits:
		return CodeInsufficientCredits
	case ReasonRateLimited, ReasonRateLimitedTool:
		return CodeRateLimited
	default:
		return CodeDenied
	}
}

// Retryable reports whether the denial carries a Retry-After hint.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimited, ReasonRateLimitedTool,
		ReasonQuotaDailyCalls, ReasonQuotaMonthlyCalls,
		ReasonQuotaDailyCredits, ReasonQuotaMonthlyCredits:
		return true
	}
	return false
}

// DenyError is a recoverable gate denial. It unwraps to nothing; callers
// branch on the Reason.
type DenyError struct {
	Reason Reason
	Detail string
}

func (e *DenyError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Deny constructs a DenyError.
func Deny(reason Reason, detail string) *DenyError {
	return &DenyError{Reason: reason, Detail: detail}
}

// DenyReason extracts the Reason from err, or "" if err is not a DenyError.
func DenyReason(err error) Reason {
	var de *DenyError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// BackendError wraps a failure from a downstream tool server, preserving the
// original JSON-RPC code and data when available.
type BackendError struct {
	Prefix  string
	Code    int
	Message string
	Data    any
	Err     error
}

func (e *BackendError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend %s: [%d] %s", e.Prefix, e.Code, e.Message)
	}
	return fmt.Sprintf("backend %s: %v", e.Prefix, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// FailureReason classifies a backend failure for events and metrics. Returns
// "" for a nil error.
func FailureReason(err error) Reason {
	if err == nil {
		return ""
	}
	if r := DenyReason(err); r != "" {
		return r
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonBackendTimeout
	}
	return ReasonBackendError
}
