package protocol

import "fmt"

// Stable error codes surfaced to originators. Internal details are logged
// but never returned on the wire.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeRateLimited      = "RATE_LIMITED"
	CodeValidation       = "VALIDATION_ERROR"
	CodeAgentOffline     = "AGENT_OFFLINE"
	CodeBudgetExceeded   = "BUDGET_EXCEEDED"
	CodeNetworkTransient = "NETWORK_TRANSIENT"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL"
)

// CodedError pairs a stable code with a short human message.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a CodedError.
func NewError(code, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}
