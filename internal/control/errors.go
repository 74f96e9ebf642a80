package control

import "errors"

// Dispatch failures surfaced to the data-channel peer.
var (
	ErrSessionRevoked    = errors.New("session_revoked")
	ErrNotAuthorized     = errors.New("not_authorized")
	ErrInsufficientScope = errors.New("insufficient_scope")
	ErrRateLimited       = errors.New("rate_limit_exceeded")
)

// Validation codes from the per-type command contract.
const (
	CodeOutOfRange       = "OUT_OF_RANGE"
	CodeStaleCommand     = "STALE_COMMAND"
	CodeInvalidTimestamp = "INVALID_TIMESTAMP"
	CodeMissingField     = "MISSING_FIELD"
	CodeInvalidValue     = "INVALID_VALUE"
	CodeUnknownType      = "UNKNOWN_TYPE"
	CodeInvalidJSON      = "INVALID_JSON"
)

// ValidationError carries the rejection code for a malformed command.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return e.Code + ": " + e.Detail
}

// IsValidation reports whether err is a command-validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
