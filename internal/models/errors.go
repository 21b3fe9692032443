package models

import (
	"errors"
	"fmt"
)

// Error codes shared by the pipeline and the HTTP layer.
const (
	CodeSafetyRejected   = "safety_rejected"
	CodeInvalidRequest   = "invalid_request"
	CodeUpstreamSubmit   = "upstream_submit"
	CodeTimedOut         = "timed_out"
	CodeEngineFailed     = "engine_failed"
	CodeArtifactMissing  = "artifact_missing"
	CodePersistFailed    = "persist_failed"
	CodeCallbackDelivery = "callback_delivery_failed"
	CodeUnauthorized     = "unauthorized"
	CodeNotFound         = "not_found"
	CodeRateLimited      = "rate_limited"
)

// GenerationError classifies a failure so callers can pick a response without
// string matching.
type GenerationError struct {
	Code     string
	Message  string
	Category string
	Cause    error
}

func (e *GenerationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// NewError builds a GenerationError.
func NewError(code, message string, cause error) *GenerationError {
	return &GenerationError{Code: code, Message: message, Cause: cause}
}

// ErrorCode extracts the code of the first GenerationError in err's chain, or "".
func ErrorCode(err error) string {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
