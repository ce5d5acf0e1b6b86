package memory

import (
	"errors"
	"fmt"
)

// Code classifies an engine failure.
type Code string

const (
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeDBError               Code = "DB_ERROR"
	CodeCapacityExceeded      Code = "MEMORY_CAPACITY_EXCEEDED"
	CodeEpisodeWriteFailed    Code = "MEMORY_EPISODE_WRITE_FAILED"
	CodeConfidenceOutOfRange  Code = "MEMORY_CONFIDENCE_OUT_OF_RANGE"
	CodeDistillLLMUnavailable Code = "MEMORY_DISTILL_LLM_UNAVAILABLE"
	CodeClearConfirmRequired  Code = "MEMORY_CLEAR_CONFIRM_REQUIRED"
)

// Degrade events logged when recall falls back.
const (
	EventDegradeVectorOffline        = "MEMORY_DEGRADE_VECTOR_OFFLINE"
	EventDegradeDistillIOFailed      = "MEMORY_DEGRADE_DISTILL_IO_FAILED"
	EventDegradeAllMemoryUnavailable = "MEMORY_DEGRADE_ALL_MEMORY_UNAVAILABLE"
)

// Error is the typed failure returned by engine operations.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error carrying cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// WithDetails attaches details and returns e.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the code from err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}
