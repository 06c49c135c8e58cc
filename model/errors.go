package model

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Engine-specific error codes.
const (
	ErrStepNotFound       = "STEP_NOT_FOUND"
	ErrFactoryNotFound    = "FACTORY_NOT_FOUND"
	ErrLabelNotFound      = "LABEL_NOT_FOUND"
	ErrFactoryMismatch    = "FACTORY_MISMATCH"
	ErrNoErrorCode        = "NO_ERROR_CODE"
	ErrNoStatus           = "EXECUTE_RETURNED_NO_STATUS"
	ErrNoLabel            = "NO_LABEL"
	ErrExecutionExists    = "EXECUTION_EXISTS"
	ErrNoExecution        = "NO_EXECUTION"
	ErrLockBusy           = "LOCK_BUSY"
	ErrLockUnavailable    = "LOCK_UNAVAILABLE"
	ErrStepFailed         = "STEP_FAILED"
	ErrInvalidVariable    = "INVALID_VARIABLE"
	ErrDefinitionInactive = "DEFINITION_INACTIVE"
)

// EngineCodeOffset is the base of the integer return codes the engine records
// for its own faults. Business return codes supplied by steps should stay
// below it.
const EngineCodeOffset = 826000

// Integer return codes recorded on ExecutionStatus for engine faults.
const (
	ReturnCodeOK               = 0
	ReturnCodeStepRaised       = EngineCodeOffset + 1
	ReturnCodeNoStatus         = EngineCodeOffset + 20
	ReturnCodeNoExecution      = EngineCodeOffset + 21
	ReturnCodeExecutionExists  = EngineCodeOffset + 22
	ReturnCodeStepNotFound     = EngineCodeOffset + 50
	ReturnCodeFactoryNotFound  = EngineCodeOffset + 51
	ReturnCodeLabelNotFound    = EngineCodeOffset + 52
	ReturnCodeNoErrorCode      = EngineCodeOffset + 53
	ReturnCodeFactoryMismatch  = EngineCodeOffset + 54
	ReturnCodeInvalidVariable  = EngineCodeOffset + 55
	ReturnCodeNoLabel          = EngineCodeOffset + 56
	ReturnCodeForcedByOperator = EngineCodeOffset + 90
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewLockBusyError returns a LOCK_BUSY error for a lock that could not be
// acquired within the configured wait.
func NewLockBusyError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrLockBusy,
		Message: fmt.Sprintf("lock %q is held by another runner", key),
	}
}

// NewLockUnavailableError returns a LOCK_UNAVAILABLE error for a lock
// backend that is failing.
func NewLockUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrLockUnavailable, Message: msg}
}

// NewEngineError returns an error envelope with one of the engine codes.
func NewEngineError(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

// IsCode reports whether err is, or wraps, an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND envelope.
func IsNotFound(err error) bool { return IsCode(err, ErrNotFound) }

// IsConflict reports whether err is a CONFLICT envelope.
func IsConflict(err error) bool { return IsCode(err, ErrConflict) }

// StepFailure is returned to the caller of a run after a FAILED status has
// been recorded. ReturnCode is the value persisted on the execution row.
type StepFailure struct {
	ReturnCode int
	Code       string
	Details    string
	Cause      error
}

// Error reports the cause only when Details does not already carry its text.
func (f *StepFailure) Error() string {
	prefix := fmt.Sprintf("%s (return code %d): ", f.Code, f.ReturnCode)
	if f.Cause == nil {
		return prefix + f.Details
	}
	cause := f.Cause.Error()
	switch {
	case f.Details == "":
		return prefix + cause
	case strings.Contains(cause, f.Details), strings.Contains(f.Details, cause):
		return prefix + f.Details
	}
	return prefix + f.Details + ": " + cause
}

func (f *StepFailure) Unwrap() error { return f.Cause }

// Envelope converts the failure to an API error envelope.
func (f *StepFailure) Envelope() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    f.Code,
		Message: fmt.Sprintf("return code %d: %s", f.ReturnCode, f.Details),
	}
}
