package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an engine error.
type ErrorClass string

const (
	// ErrorClassValidation covers local rule failures. They never reach the network
	// and only block the transition that triggered validation.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassSync covers failed partial patches. They are absorbed by the
	// scheduler except for the groups rollback.
	ErrorClassSync ErrorClass = "sync"

	// ErrorClassCommit covers failed full commits and resource reconciliation.
	// They are always surfaced to the caller.
	ErrorClassCommit ErrorClass = "commit"

	// ErrorClassHydration covers failures to merge a server entity into a draft.
	ErrorClassHydration ErrorClass = "hydration"

	// ErrorClassPermanent indicates a misuse or missing reference data.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Field is the draft field involved, if any.
	Field string `json:"field,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Field != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (field=%s, operation=%s)", msg, e.Field, e.Operation)
	} else if e.Field != "" {
		msg = fmt.Sprintf("%s (field=%s)", msg, e.Field)
	} else if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassValidation, message, err).WithCode(ErrCodeValidation)
}

// NewSyncError creates a new partial-sync error.
func NewSyncError(message string, err error) *EngineError {
	return newError(ErrorClassSync, message, err)
}

// NewCommitError creates a new full-commit error.
func NewCommitError(message string, err error) *EngineError {
	return newError(ErrorClassCommit, message, err)
}

// NewHydrationError creates a new hydration error.
func NewHydrationError(message string, err error) *EngineError {
	return newError(ErrorClassHydration, message, err).WithCode(ErrCodeHydration)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// WithField adds field context to an error.
func (e *EngineError) WithField(field string) *EngineError {
	e.Field = field
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// ClassOf returns the class of err, or an empty class for unclassified errors.
func ClassOf(err error) ErrorClass {
	return classOf(err)
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return classOf(err) == ErrorClassValidation
}

// IsSyncError returns true if the error is classified as a partial-sync error.
func IsSyncError(err error) bool {
	return classOf(err) == ErrorClassSync
}

// IsCommitError returns true if the error is classified as a full-commit error.
func IsCommitError(err error) bool {
	return classOf(err) == ErrorClassCommit
}

// IsHydrationError returns true if the error is classified as a hydration error.
func IsHydrationError(err error) bool {
	return classOf(err) == ErrorClassHydration
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnknownField     = "UNKNOWN_FIELD"
	ErrCodeInvalidValue     = "INVALID_VALUE"
	ErrCodeNotPersisted     = "NOT_PERSISTED"
	ErrCodeCommitInProgress = "COMMIT_IN_PROGRESS"
	ErrCodeTransition       = "INVALID_TRANSITION"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeUnknownRole      = "UNKNOWN_ROLE"
	ErrCodeUnknownTemplate  = "UNKNOWN_TEMPLATE"
	ErrCodeHydration        = "HYDRATION_FAILED"
	ErrCodeGroupAccess      = "GROUP_ACCESS_DENIED"
	ErrCodeResource         = "RESOURCE_FAILED"
	ErrCodeSessionClosed    = "SESSION_CLOSED"
)

// Sentinel errors for errors.Is checks.
var (
	// ErrCommitInProgress is returned when a full commit is requested while another is in flight.
	ErrCommitInProgress = &EngineError{Class: ErrorClassCommit, Code: ErrCodeCommitInProgress, Message: "a full commit is already in flight"}

	// ErrNotPersisted is returned when an operation needs an entity identity the draft does not have yet.
	ErrNotPersisted = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotPersisted, Message: "draft has not been persisted"}

	// ErrUnknownField is returned by Draft Store operations for undeclared fields.
	ErrUnknownField = &EngineError{Class: ErrorClassValidation, Code: ErrCodeUnknownField, Message: "unknown field"}

	// ErrSessionClosed is returned by operations on a session that has ended.
	ErrSessionClosed = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeSessionClosed, Message: "editing session has ended"}
)
