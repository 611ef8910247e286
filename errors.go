package hubflow

import (
	"errors"
	"fmt"
	"time"
)

// Error codes
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeExecutionFailed = "EXECUTION_FAILED"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodePanic           = "PANIC"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeDefinition      = "DEFINITION_ERROR"
)

// ErrorKind classifies errors within each taxonomy family
type ErrorKind string

const (
	// Ingress
	KindMalformedPayload ErrorKind = "MALFORMED_PAYLOAD"
	KindUnknownSource    ErrorKind = "UNKNOWN_SOURCE"

	// Registry
	KindDuplicateVersion ErrorKind = "DUPLICATE_VERSION"
	KindInvalidMatcher   ErrorKind = "INVALID_MATCHER"

	// Adapter
	KindRetryable ErrorKind = "RETRYABLE"
	KindPermanent ErrorKind = "PERMANENT"

	// Persistence
	KindLeaseConflict      ErrorKind = "LEASE_CONFLICT"
	KindStorageUnavailable ErrorKind = "STORAGE_UNAVAILABLE"
	KindConcurrentUpdate   ErrorKind = "CONCURRENT_UPDATE"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindDuplicateAttempt   ErrorKind = "DUPLICATE_ATTEMPT"
	KindRunTerminal        ErrorKind = "RUN_TERMINAL"
	KindAlreadyExists      ErrorKind = "ALREADY_EXISTS"
)

// Sentinels usable with errors.Is against the typed errors below
var (
	ErrMalformedPayload   = &IngestError{Kind: KindMalformedPayload}
	ErrUnknownSource      = &IngestError{Kind: KindUnknownSource}
	ErrDuplicateVersion   = &RegistryError{Kind: KindDuplicateVersion}
	ErrInvalidMatcher     = &RegistryError{Kind: KindInvalidMatcher}
	ErrRetryable          = &AdapterError{Kind: KindRetryable}
	ErrPermanent          = &AdapterError{Kind: KindPermanent}
	ErrLeaseConflict      = &PersistenceError{Kind: KindLeaseConflict}
	ErrStorageUnavailable = &PersistenceError{Kind: KindStorageUnavailable}
	ErrConcurrentUpdate   = &PersistenceError{Kind: KindConcurrentUpdate}
	ErrNotFound           = &PersistenceError{Kind: KindNotFound}
	ErrDuplicateAttempt   = &PersistenceError{Kind: KindDuplicateAttempt}
	ErrRunTerminal        = &PersistenceError{Kind: KindRunTerminal}
	ErrAlreadyExists      = &PersistenceError{Kind: KindAlreadyExists}
)

// WorkflowError represents the run-level failure recorded on a WorkflowRun
type WorkflowError struct {
	Message   string    `json:"message" dynamodbav:"message"`
	Code      string    `json:"code" dynamodbav:"code"`
	Step      string    `json:"step,omitempty" dynamodbav:"step,omitempty"`
	Timestamp time.Time `json:"timestamp" dynamodbav:"timestamp"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step: %s)", e.Code, e.Message, e.Step)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewWorkflowError creates a new workflow error
func NewWorkflowError(code, message string) *WorkflowError {
	return &WorkflowError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// IngestError is returned when an inbound envelope is rejected at the boundary
type IngestError struct {
	Kind    ErrorKind
	Message string
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest %s: %s", e.Kind, e.Message)
}

// Is matches any IngestError of the same kind
func (e *IngestError) Is(target error) bool {
	t, ok := target.(*IngestError)
	return ok && t.Kind == e.Kind
}

// NewIngestError creates an ingest error
func NewIngestError(kind ErrorKind, format string, args ...any) *IngestError {
	return &IngestError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// RegistryError is returned when a definition cannot be registered
type RegistryError struct {
	Kind         ErrorKind
	DefinitionID string
	Version      int
	Message      string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s: %s@%d: %s", e.Kind, e.DefinitionID, e.Version, e.Message)
}

// Is matches any RegistryError of the same kind
func (e *RegistryError) Is(target error) bool {
	t, ok := target.(*RegistryError)
	return ok && t.Kind == e.Kind
}

// AdapterError is the closed error taxonomy action adapters report
type AdapterError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *AdapterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AdapterError) Unwrap() error {
	return e.Cause
}

// Is matches any AdapterError of the same kind
func (e *AdapterError) Is(target error) bool {
	t, ok := target.(*AdapterError)
	return ok && t.Kind == e.Kind
}

// Retryable creates a retryable adapter error (network, timeout, rate limit)
func Retryable(message string, cause error) *AdapterError {
	return &AdapterError{Kind: KindRetryable, Message: message, Cause: cause}
}

// Permanent creates a permanent adapter error (bad input, auth, not found)
func Permanent(message string, cause error) *AdapterError {
	return &AdapterError{Kind: KindPermanent, Message: message, Cause: cause}
}

// ClassifyAdapterError returns the adapter error kind; unknown errors are retryable
func ClassifyAdapterError(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) && ae.Kind == KindPermanent {
		return KindPermanent
	}
	return KindRetryable
}

// PersistenceError is returned by stores
type PersistenceError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *PersistenceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("persistence %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("persistence %s: %s", e.Kind, e.Message)
}

func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// Is matches any PersistenceError of the same kind
func (e *PersistenceError) Is(target error) bool {
	t, ok := target.(*PersistenceError)
	return ok && t.Kind == e.Kind
}

// NewPersistenceError creates a persistence error
func NewPersistenceError(kind ErrorKind, message string, cause error) *PersistenceError {
	return &PersistenceError{Kind: kind, Message: message, Cause: cause}
}

// IsNotFound checks if an error reports a missing record
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if an error reports a lost optimistic-concurrency or lease race
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate) || errors.Is(err, ErrLeaseConflict)
}

// IsTimeoutError checks if an error is a step timeout
func IsTimeoutError(err error) bool {
	var te *StepTimeoutError
	return errors.As(err, &te)
}

// StepTimeoutError is produced when a step exceeds its declared timeout
type StepTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %s", e.StepID, e.Timeout)
}
