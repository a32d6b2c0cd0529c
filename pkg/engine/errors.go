package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: API server timeouts, webhook unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: concurrent modifications, optimistic locking failures.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid manifests, permission denied, missing project.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrCancelled is the sentinel carried by every cancellation error.
var ErrCancelled = errors.New("operation cancelled")

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Step is the pipeline stage that produced the error, if any.
	Step Step `json:"step,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var ctx []string
	if e.Step != "" {
		ctx = append(ctx, "step="+string(e.Step))
	}
	if e.Resource != "" {
		ctx = append(ctx, "resource="+e.Resource)
	}
	if e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
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

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewStepError wraps a failure of one pipeline stage into that stage's error kind.
// The class of an underlying EngineError is preserved; anything else is transient.
func NewStepError(step Step, err error) *EngineError {
	class := ErrorClassTransient
	var inner *EngineError
	if errors.As(err, &inner) {
		class = inner.Class
	}
	return &EngineError{
		Class:   class,
		Message: fmt.Sprintf("%s step failed", step),
		Code:    StepErrorCode(step),
		Step:    step,
		Err:     err,
	}
}

// NewOrchestrationError creates the generic error returned by the flows when
// no single stage is to blame: failed preconditions, deadlines, missing clusters.
func NewOrchestrationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Code:    ErrCodeOrchestration,
		Err:     err,
	}
}

// NewCancelledError reports that an attempt was abandoned because the flow was cancelled.
func NewCancelledError(cause error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: "cancelled",
		Code:    ErrCodeCancelled,
		Err:     fmt.Errorf("%w: %w", ErrCancelled, cause),
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
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

// AsyncError marks an error that crossed a future boundary, for example a
// predecessor failure observed by a dependent step. Unwrap strips it.
type AsyncError struct {
	Err error
}

func (e *AsyncError) Error() string {
	return "async: " + e.Err.Error()
}

func (e *AsyncError) Unwrap() error {
	return e.Err
}

// Unwrap strips every AsyncError layer and returns the originating error.
func Unwrap(err error) error {
	for {
		async, ok := err.(*AsyncError)
		if !ok || async.Err == nil {
			return err
		}
		err = async.Err
	}
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// StepOf returns the stage an error belongs to, or "" for non-stage errors.
func StepOf(err error) Step {
	var e *EngineError
	if errors.As(Unwrap(err), &e) {
		return e.Step
	}
	return ""
}

// IsStepError reports whether err is the error kind of the given stage.
func IsStepError(err error, step Step) bool {
	return StepOf(err) == step
}

// StepErrorCode returns the error code of a stage, e.g. DEPLOYMENT_FAILED.
func StepErrorCode(step Step) string {
	return strings.ToUpper(string(step)) + "_FAILED"
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeOrchestration    = "ORCHESTRATION_ERROR"
	ErrCodeNoCluster        = "NO_CLUSTER_AVAILABLE"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
)
