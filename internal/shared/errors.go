package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the prioritization engine. Typed errors below wrap
// them so callers can use errors.Is without caring about the concrete type.
var (
	// ErrValidation marks input that is outside its declared range. Only the
	// offending task is rejected; the batch continues.
	ErrValidation = errors.New("validation failed")

	// ErrEstimationFailed marks a transient estimator failure. Retryable.
	ErrEstimationFailed = errors.New("impact estimation failed")

	// ErrEstimationExhausted marks a task whose retries are used up. The task
	// is excluded from ranking until the next full run.
	ErrEstimationExhausted = errors.New("impact estimation retries exhausted")

	// ErrCycleDetected is reported by dependency resolution when some tasks
	// could not be topologically placed. It is informational only.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrPersistenceConflict is reported when an override write lost a
	// last-write-wins race. Warning-level; never blocks the caller.
	ErrPersistenceConflict = errors.New("concurrent write superseded")

	// ErrStaleRun is returned when a write targets a ranking run that has
	// already been superseded by a newer run for the same outcome.
	ErrStaleRun = errors.New("ranking run superseded")

	// ErrNotScored is returned when an operation needs a machine score that
	// does not exist (yet) for the task.
	ErrNotScored = errors.New("task has no score")
)

// ValidationError describes a single out-of-range input.
type ValidationError struct {
	TaskID string
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("invalid %s for task %s (%v): %s", e.Field, e.TaskID, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// EstimationError wraps an estimator failure with the attempt that produced it.
type EstimationError struct {
	TaskID  string
	Attempt int
	Class   ErrorClass
	Err     error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("estimate task %s (attempt %d, %s): %v", e.TaskID, e.Attempt, e.Class, e.Err)
}

// Is makes errors.Is(err, ErrEstimationFailed) hold for every EstimationError.
func (e *EstimationError) Is(target error) bool { return target == ErrEstimationFailed }

func (e *EstimationError) Unwrap() error { return e.Err }

// NewEstimationError classifies err and wraps it.
func NewEstimationError(taskID string, attempt int, err error) *EstimationError {
	return &EstimationError{
		TaskID:  taskID,
		Attempt: attempt,
		Class:   ClassifyError(err),
		Err:     err,
	}
}

// ErrorClass categorizes estimator errors for logging and metrics.
type ErrorClass string

const (
	ErrorClassTimeout     ErrorClass = "TIMEOUT"
	ErrorClassRateLimit   ErrorClass = "RATE_LIMIT"
	ErrorClassAuth        ErrorClass = "AUTH"
	ErrorClassUnavailable ErrorClass = "UNAVAILABLE"
	ErrorClassCanceled    ErrorClass = "CANCELED"
	ErrorClassUnknown     ErrorClass = "UNKNOWN"
)

// ClassifyError inspects an estimator error and returns the most specific
// class that matches. Context errors are checked first, then message text.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassCanceled
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return ErrorClassTimeout
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "too many requests"):
		return ErrorClassRateLimit
	case strings.Contains(msg, "401"),
		strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "invalid api key"):
		return ErrorClassAuth
	case strings.Contains(msg, "503"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "circuit open"):
		return ErrorClassUnavailable
	}
	return ErrorClassUnknown
}
