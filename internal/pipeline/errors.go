package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Failure is the top-level failure taxonomy of a step.
type Failure string

const (
	// FailureTimedOut indicates the source never became ready within the gate window
	FailureTimedOut Failure = "timed_out"

	// FailureExtraction indicates the source record could not be fetched or normalized
	FailureExtraction Failure = "extraction_failed"

	// FailureStaging indicates the staging artifact could not be written
	FailureStaging Failure = "staging_failed"

	// FailureLoad indicates the destination upsert failed
	FailureLoad Failure = "load_failed"

	// FailureValidation indicates the destination row does not match what was loaded
	FailureValidation Failure = "validation_failed"

	// FailureInternal is reported for errors outside the taxonomy
	FailureInternal Failure = "internal"
)

// Reason is the failure subkind, kept distinct for observability.
type Reason string

const (
	ReasonTimeout    Reason = "timeout"
	ReasonTransport  Reason = "transport"
	ReasonStatus     Reason = "status"
	ReasonDecode     Reason = "decode"
	ReasonMalformed  Reason = "malformed"
	ReasonIO         Reason = "io"
	ReasonConnection Reason = "connection"
	ReasonConstraint Reason = "constraint"
	ReasonMissing    Reason = "missing"
	ReasonDuplicate  Reason = "duplicate"
	ReasonMismatch   Reason = "mismatch"
	ReasonUnknown    Reason = "unknown"
)

// StepError is the normalized failure returned by every step.
type StepError struct {
	Failure    Failure
	Reason     Reason
	Message    string
	Underlying error
	Retryable  bool
}

func (e *StepError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s{%s}: %s: %v", e.Failure, e.Reason, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s{%s}: %s", e.Failure, e.Reason, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Underlying
}

// NewStepError builds a StepError. Everything except a gate timeout is
// retryable; a timeout with the same window is not expected to change outcome.
func NewStepError(failure Failure, reason Reason, message string, underlying error) *StepError {
	return &StepError{
		Failure:    failure,
		Reason:     reason,
		Message:    message,
		Underlying: underlying,
		Retryable:  failure != FailureTimedOut,
	}
}

// IsRetryable reports whether the runner may attempt the step again.
// Cancellation is never retried; errors outside the taxonomy are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCancellation(err) {
		return false
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}

// IsCancellation reports whether err stems from the run's context ending.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// FailureOf extracts the failure category from an error.
func FailureOf(err error) Failure {
	var se *StepError
	if errors.As(err, &se) {
		return se.Failure
	}
	return FailureInternal
}

// ReasonOf extracts the failure subkind from an error.
func ReasonOf(err error) Reason {
	var se *StepError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ReasonUnknown
}

// ErrRunInProgress is returned when another run holds the pipeline lock.
var ErrRunInProgress = errors.New("another pipeline run is active")
