package scanning

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrJobNotFound is returned when a job ID does not resolve to a stored job.
var ErrJobNotFound = errors.New("job not found")

// ValidationError indicates a malformed request, rejected synchronously
// before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidStateError indicates an operation that is not legal from the job's
// current status, such as deleting a running job.
type InvalidStateError struct {
	JobID     uuid.UUID
	Status    JobStatus
	Operation string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s", e.Operation, e.JobID, e.Status)
}

// FailureReason classifies why a run finalized as failed. It is carried in
// the terminal JobFailedEvent and stored on the job record.
type FailureReason string

const (
	// FailureReasonEngineError means the engine exited non-zero.
	FailureReasonEngineError FailureReason = "engine_error"

	// FailureReasonTimeout means the run exceeded its configured deadline.
	FailureReasonTimeout FailureReason = "timeout"

	// FailureReasonStopped means an operator stopped the run.
	FailureReasonStopped FailureReason = "stopped"

	// FailureReasonSpawnFailed means the engine process never started.
	FailureReasonSpawnFailed FailureReason = "spawn_failed"
)

// EngineFailure captures how and why an engine run failed. The run handle's
// Wait surfaces it and the supervisor folds it into the terminal failure
// event; it is never returned to the caller of start. ExitCode is -1 when
// the process died without an exit status.
type EngineFailure struct {
	Reason   FailureReason
	ExitCode int
	Message  string
}

func (e *EngineFailure) Error() string {
	return fmt.Sprintf("engine failure (%s): %s", e.Reason, e.Message)
}

// PersistenceError wraps a storage failure surfaced to the caller. Job state
// is left unchanged when the failure occurs before commit.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
