package scanning

import "fmt"

// JobStatus represents the current state of a scan job. It enables tracking of
// job lifecycle from creation through completion or failure.
type JobStatus string

const (
	// JobStatusPending indicates a job has been created but not yet started,
	// or is waiting for a concurrency slot.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusRunning indicates a job has an active engine process.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusCompleted indicates the engine exited cleanly.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusFailed indicates the engine crashed, timed out, was stopped,
	// or could not be spawned.
	JobStatusFailed JobStatus = "FAILED"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ParseJobStatus converts a string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "PENDING":
		return JobStatusPending
	case "RUNNING":
		return JobStatusRunning
	case "COMPLETED":
		return JobStatusCompleted
	case "FAILED":
		return JobStatusFailed
	default:
		return "" // represents unspecified
	}
}

// validateTransition checks if a status transition is valid and returns an
// error if not.
func (s JobStatus) validateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid job status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. It enforces the job lifecycle rules to prevent invalid state
// changes. Terminal states re-enter the lifecycle only through the explicit
// rescan operation (see Job.ResetForRescan), never through UpdateStatus.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		// From Pending, can only move to Running or Failed (spawn failure).
		return target == JobStatusRunning || target == JobStatusFailed
	case JobStatusRunning:
		// From Running, can move to Completed or Failed.
		return target == JobStatusCompleted || target == JobStatusFailed
	case JobStatusCompleted, JobStatusFailed:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
