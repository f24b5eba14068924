package scanning

import (
	"time"

	"github.com/google/uuid"

	"github.com/wardenlabs/scanwarden/internal/domain/events"
)

// Event types relevant to jobs:
const (
	EventTypeJobProgressed   events.EventType = "JobProgressed"
	EventTypeJobLog          events.EventType = "JobLog"
	EventTypeFindingReported events.EventType = "FindingReported"
	EventTypeJobCompleted    events.EventType = "JobCompleted"
	EventTypeJobFailed       events.EventType = "JobFailed"
)

// JobProgressedEvent carries an immutable progress snapshot for a running job.
type JobProgressedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	Progress   Progress
}

// NewJobProgressedEvent creates a new job progress event.
func NewJobProgressedEvent(jobID uuid.UUID, progress Progress) JobProgressedEvent {
	return JobProgressedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		Progress:   progress,
	}
}

func (e JobProgressedEvent) EventType() events.EventType { return EventTypeJobProgressed }
func (e JobProgressedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobLogEvent carries one structured log line produced during a run.
type JobLogEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	Entry      LogEntry
}

// NewJobLogEvent creates a new job log event.
func NewJobLogEvent(jobID uuid.UUID, entry LogEntry) JobLogEvent {
	return JobLogEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		Entry:      entry,
	}
}

func (e JobLogEvent) EventType() events.EventType { return EventTypeJobLog }
func (e JobLogEvent) OccurredAt() time.Time       { return e.occurredAt }

// FindingReportedEvent signals the engine matched a template against a target.
type FindingReportedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	Finding    Finding
}

// NewFindingReportedEvent creates a new finding event.
func NewFindingReportedEvent(jobID uuid.UUID, finding Finding) FindingReportedEvent {
	return FindingReportedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		Finding:    finding,
	}
}

func (e FindingReportedEvent) EventType() events.EventType { return EventTypeFindingReported }
func (e FindingReportedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCompletedEvent means the engine exited cleanly. Exactly one terminal
// event (completed or failed) is emitted per run.
type JobCompletedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	Final      Progress
}

// NewJobCompletedEvent creates a new job completed event with final counters.
func NewJobCompletedEvent(jobID uuid.UUID, final Progress) JobCompletedEvent {
	return JobCompletedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		Final:      final,
	}
}

func (e JobCompletedEvent) EventType() events.EventType { return EventTypeJobCompleted }
func (e JobCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobFailedEvent means the run finalized as failed. Reason distinguishes
// engine errors, timeouts, operator stops, and spawn failures.
type JobFailedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	Reason     FailureReason
	Message    string
	Final      Progress
}

// NewJobFailedEvent creates a new job failed event.
func NewJobFailedEvent(jobID uuid.UUID, reason FailureReason, message string, final Progress) JobFailedEvent {
	return JobFailedEvent{
		occurredAt: time.Now(),
		JobID:      jobID,
		Reason:     reason,
		Message:    message,
		Final:      final,
	}
}

func (e JobFailedEvent) EventType() events.EventType { return EventTypeJobFailed }
func (e JobFailedEvent) OccurredAt() time.Time       { return e.occurredAt }
