package scanning

import (
	"context"

	"github.com/google/uuid"
)

// ListOptions controls how job listings are ordered. The default is creation
// time descending.
type ListOptions struct {
	Ascending bool
}

// JobRepository defines the persistence operations for scan jobs. It provides
// an abstraction layer over the storage mechanism used to maintain job state
// and history.
type JobRepository interface {
	// CreateJob inserts a new job record, setting status and initial
	// timestamps.
	CreateJob(ctx context.Context, job *Job) error

	// UpdateJob modifies an existing job's fields (status, counters,
	// artifacts, end time).
	UpdateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job's state. Returns ErrJobNotFound for unknown IDs.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// ListJobs retrieves all jobs ordered by creation time.
	ListJobs(ctx context.Context, opts ListOptions) ([]*Job, error)

	// DeleteJob removes a job record. Returns ErrJobNotFound for unknown IDs.
	DeleteJob(ctx context.Context, jobID uuid.UUID) error
}

// LogReadOptions controls which entries GetLogs returns.
type LogReadOptions struct {
	// IncludeDebug includes raw request/response capture entries, which are
	// filtered from the default view to bound memory.
	IncludeDebug bool
}

// JobLogStore defines the durable per-job structured log artifact: one
// append-only file per job, keyed by job ID, with exactly one writer for a
// run's duration.
type JobLogStore interface {
	// Open truncates or creates the job's log artifact for a fresh run and
	// returns its writer. The previous run's entries are discarded, matching
	// the rescan overwrite policy.
	Open(jobID uuid.UUID) (JobLogWriter, error)

	// Read returns the job's full log array.
	Read(ctx context.Context, jobID uuid.UUID, opts LogReadOptions) ([]LogEntry, error)

	// Remove deletes the job's log artifact. Removing a missing artifact is
	// not an error.
	Remove(jobID uuid.UUID) error

	// Path reports the artifact path for a job ID.
	Path(jobID uuid.UUID) string
}

// JobLogWriter appends entries to one run's log artifact.
type JobLogWriter interface {
	// Append writes one entry and flushes it.
	Append(entry LogEntry) error

	// Close releases the underlying file handle.
	Close() error
}
