// Package postgres implements the scanning JobRepository on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenlabs/scanwarden/internal/domain/scanning"
	"github.com/wardenlabs/scanwarden/internal/infra/storage"
)

var _ scanning.JobRepository = (*JobStore)(nil)

// JobStore implements scanning.JobRepository using PostgreSQL as the backing
// store, persisting job status, counters, artifacts, and timing.
type JobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a PostgreSQL-backed job repository with tracing.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *JobStore {
	return &JobStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database
// operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const createJobQuery = `
INSERT INTO scan_jobs (
	job_id, name, status, template_refs, target_refs,
	total_requests, completed_requests, found_vulns,
	output_file, log_file, failure_reason, engine_version, run_count,
	started_at, completed_at, last_update, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

// CreateJob persists a new scan job record.
func (r *JobStore) CreateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		endTime, _ := job.EndTime()
		_, err := r.db.Exec(ctx, createJobQuery,
			pgUUID(job.JobID()),
			job.Name(),
			string(job.Status()),
			job.TemplateRefs(),
			job.TargetRefs(),
			job.TotalRequests(),
			job.CompletedRequests(),
			job.FoundVulns(),
			job.OutputFile(),
			job.LogFile(),
			string(job.FailureReason()),
			job.EngineVersion(),
			job.RunCount(),
			pgTime(job.StartTime()),
			pgTime(endTime),
			pgTime(job.LastUpdateTime()),
			job.CreatedAt(),
		)
		if err != nil {
			return fmt.Errorf("CreateJob insert error: %w", err)
		}
		return nil
	})
}

const updateJobQuery = `
UPDATE scan_jobs SET
	name = $2,
	status = $3,
	total_requests = $4,
	completed_requests = $5,
	found_vulns = $6,
	output_file = $7,
	log_file = $8,
	failure_reason = $9,
	engine_version = $10,
	run_count = $11,
	started_at = $12,
	completed_at = $13,
	last_update = $14
WHERE job_id = $1`

// UpdateJob modifies an existing job's state in the database.
func (r *JobStore) UpdateJob(ctx context.Context, job *scanning.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_job", dbAttrs, func(ctx context.Context) error {
		endTime, _ := job.EndTime()
		tag, err := r.db.Exec(ctx, updateJobQuery,
			pgUUID(job.JobID()),
			job.Name(),
			string(job.Status()),
			job.TotalRequests(),
			job.CompletedRequests(),
			job.FoundVulns(),
			job.OutputFile(),
			job.LogFile(),
			string(job.FailureReason()),
			job.EngineVersion(),
			job.RunCount(),
			pgTime(job.StartTime()),
			pgTime(endTime),
			pgTime(job.LastUpdateTime()),
		)
		if err != nil {
			return fmt.Errorf("UpdateJob error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrJobNotFound
		}
		return nil
	})
}

const getJobQuery = `
SELECT job_id, name, status, template_refs, target_refs,
	total_requests, completed_requests, found_vulns,
	output_file, log_file, failure_reason, engine_version, run_count,
	started_at, completed_at, last_update, created_at
FROM scan_jobs
WHERE job_id = $1`

// GetJob retrieves a job's full state. Returns ErrJobNotFound for unknown
// IDs.
func (r *JobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var job *scanning.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, getJobQuery, pgUUID(jobID))
		j, err := scanJobRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return scanning.ErrJobNotFound
			}
			return fmt.Errorf("GetJob error: %w", err)
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

const listJobsQuery = `
SELECT job_id, name, status, template_refs, target_refs,
	total_requests, completed_requests, found_vulns,
	output_file, log_file, failure_reason, engine_version, run_count,
	started_at, completed_at, last_update, created_at
FROM scan_jobs
ORDER BY created_at %s`

// ListJobs retrieves all jobs ordered by creation time.
func (r *JobStore) ListJobs(ctx context.Context, opts scanning.ListOptions) ([]*scanning.Job, error) {
	order := "DESC"
	if opts.Ascending {
		order = "ASC"
	}
	dbAttrs := append(defaultDBAttributes, attribute.String("order", order))

	var jobs []*scanning.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_jobs", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, fmt.Sprintf(listJobsQuery, order))
		if err != nil {
			return fmt.Errorf("ListJobs query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, err := scanJobRow(rows)
			if err != nil {
				return fmt.Errorf("ListJobs scan error: %w", err)
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteJob removes a job record. Returns ErrJobNotFound for unknown IDs.
func (r *JobStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_job", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `DELETE FROM scan_jobs WHERE job_id = $1`, pgUUID(jobID))
		if err != nil {
			return fmt.Errorf("DeleteJob error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return scanning.ErrJobNotFound
		}
		return nil
	})
}

// scanJobRow hydrates one scan_jobs row into the domain aggregate.
func scanJobRow(row pgx.Row) (*scanning.Job, error) {
	var (
		id                pgtype.UUID
		name              string
		status            string
		templateRefs      []string
		targetRefs        []string
		totalRequests     int64
		completedRequests int64
		foundVulns        int64
		outputFile        string
		logFile           string
		failureReason     string
		engineVersion     string
		runCount          int32
		startedAt         pgtype.Timestamptz
		completedAt       pgtype.Timestamptz
		lastUpdate        pgtype.Timestamptz
		createdAt         time.Time
	)

	if err := row.Scan(
		&id, &name, &status, &templateRefs, &targetRefs,
		&totalRequests, &completedRequests, &foundVulns,
		&outputFile, &logFile, &failureReason, &engineVersion, &runCount,
		&startedAt, &completedAt, &lastUpdate, &createdAt,
	); err != nil {
		return nil, err
	}

	return scanning.ReconstructJob(
		uuid.UUID(id.Bytes),
		name,
		scanning.ParseJobStatus(status),
		templateRefs,
		targetRefs,
		totalRequests,
		completedRequests,
		foundVulns,
		outputFile,
		logFile,
		scanning.FailureReason(failureReason),
		engineVersion,
		int(runCount),
		scanning.ReconstructTimeline(startedAt.Time, completedAt.Time, lastUpdate.Time),
		createdAt,
	), nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// pgTime maps a zero time to SQL NULL so unstarted and unfinished runs have
// no timestamps in the store.
func pgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
