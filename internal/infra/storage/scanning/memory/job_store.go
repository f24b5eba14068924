// Package memory provides an in-memory JobRepository used by tests and
// single-process deployments that opt out of postgres.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/wardenlabs/scanwarden/internal/domain/scanning"
)

var _ scanning.JobRepository = (*JobStore)(nil)

// JobStore provides a thread-safe in-memory implementation of JobRepository.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*scanning.Job
}

// NewJobStore creates an empty job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]*scanning.Job)}
}

// CreateJob inserts a job record.
func (s *JobStore) CreateJob(ctx context.Context, job *scanning.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID()] = cloneJob(job)
	return nil
}

// UpdateJob replaces an existing job's stored state.
func (s *JobStore) UpdateJob(ctx context.Context, job *scanning.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID()]; !ok {
		return scanning.ErrJobNotFound
	}
	s.jobs[job.JobID()] = cloneJob(job)
	return nil
}

// GetJob retrieves a job's state.
func (s *JobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*scanning.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, scanning.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// ListJobs retrieves all jobs ordered by creation time.
func (s *JobStore) ListJobs(ctx context.Context, opts scanning.ListOptions) ([]*scanning.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*scanning.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if opts.Ascending {
			return out[i].CreatedAt().Before(out[j].CreatedAt())
		}
		return out[i].CreatedAt().After(out[j].CreatedAt())
	})
	return out, nil
}

// DeleteJob removes a job record.
func (s *JobStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return scanning.ErrJobNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

// cloneJob snapshots a job so callers cannot mutate stored state through a
// shared pointer.
func cloneJob(job *scanning.Job) *scanning.Job {
	endTime, _ := job.EndTime()
	return scanning.ReconstructJob(
		job.JobID(),
		job.Name(),
		job.Status(),
		append([]string(nil), job.TemplateRefs()...),
		append([]string(nil), job.TargetRefs()...),
		job.TotalRequests(),
		job.CompletedRequests(),
		job.FoundVulns(),
		job.OutputFile(),
		job.LogFile(),
		job.FailureReason(),
		job.EngineVersion(),
		job.RunCount(),
		scanning.ReconstructTimeline(job.StartTime(), endTime, job.LastUpdateTime()),
		job.CreatedAt(),
	)
}
