package scanning

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/wardenlabs/scanwarden/internal/domain/events"
	domain "github.com/wardenlabs/scanwarden/internal/domain/scanning"
	"github.com/wardenlabs/scanwarden/internal/infra/engine"
	"github.com/wardenlabs/scanwarden/pkg/common/logger"
)

// progressEventRate caps JobProgressed publishes per second. The engine can
// emit stats far faster than any consumer needs; the terminal snapshot is
// always published unthrottled.
const progressEventRate = 5

// runSupervisor owns one live engine run. It consumes the output stream,
// folds classified lines into the job aggregate, appends log entries, and
// emits typed events. It is the job's single writer for the run's duration.
type runSupervisor struct {
	job       *domain.Job
	run       domain.EngineRun
	repo      domain.JobRepository
	publisher events.DomainEventPublisher
	writer    domain.JobLogWriter
	limiter   *rate.Limiter
	stopped   *atomic.Bool
	logger    *logger.Logger
}

func newRunSupervisor(
	job *domain.Job,
	run domain.EngineRun,
	repo domain.JobRepository,
	publisher events.DomainEventPublisher,
	writer domain.JobLogWriter,
	stopped *atomic.Bool,
	log *logger.Logger,
) *runSupervisor {
	return &runSupervisor{
		job:       job,
		run:       run,
		repo:      repo,
		publisher: publisher,
		writer:    writer,
		limiter:   rate.NewLimiter(rate.Limit(progressEventRate), 1),
		stopped:   stopped,
		logger:    log.With("job_id", job.JobID().String()),
	}
}

// supervise drives the run to its terminal state and returns the final
// status. Exactly one terminal event is published per run, here and nowhere
// else.
func (s *runSupervisor) supervise(ctx context.Context) domain.JobStatus {
	jobID := s.job.JobID()

	for line := range s.run.Lines() {
		c := engine.Classify(line)
		switch c.Kind {
		case engine.KindProgress:
			s.job.ApplyProgress(c.Progress)
			if s.limiter.Allow() {
				s.publish(ctx, domain.NewJobProgressedEvent(jobID, s.snapshot()))
				s.persist(ctx)
			}

		case engine.KindFinding:
			s.job.RecordFinding()
			s.publish(ctx, domain.NewFindingReportedEvent(jobID, c.Finding))
			s.append(ctx, findingLogEntry(c.Finding))

		case engine.KindBanner:
			s.job.SetEngineVersion(c.EngineVersion)

		case engine.KindLog:
			if c.Entry.Message == "" {
				continue
			}
			s.append(ctx, c.Entry)
			s.publish(ctx, domain.NewJobLogEvent(jobID, c.Entry))
		}
	}

	return s.finalize(ctx, s.run.Wait())
}

// finalize resolves the run's terminal state, persists it, and publishes the
// final progress snapshot plus the single terminal event.
func (s *runSupervisor) finalize(ctx context.Context, waitErr error) domain.JobStatus {
	jobID := s.job.JobID()
	final := s.snapshot()

	// The run ctx may already be expired; finalization uses its own bound.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var reason domain.FailureReason
	var message string
	switch {
	case s.stopped.Load():
		reason, message = domain.FailureReasonStopped, "run stopped by operator"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason, message = domain.FailureReasonTimeout, "run exceeded configured timeout"
	case waitErr != nil:
		reason, message = domain.FailureReasonEngineError, waitErr.Error()
		var failure *domain.EngineFailure
		if errors.As(waitErr, &failure) {
			reason, message = failure.Reason, failure.Message
		}
	}

	if reason == "" {
		if err := s.job.UpdateStatus(domain.JobStatusCompleted); err != nil {
			s.logger.Error(persistCtx, "illegal completion transition", "err", err)
		}
		s.append(persistCtx, domain.LogEntry{
			Timestamp: time.Now(),
			Level:     domain.LogLevelInfo,
			Message:   fmt.Sprintf("scan completed: %d/%d requests, %d findings", final.CompletedRequests(), final.TotalRequests(), final.FoundVulns()),
		})
	} else {
		if err := s.job.MarkFailed(reason); err != nil {
			s.logger.Error(persistCtx, "illegal failure transition", "err", err)
		}
		s.append(persistCtx, domain.LogEntry{
			Timestamp: time.Now(),
			Level:     domain.LogLevelError,
			Message:   fmt.Sprintf("scan failed (%s): %s", reason, message),
		})
	}

	s.persist(persistCtx)
	if err := s.writer.Close(); err != nil {
		s.logger.Warn(persistCtx, "closing job log writer", "err", err)
	}

	s.publish(persistCtx, domain.NewJobProgressedEvent(jobID, final))
	if reason == "" {
		s.publish(persistCtx, domain.NewJobCompletedEvent(jobID, final))
	} else {
		s.publish(persistCtx, domain.NewJobFailedEvent(jobID, reason, message, final))
	}

	return s.job.Status()
}

func (s *runSupervisor) snapshot() domain.Progress {
	return domain.NewProgress(
		s.job.CompletedRequests(),
		s.job.TotalRequests(),
		s.job.FoundVulns(),
		"",
		time.Now(),
	)
}

func (s *runSupervisor) publish(ctx context.Context, evt events.DomainEvent) {
	if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(s.job.JobID().String())); err != nil {
		s.logger.Warn(ctx, "publishing run event", "event_type", string(evt.EventType()), "err", err)
	}
}

func (s *runSupervisor) persist(ctx context.Context) {
	if err := s.repo.UpdateJob(ctx, s.job); err != nil {
		s.logger.Error(ctx, "persisting job state", "err", err)
	}
}

func (s *runSupervisor) append(ctx context.Context, entry domain.LogEntry) {
	if err := s.writer.Append(entry); err != nil {
		s.logger.Warn(ctx, "appending job log entry", "err", err)
	}
}

// findingLogEntry renders a finding as a VULN-level audit trail entry.
func findingLogEntry(f domain.Finding) domain.LogEntry {
	msg := f.Name
	if msg == "" {
		msg = f.TemplateRef
	}
	return domain.LogEntry{
		Timestamp:   f.Timestamp,
		Level:       domain.LogLevelVuln,
		TemplateRef: f.TemplateRef,
		Target:      f.Host,
		Message:     msg,
		Request:     f.Request,
		Response:    f.Response,
		IsVulnFound: true,
	}
}
