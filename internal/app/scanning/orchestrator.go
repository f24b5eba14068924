// Package scanning coordinates scan jobs end to end: admission through the
// concurrency gate, engine process supervision, durable state and log
// updates, and the typed event feed.
package scanning

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenlabs/scanwarden/internal/config"
	"github.com/wardenlabs/scanwarden/internal/domain/events"
	domain "github.com/wardenlabs/scanwarden/internal/domain/scanning"
	"github.com/wardenlabs/scanwarden/internal/domain/templates"
	"github.com/wardenlabs/scanwarden/pkg/common/logger"
)

// activeRun tracks one job between admission and finalization.
type activeRun struct {
	mu      sync.Mutex
	run     domain.EngineRun
	cancel  context.CancelFunc
	stopped atomic.Bool
	paused  bool
}

func (a *activeRun) setRun(run domain.EngineRun, cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.run = run
	a.cancel = cancel
}

func (a *activeRun) liveRun() domain.EngineRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run
}

// Orchestrator is the public face of the scanning domain. It creates,
// starts, rescans, stops, and queries jobs, delegating live runs to a
// per-job supervisor. Each job has a single writer: the orchestrator hands
// the aggregate to exactly one supervisor goroutine for a run's duration.
type Orchestrator struct {
	repo         domain.JobRepository
	templateRepo templates.Repository
	logStore     domain.JobLogStore
	runner       domain.EngineRunner
	publisher    events.DomainEventPublisher
	gate         *Gate
	cfg          *config.Provider
	logger       *logger.Logger
	tracer       trace.Tracer

	mu     sync.Mutex
	active map[uuid.UUID]*activeRun

	rootCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// NewOrchestrator wires the orchestrator with its collaborators.
func NewOrchestrator(
	repo domain.JobRepository,
	templateRepo templates.Repository,
	logStore domain.JobLogStore,
	runner domain.EngineRunner,
	publisher events.DomainEventPublisher,
	gate *Gate,
	cfg *config.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:         repo,
		templateRepo: templateRepo,
		logStore:     logStore,
		runner:       runner,
		publisher:    publisher,
		gate:         gate,
		cfg:          cfg,
		logger:       log.With("component", "job_orchestrator"),
		tracer:       tracer,
		active:       make(map[uuid.UUID]*activeRun),
		rootCtx:      rootCtx,
		shutdown:     cancel,
	}
}

// CreateJob validates the configuration, persists a Pending job, and returns
// it. Template refs must already be under management.
func (o *Orchestrator) CreateJob(ctx context.Context, name string, templateRefs, targets []string) (*domain.Job, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.create_job",
		trace.WithAttributes(
			attribute.Int("template_count", len(templateRefs)),
			attribute.Int("target_count", len(targets)),
		))
	defer span.End()

	job, err := domain.NewJob(uuid.New(), name, templateRefs, targets)
	if err != nil {
		return nil, err
	}

	existing, err := o.templateRepo.ExistingRefs(ctx, templateRefs)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "resolve templates", Err: err}
	}
	for _, ref := range templateRefs {
		if !existing[ref] {
			return nil, domain.NewValidationError("templates", fmt.Sprintf("unknown template ref %q", ref))
		}
	}

	if err := o.repo.CreateJob(ctx, job); err != nil {
		return nil, &domain.PersistenceError{Op: "create job", Err: err}
	}

	o.logger.Info(ctx, "job created", "job_id", job.JobID().String(), "name", job.Name())
	return job, nil
}

// StartJob admits a Pending job into the run lifecycle. The call returns
// once admission is queued; the job stays Pending until a concurrency slot
// is granted, then transitions to Running under the supervisor.
func (o *Orchestrator) StartJob(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.start_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status() != domain.JobStatusPending {
		return &domain.InvalidStateError{JobID: jobID, Status: job.Status(), Operation: "start"}
	}

	return o.admit(job)
}

// RescanJob starts a fresh run of a terminal job with the same template and
// target configuration. Counters reset and the previous run's artifacts are
// truncated when the new run begins.
func (o *Orchestrator) RescanJob(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.rescan_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.ResetForRescan(); err != nil {
		return err
	}
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		return &domain.PersistenceError{Op: "rescan job", Err: err}
	}

	return o.admit(job)
}

// admit registers the job as active and hands it to the background admission
// goroutine. A job can be in the lifecycle at most once.
func (o *Orchestrator) admit(job *domain.Job) error {
	o.mu.Lock()
	if _, busy := o.active[job.JobID()]; busy {
		o.mu.Unlock()
		return &domain.InvalidStateError{JobID: job.JobID(), Status: job.Status(), Operation: "start"}
	}
	ar := &activeRun{}
	o.active[job.JobID()] = ar
	o.mu.Unlock()

	o.wg.Add(1)
	go o.admitAndRun(job, ar)
	return nil
}

// admitAndRun blocks on the concurrency gate, then spawns and supervises the
// engine run. The gate slot is released exactly once, on every exit path.
func (o *Orchestrator) admitAndRun(job *domain.Job, ar *activeRun) {
	defer o.wg.Done()
	jobID := job.JobID()
	ctx := o.rootCtx

	if err := o.gate.Acquire(ctx); err != nil {
		// Shutdown while queued; the job stays Pending.
		o.clearActive(jobID)
		return
	}
	defer o.gate.Release()
	defer o.clearActive(jobID)

	cfg := o.cfg.Get()

	templatePaths := make([]string, 0, len(job.TemplateRefs()))
	for _, ref := range job.TemplateRefs() {
		tmpl, err := o.templateRepo.GetByRef(ctx, ref)
		if err != nil {
			o.failBeforeSpawn(ctx, job, nil, fmt.Sprintf("resolving template %q: %v", ref, err))
			return
		}
		templatePaths = append(templatePaths, tmpl.FilePath)
	}

	outputFile := filepath.Join(cfg.ResultsDir, jobID.String()+".jsonl")
	job.SetArtifacts(outputFile, o.logStore.Path(jobID))

	writer, err := o.logStore.Open(jobID)
	if err != nil {
		o.failBeforeSpawn(ctx, job, nil, fmt.Sprintf("opening job log: %v", err))
		return
	}

	if err := job.UpdateStatus(domain.JobStatusRunning); err != nil {
		o.logger.Error(ctx, "illegal start transition", "job_id", jobID.String(), "err", err)
		writer.Close()
		return
	}
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		// Store unavailable before the run commits; the stored record is
		// still Pending and can be started again.
		o.logger.Error(ctx, "persisting running state", "job_id", jobID.String(), "err", err)
		writer.Close()
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout.Std())
	defer cancel()

	run, err := o.runner.Start(runCtx, domain.RunSpec{
		TemplatePaths: templatePaths,
		Targets:       job.TargetRefs(),
		OutputFile:    outputFile,
		Timeout:       cfg.RunTimeout.Std(),
		RateLimit:     cfg.EngineRateLimit,
	})
	if err != nil {
		o.failBeforeSpawn(ctx, job, writer, fmt.Sprintf("spawning engine: %v", err))
		return
	}
	ar.setRun(run, cancel)

	o.logger.Info(runCtx, "run started", "job_id", jobID.String(), "run_count", job.RunCount())

	sup := newRunSupervisor(job, run, o.repo, o.publisher, writer, &ar.stopped, o.logger)
	status := sup.supervise(runCtx)

	o.logger.Info(ctx, "run finalized", "job_id", jobID.String(), "status", string(status))
}

// failBeforeSpawn finalizes a job whose engine process never started. The
// terminal event still fires so no caller waits on a run that will never
// happen.
func (o *Orchestrator) failBeforeSpawn(ctx context.Context, job *domain.Job, writer domain.JobLogWriter, message string) {
	jobID := job.JobID()
	o.logger.Error(ctx, "run failed before spawn", "job_id", jobID.String(), "reason", message)

	// Pending jobs fail directly; jobs already marked Running pass through
	// the same edge the supervisor uses.
	if err := job.MarkFailed(domain.FailureReasonSpawnFailed); err != nil {
		o.logger.Error(ctx, "illegal spawn-failure transition", "job_id", jobID.String(), "err", err)
	}
	if err := o.repo.UpdateJob(ctx, job); err != nil {
		o.logger.Error(ctx, "persisting spawn failure", "job_id", jobID.String(), "err", err)
	}
	if writer != nil {
		_ = writer.Append(domain.LogEntry{
			Timestamp: time.Now(),
			Level:     domain.LogLevelError,
			Message:   message,
		})
		writer.Close()
	}

	final := domain.NewProgress(job.CompletedRequests(), job.TotalRequests(), job.FoundVulns(), "", time.Now())
	evt := domain.NewJobFailedEvent(jobID, domain.FailureReasonSpawnFailed, message, final)
	if err := o.publisher.PublishDomainEvent(ctx, evt, events.WithKey(jobID.String())); err != nil {
		o.logger.Warn(ctx, "publishing spawn failure event", "job_id", jobID.String(), "err", err)
	}
}

func (o *Orchestrator) clearActive(jobID uuid.UUID) {
	o.mu.Lock()
	delete(o.active, jobID)
	o.mu.Unlock()
}

// PauseJob suspends a running job's engine process without discarding
// partial results. The job stays Running.
func (o *Orchestrator) PauseJob(ctx context.Context, jobID uuid.UUID) error {
	ar, err := o.requireLiveRun(ctx, jobID, "pause")
	if err != nil {
		return err
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.paused {
		return nil
	}
	if err := ar.run.Pause(); err != nil {
		return fmt.Errorf("pausing engine process: %w", err)
	}
	ar.paused = true
	o.logger.Info(ctx, "run paused", "job_id", jobID.String())
	return nil
}

// ResumeJob continues a paused job.
func (o *Orchestrator) ResumeJob(ctx context.Context, jobID uuid.UUID) error {
	ar, err := o.requireLiveRun(ctx, jobID, "resume")
	if err != nil {
		return err
	}
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if !ar.paused {
		return nil
	}
	if err := ar.run.Resume(); err != nil {
		return fmt.Errorf("resuming engine process: %w", err)
	}
	ar.paused = false
	o.logger.Info(ctx, "run resumed", "job_id", jobID.String())
	return nil
}

// StopJob terminates a running job's engine process. The run finalizes as
// Failed with a stopped reason and exactly one terminal event. Stopping an
// already stopped or otherwise failed job is a no-op.
func (o *Orchestrator) StopJob(ctx context.Context, jobID uuid.UUID) error {
	o.mu.Lock()
	ar := o.active[jobID]
	o.mu.Unlock()

	if ar != nil {
		if run := ar.liveRun(); run != nil {
			ar.stopped.Store(true)
			o.logger.Info(ctx, "stopping run", "job_id", jobID.String())
			return run.Kill()
		}
	}

	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status() == domain.JobStatusFailed {
		return nil
	}
	return &domain.InvalidStateError{JobID: jobID, Status: job.Status(), Operation: "stop"}
}

// requireLiveRun resolves the job's live engine run, or reports why there is
// none.
func (o *Orchestrator) requireLiveRun(ctx context.Context, jobID uuid.UUID, op string) (*activeRun, error) {
	o.mu.Lock()
	ar := o.active[jobID]
	o.mu.Unlock()

	if ar != nil && ar.liveRun() != nil {
		return ar, nil
	}

	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return nil, &domain.InvalidStateError{JobID: jobID, Status: job.Status(), Operation: op}
}

// DeleteJob removes a terminal or Pending job with its artifacts. Running
// jobs must be stopped first.
func (o *Orchestrator) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.delete_job",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	_, busy := o.active[jobID]
	o.mu.Unlock()
	if busy || job.Status() == domain.JobStatusRunning {
		return &domain.InvalidStateError{JobID: jobID, Status: job.Status(), Operation: "delete"}
	}

	if err := o.repo.DeleteJob(ctx, jobID); err != nil {
		return &domain.PersistenceError{Op: "delete job", Err: err}
	}
	if err := o.logStore.Remove(jobID); err != nil {
		o.logger.Warn(ctx, "removing job log artifact", "job_id", jobID.String(), "err", err)
	}
	if out := job.OutputFile(); out != "" {
		if err := os.Remove(out); err != nil && !os.IsNotExist(err) {
			o.logger.Warn(ctx, "removing job output artifact", "job_id", jobID.String(), "err", err)
		}
	}

	o.logger.Info(ctx, "job deleted", "job_id", jobID.String())
	return nil
}

// GetJob returns a point-in-time snapshot of one job.
func (o *Orchestrator) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	return o.repo.GetJob(ctx, jobID)
}

// ListJobs returns point-in-time snapshots of all jobs ordered by creation
// time, newest first by default.
func (o *Orchestrator) ListJobs(ctx context.Context, opts domain.ListOptions) ([]*domain.Job, error) {
	return o.repo.ListJobs(ctx, opts)
}

// GetJobLogs returns the job's durable log entries.
func (o *Orchestrator) GetJobLogs(ctx context.Context, jobID uuid.UUID, opts domain.LogReadOptions) ([]domain.LogEntry, error) {
	if _, err := o.repo.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return o.logStore.Read(ctx, jobID, opts)
}

// Shutdown kills all live runs and waits for their finalization, bounded by
// ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdown()

	o.mu.Lock()
	runs := make([]*activeRun, 0, len(o.active))
	for _, ar := range o.active {
		runs = append(runs, ar)
	}
	o.mu.Unlock()

	for _, ar := range runs {
		ar.stopped.Store(true)
		if run := ar.liveRun(); run != nil {
			_ = run.Kill()
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
