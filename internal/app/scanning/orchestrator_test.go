package scanning

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/wardenlabs/scanwarden/internal/config"
	"github.com/wardenlabs/scanwarden/internal/domain/events"
	domain "github.com/wardenlabs/scanwarden/internal/domain/scanning"
	"github.com/wardenlabs/scanwarden/internal/domain/templates"
	eventbus "github.com/wardenlabs/scanwarden/internal/infra/eventbus/memory"
	"github.com/wardenlabs/scanwarden/internal/infra/logstore"
	jobstore "github.com/wardenlabs/scanwarden/internal/infra/storage/scanning/memory"
	templatestore "github.com/wardenlabs/scanwarden/internal/infra/storage/templates/memory"
	"github.com/wardenlabs/scanwarden/pkg/common/logger"
)

// fakeRun is a scriptable engine process handle.
type fakeRun struct {
	lines chan []byte
	done  chan struct{}

	finishOnce  sync.Once
	waitErr     error
	killed      atomic.Bool
	pauseCalls  atomic.Int32
	resumeCalls atomic.Int32
}

func newFakeRun() *fakeRun {
	return &fakeRun{
		lines: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
}

func (f *fakeRun) emit(line string) { f.lines <- []byte(line) }

// finish ends the stream and unblocks Wait with the given exit error.
func (f *fakeRun) finish(err error) {
	f.finishOnce.Do(func() {
		f.waitErr = err
		close(f.lines)
		close(f.done)
	})
}

func (f *fakeRun) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		f.finish(errors.New("signal: killed"))
	case <-f.done:
	}
}

func (f *fakeRun) Lines() <-chan []byte { return f.lines }

func (f *fakeRun) Wait() error {
	<-f.done
	return f.waitErr
}

func (f *fakeRun) Pause() error {
	f.pauseCalls.Add(1)
	return nil
}

func (f *fakeRun) Resume() error {
	f.resumeCalls.Add(1)
	return nil
}

func (f *fakeRun) Kill() error {
	f.killed.Store(true)
	f.finish(errors.New("signal: killed"))
	return nil
}

// fakeRunner hands out fakeRuns and records the specs it was started with.
type fakeRunner struct {
	mu       sync.Mutex
	specs    []domain.RunSpec
	startErr error
	script   func(*fakeRun)
	started  chan *fakeRun
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan *fakeRun, 16)}
}

func (r *fakeRunner) Start(ctx context.Context, spec domain.RunSpec) (domain.EngineRun, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	script, startErr := r.script, r.startErr
	r.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	run := newFakeRun()
	go run.watch(ctx)
	if script != nil {
		go script(run)
	}
	r.started <- run
	return run, nil
}

func (r *fakeRunner) Validate(ctx context.Context, templatePaths []string) (map[string]error, error) {
	return map[string]error{}, nil
}

func (r *fakeRunner) waitStarted(t *testing.T) *fakeRun {
	t.Helper()
	select {
	case run := <-r.started:
		return run
	case <-time.After(5 * time.Second):
		t.Fatal("engine run never started")
		return nil
	}
}

// eventCollector subscribes to one job's event feed and records everything.
type eventCollector struct {
	mu       sync.Mutex
	received []events.EventEnvelope
	terminal chan events.EventEnvelope
}

func collectEvents(t *testing.T, bus *eventbus.Broker, key string) *eventCollector {
	t.Helper()
	c := &eventCollector{terminal: make(chan events.EventEnvelope, 8)}
	err := bus.Subscribe(context.Background(), key, func(ctx context.Context, evt events.EventEnvelope) error {
		c.mu.Lock()
		c.received = append(c.received, evt)
		c.mu.Unlock()
		if evt.Type == domain.EventTypeJobCompleted || evt.Type == domain.EventTypeJobFailed {
			c.terminal <- evt
		}
		return nil
	})
	require.NoError(t, err)
	return c
}

func (c *eventCollector) waitTerminal(t *testing.T) events.EventEnvelope {
	t.Helper()
	select {
	case evt := <-c.terminal:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event observed")
		return events.EventEnvelope{}
	}
}

func (c *eventCollector) countOf(eventType events.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, evt := range c.received {
		if evt.Type == eventType {
			n++
		}
	}
	return n
}

func (c *eventCollector) terminalCount() int {
	return c.countOf(domain.EventTypeJobCompleted) + c.countOf(domain.EventTypeJobFailed)
}

type harness struct {
	repo   *jobstore.JobStore
	tmpls  *templatestore.TemplateStore
	logs   *logstore.Store
	bus    *eventbus.Broker
	runner *fakeRunner
	orch   *Orchestrator
}

func newHarness(t *testing.T, maxConcurrency int) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.MaxConcurrency = maxConcurrency
	cfg.ResultsDir = t.TempDir()
	cfg.RunTimeout = config.Duration(30 * time.Second)

	logs, err := logstore.NewStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		repo:   jobstore.NewJobStore(),
		tmpls:  templatestore.NewTemplateStore(),
		logs:   logs,
		bus:    eventbus.NewBroker(64, logger.Noop()),
		runner: newFakeRunner(),
	}
	t.Cleanup(func() { h.bus.Close() })

	ctx := context.Background()
	seed := []*templates.Template{}
	for _, ref := range []string{"exposed-env", "git-config", "open-redirect"} {
		seed = append(seed, &templates.Template{
			ID:          uuid.New(),
			TemplateRef: ref,
			Name:        "Seed " + ref,
			Severity:    templates.SeverityMedium,
			FilePath:    filepath.Join(cfg.TemplatesDir, ref+".yaml"),
			CreatedAt:   time.Now(),
		})
	}
	_, err = h.tmpls.InsertBatch(ctx, seed)
	require.NoError(t, err)

	h.orch = NewOrchestrator(
		h.repo, h.tmpls, h.logs, h.runner, h.bus,
		NewGate(maxConcurrency),
		config.NewProvider(cfg, nil),
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(shutdownCtx)
	})
	return h
}

func (h *harness) createJob(t *testing.T, templateRefs, targets []string) *domain.Job {
	t.Helper()
	job, err := h.orch.CreateJob(context.Background(), "", templateRefs, targets)
	require.NoError(t, err)
	return job
}

func (h *harness) jobStatus(t *testing.T, jobID uuid.UUID) domain.JobStatus {
	t.Helper()
	job, err := h.repo.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job.Status()
}

func TestCreateJobValidation(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	var vErr *domain.ValidationError

	_, err := h.orch.CreateJob(ctx, "", nil, []string{"https://example.com"})
	require.ErrorAs(t, err, &vErr)

	_, err = h.orch.CreateJob(ctx, "", []string{"exposed-env"}, nil)
	require.ErrorAs(t, err, &vErr)

	_, err = h.orch.CreateJob(ctx, "", []string{"not-managed"}, []string{"https://example.com"})
	require.ErrorAs(t, err, &vErr)

	job, err := h.orch.CreateJob(ctx, "", []string{"exposed-env"}, []string{"https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, h.jobStatus(t, job.JobID()))
	assert.Contains(t, job.Name(), "scan-", "generated name uses the default prefix")
}

func TestStartUnknownAndNonPending(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	require.ErrorIs(t, h.orch.StartJob(ctx, uuid.New()), domain.ErrJobNotFound)

	h.runner.script = func(run *fakeRun) { run.finish(nil) }
	job := h.createJob(t, []string{"exposed-env"}, []string{"https://example.com"})
	c := collectEvents(t, h.bus, job.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, job.JobID()))
	c.waitTerminal(t)

	var stateErr *domain.InvalidStateError
	err := h.orch.StartJob(ctx, job.JobID())
	require.ErrorAs(t, err, &stateErr, "completed jobs restart only via rescan")
}

func TestCleanRunCompletes(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.runner.script = func(run *fakeRun) {
		run.emit("[INF] Current nuclei version: v3.1.4")
		run.emit("[INF] Templates loaded for current scan: 3")
		run.emit(`{"requests": 2, "total": 6, "matched": 0}`)
		run.emit(`{"template-id":"exposed-env","host":"https://one.test","matched-at":"https://one.test/.env","info":{"name":"Exposed .env File","severity":"high"}}`)
		run.emit(`{"requests": 6, "total": 6, "matched": 1}`)
		run.finish(nil)
	}

	job := h.createJob(t, []string{"exposed-env", "git-config", "open-redirect"}, []string{"https://one.test", "https://two.test"})
	c := collectEvents(t, h.bus, job.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, job.JobID()))

	evt := c.waitTerminal(t)
	assert.Equal(t, domain.EventTypeJobCompleted, evt.Type)

	completed, ok := evt.Payload.(domain.JobCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(6), completed.Final.CompletedRequests())
	assert.Equal(t, int64(6), completed.Final.TotalRequests())
	assert.Equal(t, int64(1), completed.Final.FoundVulns())

	final, err := h.repo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status())
	assert.Equal(t, int64(1), final.FoundVulns())
	assert.Equal(t, "3.1.4", final.EngineVersion())
	assert.Equal(t, 1, final.RunCount())

	// Exactly one terminal event, no stragglers.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, c.terminalCount())
	assert.GreaterOrEqual(t, c.countOf(domain.EventTypeFindingReported), 1)

	entries, err := h.orch.GetJobLogs(ctx, job.JobID(), domain.LogReadOptions{})
	require.NoError(t, err)
	vulns := 0
	for _, e := range entries {
		if e.Level == domain.LogLevelVuln {
			vulns++
			assert.True(t, e.IsVulnFound)
		}
	}
	assert.Equal(t, 1, vulns, "log file carries one VULN entry")
}

func TestStatsBeforeFindingCountsOnce(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	// The engine's stats line can account for a finding before the result
	// line for it lands on the stream.
	h.runner.script = func(run *fakeRun) {
		run.emit(`{"requests": 4, "total": 6, "matched": 1}`)
		run.emit(`{"template-id":"exposed-env","host":"https://one.test","matched-at":"https://one.test/.env","info":{"name":"Exposed .env File","severity":"high"}}`)
		run.emit(`{"requests": 6, "total": 6, "matched": 1}`)
		run.finish(nil)
	}

	job := h.createJob(t, []string{"exposed-env"}, []string{"https://one.test"})
	c := collectEvents(t, h.bus, job.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, job.JobID()))

	evt := c.waitTerminal(t)
	require.Equal(t, domain.EventTypeJobCompleted, evt.Type)

	completed, ok := evt.Payload.(domain.JobCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(1), completed.Final.FoundVulns())

	final, err := h.repo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), final.FoundVulns())
}

func TestEngineFailurePreservesProgress(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.runner.script = func(run *fakeRun) {
		run.emit(`{"requests": 2, "total": 6, "matched": 0}`)
		run.emit(`{"requests": 4, "total": 6, "matched": 0}`)
		run.finish(errors.New("exit status 1"))
	}

	job := h.createJob(t, []string{"exposed-env"}, []string{"https://one.test"})
	c := collectEvents(t, h.bus, job.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, job.JobID()))

	evt := c.waitTerminal(t)
	require.Equal(t, domain.EventTypeJobFailed, evt.Type)

	failed, ok := evt.Payload.(domain.JobFailedEvent)
	require.True(t, ok)
	assert.Equal(t, domain.FailureReasonEngineError, failed.Reason)
	assert.Equal(t, int64(4), failed.Final.CompletedRequests(), "last reported progress survives the failure")

	final, err := h.repo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, final.Status())
	assert.Equal(t, domain.FailureReasonEngineError, final.FailureReason())
	assert.Equal(t, int64(4), final.CompletedRequests())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, c.terminalCount())
}

func TestTypedEngineFailureDrivesTerminalEvent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.runner.script = func(run *fakeRun) {
		run.finish(&domain.EngineFailure{
			Reason:   domain.FailureReasonEngineError,
			ExitCode: 2,
			Message:  "exit status 2",
		})
	}

	job := h.createJob(t, []string{"exposed-env"}, []string{"https://one.test"})
	c := collectEvents(t, h.bus, job.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, job.JobID()))

	evt := c.waitTerminal(t)
	require.Equal(t, domain.EventTypeJobFailed, evt.Type)

	failed, ok := evt.Payload.(domain.JobFailedEvent)
	require.True(t, ok)
	assert.Equal(t, domain.FailureReasonEngineError, failed.Reason)
	assert.Equal(t, "exit status 2", failed.Message)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	job := h.createJob(t, []string{"exposed-env"}, []string{"https://one.test"})
	c := collectEvents(t, h.bus, job.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, job.JobID()))
	h.runner.waitStarted(t)

	require.NoError(t, h.orch.StopJob(ctx, job.JobID()))

	evt := c.waitTerminal(t)
	require.Equal(t, domain.EventTypeJobFailed, evt.Type)
	failed := evt.Payload.(domain.JobFailedEvent)
	assert.Equal(t, domain.FailureReasonStopped, failed.Reason)

	// The second stop is a no-op against the already failed job.
	require.Eventually(t, func() bool {
		return h.orch.StopJob(ctx, job.JobID()) == nil
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, c.terminalCount())
	assert.Equal(t, domain.JobStatusFailed, h.jobStatus(t, job.JobID()))
}

func TestConcurrencyBoundQueuesSecondJob(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	first := h.createJob(t, []string{"exposed-env"}, []string{"https://one.test"})
	second := h.createJob(t, []string{"git-config"}, []string{"https://two.test"})

	cFirst := collectEvents(t, h.bus, first.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, first.JobID()))
	firstRun := h.runner.waitStarted(t)

	require.NoError(t, h.orch.StartJob(ctx, second.JobID()))

	// The second job holds Pending while the slot is taken.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, domain.JobStatusRunning, h.jobStatus(t, first.JobID()))
	assert.Equal(t, domain.JobStatusPending, h.jobStatus(t, second.JobID()))

	cSecond := collectEvents(t, h.bus, second.JobID().String())
	firstRun.finish(nil)
	cFirst.waitTerminal(t)

	secondRun := h.runner.waitStarted(t)
	secondRun.finish(nil)
	cSecond.waitTerminal(t)

	assert.Equal(t, domain.JobStatusCompleted, h.jobStatus(t, first.JobID()))
	assert.Equal(t, domain.JobStatusCompleted, h.jobStatus(t, second.JobID()))
}

func TestRescanResetsCountersAndTruncatesLog(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.runner.script = func(run *fakeRun) {
		run.emit("[INF] first run marker")
		run.emit(`{"requests": 3, "total": 6, "matched": 0}`)
		run.finish(errors.New("exit status 1"))
	}

	job := h.createJob(t, []string{"exposed-env"}, []string{"https://one.test"})
	c := collectEvents(t, h.bus, job.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, job.JobID()))
	c.waitTerminal(t)
	require.Equal(t, domain.JobStatusFailed, h.jobStatus(t, job.JobID()))

	h.runner.mu.Lock()
	h.runner.script = func(run *fakeRun) {
		run.emit("[INF] second run marker")
		run.emit(`{"requests": 6, "total": 6, "matched": 0}`)
		run.finish(nil)
	}
	h.runner.mu.Unlock()

	// The admission slot clears just after the terminal event is published,
	// so an immediate rescan can briefly conflict.
	require.Eventually(t, func() bool {
		return h.orch.RescanJob(ctx, job.JobID()) == nil
	}, 5*time.Second, 10*time.Millisecond)
	evt := c.waitTerminal(t)
	assert.Equal(t, domain.EventTypeJobCompleted, evt.Type)

	final, err := h.repo.GetJob(ctx, job.JobID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status())
	assert.Equal(t, 2, final.RunCount())
	assert.Empty(t, string(final.FailureReason()))

	entries, err := h.orch.GetJobLogs(ctx, job.JobID(), domain.LogReadOptions{})
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Message, "first run marker", "rescan truncates the previous run's log")
	}

	var stateErr *domain.InvalidStateError
	require.ErrorIs(t, h.orch.RescanJob(ctx, uuid.New()), domain.ErrJobNotFound)
	pending := h.createJob(t, []string{"exposed-env"}, []string{"https://one.test"})
	require.ErrorAs(t, h.orch.RescanJob(ctx, pending.JobID()), &stateErr, "rescan is only legal from a terminal state")
}

func TestDeleteLifecycle(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	job := h.createJob(t, []string{"exposed-env"}, []string{"https://one.test"})
	c := collectEvents(t, h.bus, job.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, job.JobID()))
	h.runner.waitStarted(t)

	var stateErr *domain.InvalidStateError
	require.ErrorAs(t, h.orch.DeleteJob(ctx, job.JobID()), &stateErr, "running jobs must be stopped first")

	require.NoError(t, h.orch.StopJob(ctx, job.JobID()))
	c.waitTerminal(t)

	require.Eventually(t, func() bool {
		return h.orch.DeleteJob(ctx, job.JobID()) == nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err := h.repo.GetJob(ctx, job.JobID())
	require.ErrorIs(t, err, domain.ErrJobNotFound)
	require.ErrorIs(t, h.orch.DeleteJob(ctx, job.JobID()), domain.ErrJobNotFound)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	job := h.createJob(t, []string{"exposed-env"}, []string{"https://one.test"})

	var stateErr *domain.InvalidStateError
	require.ErrorAs(t, h.orch.PauseJob(ctx, job.JobID()), &stateErr, "pause requires a live run")

	c := collectEvents(t, h.bus, job.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, job.JobID()))
	run := h.runner.waitStarted(t)

	require.NoError(t, h.orch.PauseJob(ctx, job.JobID()))
	require.NoError(t, h.orch.PauseJob(ctx, job.JobID()), "second pause is a no-op")
	assert.Equal(t, int32(1), run.pauseCalls.Load())
	assert.Equal(t, domain.JobStatusRunning, h.jobStatus(t, job.JobID()), "pause does not change visible status")

	require.NoError(t, h.orch.ResumeJob(ctx, job.JobID()))
	assert.Equal(t, int32(1), run.resumeCalls.Load())

	run.finish(nil)
	c.waitTerminal(t)
}

func TestSpawnFailureEmitsTerminalEvent(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	h.runner.mu.Lock()
	h.runner.startErr = errors.New("no such file or directory")
	h.runner.mu.Unlock()

	job := h.createJob(t, []string{"exposed-env"}, []string{"https://one.test"})
	c := collectEvents(t, h.bus, job.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, job.JobID()))

	evt := c.waitTerminal(t)
	require.Equal(t, domain.EventTypeJobFailed, evt.Type)
	failed := evt.Payload.(domain.JobFailedEvent)
	assert.Equal(t, domain.FailureReasonSpawnFailed, failed.Reason)
	assert.Contains(t, failed.Message, "no such file")

	assert.Equal(t, domain.JobStatusFailed, h.jobStatus(t, job.JobID()))
}

func TestRunTimeoutFinalizesAsTimeout(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	// Shrink the timeout for this harness only.
	cfg := config.Default()
	cfg.ResultsDir = t.TempDir()
	cfg.RunTimeout = config.Duration(100 * time.Millisecond)
	h.orch.cfg = config.NewProvider(cfg, nil)

	job := h.createJob(t, []string{"exposed-env"}, []string{"https://one.test"})
	c := collectEvents(t, h.bus, job.JobID().String())
	require.NoError(t, h.orch.StartJob(ctx, job.JobID()))
	h.runner.waitStarted(t)

	evt := c.waitTerminal(t)
	require.Equal(t, domain.EventTypeJobFailed, evt.Type)
	failed := evt.Payload.(domain.JobFailedEvent)
	assert.Equal(t, domain.FailureReasonTimeout, failed.Reason)
	assert.Equal(t, domain.JobStatusFailed, h.jobStatus(t, job.JobID()))
}

func TestGetJobLogsUnknownJob(t *testing.T) {
	h := newHarness(t, 1)
	_, err := h.orch.GetJobLogs(context.Background(), uuid.New(), domain.LogReadOptions{})
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestListJobsOrdering(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	for i := range 3 {
		_, err := h.orch.CreateJob(ctx, fmt.Sprintf("job-%d", i), []string{"exposed-env"}, []string{"https://one.test"})
		require.NoError(t, err)
	}

	jobs, err := h.orch.ListJobs(ctx, domain.ListOptions{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i := 1; i < len(jobs); i++ {
		assert.False(t, jobs[i-1].CreatedAt().Before(jobs[i].CreatedAt()))
	}
}
