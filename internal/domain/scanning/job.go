// Package scanning provides domain types and interfaces for managing scan
// jobs against an external detection engine. It defines the core abstractions
// needed to coordinate supervised engine runs, track progress, and expose a
// typed event feed.
package scanning

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job coordinates and tracks a single supervised engine run configuration.
// It owns the status state machine and the cumulative run counters.
type Job struct {
	jobID        uuid.UUID
	name         string
	status       JobStatus
	templateRefs []string
	targetRefs   []string

	totalRequests     int64
	completedRequests int64
	foundVulns        int64

	// Findings seen on the result stream this run. Not persisted; it only
	// reconciles stream findings against stats-reported counts.
	streamFindings int64

	outputFile    string
	logFile       string
	failureReason FailureReason
	engineVersion string
	runCount      int

	timeline  *Timeline
	createdAt time.Time
}

// NewJob creates a new Job with the provided configuration and Pending
// status. Template and target lists must both be non-empty.
func NewJob(jobID uuid.UUID, name string, templateRefs, targetRefs []string) (*Job, error) {
	if len(templateRefs) == 0 {
		return nil, NewValidationError("templates", "at least one template is required")
	}
	if len(targetRefs) == 0 {
		return nil, NewValidationError("targets", "at least one target is required")
	}
	if name == "" {
		name = GenerateJobName(time.Now())
	}

	return &Job{
		jobID:        jobID,
		name:         name,
		status:       JobStatusPending,
		templateRefs: append([]string(nil), templateRefs...),
		targetRefs:   append([]string(nil), targetRefs...),
		timeline:     NewTimeline(new(realTimeProvider)),
		createdAt:    time.Now(),
	}, nil
}

// GenerateJobName builds the default name for jobs created without one.
func GenerateJobName(t time.Time) string {
	return fmt.Sprintf("scan-%d", t.Unix())
}

// ReconstructJob creates a Job from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the
// store.
func ReconstructJob(
	jobID uuid.UUID,
	name string,
	status JobStatus,
	templateRefs, targetRefs []string,
	totalRequests, completedRequests, foundVulns int64,
	outputFile, logFile string,
	failureReason FailureReason,
	engineVersion string,
	runCount int,
	timeline *Timeline,
	createdAt time.Time,
) *Job {
	return &Job{
		jobID:             jobID,
		name:              name,
		status:            status,
		templateRefs:      templateRefs,
		targetRefs:        targetRefs,
		totalRequests:     totalRequests,
		completedRequests: completedRequests,
		foundVulns:        foundVulns,
		outputFile:        outputFile,
		logFile:           logFile,
		failureReason:     failureReason,
		engineVersion:     engineVersion,
		runCount:          runCount,
		timeline:          timeline,
		createdAt:         createdAt,
	}
}

// JobID returns the unique identifier for this scan job.
func (j *Job) JobID() uuid.UUID { return j.jobID }

// Name returns the operator-facing name for this job.
func (j *Job) Name() string { return j.name }

// Status returns the current execution status of the scan job.
func (j *Job) Status() JobStatus { return j.status }

// TemplateRefs returns the detection template references the job scans with.
func (j *Job) TemplateRefs() []string { return j.templateRefs }

// TargetRefs returns the targets the job scans.
func (j *Job) TargetRefs() []string { return j.targetRefs }

// TotalRequests returns the engine-reported request plan size, zero until the
// engine reports one.
func (j *Job) TotalRequests() int64 { return j.totalRequests }

// CompletedRequests returns the number of requests completed so far.
func (j *Job) CompletedRequests() int64 { return j.completedRequests }

// FoundVulns returns the number of findings reported so far.
func (j *Job) FoundVulns() int64 { return j.foundVulns }

// OutputFile returns the path of the job's findings artifact.
func (j *Job) OutputFile() string { return j.outputFile }

// LogFile returns the path of the job's durable log artifact.
func (j *Job) LogFile() string { return j.logFile }

// FailureReason returns why the job failed, empty unless status is Failed.
func (j *Job) FailureReason() FailureReason { return j.failureReason }

// EngineVersion returns the engine version reported during the last run.
func (j *Job) EngineVersion() string { return j.engineVersion }

// RunCount returns how many times this job has been started, rescans
// included.
func (j *Job) RunCount() int { return j.runCount }

// CreatedAt returns when this job was created.
func (j *Job) CreatedAt() time.Time { return j.createdAt }

// StartTime returns when the job's current run started.
func (j *Job) StartTime() time.Time { return j.timeline.StartedAt() }

// EndTime returns when this scan job finished. A job only has an end time if
// it's in a terminal state.
func (j *Job) EndTime() (time.Time, bool) {
	if j.status.IsTerminal() {
		return j.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// LastUpdateTime returns when this job's state was last modified.
func (j *Job) LastUpdateTime() time.Time { return j.timeline.LastUpdate() }

// GetTimeline provides access to the job's timeline information.
func (j *Job) GetTimeline() *Timeline { return j.timeline }

// SetArtifacts records the findings and log file paths for the current run.
func (j *Job) SetArtifacts(outputFile, logFile string) {
	j.outputFile = outputFile
	j.logFile = logFile
	j.timeline.UpdateLastUpdate()
}

// SetEngineVersion records the engine version seen in the run banner.
func (j *Job) SetEngineVersion(version string) {
	j.engineVersion = version
	j.timeline.UpdateLastUpdate()
}

// UpdateStatus changes the job's status after validating the transition.
// It returns an error if the transition is not valid.
func (j *Job) UpdateStatus(newStatus JobStatus) error {
	if err := j.status.validateTransition(newStatus); err != nil {
		return err
	}

	if j.status == JobStatusPending && newStatus == JobStatusRunning {
		j.timeline.MarkStarted()
		j.runCount++
	}

	if newStatus.IsTerminal() {
		j.timeline.MarkCompleted()
	}

	j.status = newStatus
	return nil
}

// MarkFailed transitions the job to Failed and records the reason.
func (j *Job) MarkFailed(reason FailureReason) error {
	if err := j.UpdateStatus(JobStatusFailed); err != nil {
		return err
	}
	j.failureReason = reason
	return nil
}

// ApplyProgress folds an engine progress report into the job's counters.
// Completed never exceeds total once a total is known, and the finding count
// never decreases.
func (j *Job) ApplyProgress(p Progress) {
	if p.TotalRequests() > 0 {
		j.totalRequests = p.TotalRequests()
		// The engine can revise its plan downward mid-run; completed
		// follows the new total so it never exceeds it.
		if j.completedRequests > j.totalRequests {
			j.completedRequests = j.totalRequests
		}
	}
	completed := p.CompletedRequests()
	if j.totalRequests > 0 && completed > j.totalRequests {
		completed = j.totalRequests
	}
	if completed > j.completedRequests {
		j.completedRequests = completed
	}
	if p.FoundVulns() > j.foundVulns {
		j.foundVulns = p.FoundVulns()
	}
	j.timeline.UpdateLastUpdate()
}

// RecordFinding counts a finding reported on the result stream. A stats line
// may already have accounted for it, so the counter holds the larger of the
// stream tally and the last stats-reported count rather than double-counting.
func (j *Job) RecordFinding() {
	j.streamFindings++
	if j.streamFindings > j.foundVulns {
		j.foundVulns = j.streamFindings
	}
	j.timeline.UpdateLastUpdate()
}

// ResetForRescan returns the job to Pending with zeroed counters so a fresh
// run can be started with the same configuration. Only legal from a terminal
// state; this is the single path back into the lifecycle.
func (j *Job) ResetForRescan() error {
	if !j.status.IsTerminal() {
		return &InvalidStateError{JobID: j.jobID, Status: j.status, Operation: "rescan"}
	}

	j.status = JobStatusPending
	j.totalRequests = 0
	j.completedRequests = 0
	j.foundVulns = 0
	j.streamFindings = 0
	j.failureReason = ""
	j.timeline.UpdateLastUpdate()
	return nil
}
