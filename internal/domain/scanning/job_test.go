package scanning

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T) *Job {
	t.Helper()
	job, err := NewJob(uuid.New(), "test-scan", []string{"exposed-env"}, []string{"https://one.test"})
	require.NoError(t, err)
	return job
}

func TestNewJobValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		jobName      string
		templateRefs []string
		targets      []string
		wantField    string
	}{
		{
			name:         "valid job",
			jobName:      "scan-one",
			templateRefs: []string{"exposed-env"},
			targets:      []string{"https://one.test"},
		},
		{
			name:      "no templates",
			jobName:   "scan-two",
			targets:   []string{"https://one.test"},
			wantField: "templates",
		},
		{
			name:         "no targets",
			jobName:      "scan-three",
			templateRefs: []string{"exposed-env"},
			wantField:    "targets",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			job, err := NewJob(uuid.New(), tc.jobName, tc.templateRefs, tc.targets)
			if tc.wantField != "" {
				var vErr *ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Equal(t, tc.wantField, vErr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, JobStatusPending, job.Status())
			assert.Equal(t, 0, job.RunCount())
			assert.Zero(t, job.TotalRequests())
		})
	}
}

func TestNewJobGeneratesNameWhenOmitted(t *testing.T) {
	t.Parallel()

	job, err := NewJob(uuid.New(), "", []string{"exposed-env"}, []string{"https://one.test"})
	require.NoError(t, err)
	assert.Regexp(t, `^scan-\d+$`, job.Name())
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{"pending to running", JobStatusPending, JobStatusRunning, true},
		{"pending to failed", JobStatusPending, JobStatusFailed, true},
		{"pending to completed", JobStatusPending, JobStatusCompleted, false},
		{"running to completed", JobStatusRunning, JobStatusCompleted, true},
		{"running to failed", JobStatusRunning, JobStatusFailed, true},
		{"running to pending", JobStatusRunning, JobStatusPending, false},
		{"completed is terminal", JobStatusCompleted, JobStatusRunning, false},
		{"failed is terminal", JobStatusFailed, JobStatusRunning, false},
		{"completed cannot fail", JobStatusCompleted, JobStatusFailed, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.allowed, tc.from.isValidTransition(tc.to))
		})
	}
}

func TestUpdateStatusStartBumpsRunCount(t *testing.T) {
	t.Parallel()

	job := newTestJob(t)
	require.NoError(t, job.UpdateStatus(JobStatusRunning))
	assert.Equal(t, 1, job.RunCount())

	_, hasEnd := job.EndTime()
	assert.False(t, hasEnd, "running job has no end time")

	require.NoError(t, job.UpdateStatus(JobStatusCompleted))
	end, hasEnd := job.EndTime()
	assert.True(t, hasEnd)
	assert.False(t, end.IsZero())
}

func TestMarkFailedRecordsReason(t *testing.T) {
	t.Parallel()

	job := newTestJob(t)
	require.NoError(t, job.UpdateStatus(JobStatusRunning))
	require.NoError(t, job.MarkFailed(FailureReasonTimeout))

	assert.Equal(t, JobStatusFailed, job.Status())
	assert.Equal(t, FailureReasonTimeout, job.FailureReason())

	// A terminal job cannot fail again.
	assert.Error(t, job.MarkFailed(FailureReasonEngineError))
	assert.Equal(t, FailureReasonTimeout, job.FailureReason())
}

func TestApplyProgress(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name          string
		updates       []Progress
		wantCompleted int64
		wantTotal     int64
		wantFound     int64
	}{
		{
			name: "counters advance",
			updates: []Progress{
				NewProgress(2, 6, 0, "", now),
				NewProgress(5, 6, 1, "", now),
			},
			wantCompleted: 5,
			wantTotal:     6,
			wantFound:     1,
		},
		{
			name: "completed never regresses",
			updates: []Progress{
				NewProgress(5, 6, 1, "", now),
				NewProgress(3, 6, 0, "", now),
			},
			wantCompleted: 5,
			wantTotal:     6,
			wantFound:     1,
		},
		{
			name: "completed clamped to total",
			updates: []Progress{
				NewProgress(9, 6, 0, "", now),
			},
			wantCompleted: 6,
			wantTotal:     6,
			wantFound:     0,
		},
		{
			name: "shrinking total clamps completed",
			updates: []Progress{
				NewProgress(6, 10, 0, "", now),
				NewProgress(7, 5, 0, "", now),
			},
			wantCompleted: 5,
			wantTotal:     5,
			wantFound:     0,
		},
		{
			name: "zero total is ignored",
			updates: []Progress{
				NewProgress(2, 6, 0, "", now),
				NewProgress(3, 0, 0, "", now),
			},
			wantCompleted: 3,
			wantTotal:     6,
			wantFound:     0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			job := newTestJob(t)
			for _, p := range tc.updates {
				job.ApplyProgress(p)
			}
			assert.Equal(t, tc.wantCompleted, job.CompletedRequests())
			assert.Equal(t, tc.wantTotal, job.TotalRequests())
			assert.Equal(t, tc.wantFound, job.FoundVulns())
		})
	}
}

func TestRecordFinding(t *testing.T) {
	t.Parallel()

	job := newTestJob(t)
	job.RecordFinding()
	job.RecordFinding()
	assert.Equal(t, int64(2), job.FoundVulns())
}

func TestRecordFindingReconcilesWithStats(t *testing.T) {
	t.Parallel()

	now := time.Now()

	t.Run("stats line arrives first", func(t *testing.T) {
		t.Parallel()

		job := newTestJob(t)
		job.ApplyProgress(NewProgress(3, 6, 1, "", now))
		job.RecordFinding()
		assert.Equal(t, int64(1), job.FoundVulns(), "stats already counted this finding")
	})

	t.Run("result line arrives first", func(t *testing.T) {
		t.Parallel()

		job := newTestJob(t)
		job.RecordFinding()
		job.ApplyProgress(NewProgress(3, 6, 1, "", now))
		assert.Equal(t, int64(1), job.FoundVulns())
	})

	t.Run("stream runs ahead of stats", func(t *testing.T) {
		t.Parallel()

		job := newTestJob(t)
		job.ApplyProgress(NewProgress(3, 6, 1, "", now))
		job.RecordFinding()
		job.RecordFinding()
		assert.Equal(t, int64(2), job.FoundVulns())
	})

	t.Run("stats run ahead of stream", func(t *testing.T) {
		t.Parallel()

		job := newTestJob(t)
		job.ApplyProgress(NewProgress(3, 6, 3, "", now))
		job.RecordFinding()
		assert.Equal(t, int64(3), job.FoundVulns())
	})
}

func TestResetForRescan(t *testing.T) {
	t.Parallel()

	job := newTestJob(t)

	// Not legal before the first run finishes.
	var stateErr *InvalidStateError
	require.ErrorAs(t, job.ResetForRescan(), &stateErr)

	require.NoError(t, job.UpdateStatus(JobStatusRunning))
	job.ApplyProgress(NewProgress(6, 6, 2, "", time.Now()))
	job.SetEngineVersion("3.1.4")
	require.NoError(t, job.MarkFailed(FailureReasonEngineError))

	require.NoError(t, job.ResetForRescan())

	assert.Equal(t, JobStatusPending, job.Status())
	assert.Zero(t, job.TotalRequests())
	assert.Zero(t, job.CompletedRequests())
	assert.Zero(t, job.FoundVulns())
	assert.Empty(t, string(job.FailureReason()))
	assert.Equal(t, 1, job.RunCount(), "run count survives a reset")
	assert.Equal(t, "3.1.4", job.EngineVersion(), "engine version survives a reset")

	// The second start bumps the count again.
	require.NoError(t, job.UpdateStatus(JobStatusRunning))
	assert.Equal(t, 2, job.RunCount())
}
