package scanning

import "time"

// Progress represents a point-in-time status update from the engine. It
// provides counters about the current run without maintaining job state.
type Progress struct {
	completedRequests int64
	totalRequests     int64
	foundVulns        int64
	currentTemplate   string
	timestamp         time.Time
}

// NewProgress creates a Progress snapshot from engine-reported counters.
func NewProgress(completedRequests, totalRequests, foundVulns int64, currentTemplate string, timestamp time.Time) Progress {
	return Progress{
		completedRequests: completedRequests,
		totalRequests:     totalRequests,
		foundVulns:        foundVulns,
		currentTemplate:   currentTemplate,
		timestamp:         timestamp,
	}
}

// CompletedRequests returns the number of requests the engine has completed.
func (p Progress) CompletedRequests() int64 { return p.completedRequests }

// TotalRequests returns the engine's planned request count, zero if the
// engine has not reported a plan yet.
func (p Progress) TotalRequests() int64 { return p.totalRequests }

// FoundVulns returns the running count of findings.
func (p Progress) FoundVulns() int64 { return p.foundVulns }

// CurrentTemplate returns the template the engine reported working on, if any.
func (p Progress) CurrentTemplate() string { return p.currentTemplate }

// Timestamp returns when the engine reported this update.
func (p Progress) Timestamp() time.Time { return p.timestamp }

// Percentage returns the completion percentage clamped to [0,100].
// An unknown total yields zero.
func (p Progress) Percentage() float64 {
	if p.totalRequests <= 0 {
		return 0
	}
	pct := float64(p.completedRequests) / float64(p.totalRequests) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
