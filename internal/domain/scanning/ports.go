package scanning

import (
	"context"
	"time"
)

// RunSpec describes one engine invocation: which templates to load, which
// targets to scan, and the run's resource bounds. Paths are absolute.
type RunSpec struct {
	TemplatePaths []string
	Targets       []string
	OutputFile    string
	Timeout       time.Duration
	RateLimit     int
}

// EngineRun is a handle on one live engine process. Lines surfaces the
// process's combined output stream; Wait blocks until exit and reports a
// non-zero exit or spawn error.
type EngineRun interface {
	// Lines streams the engine's output one line at a time. The channel is
	// closed when the stream ends.
	Lines() <-chan []byte

	// Wait blocks until the process exits. It returns nil on a clean exit
	// and an error carrying the exit code otherwise. Wait must be called
	// exactly once, after Lines is drained.
	Wait() error

	// Pause suspends engine-side work without discarding partial results.
	Pause() error

	// Resume continues a paused run.
	Resume() error

	// Kill terminates the process. Idempotent.
	Kill() error
}

// EngineRunner spawns and validates against the external detection engine.
// Implementations treat the engine as a black box process.
type EngineRunner interface {
	// Start spawns one engine process for the given spec. The ctx deadline
	// bounds the whole run; expiry kills the process.
	Start(ctx context.Context, spec RunSpec) (EngineRun, error)

	// Validate performs a dry-run loadability check of the given template
	// files without scanning. It returns one error per unloadable path,
	// keyed by path.
	Validate(ctx context.Context, templatePaths []string) (map[string]error, error)
}
