package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wardenlabs/scanwarden/internal/domain/scanning"
	"github.com/wardenlabs/scanwarden/pkg/common/logger"
)

// maxLineSize bounds a single engine output line. Raw response dumps can get
// large but anything beyond this is truncated by the scanner.
const maxLineSize = 1 << 20

// validateConcurrency bounds parallel dry-run checks during imports.
const validateConcurrency = 4

var _ scanning.EngineRunner = (*Runner)(nil)

// Runner spawns the external detection-engine binary. The engine is a black
// box: it receives template and target references on its command line and
// reports everything through stdout and its exit code.
type Runner struct {
	binaryPath string
	logger     *logger.Logger
}

// NewRunner creates a Runner for the engine binary at binaryPath.
func NewRunner(binaryPath string, log *logger.Logger) *Runner {
	return &Runner{
		binaryPath: binaryPath,
		logger:     log.With("component", "engine_runner"),
	}
}

// maxInlineTargets is the point past which targets go into a list file
// instead of repeated -u flags, keeping argv within platform limits.
const maxInlineTargets = 25

// Start spawns one engine process for the given spec. The ctx deadline
// bounds the whole run; expiry kills the process group.
func (r *Runner) Start(ctx context.Context, spec scanning.RunSpec) (scanning.EngineRun, error) {
	var targetsFile string
	if len(spec.Targets) > maxInlineTargets {
		var err error
		targetsFile, err = writeTargetsFile(spec.Targets)
		if err != nil {
			return nil, err
		}
	}
	args := buildArgs(spec, targetsFile)

	cmd := exec.CommandContext(ctx, r.binaryPath, args...)
	// Run the engine in its own process group so pause/stop signals reach
	// any children it forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		if targetsFile != "" {
			os.Remove(targetsFile)
		}
		return nil, fmt.Errorf("spawning engine %s: %w", r.binaryPath, err)
	}

	r.logger.Debug(ctx, "engine process started", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))

	run := &processRun{
		cmd:         cmd,
		pw:          pw,
		lines:       make(chan []byte),
		done:        make(chan struct{}),
		targetsFile: targetsFile,
	}
	go run.pump(pr)
	go run.reap()

	return run, nil
}

// buildArgs assembles the engine command line: JSONL results, periodic JSON
// stats, no update checks or colors, one -t flag per template path.
func buildArgs(spec scanning.RunSpec, targetsFile string) []string {
	args := []string{"-jsonl", "-stats", "-stats-json", "-duc", "-nc", "-silent"}

	for _, tp := range spec.TemplatePaths {
		args = append(args, "-t", tp)
	}
	if targetsFile != "" {
		args = append(args, "-l", targetsFile)
	} else {
		for _, target := range spec.Targets {
			args = append(args, "-u", target)
		}
	}
	if spec.OutputFile != "" {
		args = append(args, "-o", spec.OutputFile)
	}
	if spec.Timeout > 0 {
		args = append(args, "-timeout", strconv.Itoa(int(spec.Timeout.Seconds())))
	}
	if spec.RateLimit > 0 {
		args = append(args, "-rate-limit", strconv.Itoa(spec.RateLimit))
	}

	return args
}

// Validate dry-run checks each template file without scanning, one engine
// invocation per path so a single malformed file cannot mask the others.
func (r *Runner) Validate(ctx context.Context, templatePaths []string) (map[string]error, error) {
	var mu sync.Mutex
	failures := make(map[string]error)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(validateConcurrency)

	for _, path := range templatePaths {
		g.Go(func() error {
			cmd := exec.CommandContext(ctx, r.binaryPath, "-validate", "-t", path, "-duc", "-nc")
			out, err := cmd.CombinedOutput()
			if err != nil {
				mu.Lock()
				failures[path] = fmt.Errorf("template validation failed: %s", lastLine(out))
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return failures, nil
}

// lastLine extracts the final non-empty output line, which carries the
// engine's own error message.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return "no engine output"
}

// processRun is the live handle on one engine process.
type processRun struct {
	cmd         *exec.Cmd
	pw          *io.PipeWriter
	lines       chan []byte
	done        chan struct{}
	targetsFile string

	killOnce sync.Once
	waitErr  error
}

// pump copies the process output into the lines channel until EOF.
func (p *processRun) pump(pr *io.PipeReader) {
	defer close(p.lines)
	defer pr.Close()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		p.lines <- line
	}
}

// reap waits for the process to exit and closes the output pipe so the
// pump sees EOF and Lines closes. A non-zero exit surfaces from Wait as a
// typed EngineFailure carrying the exit code.
func (p *processRun) reap() {
	if err := p.cmd.Wait(); err != nil {
		failure := &scanning.EngineFailure{
			Reason:   scanning.FailureReasonEngineError,
			ExitCode: -1,
			Message:  err.Error(),
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			failure.ExitCode = exitErr.ExitCode()
		}
		p.waitErr = failure
	}
	p.pw.Close()
	if p.targetsFile != "" {
		os.Remove(p.targetsFile)
	}
	close(p.done)
}

// Lines streams the engine's combined output one line at a time. The
// channel closes once the process exits and the output is drained.
func (p *processRun) Lines() <-chan []byte { return p.lines }

// Wait blocks until the process has exited and returns its exit error.
func (p *processRun) Wait() error {
	<-p.done
	return p.waitErr
}

// Pause suspends the engine process group.
func (p *processRun) Pause() error {
	return p.signal(syscall.SIGSTOP)
}

// Resume continues a paused engine process group.
func (p *processRun) Resume() error {
	return p.signal(syscall.SIGCONT)
}

// Kill terminates the engine process group. Idempotent; killing an already
// exited process is not an error.
func (p *processRun) Kill() error {
	var err error
	p.killOnce.Do(func() {
		err = p.signal(syscall.SIGKILL)
	})
	return err
}

func (p *processRun) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("engine process not started")
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}

// writeTargetsFile persists a large target list so it can be handed to the
// engine as a list file. Removed once the run finishes.
func writeTargetsFile(targets []string) (string, error) {
	f, err := os.CreateTemp("", "scanwarden-targets-*.txt")
	if err != nil {
		return "", fmt.Errorf("creating targets file: %w", err)
	}
	if _, err := f.WriteString(strings.Join(targets, "\n") + "\n"); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing targets file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing targets file: %w", err)
	}
	return f.Name(), nil
}
