// Package logstore persists per-job structured logs as JSONL files, one
// append-only artifact per job.
package logstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/wardenlabs/scanwarden/internal/domain/scanning"
)

// maxEntrySize bounds a single serialized log entry when reading. Raw
// response captures dominate entry size.
const maxEntrySize = 4 << 20

var _ scanning.JobLogStore = (*Store)(nil)

// Store keeps one JSONL log file per job under a base directory.
type Store struct {
	baseDir string
}

// NewStore creates the base directory if needed and returns the store.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Path reports the artifact path for a job ID.
func (s *Store) Path(jobID uuid.UUID) string {
	return filepath.Join(s.baseDir, jobID.String()+".log.jsonl")
}

// Open truncates or creates the job's log file for a fresh run. The
// previous run's entries are discarded.
func (s *Store) Open(jobID uuid.UUID) (scanning.JobLogWriter, error) {
	f, err := os.OpenFile(s.Path(jobID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening job log %s: %w", s.Path(jobID), err)
	}
	return &writer{f: f, buf: bufio.NewWriter(f)}, nil
}

// Read returns the job's entries in append order. Without IncludeDebug,
// DEBUG entries are filtered and request/response captures stripped. A
// missing artifact yields an empty slice; a job may have no runs yet.
func (s *Store) Read(ctx context.Context, jobID uuid.UUID, opts scanning.LogReadOptions) ([]scanning.LogEntry, error) {
	f, err := os.Open(s.Path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return []scanning.LogEntry{}, nil
		}
		return nil, fmt.Errorf("opening job log %s: %w", s.Path(jobID), err)
	}
	defer f.Close()

	entries := []scanning.LogEntry{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEntrySize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry scanning.LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			// A torn trailing line from an interrupted run is skipped, not
			// fatal.
			continue
		}
		if !opts.IncludeDebug {
			if entry.Level == scanning.LogLevelDebug {
				continue
			}
			entry.Request = ""
			entry.Response = ""
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading job log %s: %w", s.Path(jobID), err)
	}
	return entries, nil
}

// Remove deletes the job's log file. Removing a missing file is not an
// error.
func (s *Store) Remove(jobID uuid.UUID) error {
	if err := os.Remove(s.Path(jobID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing job log %s: %w", s.Path(jobID), err)
	}
	return nil
}

// writer appends JSONL entries to an open log file. Append is safe for a
// single goroutine per run; the mutex guards the Close race on stop paths.
type writer struct {
	mu     sync.Mutex
	f      *os.File
	buf    *bufio.Writer
	closed bool
}

// Append writes one entry followed by a newline and flushes it so readers
// observe entries while the run is live.
func (w *writer) Append(entry scanning.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding log entry: %w", err)
	}
	if _, err := w.buf.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending log entry: %w", err)
	}
	return w.buf.Flush()
}

// Close flushes and releases the file handle. Idempotent.
func (w *writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	flushErr := w.buf.Flush()
	closeErr := w.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
