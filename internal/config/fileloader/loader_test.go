package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoaderMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine_path: /usr/local/bin/nuclei
max_concurrency: 5
run_timeout: 10m
`), 0o644))

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/nuclei", cfg.EnginePath)
	assert.Equal(t, 5, cfg.MaxConcurrency)
	assert.Equal(t, 10*time.Minute, cfg.RunTimeout.Std())
	// Untouched fields keep their defaults.
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestFileLoaderEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrency: 5\n"), 0o644))
	t.Setenv("SCANWARDEN_MAX_CONCURRENCY", "2")

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxConcurrency)
}

func TestFileLoaderMissingFile(t *testing.T) {
	_, err := NewFileLoader("/nonexistent/config.yaml").Load(context.Background())
	require.Error(t, err)
}

func TestFileLoaderEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := NewFileLoader("").Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "nuclei", cfg.EnginePath)
}

func TestFileLoaderRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrency: 0\n"), 0o644))

	_, err := NewFileLoader(path).Load(context.Background())
	require.Error(t, err)
}
