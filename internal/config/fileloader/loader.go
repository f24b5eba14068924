// Package fileloader loads configuration from a YAML file on disk.
package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wardenlabs/scanwarden/internal/config"
)

// FileLoader loads configuration from a file on disk. It implements the
// Loader interface to provide file-based configuration management.
type FileLoader struct {
	path string
}

// NewFileLoader creates a FileLoader for the given file path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the configuration file. File values start from the
// defaults and environment variables are overlaid last, so precedence is
// env over file over defaults.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	cfg := config.Default()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
