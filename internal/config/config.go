// Package config defines the runtime configuration shared by the
// orchestrator, import pipeline, and HTTP surface, plus the atomic provider
// that makes reloads visible without a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from Go duration strings in
// YAML, such as "90s" or "10m".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Config represents the top-level runtime configuration. Components hold a
// Provider, not a Config, so a reload propagates without a restart; a
// snapshot taken at run start is never affected by later reloads.
type Config struct {
	// EnginePath is the external detection-engine binary.
	EnginePath string `yaml:"engine_path"`

	// TemplatesDir is the managed template directory imports copy into.
	TemplatesDir string `yaml:"templates_dir"`

	// ResultsDir holds per-job findings artifacts.
	ResultsDir string `yaml:"results_dir"`

	// LogsDir holds per-job structured log artifacts.
	LogsDir string `yaml:"logs_dir"`

	// DatabaseURL is the postgres DSN. Empty selects the in-memory stores.
	DatabaseURL string `yaml:"database_url"`

	// MaxConcurrency bounds simultaneously running scan jobs.
	MaxConcurrency int `yaml:"max_concurrency"`

	// RunTimeout bounds one engine run wall-clock time.
	RunTimeout Duration `yaml:"run_timeout"`

	// EngineRateLimit caps engine requests per second, zero for unlimited.
	EngineRateLimit int `yaml:"engine_rate_limit"`

	// EventBufferSize is the per-subscriber event queue depth.
	EventBufferSize int `yaml:"event_buffer_size"`

	// HTTPAddr is the API listen address.
	HTTPAddr string `yaml:"http_addr"`

	// CORSOrigins lists allowed browser origins for the API.
	CORSOrigins []string `yaml:"cors_origins"`

	// OTELEndpoint is the OTLP gRPC collector address, empty to disable
	// export.
	OTELEndpoint string `yaml:"otel_endpoint"`

	// OTELProbability is the trace sampling probability.
	OTELProbability float64 `yaml:"otel_probability"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		EnginePath:      "nuclei",
		TemplatesDir:    "data/templates",
		ResultsDir:      "data/results",
		LogsDir:         "data/logs",
		MaxConcurrency:  3,
		RunTimeout:      Duration(30 * time.Minute),
		EventBufferSize: 256,
		HTTPAddr:        ":8080",
		CORSOrigins:     []string{"http://localhost:5173"},
		OTELProbability: 0.05,
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.EnginePath == "" {
		return fmt.Errorf("engine_path must be set")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.RunTimeout <= 0 {
		return fmt.Errorf("run_timeout must be positive, got %s", c.RunTimeout)
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("event_buffer_size must be at least 1, got %d", c.EventBufferSize)
	}
	return nil
}

// ApplyEnv overlays environment variables onto the configuration. Variables
// take precedence over file values so deployments can override per host.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SCANWARDEN_ENGINE_PATH"); v != "" {
		c.EnginePath = v
	}
	if v := os.Getenv("SCANWARDEN_TEMPLATES_DIR"); v != "" {
		c.TemplatesDir = v
	}
	if v := os.Getenv("SCANWARDEN_RESULTS_DIR"); v != "" {
		c.ResultsDir = v
	}
	if v := os.Getenv("SCANWARDEN_LOGS_DIR"); v != "" {
		c.LogsDir = v
	}
	if v := os.Getenv("SCANWARDEN_DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("SCANWARDEN_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrency = n
		}
	}
	if v := os.Getenv("SCANWARDEN_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RunTimeout = Duration(d)
		}
	}
	if v := os.Getenv("SCANWARDEN_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("SCANWARDEN_OTEL_ENDPOINT"); v != "" {
		c.OTELEndpoint = v
	}
}
