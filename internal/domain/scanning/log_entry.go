package scanning

import "time"

// LogLevel classifies a durable log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelVuln  LogLevel = "VULN"
)

// ParseLogLevel converts a string to a LogLevel, defaulting to INFO.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "INFO":
		return LogLevelInfo
	case "WARN":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	case "DEBUG":
		return LogLevelDebug
	case "VULN":
		return LogLevelVuln
	default:
		return LogLevelInfo
	}
}

// LogEntry is one line of a job's durable audit trail. Entries are
// append-only for the duration of a run.
type LogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Level       LogLevel  `json:"level"`
	TemplateRef string    `json:"template_ref,omitempty"`
	Target      string    `json:"target,omitempty"`
	Message     string    `json:"message"`
	Request     string    `json:"request,omitempty"`
	Response    string    `json:"response,omitempty"`
	IsVulnFound bool      `json:"is_vuln_found"`
}
