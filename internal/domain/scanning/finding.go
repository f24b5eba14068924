package scanning

import (
	"time"

	"github.com/google/uuid"
)

// Finding is one result record reported by the engine: a template that
// matched against a target.
type Finding struct {
	ID          uuid.UUID `json:"id"`
	JobID       uuid.UUID `json:"job_id"`
	TemplateRef string    `json:"template_ref"`
	Name        string    `json:"name"`
	Severity    string    `json:"severity"`
	Host        string    `json:"host"`
	MatchedAt   string    `json:"matched_at"`
	Extracted   []string  `json:"extracted,omitempty"`
	Request     string    `json:"request,omitempty"`
	Response    string    `json:"response,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
