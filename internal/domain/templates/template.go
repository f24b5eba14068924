// Package templates provides domain types for managed detection template
// definitions and the two-phase import pipeline that brings new ones under
// management.
package templates

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrTemplateNotFound is returned when a template ID or ref does not resolve.
var ErrTemplateNotFound = errors.New("template not found")

// ErrTemplateExists is returned when an insert would violate template_ref
// uniqueness.
var ErrTemplateExists = errors.New("template already exists")

// Severity classifies a template's finding severity.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
	SeverityUnknown  Severity = "unknown"
)

// ParseSeverity converts a string to a Severity, defaulting to unknown.
func ParseSeverity(s string) Severity {
	switch s {
	case "info":
		return SeverityInfo
	case "low":
		return SeverityLow
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityUnknown
	}
}

// Template is a managed detection definition reference. TemplateRef is unique
// across the persisted set; the file itself lives under the managed templates
// directory.
type Template struct {
	ID          uuid.UUID
	TemplateRef string
	Name        string
	Severity    Severity
	Tags        []string
	Author      string
	FilePath    string
	CreatedAt   time.Time
}
