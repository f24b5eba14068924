package templates

import (
	"time"

	"github.com/wardenlabs/scanwarden/internal/domain/events"
)

// Event types relevant to template imports:
const (
	EventTypeImportProgressed events.EventType = "ImportProgressed"
	EventTypeImportCompleted  events.EventType = "ImportCompleted"
)

// ImportKey groups import events on the event bus, since imports are not
// tied to a job ID.
const ImportKey = "template-import"

// ImportProgressedEvent reports incremental commit progress: the template
// just processed and the running tallies.
type ImportProgressedEvent struct {
	occurredAt  time.Time
	Current     int
	Total       int
	TemplateRef string
	Imported    int
	Duplicates  int
	Failed      int
}

// NewImportProgressedEvent creates an import progress event.
func NewImportProgressedEvent(current, total int, templateRef string, imported, duplicates, failed int) ImportProgressedEvent {
	return ImportProgressedEvent{
		occurredAt:  time.Now(),
		Current:     current,
		Total:       total,
		TemplateRef: templateRef,
		Imported:    imported,
		Duplicates:  duplicates,
		Failed:      failed,
	}
}

func (e ImportProgressedEvent) EventType() events.EventType { return EventTypeImportProgressed }
func (e ImportProgressedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ImportCompletedEvent is the single terminal event of a commit phase.
type ImportCompletedEvent struct {
	occurredAt time.Time
	Result     CommitResult
}

// NewImportCompletedEvent creates an import completed event.
func NewImportCompletedEvent(result CommitResult) ImportCompletedEvent {
	return ImportCompletedEvent{
		occurredAt: time.Now(),
		Result:     result,
	}
}

func (e ImportCompletedEvent) EventType() events.EventType { return EventTypeImportCompleted }
func (e ImportCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }
