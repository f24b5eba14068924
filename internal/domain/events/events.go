// Package events provides domain event handling capabilities for communicating
// state changes and important activities across component boundaries in a
// decoupled way.
package events

import "time"

// EventType represents a domain event category, enabling type-safe event
// routing and handling. It allows the system to distinguish between different
// kinds of events like job progress updates, findings, and import milestones.
type EventType string

// DomainEvent is implemented by every domain event in the system. Events are
// immutable values describing something that already happened.
type DomainEvent interface {
	// EventType identifies the category of this event for routing.
	EventType() EventType

	// OccurredAt records when this event was created.
	OccurredAt() time.Time
}

// EventEnvelope wraps a domain event with routing metadata as it flows
// through the event bus.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key groups related events, typically a job ID, so subscribers can
	// filter a single job's stream.
	Key string

	// Timestamp records when this envelope was published.
	Timestamp time.Time

	// Payload contains the actual domain event value. The concrete type
	// depends on the EventType.
	Payload DomainEvent
}
