package events

import "context"

// HandlerFunc processes a single event envelope delivered by the bus.
// A non-nil error is reported to the bus but never stops delivery to
// other subscribers.
type HandlerFunc func(ctx context.Context, evt EventEnvelope) error

// DomainEventPublisher publishes domain events to notify other parts of the
// system about important domain changes. It provides a technology-agnostic
// interface to decouple event producers from the underlying delivery
// mechanism.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers.
	// Optional PublishOptions configure routing behavior.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus enables publishing and subscribing to domain events. Subscribers
// registered for a key receive every event published under that key, in
// publish order. Delivery to one subscriber never blocks on another.
type EventBus interface {
	// Publish broadcasts an event envelope to all subscribers interested in
	// its key.
	Publish(ctx context.Context, evt EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler for events published under the given key.
	// The subscription is removed when ctx is cancelled. Registration is
	// synchronous: once Subscribe returns, the handler observes every
	// subsequent publish for the key.
	Subscribe(ctx context.Context, key string, handler HandlerFunc) error

	// Close shuts down the bus and releases associated resources.
	Close() error
}

// PublishOption is a function type that modifies PublishParams. It enables
// flexible configuration of event publishing behavior through functional
// options.
type PublishOption func(*PublishParams)

// PublishParams contains configuration options for publishing domain events.
type PublishParams struct {
	// Key groups events so subscribers to that key receive them in order.
	Key string
}

// WithKey returns a PublishOption that sets the grouping key for event
// routing. Subscribers to the same key observe events in publish order.
func WithKey(key string) PublishOption {
	return func(p *PublishParams) { p.Key = key }
}
