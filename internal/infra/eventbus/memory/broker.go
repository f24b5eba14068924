// Package memory provides the in-process implementation of the event bus.
// Producers and consumers within the orchestrator communicate exclusively
// through this broker; no events ever leave the process boundary.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardenlabs/scanwarden/internal/domain/events"
	"github.com/wardenlabs/scanwarden/pkg/common/logger"
)

// KeyAll subscribes to every key. Used by observers that watch all jobs at
// once, such as the UI bridge's firehose stream.
const KeyAll = "*"

// DefaultBufferSize is the per-subscriber buffer capacity used when none is
// configured.
const DefaultBufferSize = 256

// ErrBrokerClosed is returned by Publish and Subscribe after Close.
var ErrBrokerClosed = errors.New("event broker closed")

var _ events.EventBus = (*Broker)(nil)

// subscriber owns one bounded FIFO buffer drained by a dedicated goroutine,
// so a slow handler never stalls a publisher. When the buffer is full the
// oldest event is dropped and counted.
type subscriber struct {
	key     string
	handler events.HandlerFunc
	buf     chan events.EventEnvelope
	dropped atomic.Int64
}

// Broker is an in-memory, multi-subscriber event bus with per-key ordered
// delivery. Events published under one key reach each of that key's
// subscribers in publish order; no ordering holds across keys.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string][]*subscriber
	closed  bool
	bufSize int
	logger  *logger.Logger
	wg      sync.WaitGroup
}

// NewBroker creates an in-memory broker with the given per-subscriber buffer
// capacity. A size of zero selects DefaultBufferSize.
func NewBroker(bufferSize int, log *logger.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broker{
		subs:    make(map[string][]*subscriber),
		bufSize: bufferSize,
		logger:  log.With("component", "event_broker"),
	}
}

// Subscribe registers a handler for events published under key. The
// subscription lives until ctx is cancelled. Registration is synchronous:
// once Subscribe returns, the handler observes every subsequent publish for
// the key.
func (b *Broker) Subscribe(ctx context.Context, key string, handler events.HandlerFunc) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sub := &subscriber{
		key:     key,
		handler: handler,
		buf:     make(chan events.EventEnvelope, b.bufSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	b.subs[key] = append(b.subs[key], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(ctx, sub)

	return nil
}

// deliver drains one subscriber's buffer until its ctx ends, then removes it.
func (b *Broker) deliver(ctx context.Context, sub *subscriber) {
	defer b.wg.Done()
	defer b.remove(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sub.buf:
			if err := sub.handler(ctx, evt); err != nil {
				b.logger.Warn(ctx, "event handler error",
					"key", sub.key, "event_type", string(evt.Type), "error", err)
			}
		}
	}
}

func (b *Broker) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.key]
	for i, s := range list {
		if s == sub {
			b.subs[sub.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.key]) == 0 {
		delete(b.subs, sub.key)
	}
}

// Publish broadcasts an envelope to every subscriber of its key and of
// KeyAll. Delivery is non-blocking: a full subscriber buffer drops its
// oldest event to make room (drop-oldest backpressure).
func (b *Broker) Publish(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var params events.PublishParams
	for _, opt := range opts {
		opt(&params)
	}
	if params.Key != "" {
		evt.Key = params.Key
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	// Copy the subscriber lists so handlers never run under the lock.
	targets := make([]*subscriber, 0, len(b.subs[evt.Key])+len(b.subs[KeyAll]))
	targets = append(targets, b.subs[evt.Key]...)
	if evt.Key != KeyAll {
		targets = append(targets, b.subs[KeyAll]...)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.offer(ctx, sub, evt)
	}
	return nil
}

// offer enqueues without blocking, evicting the oldest buffered event when
// the subscriber is saturated.
func (b *Broker) offer(ctx context.Context, sub *subscriber, evt events.EventEnvelope) {
	select {
	case sub.buf <- evt:
		return
	default:
	}

	select {
	case dropped := <-sub.buf:
		sub.dropped.Add(1)
		b.logger.Warn(ctx, "slow subscriber, dropping oldest event",
			"key", sub.key, "dropped_type", string(dropped.Type), "total_dropped", sub.dropped.Load())
	default:
	}

	select {
	case sub.buf <- evt:
	default:
		sub.dropped.Add(1)
	}
}

// PublishDomainEvent wraps a domain event in an envelope and publishes it,
// satisfying the events.DomainEventPublisher port.
func (b *Broker) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: time.Now(),
		Payload:   event,
	}
	return b.Publish(ctx, evt, opts...)
}

// Close marks the broker closed. Subscriber goroutines exit when their own
// contexts end; publishes after Close return ErrBrokerClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()
	return nil
}
