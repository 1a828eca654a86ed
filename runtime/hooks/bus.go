// Package hooks provides the in-process event bus the runtime publishes
// execution and node lifecycle events on. Delivery is best-effort and
// asynchronous: publishing never blocks the engine, a single dispatcher
// goroutine preserves publication order, and subscriber errors are logged
// rather than propagated.
package hooks

import (
	"context"
	"errors"
	"sync"

	"goa.design/flow/runtime/telemetry"
)

// defaultQueueSize bounds the dispatch queue. Events published while the
// queue is full are dropped with a log line rather than blocking execution.
const defaultQueueSize = 1024

type (
	// Bus publishes lifecycle events to registered subscribers. The bus is
	// thread-safe and supports concurrent Publish, Register and Close.
	Bus interface {
		// Publish enqueues the event for delivery to every currently
		// registered subscriber. Publish never blocks; when the internal
		// queue is full the event is dropped and logged.
		Publish(event Event)

		// Register adds a subscriber and returns a Subscription that can
		// be closed to unregister. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)

		// Close stops the dispatcher after draining queued events.
		// Publishing after Close is a no-op.
		Close()
	}

	// Subscriber reacts to published events. Delivery happens on the bus's
	// dispatcher goroutine in publication order; a slow subscriber delays
	// subsequent deliveries, not the publishers. Errors are logged and do
	// not affect other subscribers.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription is an active registration. Close is idempotent.
	Subscription interface {
		Close() error
	}

	bus struct {
		logger telemetry.Logger
		queue  chan Event
		done   chan struct{}

		mu          sync.RWMutex
		closed      bool
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs an event bus and starts its dispatcher goroutine. The
// context scopes subscriber invocations and log output; cancelling it does
// not stop the bus, Close does.
func NewBus(ctx context.Context, logger telemetry.Logger) Bus {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	b := &bus{
		logger:      logger,
		queue:       make(chan Event, defaultQueueSize),
		done:        make(chan struct{}),
		subscribers: make(map[*subscription]Subscriber),
	}
	go b.dispatch(ctx)
	return b
}

// Publish implements Bus. The lock is held across the send so Close cannot
// close the queue between the closed check and the send.
func (b *bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- event:
	default:
		b.logger.Warn(context.Background(), "event queue full, dropping event",
			"type", string(event.Type), "execution_id", event.ExecutionID)
	}
}

// Register implements Bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close implements Bus.
func (b *bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	<-b.done
}

func (b *bus) dispatch(ctx context.Context) {
	defer close(b.done)
	for event := range b.queue {
		b.mu.RLock()
		subs := make([]Subscriber, 0, len(b.subscribers))
		for _, sub := range b.subscribers {
			subs = append(subs, sub)
		}
		b.mu.RUnlock()
		for _, sub := range subs {
			if err := sub.HandleEvent(ctx, event); err != nil {
				b.logger.Error(ctx, "event subscriber failed",
					"err", err, "type", string(event.Type),
					"execution_id", event.ExecutionID)
			}
		}
	}
}

// Close implements Subscription.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
