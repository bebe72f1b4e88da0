// Package eventbus implements the typed publish/subscribe dispatcher at the
// bottom of the core's dependency graph.
//
// Dispatch is hierarchy-aware: emitting a PositionOpenEvent invokes handlers
// subscribed to position.open and handlers subscribed to its ancestor type
// position. Delivery is synchronous relative to the emitting call and follows
// subscription order within each type. Ordering across concurrent Emit calls
// is not guaranteed.
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

// Handler consumes one event. A returned error is logged and does not stop
// delivery to the remaining handlers.
type Handler func(event types.Event) error

// SubscriptionID identifies one subscription for later removal.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// Bus dispatches events to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	nextID   SubscriptionID
	handlers map[types.EventType][]subscription
	log      *logger.Logger
}

// NewBus creates an empty event bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		nextID:   1,
		handlers: make(map[types.EventType][]subscription),
		log:      log,
	}
}

// Subscribe registers a handler for the given event type and every descendant
// type. Returns the id needed to unsubscribe.
func (b *Bus) Subscribe(eventType types.EventType, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	return id
}

// Unsubscribe removes a previously registered handler. Returns false if the
// subscription does not exist under the given type.
func (b *Bus) Unsubscribe(eventType types.EventType, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[eventType]
	for i, sub := range subs {
		if sub.id == id {
			b.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)

			return true
		}
	}

	return false
}

// Emit delivers the event to every handler registered for its concrete type
// and any ancestor type, in subscription order, synchronously. A handler that
// fails or panics is logged; remaining handlers still run.
func (b *Bus) Emit(event types.Event) {
	// Snapshot under the read lock so handlers can subscribe or emit
	// re-entrantly without deadlocking.
	b.mu.RLock()

	var pending []subscription
	for _, eventType := range event.Type().Ancestry() {
		pending = append(pending, b.handlers[eventType]...)
	}

	b.mu.RUnlock()

	for _, sub := range pending {
		b.invoke(sub, event)
	}
}

func (b *Bus) invoke(sub subscription, event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event handler panicked",
				zap.String("event_type", string(event.Type())),
				zap.Uint64("subscription_id", uint64(sub.id)),
				zap.Error(errors.Newf(errors.ErrCodeHandlerPanic, "handler panicked: %v", r)),
			)
		}
	}()

	if err := sub.handler(event); err != nil {
		b.log.Warn("Event handler failed",
			zap.String("event_type", string(event.Type())),
			zap.Uint64("subscription_id", uint64(sub.id)),
			zap.Error(errors.Wrap(errors.ErrCodeHandlerFailed, "handler returned error", err)),
		)
	}
}

// HandlerCount returns the number of handlers directly registered for a type.
func (b *Bus) HandlerCount(eventType types.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.handlers[eventType])
}
