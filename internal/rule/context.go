// Package rule implements the condition/action framework and the rule engine
// driving it: rules bind one condition to one action with priority and
// cooldown scheduling, evaluated on bus events and on a periodic poll.
package rule

import (
	"sync"
	"time"

	"github.com/octave-lab/octave-trading/internal/broker"
	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/order"
	"github.com/octave-lab/octave-trading/internal/position"
	"github.com/octave-lab/octave-trading/internal/types"
)

// Context is the shared mutable state visible to every rule evaluation. It
// holds symbol-keyed coordination records (active side, order linkage) and
// references to the collaborators actions operate on.
//
// Access is read-modify-write without transactional isolation: two rules may
// interleave reads and writes of overlapping keys, and a failed action does
// not roll back its context mutations. Actions must treat it as best-effort.
type Context struct {
	mu     sync.RWMutex
	values map[string]any

	Bus       *eventbus.Bus
	Positions *position.Tracker
	Orders    *order.Manager
	Broker    broker.Connection
	Log       *logger.Logger
}

// NewContext creates a shared context wired to the given collaborators.
func NewContext(bus *eventbus.Bus, tracker *position.Tracker, orders *order.Manager, conn broker.Connection, log *logger.Logger) *Context {
	return &Context{
		values:    make(map[string]any),
		Bus:       bus,
		Positions: tracker,
		Orders:    orders,
		Broker:    conn,
		Log:       log,
	}
}

// Set stores a value under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.values[key] = value
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, ok := c.values[key]

	return value, ok
}

// Delete removes the value stored under key.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.values, key)
}

// Update stores every entry of values.
func (c *Context) Update(values map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range values {
		c.values[key] = value
	}
}

// Snapshot returns a shallow copy of the stored values.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(map[string]any, len(c.values))
	for key, value := range c.values {
		snapshot[key] = value
	}

	return snapshot
}

// EvalContext is the view handed to one condition/action evaluation: the
// shared context overlaid with the triggering event. Event is nil on the
// periodic evaluation path.
type EvalContext struct {
	Shared *Context
	Event  types.Event
	Now    time.Time
}

// Value resolves a key against the event overlay first, then the shared
// context. The "event" key returns the triggering event itself.
func (e *EvalContext) Value(key string) (any, bool) {
	if key == "event" {
		if e.Event == nil {
			return nil, false
		}

		return e.Event, true
	}

	if e.Event != nil {
		if value, ok := e.Event.Fields()[key]; ok {
			return value, true
		}
	}

	return e.Shared.Get(key)
}
