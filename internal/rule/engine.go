package rule

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

// DefaultTickInterval is the periodic evaluation interval used when no
// override is given.
const DefaultTickInterval = 1 * time.Second

// rootEventTypes are the event families the engine listens to. Subscribing
// to the roots covers every derived type through ancestry dispatch.
var rootEventTypes = []types.EventType{
	types.EventTypePrice,
	types.EventTypePredictionSignal,
	types.EventTypePosition,
	types.EventTypeOrder,
}

type registeredRule struct {
	rule *Rule
	seq  uint64

	// execMu serializes executions of one rule. Lazily created here so a
	// rule value can be re-registered without carrying lock state.
	execMu sync.Mutex
}

// Engine evaluates registered rules against bus events and on a periodic
// tick. Each trigger walks the enabled rules in priority order; a rule
// already executing is skipped for that trigger rather than queued.
type Engine struct {
	mu      sync.RWMutex
	rules   map[string]*registeredRule
	nextSeq uint64

	shared *Context
	bus    *eventbus.Bus
	log    *logger.Logger

	tickInterval time.Duration

	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	subs    []rootSubscription

	// now is replaceable in tests.
	now func() time.Time
}

type rootSubscription struct {
	eventType types.EventType
	id        eventbus.SubscriptionID
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTickInterval overrides the periodic evaluation interval.
func WithTickInterval(interval time.Duration) EngineOption {
	return func(e *Engine) {
		if interval > 0 {
			e.tickInterval = interval
		}
	}
}

// NewEngine builds an engine over a shared context. The context's bus is
// the one the engine subscribes to when started.
func NewEngine(shared *Context, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:        make(map[string]*registeredRule),
		shared:       shared,
		bus:          shared.Bus,
		log:          shared.Log,
		tickInterval: DefaultTickInterval,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Register adds a rule under its name. Registering a name twice replaces
// the earlier rule and logs a warning; the replacement starts with fresh
// bookkeeping.
func (e *Engine) Register(r *Rule) error {
	if r == nil || r.Name == "" {
		return errors.New(errors.ErrCodeInvalidParameter, "rule must have a name")
	}

	if r.Condition == nil || r.Action == nil {
		return errors.New(errors.ErrCodeInvalidParameter, "rule must have a condition and an action")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[r.Name]; exists {
		e.log.Warn("Replacing rule with the same name", zap.String("rule", r.Name))
	}

	e.nextSeq++
	e.rules[r.Name] = &registeredRule{rule: r, seq: e.nextSeq}

	return nil
}

// Unregister removes a rule by name. Removing an unknown name is a no-op.
func (e *Engine) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.rules, name)
}

// EnableRule re-enables a rule by name.
func (e *Engine) EnableRule(name string) error {
	return e.setEnabled(name, true)
}

// DisableRule disables a rule by name without losing its bookkeeping.
func (e *Engine) DisableRule(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, ok := e.rules[name]
	if !ok {
		return errors.Newf(errors.ErrCodeRuleNotFound, "rule %q is not registered", name)
	}

	reg.rule.Enabled = enabled

	return nil
}

// GetRule returns a snapshot of a rule's current state.
func (e *Engine) GetRule(name string) (Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	reg, ok := e.rules[name]
	if !ok {
		return Rule{}, errors.Newf(errors.ErrCodeRuleNotFound, "rule %q is not registered", name)
	}

	return *reg.rule, nil
}

// Start subscribes to the root event types and launches the periodic
// evaluation loop. Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if e.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	for _, eventType := range rootEventTypes {
		et := eventType
		id := e.bus.Subscribe(et, func(event types.Event) error {
			e.EvaluateEvent(event)
			return nil
		})
		e.subs = append(e.subs, rootSubscription{eventType: et, id: id})
	}

	go e.tickLoop(runCtx)
}

// Stop cancels the periodic loop and detaches from the bus. Calling Stop
// on a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if e.cancel == nil {
		return
	}

	e.cancel()
	<-e.done

	for _, sub := range e.subs {
		e.bus.Unsubscribe(sub.eventType, sub.id)
	}

	e.subs = nil
	e.cancel = nil
	e.done = nil
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.EvaluateTick()
		}
	}
}

// EvaluateEvent runs all enabled rules against one event.
func (e *Engine) EvaluateEvent(event types.Event) {
	e.evaluate(event)
}

// EvaluateTick runs all enabled rules with no triggering event. Conditions
// that require an event simply do not match.
func (e *Engine) EvaluateTick() {
	e.evaluate(nil)
}

func (e *Engine) evaluate(event types.Event) {
	now := e.now()
	candidates := e.eligible(now)

	for _, reg := range candidates {
		e.runRule(reg, event, now)
	}
}

// eligible snapshots the enabled rules whose cooldown has elapsed, sorted
// by priority descending with registration order as the tiebreak.
func (e *Engine) eligible(now time.Time) []*registeredRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	candidates := make([]*registeredRule, 0, len(e.rules))

	for _, reg := range e.rules {
		if !reg.rule.Enabled || !reg.rule.ready(now) {
			continue
		}

		candidates = append(candidates, reg)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rule.Priority != candidates[j].rule.Priority {
			return candidates[i].rule.Priority > candidates[j].rule.Priority
		}

		return candidates[i].seq < candidates[j].seq
	})

	return candidates
}

// runRule evaluates one rule. A rule already mid-execution is skipped; the
// next trigger will pick it up again.
func (e *Engine) runRule(reg *registeredRule, event types.Event, now time.Time) {
	if !reg.execMu.TryLock() {
		return
	}
	defer reg.execMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Rule panicked",
				zap.String("rule", reg.rule.Name),
				zap.Any("panic", r),
			)
		}
	}()

	evalCtx := &EvalContext{
		Shared: e.shared,
		Event:  event,
		Now:    now,
	}

	matched, err := reg.rule.Condition.Evaluate(evalCtx)
	if err != nil {
		e.log.Warn("Rule condition failed",
			zap.String("rule", reg.rule.Name),
			zap.Error(errors.Wrap(errors.ErrCodeConditionFailed, "condition evaluation", err)),
		)

		return
	}

	if !matched {
		return
	}

	ok, err := reg.rule.Action.Execute(evalCtx)

	// Bookkeeping covers every attempted execution so a failing action
	// still honors the cooldown instead of retrying every trigger.
	e.mu.Lock()
	reg.rule.LastExecution = now
	reg.rule.ExecutionCount++
	e.mu.Unlock()

	if err != nil {
		e.log.Warn("Rule action failed",
			zap.String("rule", reg.rule.Name),
			zap.Error(errors.Wrap(errors.ErrCodeActionFailed, "action execution", err)),
		)

		return
	}

	if !ok {
		e.log.Info("Rule action was a no-op", zap.String("rule", reg.rule.Name))
	}
}
