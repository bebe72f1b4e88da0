package rule

import (
	"time"

	"github.com/google/uuid"
)

// Rule binds a condition to an action with scheduling metadata. Rules are
// identified by Name inside an engine; ID is a stable handle for logs and
// journals.
type Rule struct {
	ID        string
	Name      string
	Condition Condition
	Action    Action

	// Enabled rules participate in evaluation. Disabled rules keep their
	// bookkeeping and can be re-enabled without re-registration.
	Enabled bool

	// Priority orders evaluation within one trigger, highest first. Rules
	// with equal priority run in registration order.
	Priority int

	// Cooldown is the minimum interval between two executions of this
	// rule. Zero means no cooldown.
	Cooldown time.Duration

	// LastExecution and ExecutionCount are maintained by the engine. An
	// execution is any run where the condition matched and the action was
	// attempted, regardless of the action's outcome.
	LastExecution  time.Time
	ExecutionCount int
}

// NewRule builds an enabled rule with a fresh ID.
func NewRule(name string, condition Condition, action Action) *Rule {
	return &Rule{
		ID:        uuid.New().String(),
		Name:      name,
		Condition: condition,
		Action:    action,
		Enabled:   true,
	}
}

// WithPriority sets the rule's priority and returns the rule.
func (r *Rule) WithPriority(priority int) *Rule {
	r.Priority = priority
	return r
}

// WithCooldown sets the rule's cooldown and returns the rule.
func (r *Rule) WithCooldown(cooldown time.Duration) *Rule {
	r.Cooldown = cooldown
	return r
}

// ready reports whether enough time has passed since the last execution.
func (r *Rule) ready(now time.Time) bool {
	if r.Cooldown <= 0 || r.LastExecution.IsZero() {
		return true
	}

	return !now.Before(r.LastExecution.Add(r.Cooldown))
}
