package rule

import (
	"slices"
	"time"

	"github.com/moznion/go-optional"

	"github.com/octave-lab/octave-trading/internal/types"
)

// Condition decides whether a rule's action should run. An error is treated
// by the engine as "not met" and logged, never propagated.
type Condition interface {
	Evaluate(ctx *EvalContext) (bool, error)
}

// ConditionFunc adapts a plain function to the Condition interface.
type ConditionFunc func(ctx *EvalContext) (bool, error)

// Evaluate implements Condition.
func (f ConditionFunc) Evaluate(ctx *EvalContext) (bool, error) {
	return f(ctx)
}

// FieldPredicate tests one event field value.
type FieldPredicate func(value any) bool

// EventCondition matches events of a type (or any descendant of it) whose
// fields satisfy the given values: a FieldPredicate is invoked, anything else
// is compared literally.
type EventCondition struct {
	EventType types.EventType
	Fields    map[string]any
}

// Evaluate implements Condition. Without a triggering event (the periodic
// path) an event condition never matches.
func (c *EventCondition) Evaluate(ctx *EvalContext) (bool, error) {
	if ctx.Event == nil {
		return false, nil
	}

	if !slices.Contains(ctx.Event.Type().Ancestry(), c.EventType) {
		return false, nil
	}

	fields := ctx.Event.Fields()

	for key, expected := range c.Fields {
		value, ok := fields[key]
		if !ok {
			return false, nil
		}

		if predicate, isPredicate := expected.(FieldPredicate); isPredicate {
			if !predicate(value) {
				return false, nil
			}

			continue
		}

		if value != expected {
			return false, nil
		}
	}

	return true, nil
}

// PositionCondition matches against the tracker's open positions for a
// symbol: existence and, optionally, a minimum unrealized-P&L ratio that at
// least one open position must reach.
type PositionCondition struct {
	Symbol      string
	MinPnLRatio optional.Option[float64]
	RequireNone bool
}

// Evaluate implements Condition.
func (c *PositionCondition) Evaluate(ctx *EvalContext) (bool, error) {
	positions := ctx.Shared.Positions.GetPositionsBySymbol(c.Symbol)

	if c.RequireNone {
		return len(positions) == 0, nil
	}

	if len(positions) == 0 {
		return false, nil
	}

	if c.MinPnLRatio.IsNone() {
		return true, nil
	}

	threshold := c.MinPnLRatio.Unwrap()
	for _, pos := range positions {
		if pos.UnrealizedPnLRatio() >= threshold {
			return true, nil
		}
	}

	return false, nil
}

// TimeCondition matches a time-of-day window and a weekday set. An empty
// weekday set matches every day; Start/End of "" leave the window unbounded
// on that end. A window with End before Start wraps midnight.
type TimeCondition struct {
	Start    string // "15:04"
	End      string // "15:04"
	Weekdays []time.Weekday
	Location *time.Location
}

// Evaluate implements Condition.
func (c *TimeCondition) Evaluate(ctx *EvalContext) (bool, error) {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}

	now := ctx.Now.In(loc)

	if len(c.Weekdays) > 0 && !slices.Contains(c.Weekdays, now.Weekday()) {
		return false, nil
	}

	minutes := now.Hour()*60 + now.Minute()

	start, err := parseClock(c.Start, 0)
	if err != nil {
		return false, err
	}

	end, err := parseClock(c.End, 24*60)
	if err != nil {
		return false, err
	}

	if start <= end {
		return minutes >= start && minutes < end, nil
	}

	// Window wraps midnight.
	return minutes >= start || minutes < end, nil
}

func parseClock(clock string, fallback int) (int, error) {
	if clock == "" {
		return fallback, nil
	}

	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, err
	}

	return parsed.Hour()*60 + parsed.Minute(), nil
}

type andCondition struct {
	conditions []Condition
}

type orCondition struct {
	conditions []Condition
}

type notCondition struct {
	condition Condition
}

// And matches when every condition matches. Evaluation short-circuits.
func And(conditions ...Condition) Condition {
	return &andCondition{conditions: conditions}
}

// Or matches when at least one condition matches. Evaluation short-circuits.
func Or(conditions ...Condition) Condition {
	return &orCondition{conditions: conditions}
}

// Not inverts a condition.
func Not(condition Condition) Condition {
	return &notCondition{condition: condition}
}

func (c *andCondition) Evaluate(ctx *EvalContext) (bool, error) {
	for _, condition := range c.conditions {
		matched, err := condition.Evaluate(ctx)
		if err != nil {
			return false, err
		}

		if !matched {
			return false, nil
		}
	}

	return true, nil
}

func (c *orCondition) Evaluate(ctx *EvalContext) (bool, error) {
	for _, condition := range c.conditions {
		matched, err := condition.Evaluate(ctx)
		if err != nil {
			return false, err
		}

		if matched {
			return true, nil
		}
	}

	return false, nil
}

func (c *notCondition) Evaluate(ctx *EvalContext) (bool, error) {
	matched, err := c.condition.Evaluate(ctx)
	if err != nil {
		return false, err
	}

	return !matched, nil
}
