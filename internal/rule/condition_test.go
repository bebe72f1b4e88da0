package rule

import (
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"

	"github.com/octave-lab/octave-trading/internal/broker"
	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/order"
	"github.com/octave-lab/octave-trading/internal/position"
	"github.com/octave-lab/octave-trading/internal/types"
)

type ConditionTestSuite struct {
	suite.Suite
	bus     *eventbus.Bus
	tracker *position.Tracker
	shared  *Context
}

func (s *ConditionTestSuite) SetupTest() {
	log := logger.NewNopLogger()
	s.bus = eventbus.NewBus(log)
	s.tracker = position.NewTracker(s.bus, log)
	paper := broker.NewPaperConnection(s.bus, log)
	manager := order.NewManager(s.bus, paper, log)
	s.shared = NewContext(s.bus, s.tracker, manager, paper, log)
}

func (s *ConditionTestSuite) evalWith(event types.Event) *EvalContext {
	return &EvalContext{Shared: s.shared, Event: event, Now: time.Now()}
}

func (s *ConditionTestSuite) TestEventConditionMatchesDescendantTypes() {
	cond := &EventCondition{EventType: types.EventTypePosition}

	matched, err := cond.Evaluate(s.evalWith(types.PositionOpenEvent{
		Position:  types.Position{Symbol: "AAPL"},
		Timestamp: time.Now(),
	}))
	s.Require().NoError(err)
	s.True(matched, "position.open descends from position")

	matched, err = cond.Evaluate(s.evalWith(types.PriceEvent{Symbol: "AAPL", Price: 1, Timestamp: time.Now()}))
	s.Require().NoError(err)
	s.False(matched)
}

func (s *ConditionTestSuite) TestEventConditionNeverMatchesOnTick() {
	cond := &EventCondition{EventType: types.EventTypePrice}

	matched, err := cond.Evaluate(s.evalWith(nil))
	s.Require().NoError(err)
	s.False(matched)
}

func (s *ConditionTestSuite) TestEventConditionFieldComparison() {
	cond := &EventCondition{
		EventType: types.EventTypePrice,
		Fields:    map[string]any{"symbol": "AAPL"},
	}

	matched, err := cond.Evaluate(s.evalWith(types.PriceEvent{Symbol: "AAPL", Price: 150, Timestamp: time.Now()}))
	s.Require().NoError(err)
	s.True(matched)

	matched, err = cond.Evaluate(s.evalWith(types.PriceEvent{Symbol: "MSFT", Price: 150, Timestamp: time.Now()}))
	s.Require().NoError(err)
	s.False(matched)
}

func (s *ConditionTestSuite) TestEventConditionMissingFieldDoesNotMatch() {
	cond := &EventCondition{
		EventType: types.EventTypePrice,
		Fields:    map[string]any{"no_such_field": 1},
	}

	matched, err := cond.Evaluate(s.evalWith(types.PriceEvent{Symbol: "AAPL", Price: 150, Timestamp: time.Now()}))
	s.Require().NoError(err)
	s.False(matched)
}

func (s *ConditionTestSuite) TestPositionCondition() {
	cond := &PositionCondition{Symbol: "AAPL"}
	none := &PositionCondition{Symbol: "AAPL", RequireNone: true}

	matched, err := cond.Evaluate(s.evalWith(nil))
	s.Require().NoError(err)
	s.False(matched)

	matched, err = none.Evaluate(s.evalWith(nil))
	s.Require().NoError(err)
	s.True(matched)

	pos, err := s.tracker.CreateStockPosition(types.PositionRequest{
		Symbol:     "AAPL",
		Quantity:   100,
		EntryPrice: optional.Some(150.0),
	})
	s.Require().NoError(err)

	matched, err = cond.Evaluate(s.evalWith(nil))
	s.Require().NoError(err)
	s.True(matched)

	matched, err = none.Evaluate(s.evalWith(nil))
	s.Require().NoError(err)
	s.False(matched)

	// 150 -> 156 is a 4% gain on a long.
	s.Require().NoError(s.tracker.UpdatePositionPrice(pos.ID, 156))

	profitable := &PositionCondition{Symbol: "AAPL", MinPnLRatio: optional.Some(0.03)}
	matched, err = profitable.Evaluate(s.evalWith(nil))
	s.Require().NoError(err)
	s.True(matched)

	greedy := &PositionCondition{Symbol: "AAPL", MinPnLRatio: optional.Some(0.05)}
	matched, err = greedy.Evaluate(s.evalWith(nil))
	s.Require().NoError(err)
	s.False(matched)
}

func (s *ConditionTestSuite) TestTimeConditionWindow() {
	cond := &TimeCondition{Start: "09:30", End: "16:00", Weekdays: []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
	}}

	monday := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	early := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	matched, err := cond.Evaluate(&EvalContext{Shared: s.shared, Now: monday})
	s.Require().NoError(err)
	s.True(matched)

	matched, err = cond.Evaluate(&EvalContext{Shared: s.shared, Now: saturday})
	s.Require().NoError(err)
	s.False(matched)

	matched, err = cond.Evaluate(&EvalContext{Shared: s.shared, Now: early})
	s.Require().NoError(err)
	s.False(matched)
}

func (s *ConditionTestSuite) TestTimeConditionWrapsMidnight() {
	cond := &TimeCondition{Start: "22:00", End: "02:00"}

	late := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	small := time.Date(2026, 3, 3, 1, 0, 0, 0, time.UTC)
	noon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	matched, err := cond.Evaluate(&EvalContext{Shared: s.shared, Now: late})
	s.Require().NoError(err)
	s.True(matched)

	matched, err = cond.Evaluate(&EvalContext{Shared: s.shared, Now: small})
	s.Require().NoError(err)
	s.True(matched)

	matched, err = cond.Evaluate(&EvalContext{Shared: s.shared, Now: noon})
	s.Require().NoError(err)
	s.False(matched)
}

func (s *ConditionTestSuite) TestTimeConditionRejectsBadClock() {
	cond := &TimeCondition{Start: "25:99"}

	_, err := cond.Evaluate(&EvalContext{Shared: s.shared, Now: time.Now()})
	s.Error(err)
}

func (s *ConditionTestSuite) TestCombinators() {
	yes := alwaysTrue()
	no := ConditionFunc(func(ctx *EvalContext) (bool, error) { return false, nil })

	ctx := s.evalWith(nil)

	matched, err := And(yes, yes).Evaluate(ctx)
	s.Require().NoError(err)
	s.True(matched)

	matched, err = And(yes, no).Evaluate(ctx)
	s.Require().NoError(err)
	s.False(matched)

	matched, err = Or(no, yes).Evaluate(ctx)
	s.Require().NoError(err)
	s.True(matched)

	matched, err = Or(no, no).Evaluate(ctx)
	s.Require().NoError(err)
	s.False(matched)

	matched, err = Not(no).Evaluate(ctx)
	s.Require().NoError(err)
	s.True(matched)
}

func (s *ConditionTestSuite) TestAndShortCircuits() {
	calls := 0
	counting := ConditionFunc(func(ctx *EvalContext) (bool, error) {
		calls++
		return true, nil
	})
	no := ConditionFunc(func(ctx *EvalContext) (bool, error) { return false, nil })

	matched, err := And(no, counting).Evaluate(s.evalWith(nil))
	s.Require().NoError(err)
	s.False(matched)
	s.Zero(calls)
}

func (s *ConditionTestSuite) TestEvalContextValueOverlay() {
	s.shared.Set("active_side:AAPL", types.SideBuy)

	ctx := s.evalWith(types.PriceEvent{Symbol: "AAPL", Price: 150, Timestamp: time.Now()})

	value, ok := ctx.Value("symbol")
	s.Require().True(ok)
	s.Equal("AAPL", value)

	value, ok = ctx.Value("active_side:AAPL")
	s.Require().True(ok)
	s.Equal(types.SideBuy, value)

	event, ok := ctx.Value("event")
	s.Require().True(ok)
	s.IsType(types.PriceEvent{}, event)

	_, ok = ctx.Value("missing")
	s.False(ok)
}

func (s *ConditionTestSuite) TestContextSnapshotIsDetached() {
	s.shared.Set("active_side:AAPL", types.SideBuy)

	snapshot := s.shared.Snapshot()
	s.Equal(types.SideBuy, snapshot["active_side:AAPL"])

	// Mutating the snapshot must not leak back into the shared context.
	snapshot["active_side:AAPL"] = types.SideSell

	value, ok := s.shared.Get("active_side:AAPL")
	s.Require().True(ok)
	s.Equal(types.SideBuy, value)
}

func TestConditionTestSuite(t *testing.T) {
	suite.Run(t, new(ConditionTestSuite))
}
