package rule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/octave-lab/octave-trading/internal/broker"
	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/order"
	"github.com/octave-lab/octave-trading/internal/position"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

type EngineTestSuite struct {
	suite.Suite
	bus     *eventbus.Bus
	tracker *position.Tracker
	paper   *broker.PaperConnection
	manager *order.Manager
	shared  *Context
	engine  *Engine
}

func (s *EngineTestSuite) SetupTest() {
	log := logger.NewNopLogger()
	s.bus = eventbus.NewBus(log)
	s.tracker = position.NewTracker(s.bus, log)
	s.paper = broker.NewPaperConnection(s.bus, log)
	s.manager = order.NewManager(s.bus, s.paper, log)
	s.shared = NewContext(s.bus, s.tracker, s.manager, s.paper, log)
	s.engine = NewEngine(s.shared)
}

func alwaysTrue() Condition {
	return ConditionFunc(func(ctx *EvalContext) (bool, error) {
		return true, nil
	})
}

func appendName(log *[]string, name string) Action {
	return ActionFunc(func(ctx *EvalContext) (bool, error) {
		*log = append(*log, name)
		return true, nil
	})
}

func (s *EngineTestSuite) TestRegisterRequiresNameConditionAction() {
	err := s.engine.Register(&Rule{Name: "", Condition: alwaysTrue(), Action: appendName(&[]string{}, "x")})
	s.Require().Error(err)

	err = s.engine.Register(&Rule{Name: "no-condition", Action: appendName(&[]string{}, "x")})
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeInvalidParameter))
}

func (s *EngineTestSuite) TestPriorityOrdering() {
	var executed []string

	low := NewRule("low", alwaysTrue(), appendName(&executed, "low")).WithPriority(10)
	high := NewRule("high", alwaysTrue(), appendName(&executed, "high")).WithPriority(100)
	mid := NewRule("mid", alwaysTrue(), appendName(&executed, "mid")).WithPriority(50)

	s.Require().NoError(s.engine.Register(low))
	s.Require().NoError(s.engine.Register(high))
	s.Require().NoError(s.engine.Register(mid))

	s.engine.EvaluateTick()

	s.Equal([]string{"high", "mid", "low"}, executed)
}

func (s *EngineTestSuite) TestEqualPriorityRunsInRegistrationOrder() {
	var executed []string

	s.Require().NoError(s.engine.Register(NewRule("first", alwaysTrue(), appendName(&executed, "first"))))
	s.Require().NoError(s.engine.Register(NewRule("second", alwaysTrue(), appendName(&executed, "second"))))
	s.Require().NoError(s.engine.Register(NewRule("third", alwaysTrue(), appendName(&executed, "third"))))

	s.engine.EvaluateTick()

	s.Equal([]string{"first", "second", "third"}, executed)
}

func (s *EngineTestSuite) TestCooldownBlocksUntilElapsed() {
	var executed []string

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	current := base
	s.engine.now = func() time.Time { return current }

	rule := NewRule("cooldown", alwaysTrue(), appendName(&executed, "fire")).
		WithCooldown(1 * time.Minute)
	s.Require().NoError(s.engine.Register(rule))

	s.engine.EvaluateTick()
	s.Len(executed, 1)

	current = base.Add(30 * time.Second)
	s.engine.EvaluateTick()
	s.Len(executed, 1, "cooldown should block the second execution")

	current = base.Add(61 * time.Second)
	s.engine.EvaluateTick()
	s.Len(executed, 2)

	snapshot, err := s.engine.GetRule("cooldown")
	s.Require().NoError(err)
	s.Equal(2, snapshot.ExecutionCount)
	s.Equal(base.Add(61*time.Second), snapshot.LastExecution)
}

func (s *EngineTestSuite) TestActionErrorStillStartsCooldown() {
	calls := 0

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	current := base
	s.engine.now = func() time.Time { return current }

	failing := NewRule("failing", alwaysTrue(), ActionFunc(func(ctx *EvalContext) (bool, error) {
		calls++
		return false, errors.New(errors.ErrCodeBrokerSubmitFailed, "broker is down")
	})).WithCooldown(1 * time.Minute)
	s.Require().NoError(s.engine.Register(failing))

	s.engine.EvaluateTick()
	s.Equal(1, calls)

	current = base.Add(10 * time.Second)
	s.engine.EvaluateTick()
	s.Equal(1, calls, "failed execution should still start the cooldown")
}

func (s *EngineTestSuite) TestConditionErrorSkipsAction() {
	calls := 0

	broken := NewRule("broken",
		ConditionFunc(func(ctx *EvalContext) (bool, error) {
			return false, errors.New(errors.ErrCodeConditionFailed, "bad lookup")
		}),
		ActionFunc(func(ctx *EvalContext) (bool, error) {
			calls++
			return true, nil
		}))
	s.Require().NoError(s.engine.Register(broken))

	s.engine.EvaluateTick()

	s.Zero(calls)

	snapshot, err := s.engine.GetRule("broken")
	s.Require().NoError(err)
	s.Zero(snapshot.ExecutionCount, "condition errors are not executions")
}

func (s *EngineTestSuite) TestPanickingRuleDoesNotStopOthers() {
	var executed []string

	panicking := NewRule("panicking", alwaysTrue(), ActionFunc(func(ctx *EvalContext) (bool, error) {
		panic("boom")
	})).WithPriority(100)
	survivor := NewRule("survivor", alwaysTrue(), appendName(&executed, "survivor")).WithPriority(10)

	s.Require().NoError(s.engine.Register(panicking))
	s.Require().NoError(s.engine.Register(survivor))

	s.NotPanics(func() { s.engine.EvaluateTick() })
	s.Equal([]string{"survivor"}, executed)
}

func (s *EngineTestSuite) TestDisableAndEnable() {
	var executed []string

	s.Require().NoError(s.engine.Register(NewRule("toggle", alwaysTrue(), appendName(&executed, "toggle"))))

	s.Require().NoError(s.engine.DisableRule("toggle"))
	s.engine.EvaluateTick()
	s.Empty(executed)

	s.Require().NoError(s.engine.EnableRule("toggle"))
	s.engine.EvaluateTick()
	s.Len(executed, 1)

	s.Error(s.engine.EnableRule("missing"))
}

func (s *EngineTestSuite) TestUnregisterRemovesRule() {
	var executed []string

	s.Require().NoError(s.engine.Register(NewRule("gone", alwaysTrue(), appendName(&executed, "gone"))))
	s.engine.Unregister("gone")
	s.engine.Unregister("never-registered")

	s.engine.EvaluateTick()

	s.Empty(executed)
	_, err := s.engine.GetRule("gone")
	s.True(errors.HasCode(err, errors.ErrCodeRuleNotFound))
}

func (s *EngineTestSuite) TestReregisterResetsBookkeeping() {
	var executed []string

	s.Require().NoError(s.engine.Register(NewRule("same", alwaysTrue(), appendName(&executed, "old"))))
	s.engine.EvaluateTick()
	s.Equal([]string{"old"}, executed)

	s.Require().NoError(s.engine.Register(NewRule("same", alwaysTrue(), appendName(&executed, "new"))))
	s.engine.EvaluateTick()
	s.Equal([]string{"old", "new"}, executed)

	snapshot, err := s.engine.GetRule("same")
	s.Require().NoError(err)
	s.Equal(1, snapshot.ExecutionCount)
}

func (s *EngineTestSuite) TestConfidenceThresholdOnSignalEvents() {
	opened := 0

	enter := NewRule("enter-on-strong-buy",
		&EventCondition{
			EventType: types.EventTypePredictionSignal,
			Fields: map[string]any{
				"symbol": "AAPL",
				"signal": types.PredictionSignalBuy,
				"confidence": FieldPredicate(func(value any) bool {
					confidence, ok := value.(float64)
					return ok && confidence >= 0.85
				}),
			},
		},
		ActionFunc(func(ctx *EvalContext) (bool, error) {
			opened++
			return true, nil
		}))
	s.Require().NoError(s.engine.Register(enter))

	s.engine.EvaluateEvent(types.PredictionSignalEvent{
		Symbol: "AAPL", Signal: types.PredictionSignalBuy, Confidence: 0.90,
		PredictionID: "p-1", Timestamp: time.Now(),
	})
	s.Equal(1, opened)

	s.engine.EvaluateEvent(types.PredictionSignalEvent{
		Symbol: "AAPL", Signal: types.PredictionSignalBuy, Confidence: 0.80,
		PredictionID: "p-2", Timestamp: time.Now(),
	})
	s.Equal(1, opened, "confidence below the threshold must not fire")

	s.engine.EvaluateEvent(types.PredictionSignalEvent{
		Symbol: "MSFT", Signal: types.PredictionSignalBuy, Confidence: 0.99,
		PredictionID: "p-3", Timestamp: time.Now(),
	})
	s.Equal(1, opened, "other symbols must not fire")
}

func (s *EngineTestSuite) TestStartDispatchesBusEventsAndStopDetaches() {
	executed := 0

	s.Require().NoError(s.engine.Register(NewRule("on-price",
		&EventCondition{EventType: types.EventTypePrice},
		ActionFunc(func(ctx *EvalContext) (bool, error) {
			executed++
			return true, nil
		}))))

	engine := s.engine
	engine.tickInterval = time.Hour

	engine.Start(context.Background())
	engine.Start(context.Background()) // second start is a no-op

	s.bus.Emit(types.PriceEvent{Symbol: "AAPL", Price: 150, Timestamp: time.Now()})
	s.Equal(1, executed)

	engine.Stop()
	engine.Stop() // second stop is a no-op

	s.bus.Emit(types.PriceEvent{Symbol: "AAPL", Price: 151, Timestamp: time.Now()})
	s.Equal(1, executed, "a stopped engine must not receive bus events")
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
