package linked

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/octave-lab/octave-trading/internal/broker"
	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/order"
	"github.com/octave-lab/octave-trading/internal/position"
	"github.com/octave-lab/octave-trading/internal/rule"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

type CoordinatorTestSuite struct {
	suite.Suite
	bus     *eventbus.Bus
	tracker *position.Tracker
	paper   *broker.PaperConnection
	manager *order.Manager
	shared  *rule.Context
	coord   *Coordinator
}

func (s *CoordinatorTestSuite) SetupTest() {
	log := logger.NewNopLogger()
	s.bus = eventbus.NewBus(log)
	s.tracker = position.NewTracker(s.bus, log)
	s.paper = broker.NewPaperConnection(s.bus, log)
	s.manager = order.NewManager(s.bus, s.paper, log)
	s.manager.BindBus()
	s.shared = rule.NewContext(s.bus, s.tracker, s.manager, s.paper, log)
	s.coord = NewCoordinator(s.shared, DefaultConfig())
	s.coord.BindBus()
}

// enterLong opens a long idea and fills the entry at the given price.
func (s *CoordinatorTestSuite) enterLong(symbol string, quantity, fillPrice float64) Linkage {
	s.paper.UpdatePrice(symbol, fillPrice)

	_, err := s.coord.EnterWithProtection(context.Background(), EntryRequest{
		Symbol:   symbol,
		Side:     types.SideBuy,
		Quantity: quantity,
	})
	s.Require().NoError(err)

	s.paper.UpdatePrice(symbol, fillPrice)

	linkage, ok := s.coord.GetLinkage(symbol)
	s.Require().True(ok)

	return linkage
}

func (s *CoordinatorTestSuite) TestLongEntryArmsProtection() {
	linkage := s.enterLong("AAPL", 100, 150.0)

	s.Require().NotEmpty(linkage.StopOrderID)
	s.Require().NotEmpty(linkage.TargetOrderID)
	s.Require().NotEmpty(linkage.PositionID)

	stop, err := s.manager.GetOrder(linkage.StopOrderID)
	s.Require().NoError(err)
	s.Equal(types.SideSell, stop.Side)
	s.Equal(types.OrderTypeStop, stop.OrderType)
	s.InDelta(145.50, stop.StopPrice, 1e-9)

	target, err := s.manager.GetOrder(linkage.TargetOrderID)
	s.Require().NoError(err)
	s.Equal(types.SideSell, target.Side)
	s.Equal(types.OrderTypeLimit, target.OrderType)
	s.InDelta(162.00, target.LimitPrice, 1e-9)

	s.Equal(stop.GroupID, target.GroupID, "protection must be one OCO pair")
	group, err := s.manager.GetGroup(stop.GroupID)
	s.Require().NoError(err)
	s.Equal(types.GroupTypeOCO, group.Type)

	pos, err := s.tracker.GetPosition(linkage.PositionID)
	s.Require().NoError(err)
	s.Equal(100.0, pos.Quantity)
	s.Equal(150.0, pos.EntryPrice)
	s.Equal(linkage.EntryOrderID, pos.EntryOrderID)
	s.Equal(linkage.StopOrderID, pos.StopOrderID)
	s.Equal(linkage.TargetOrderID, pos.ProfitOrderID)

	side, ok := s.shared.Get(ActiveSideKey("AAPL"))
	s.Require().True(ok)
	s.Equal(types.SideBuy, side)
}

func (s *CoordinatorTestSuite) TestShortEntryInvertsProtection() {
	s.paper.UpdatePrice("AAPL", 150.0)

	_, err := s.coord.EnterWithProtection(context.Background(), EntryRequest{
		Symbol:   "AAPL",
		Side:     types.SideSell,
		Quantity: 100,
	})
	s.Require().NoError(err)

	s.paper.UpdatePrice("AAPL", 150.0)

	linkage, ok := s.coord.GetLinkage("AAPL")
	s.Require().True(ok)

	stop, err := s.manager.GetOrder(linkage.StopOrderID)
	s.Require().NoError(err)
	s.Equal(types.SideBuy, stop.Side)
	s.InDelta(154.50, stop.StopPrice, 1e-9, "a short is protected above the entry")

	target, err := s.manager.GetOrder(linkage.TargetOrderID)
	s.Require().NoError(err)
	s.Equal(types.SideBuy, target.Side)
	s.InDelta(138.00, target.LimitPrice, 1e-9, "a short is targeted below the entry")

	pos, err := s.tracker.GetPosition(linkage.PositionID)
	s.Require().NoError(err)
	s.Equal(-100.0, pos.Quantity)
	s.False(pos.IsLong())
}

func (s *CoordinatorTestSuite) TestDuplicateSameSideEntryRejected() {
	s.enterLong("AAPL", 100, 150.0)
	before := s.paper.PendingCount()

	_, err := s.coord.EnterWithProtection(context.Background(), EntryRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: 50,
	})
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeDuplicateEntry))
	s.Equal(before, s.paper.PendingCount(), "a rejected duplicate must not place orders")
}

func (s *CoordinatorTestSuite) TestOppositeSideEntryPermitted() {
	s.enterLong("AAPL", 100, 150.0)

	_, err := s.coord.EnterWithProtection(context.Background(), EntryRequest{
		Symbol:   "AAPL",
		Side:     types.SideSell,
		Quantity: 100,
	})
	s.Require().NoError(err, "a reversal entry is the rule author's call")

	side, ok := s.coord.ActiveSide("AAPL")
	s.Require().True(ok)
	s.Equal(types.SideSell, side)

	// The old long position is not auto-closed.
	s.Len(s.tracker.GetPositionsBySymbol("AAPL"), 1)
}

func (s *CoordinatorTestSuite) TestScaleInSideMismatchRejected() {
	s.enterLong("AAPL", 100, 150.0)
	before := s.paper.PendingCount()

	_, err := s.coord.ScaleIn(context.Background(), "AAPL", types.SideSell, 50)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeSideMismatch))
	s.Equal(before, s.paper.PendingCount(), "a rejected scale-in must not place orders")
}

func (s *CoordinatorTestSuite) TestScaleInRequiresMinimumProfit() {
	s.enterLong("AAPL", 100, 150.0)

	// 150 -> 150.75 is only +0.5%, below the 1% threshold.
	s.paper.UpdatePrice("AAPL", 150.75)

	_, err := s.coord.ScaleIn(context.Background(), "AAPL", types.SideBuy, 50)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeScaleInNotEligible))
}

func (s *CoordinatorTestSuite) TestScaleInFillRewiresProtection() {
	first := s.enterLong("AAPL", 100, 150.0)

	// +2% puts the position past the scale-in threshold.
	s.paper.UpdatePrice("AAPL", 153.0)

	scale, err := s.coord.ScaleIn(context.Background(), "AAPL", types.SideBuy, 50)
	s.Require().NoError(err)
	s.InDelta(153.0*0.999, scale.LimitPrice, 1e-9, "scale-in limit rests under the live price")

	linkage, ok := s.coord.GetLinkage("AAPL")
	s.Require().True(ok)
	s.Equal([]string{scale.ID}, linkage.ScaleOrderIDs)

	// A dip through the limit fills the scale-in at its limit price.
	s.paper.UpdatePrice("AAPL", 152.0)

	pos, err := s.tracker.GetPosition(linkage.PositionID)
	s.Require().NoError(err)
	s.Equal(150.0, pos.Quantity)

	wantEntry := (150.0*100 + 153.0*0.999*50) / 150
	s.InDelta(wantEntry, pos.EntryPrice, 1e-6, "entry must be the weighted average")

	rewired, ok := s.coord.GetLinkage("AAPL")
	s.Require().True(ok)
	s.NotEqual(first.StopOrderID, rewired.StopOrderID)
	s.NotEqual(first.TargetOrderID, rewired.TargetOrderID)

	oldStop, err := s.manager.GetOrder(first.StopOrderID)
	s.Require().NoError(err)
	s.Equal(types.OrderStatusCancelled, oldStop.Status)

	newStop, err := s.manager.GetOrder(rewired.StopOrderID)
	s.Require().NoError(err)
	s.Equal(150.0, newStop.Quantity, "protection must cover the grown position")
	s.InDelta(wantEntry*0.97, newStop.StopPrice, 1e-6)

	newTarget, err := s.manager.GetOrder(rewired.TargetOrderID)
	s.Require().NoError(err)
	s.InDelta(wantEntry*1.08, newTarget.LimitPrice, 1e-6)

	// The replaced protective orders must not linger in the order index.
	s.coord.mu.Lock()
	_, staleStop := s.coord.orderIndex[first.StopOrderID]
	_, staleTarget := s.coord.orderIndex[first.TargetOrderID]
	s.coord.mu.Unlock()
	s.False(staleStop, "stale stop must be evicted from the index")
	s.False(staleTarget, "stale target must be evicted from the index")
}

func (s *CoordinatorTestSuite) TestScaleInCap() {
	cfg := DefaultConfig()
	cfg.MaxScaleIns = 1
	s.coord = NewCoordinator(s.shared, cfg)
	s.coord.BindBus()

	s.enterLong("AAPL", 100, 150.0)
	s.paper.UpdatePrice("AAPL", 153.0)

	_, err := s.coord.ScaleIn(context.Background(), "AAPL", types.SideBuy, 50)
	s.Require().NoError(err)

	_, err = s.coord.ScaleIn(context.Background(), "AAPL", types.SideBuy, 50)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.ErrCodeScaleInNotEligible))
}

func (s *CoordinatorTestSuite) TestStopFillConcludesAndCancelsTarget() {
	linkage := s.enterLong("AAPL", 100, 150.0)

	s.paper.UpdatePrice("AAPL", 140.0)

	target, err := s.manager.GetOrder(linkage.TargetOrderID)
	s.Require().NoError(err)
	s.Equal(types.OrderStatusCancelled, target.Status, "the surviving OCO leg must be cancelled")

	stop, err := s.manager.GetOrder(linkage.StopOrderID)
	s.Require().NoError(err)
	s.Equal(types.OrderStatusFilled, stop.Status)

	s.Empty(s.tracker.GetPositionsBySymbol("AAPL"))
	history := s.tracker.ClosedHistory()
	s.Require().Len(history, 1)
	// 150 -> 140 on 100 shares.
	s.InDelta(-1000.0, history[0].RealizedPnL, 1e-9)

	_, ok := s.coord.GetLinkage("AAPL")
	s.False(ok, "a concluded linkage must be removed")

	_, ok = s.shared.Get(LinkageKey("AAPL"))
	s.False(ok)
	_, ok = s.shared.Get(ActiveSideKey("AAPL"))
	s.False(ok)
}

func (s *CoordinatorTestSuite) TestTakeProfitFillAllowsFreshEntry() {
	s.enterLong("AAPL", 100, 150.0)

	// Through the 162.00 target.
	s.paper.UpdatePrice("AAPL", 165.0)

	_, ok := s.coord.GetLinkage("AAPL")
	s.Require().False(ok)

	history := s.tracker.ClosedHistory()
	s.Require().Len(history, 1)
	// Target executes at its 162.00 limit.
	s.InDelta(1200.0, history[0].RealizedPnL, 1e-9)

	// A fresh signal for the same symbol opens a brand new idea.
	_, err := s.coord.EnterWithProtection(context.Background(), EntryRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Quantity: 100,
	})
	s.Require().NoError(err)

	s.paper.UpdatePrice("AAPL", 165.0)

	linkage, ok := s.coord.GetLinkage("AAPL")
	s.Require().True(ok)
	s.NotEmpty(linkage.PositionID)
	s.Len(s.tracker.GetPositionsBySymbol("AAPL"), 1)
}

func (s *CoordinatorTestSuite) TestCloseAllCancelsAndCloses() {
	linkage := s.enterLong("AAPL", 100, 150.0)

	s.paper.UpdatePrice("AAPL", 155.0)
	s.Require().NoError(s.coord.CloseAll(context.Background(), "AAPL"))

	stop, err := s.manager.GetOrder(linkage.StopOrderID)
	s.Require().NoError(err)
	s.Equal(types.OrderStatusCancelled, stop.Status)

	target, err := s.manager.GetOrder(linkage.TargetOrderID)
	s.Require().NoError(err)
	s.Equal(types.OrderStatusCancelled, target.Status)

	s.Empty(s.tracker.GetPositionsBySymbol("AAPL"))
	history := s.tracker.ClosedHistory()
	s.Require().Len(history, 1)
	s.InDelta(500.0, history[0].RealizedPnL, 1e-9)

	_, ok := s.coord.GetLinkage("AAPL")
	s.False(ok)

	s.Error(s.coord.CloseAll(context.Background(), "AAPL"), "a second close-all finds no linkage")
}

func TestCoordinatorTestSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorTestSuite))
}
