package broker

import (
	"testing"

	"github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/suite"

	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/types"
)

type BinanceConnectionTestSuite struct {
	suite.Suite
	bus   *eventbus.Bus
	conn  *BinanceConnection
	fills []types.FillEvent
	acks  []types.OrderAckEvent
}

func TestBinanceConnectionSuite(t *testing.T) {
	suite.Run(t, new(BinanceConnectionTestSuite))
}

func (suite *BinanceConnectionTestSuite) SetupTest() {
	suite.bus = eventbus.NewBus(logger.NewNopLogger())
	suite.conn = NewBinanceConnection(BinanceConfig{}, suite.bus, logger.NewNopLogger())
	suite.fills = nil
	suite.acks = nil

	suite.bus.Subscribe(types.EventTypeFill, func(event types.Event) error {
		fill, ok := event.(types.FillEvent)
		suite.Require().True(ok)
		suite.fills = append(suite.fills, fill)

		return nil
	})
	suite.bus.Subscribe(types.EventTypeOrderAck, func(event types.Event) error {
		ack, ok := event.(types.OrderAckEvent)
		suite.Require().True(ok)
		suite.acks = append(suite.acks, ack)

		return nil
	})

	suite.conn.tracked["BTCUSDT:42"] = &binanceOrderState{
		symbol:  "BTCUSDT",
		orderID: 42,
		side:    types.SideBuy,
	}
}

func snapshot(status binance.OrderStatusType, executed, cumQuote string) *binance.Order {
	return &binance.Order{
		Symbol:                   "BTCUSDT",
		OrderID:                  42,
		ExecutedQuantity:         executed,
		CummulativeQuoteQuantity: cumQuote,
		Status:                   status,
		UpdateTime:               1700000000000,
	}
}

func (suite *BinanceConnectionTestSuite) TestFirstSnapshotAcksOnce() {
	suite.conn.syncOrder("BTCUSDT:42", snapshot(binance.OrderStatusTypeNew, "0", "0"))

	suite.Require().Len(suite.acks, 1)
	suite.Equal("BTCUSDT:42", suite.acks[0].BrokerOrderID)
	suite.Empty(suite.fills)

	suite.conn.syncOrder("BTCUSDT:42", snapshot(binance.OrderStatusTypeNew, "0", "0"))

	suite.Len(suite.acks, 1, "acknowledgement must be emitted once")
}

func (suite *BinanceConnectionTestSuite) TestExecutedDeltaEmitsFill() {
	suite.conn.syncOrder("BTCUSDT:42", snapshot(binance.OrderStatusTypePartiallyFilled, "40", "6060"))

	suite.Require().Len(suite.fills, 1)
	suite.Equal("BTCUSDT:42", suite.fills[0].BrokerOrderID)
	suite.Equal(types.SideBuy, suite.fills[0].Side)
	suite.InDelta(40.0, suite.fills[0].Quantity, 1e-9)
	suite.InDelta(151.5, suite.fills[0].Price, 1e-9)

	// The next snapshot only carries the newly executed quantity.
	suite.conn.syncOrder("BTCUSDT:42", snapshot(binance.OrderStatusTypeFilled, "100", "15150"))

	suite.Require().Len(suite.fills, 2)
	suite.InDelta(60.0, suite.fills[1].Quantity, 1e-9)
	suite.InDelta(151.5, suite.fills[1].Price, 1e-9)
}

func (suite *BinanceConnectionTestSuite) TestUnchangedSnapshotEmitsNoFill() {
	suite.conn.syncOrder("BTCUSDT:42", snapshot(binance.OrderStatusTypePartiallyFilled, "40", "6060"))
	suite.conn.syncOrder("BTCUSDT:42", snapshot(binance.OrderStatusTypePartiallyFilled, "40", "6060"))

	suite.Len(suite.fills, 1)
}

func (suite *BinanceConnectionTestSuite) TestTerminalSnapshotEvictsOrder() {
	// A cancellation racing a partial execution still delivers the fill.
	suite.conn.syncOrder("BTCUSDT:42", snapshot(binance.OrderStatusTypeCanceled, "40", "6060"))

	suite.Require().Len(suite.fills, 1)
	suite.InDelta(40.0, suite.fills[0].Quantity, 1e-9)

	suite.conn.mu.Lock()
	_, tracked := suite.conn.tracked["BTCUSDT:42"]
	suite.conn.mu.Unlock()
	suite.False(tracked, "terminal orders must leave the tracked set")
}

func (suite *BinanceConnectionTestSuite) TestMalformedQuantityIsSkipped() {
	suite.conn.syncOrder("BTCUSDT:42", snapshot(binance.OrderStatusTypeNew, "not-a-number", "0"))

	suite.Empty(suite.acks)
	suite.Empty(suite.fills)
}

func (suite *BinanceConnectionTestSuite) TestUnknownOrderIsIgnored() {
	suite.conn.syncOrder("ETHUSDT:7", snapshot(binance.OrderStatusTypeNew, "0", "0"))

	suite.Empty(suite.acks)
	suite.Empty(suite.fills)
}
