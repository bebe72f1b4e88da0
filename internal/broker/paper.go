package broker

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

type paperOrder struct {
	order         types.Order
	brokerOrderID string
}

// PaperConnection is an in-memory broker used for paper trading and tests.
//
// Orders rest until the next price update for their symbol: market orders
// fill at that price, limit and stop orders fill once the price crosses
// side-appropriately. Fills are announced as FillEvents on the bus, never
// synchronously inside SubmitOrder, mirroring a real asynchronous broker.
type PaperConnection struct {
	mu      sync.Mutex
	prices  map[string]float64
	pending []paperOrder
	bus     *eventbus.Bus
	log     *logger.Logger
}

// NewPaperConnection creates a paper broker publishing fills on bus.
func NewPaperConnection(bus *eventbus.Bus, log *logger.Logger) *PaperConnection {
	return &PaperConnection{
		prices:  make(map[string]float64),
		pending: make([]paperOrder, 0),
		bus:     bus,
		log:     log,
	}
}

// SubmitOrder implements Connection.
func (p *PaperConnection) SubmitOrder(ctx context.Context, order types.Order) (string, error) {
	if order.Quantity <= 0 {
		return "", errors.New(errors.ErrCodeInvalidQuantity, "order quantity must be positive")
	}

	brokerOrderID := uuid.New().String()

	p.mu.Lock()
	p.pending = append(p.pending, paperOrder{order: order, brokerOrderID: brokerOrderID})
	p.mu.Unlock()

	p.log.Debug("Paper order accepted",
		zap.String("order_id", order.ID),
		zap.String("broker_order_id", brokerOrderID),
		zap.String("symbol", order.Symbol),
	)

	return brokerOrderID, nil
}

// CancelOrder implements Connection. Cancelling an unknown order is a no-op.
func (p *PaperConnection) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, pending := range p.pending {
		if pending.brokerOrderID == brokerOrderID {
			p.pending = slices.Delete(p.pending, i, i+1)

			return nil
		}
	}

	return nil
}

// GetCurrentPrice implements Connection.
func (p *PaperConnection) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[symbol]
	if !ok {
		return 0, errors.Newf(errors.ErrCodePriceUnavailable, "no price observed for %s", symbol)
	}

	return price, nil
}

// UpdatePrice records a new price for a symbol, emits a PriceEvent, and fills
// any resting orders the new price satisfies.
func (p *PaperConnection) UpdatePrice(symbol string, price float64) {
	now := time.Now()

	p.mu.Lock()
	p.prices[symbol] = price

	var fills []types.FillEvent

	remaining := p.pending[:0]

	for _, pending := range p.pending {
		if pending.order.Symbol == symbol && fillable(pending.order, price) {
			fills = append(fills, types.FillEvent{
				OrderID:       pending.order.ID,
				BrokerOrderID: pending.brokerOrderID,
				Symbol:        symbol,
				Side:          pending.order.Side,
				Quantity:      pending.order.RemainingQuantity(),
				Price:         executionPrice(pending.order, price),
				Timestamp:     now,
			})

			continue
		}

		remaining = append(remaining, pending)
	}

	p.pending = remaining
	p.mu.Unlock()

	p.bus.Emit(types.PriceEvent{Symbol: symbol, Price: price, Timestamp: now})

	for _, fill := range fills {
		p.bus.Emit(fill)
	}
}

// PendingCount returns the number of resting orders.
func (p *PaperConnection) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.pending)
}

// fillable reports whether the current price satisfies the order.
func fillable(order types.Order, price float64) bool {
	switch order.OrderType {
	case types.OrderTypeMarket:
		return true
	case types.OrderTypeLimit:
		if order.Side == types.SideBuy {
			return price <= order.LimitPrice
		}

		return price >= order.LimitPrice
	case types.OrderTypeStop:
		if order.Side == types.SideBuy {
			return price >= order.StopPrice
		}

		return price <= order.StopPrice
	default:
		return false
	}
}

// executionPrice returns the price a satisfied order executes at. Limit
// orders execute at their limit, everything else at the observed price.
func executionPrice(order types.Order, price float64) float64 {
	if order.OrderType == types.OrderTypeLimit {
		return order.LimitPrice
	}

	return price
}

// Verify PaperConnection implements the Connection interface.
var _ Connection = (*PaperConnection)(nil)
