// Package linked coordinates the orders belonging to one trading idea: the
// entry, its protective stop/target pair, and any scale-in orders. The
// linkage lives in the rules' shared context keyed by symbol, so conditions
// and actions can see which side is active and which orders are in flight.
package linked

import (
	"context"
	"fmt"
	"sync"

	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/octave-lab/octave-trading/internal/position"
	"github.com/octave-lab/octave-trading/internal/rule"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

// Linkage records the orders tied to one trading idea for a symbol. A copy
// is mirrored into the shared context under LinkageKey(symbol).
type Linkage struct {
	Symbol        string
	Side          types.Side
	EntryOrderID  string
	StopOrderID   string
	TargetOrderID string
	ScaleOrderIDs []string
	PositionID    string
}

// LinkageKey returns the shared-context key holding a symbol's linkage.
func LinkageKey(symbol string) string { return "linkage:" + symbol }

// ActiveSideKey returns the shared-context key holding a symbol's active side.
func ActiveSideKey(symbol string) string { return "active_side:" + symbol }

// Config holds the percentage offsets driving automatic protection and
// scale-in placement. All percentages are fractions (0.03 means 3%).
type Config struct {
	// AutoProtect places a stop/target OCO pair when an entry fills.
	AutoProtect bool
	// StopLossPct offsets the stop from the entry fill price, below for
	// longs and above for shorts.
	StopLossPct float64
	// TakeProfitPct offsets the target from the entry fill price, above
	// for longs and below for shorts.
	TakeProfitPct float64
	// ScaleInMinProfit is the minimum unrealized profit ratio the existing
	// position must show before a scale-in is accepted.
	ScaleInMinProfit float64
	// ScaleInPriceOffset offsets the scale-in limit from the live price,
	// below for longs and above for shorts.
	ScaleInPriceOffset float64
	// MaxScaleIns caps scale-in orders per linkage. Zero means no cap.
	MaxScaleIns int
}

// DefaultConfig returns the stock risk parameters: 3% stop, 8% target, 1%
// minimum profit before scaling, scale-in limit 0.1% inside the live price.
func DefaultConfig() Config {
	return Config{
		AutoProtect:        true,
		StopLossPct:        0.03,
		TakeProfitPct:      0.08,
		ScaleInMinProfit:   0.01,
		ScaleInPriceOffset: 0.001,
	}
}

// Coordinator owns the per-symbol linkages and reacts to fills: an entry
// fill opens the tracked position and arms protection, a scale-in fill
// rewires protection around the new weighted-average entry, and a protective
// fill concludes the idea and resets the linkage.
type Coordinator struct {
	mu sync.Mutex
	// bySymbol holds the current linkage per symbol. orderIndex resolves
	// fills for superseded linkages too, so a reversal does not orphan the
	// old side's conclusion handling.
	bySymbol   map[string]*Linkage
	orderIndex map[string]*Linkage

	shared *rule.Context
	cfg    Config
}

// NewCoordinator wires a coordinator to the shared rule context.
func NewCoordinator(shared *rule.Context, cfg Config) *Coordinator {
	return &Coordinator{
		bySymbol:   make(map[string]*Linkage),
		orderIndex: make(map[string]*Linkage),
		shared:     shared,
		cfg:        cfg,
	}
}

// BindBus subscribes the coordinator to order status events.
func (c *Coordinator) BindBus() {
	c.shared.Bus.Subscribe(types.EventTypeOrderStatus, func(event types.Event) error {
		orderEvent, ok := event.(types.OrderEvent)
		if !ok {
			return nil
		}

		return c.handleOrderEvent(orderEvent.Order)
	})
}

// EntryRequest describes a new trading idea for a symbol.
type EntryRequest struct {
	Symbol       string
	Side         types.Side
	Quantity     float64
	StrategyName string
}

// EnterWithProtection submits a market entry for a new trading idea. A
// same-side entry while the symbol's linkage is active is rejected; an
// opposite-side entry is permitted and supersedes the linkage without
// closing the old side, which stays the rule author's responsibility.
func (c *Coordinator) EnterWithProtection(ctx context.Context, req EntryRequest) (types.Order, error) {
	c.mu.Lock()

	if existing, ok := c.bySymbol[req.Symbol]; ok {
		if existing.Side == req.Side {
			c.mu.Unlock()

			return types.Order{}, errors.Newf(errors.ErrCodeDuplicateEntry,
				"%s already has an active %s linkage", req.Symbol, req.Side)
		}

		c.shared.Log.Warn("Opposite-side entry supersedes the active linkage",
			zap.String("symbol", req.Symbol),
			zap.String("active_side", string(existing.Side)),
			zap.String("new_side", string(req.Side)),
		)
	}
	c.mu.Unlock()

	entry, err := c.shared.Orders.CreateOrder(types.OrderRequest{
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		OrderType:    types.OrderTypeMarket,
		TimeInForce:  types.TimeInForceDay,
		Reason:       types.Reason{Reason: types.OrderReasonEntry, Message: "linked entry"},
		StrategyName: req.StrategyName,
	})
	if err != nil {
		return types.Order{}, err
	}

	if err := c.shared.Orders.SubmitOrder(ctx, entry.ID); err != nil {
		return types.Order{}, err
	}

	linkage := &Linkage{
		Symbol:       req.Symbol,
		Side:         req.Side,
		EntryOrderID: entry.ID,
	}

	c.mu.Lock()
	c.bySymbol[req.Symbol] = linkage
	c.orderIndex[entry.ID] = linkage
	c.mu.Unlock()

	c.publish(linkage)

	return entry, nil
}

// ScaleIn places a limit order adding quantity to the symbol's active idea.
// The signal side must match the linkage side, the existing position must
// show the configured minimum profit, and the scale-in cap must not be
// reached. Rejections place no order.
func (c *Coordinator) ScaleIn(ctx context.Context, symbol string, side types.Side, quantity float64) (types.Order, error) {
	c.mu.Lock()
	linkage, ok := c.bySymbol[symbol]
	if !ok {
		c.mu.Unlock()

		return types.Order{}, errors.Newf(errors.ErrCodeLinkageNotFound, "%s has no active linkage", symbol)
	}

	if linkage.Side != side {
		c.mu.Unlock()

		return types.Order{}, errors.Newf(errors.ErrCodeSideMismatch,
			"scale-in side %s does not match %s linkage side %s", side, symbol, linkage.Side)
	}

	if c.cfg.MaxScaleIns > 0 && len(linkage.ScaleOrderIDs) >= c.cfg.MaxScaleIns {
		c.mu.Unlock()

		return types.Order{}, errors.Newf(errors.ErrCodeScaleInNotEligible,
			"%s reached the scale-in cap of %d", symbol, c.cfg.MaxScaleIns)
	}

	positionID := linkage.PositionID
	c.mu.Unlock()

	if positionID == "" {
		return types.Order{}, errors.Newf(errors.ErrCodeScaleInNotEligible,
			"%s entry has not filled yet", symbol)
	}

	pos, err := c.shared.Positions.GetPosition(positionID)
	if err != nil {
		return types.Order{}, err
	}

	price, err := c.shared.Broker.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return types.Order{}, errors.Wrapf(errors.ErrCodePriceUnavailable, err,
			"cannot price a scale-in for %s", symbol)
	}

	if ratio := profitRatio(pos.EntryPrice, price, pos.IsLong()); ratio < c.cfg.ScaleInMinProfit {
		return types.Order{}, errors.Newf(errors.ErrCodeScaleInNotEligible,
			"%s profit ratio %.4f is below the %.4f scale-in threshold", symbol, ratio, c.cfg.ScaleInMinProfit)
	}

	limit := offsetInside(price, c.cfg.ScaleInPriceOffset, pos.IsLong())

	scale, err := c.shared.Orders.CreateOrder(types.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Quantity:    quantity,
		OrderType:   types.OrderTypeLimit,
		LimitPrice:  optional.Some(limit),
		TimeInForce: types.TimeInForceDay,
		Reason:      types.Reason{Reason: types.OrderReasonScaleIn, Message: "linked scale-in"},
	})
	if err != nil {
		return types.Order{}, err
	}

	if err := c.shared.Orders.SubmitOrder(ctx, scale.ID); err != nil {
		return types.Order{}, err
	}

	c.mu.Lock()
	linkage.ScaleOrderIDs = append(linkage.ScaleOrderIDs, scale.ID)
	c.orderIndex[scale.ID] = linkage
	c.mu.Unlock()

	c.publish(linkage)

	return scale, nil
}

// CloseAll cancels every linked order for a symbol, closes the tracked
// position at the current price, and resets the linkage.
func (c *Coordinator) CloseAll(ctx context.Context, symbol string) error {
	c.mu.Lock()
	linkage, ok := c.bySymbol[symbol]
	if !ok {
		c.mu.Unlock()

		return errors.Newf(errors.ErrCodeLinkageNotFound, "%s has no active linkage", symbol)
	}

	orderIDs := linkage.allOrderIDs()
	positionID := linkage.PositionID
	c.mu.Unlock()

	for _, orderID := range orderIDs {
		if err := c.shared.Orders.CancelOrder(ctx, orderID); err != nil {
			c.shared.Log.Warn("Failed to cancel linked order",
				zap.String("symbol", symbol),
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		}
	}

	if positionID != "" {
		price, err := c.shared.Broker.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return errors.Wrapf(errors.ErrCodePriceUnavailable, err, "cannot close %s without a price", symbol)
		}

		if _, err := c.shared.Positions.ClosePosition(positionID, price, types.OrderReasonCloseAll); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}

	c.conclude(linkage)

	return nil
}

// GetLinkage returns a copy of the symbol's active linkage.
func (c *Coordinator) GetLinkage(symbol string) (Linkage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	linkage, ok := c.bySymbol[symbol]
	if !ok {
		return Linkage{}, false
	}

	return *linkage, true
}

// ActiveSide returns the side of the symbol's active linkage.
func (c *Coordinator) ActiveSide(symbol string) (types.Side, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	linkage, ok := c.bySymbol[symbol]
	if !ok {
		return "", false
	}

	return linkage.Side, true
}

// handleOrderEvent routes terminal fills of linked orders. Unknown orders
// are other strategies' business and are ignored.
func (c *Coordinator) handleOrderEvent(order types.Order) error {
	if order.Status != types.OrderStatusFilled {
		return nil
	}

	c.mu.Lock()
	linkage, ok := c.orderIndex[order.ID]
	c.mu.Unlock()

	if !ok {
		return nil
	}

	switch order.Reason.Reason {
	case types.OrderReasonEntry:
		return c.onEntryFill(linkage, order)
	case types.OrderReasonScaleIn:
		return c.onScaleInFill(linkage, order)
	case types.OrderReasonStopLoss, types.OrderReasonTakeProfit:
		return c.onProtectiveFill(linkage, order)
	default:
		return nil
	}
}

// onEntryFill opens the tracked position at the fill price and, when
// auto-protection is on, arms the stop/target OCO pair around it.
func (c *Coordinator) onEntryFill(linkage *Linkage, entry types.Order) error {
	quantity := entry.FilledQuantity
	if entry.Side == types.SideSell {
		quantity = -quantity
	}

	pos, err := c.shared.Positions.CreateStockPosition(types.PositionRequest{
		Symbol:       entry.Symbol,
		Quantity:     quantity,
		EntryPrice:   optional.Some(entry.AverageFillPrice),
		StrategyName: entry.StrategyName,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	linkage.PositionID = pos.ID
	c.mu.Unlock()

	if !c.cfg.AutoProtect {
		c.publish(linkage)
		return nil
	}

	if err := c.armProtection(linkage, pos.ID, entry.AverageFillPrice, entry.FilledQuantity); err != nil {
		return err
	}

	c.publish(linkage)

	return nil
}

// onScaleInFill folds the fill into the position's weighted-average entry
// and rewires protection around the new basis and total quantity.
func (c *Coordinator) onScaleInFill(linkage *Linkage, scale types.Order) error {
	c.mu.Lock()
	positionID := linkage.PositionID
	stopID := linkage.StopOrderID
	targetID := linkage.TargetOrderID
	c.mu.Unlock()

	pos, err := c.shared.Positions.GetPosition(positionID)
	if err != nil {
		return err
	}

	newEntry, newQuantity := foldFill(pos.EntryPrice, pos.Quantity, scale.AverageFillPrice, scale.FilledQuantity, scale.Side)

	if _, err := c.shared.Positions.AdjustPosition(positionID, position.Adjustment{
		Quantity:   optional.Some(newQuantity),
		EntryPrice: optional.Some(newEntry),
		Note:       fmt.Sprintf("scale-in fill %s", scale.ID),
	}); err != nil {
		return err
	}

	for _, staleID := range []string{stopID, targetID} {
		if staleID == "" {
			continue
		}

		if err := c.shared.Orders.CancelOrder(context.Background(), staleID); err != nil {
			c.shared.Log.Warn("Failed to cancel stale protective order",
				zap.String("symbol", linkage.Symbol),
				zap.String("order_id", staleID),
				zap.Error(err),
			)
		}

		c.mu.Lock()
		delete(c.orderIndex, staleID)
		c.mu.Unlock()
	}

	if c.cfg.AutoProtect {
		absQuantity := newQuantity
		if absQuantity < 0 {
			absQuantity = -absQuantity
		}

		if err := c.armProtection(linkage, positionID, newEntry, absQuantity); err != nil {
			return err
		}
	}

	c.publish(linkage)

	return nil
}

// onProtectiveFill concludes the idea: the position is closed at the fill
// price and the linkage is reset so a fresh signal can open a new one. The
// order manager has already cancelled the surviving OCO sibling.
func (c *Coordinator) onProtectiveFill(linkage *Linkage, protective types.Order) error {
	c.mu.Lock()
	positionID := linkage.PositionID
	c.mu.Unlock()

	if positionID != "" {
		if _, err := c.shared.Positions.ClosePosition(positionID, protective.AverageFillPrice, protective.Reason.Reason); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}

	c.conclude(linkage)

	return nil
}

// armProtection creates and submits the stop/target OCO pair with
// side-dependent placement: a long is protected below and targeted above,
// a short the other way around.
func (c *Coordinator) armProtection(linkage *Linkage, positionID string, entryPrice, quantity float64) error {
	long := linkage.Side == types.SideBuy

	exitSide := types.SideSell
	if !long {
		exitSide = types.SideBuy
	}

	stopPrice := protectivePrice(entryPrice, c.cfg.StopLossPct, !long)
	targetPrice := protectivePrice(entryPrice, c.cfg.TakeProfitPct, long)

	group, err := c.shared.Orders.CreateOCO(
		types.OrderRequest{
			Symbol:      linkage.Symbol,
			Side:        exitSide,
			Quantity:    quantity,
			OrderType:   types.OrderTypeStop,
			StopPrice:   optional.Some(stopPrice),
			TimeInForce: types.TimeInForceGTC,
			Reason:      types.Reason{Reason: types.OrderReasonStopLoss, Message: "linked protection"},
		},
		types.OrderRequest{
			Symbol:      linkage.Symbol,
			Side:        exitSide,
			Quantity:    quantity,
			OrderType:   types.OrderTypeLimit,
			LimitPrice:  optional.Some(targetPrice),
			TimeInForce: types.TimeInForceGTC,
			Reason:      types.Reason{Reason: types.OrderReasonTakeProfit, Message: "linked protection"},
		},
	)
	if err != nil {
		return err
	}

	stopID, targetID := group.OrderIDs[0], group.OrderIDs[1]

	for _, orderID := range group.OrderIDs {
		if err := c.shared.Orders.SubmitOrder(context.Background(), orderID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	linkage.StopOrderID = stopID
	linkage.TargetOrderID = targetID
	c.orderIndex[stopID] = linkage
	c.orderIndex[targetID] = linkage
	c.mu.Unlock()

	if err := c.shared.Positions.SetOrderLinks(positionID, linkage.EntryOrderID, stopID, targetID); err != nil {
		return err
	}

	c.shared.Log.Info("Protection armed",
		zap.String("symbol", linkage.Symbol),
		zap.Float64("entry", entryPrice),
		zap.Float64("stop", stopPrice),
		zap.Float64("target", targetPrice),
	)

	return nil
}

// conclude deletes the linkage and its context mirror. A superseded linkage
// only clears the symbol slot if it still owns it.
func (c *Coordinator) conclude(linkage *Linkage) {
	c.mu.Lock()
	if current, ok := c.bySymbol[linkage.Symbol]; ok && current == linkage {
		delete(c.bySymbol, linkage.Symbol)

		c.shared.Delete(LinkageKey(linkage.Symbol))
		c.shared.Delete(ActiveSideKey(linkage.Symbol))
	}

	for _, orderID := range linkage.allOrderIDs() {
		delete(c.orderIndex, orderID)
	}
	c.mu.Unlock()

	c.shared.Log.Info("Linkage concluded", zap.String("symbol", linkage.Symbol))
}

// publish mirrors the linkage into the shared context so conditions can
// read it. Only the current linkage for the symbol is mirrored.
func (c *Coordinator) publish(linkage *Linkage) {
	c.mu.Lock()
	current, ok := c.bySymbol[linkage.Symbol]
	snapshot := *linkage
	c.mu.Unlock()

	if !ok || current != linkage {
		return
	}

	c.shared.Set(LinkageKey(linkage.Symbol), snapshot)
	c.shared.Set(ActiveSideKey(linkage.Symbol), snapshot.Side)
}

func (l *Linkage) allOrderIDs() []string {
	ids := make([]string, 0, 3+len(l.ScaleOrderIDs))

	for _, id := range []string{l.EntryOrderID, l.StopOrderID, l.TargetOrderID} {
		if id != "" {
			ids = append(ids, id)
		}
	}

	return append(ids, l.ScaleOrderIDs...)
}

// protectivePrice offsets a price by pct, upward when above is set.
func protectivePrice(price, pct float64, above bool) float64 {
	offset := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(pct))

	base := decimal.NewFromFloat(price)
	if above {
		base = base.Add(offset)
	} else {
		base = base.Sub(offset)
	}

	result, _ := base.Float64()

	return result
}

// offsetInside moves a price toward the position by the offset fraction:
// below the live price for a long, above it for a short.
func offsetInside(price, pct float64, long bool) float64 {
	return protectivePrice(price, pct, !long)
}

// profitRatio is the signed unrealized return of an entry against the live
// price, positive when the position is in profit.
func profitRatio(entry, price float64, long bool) float64 {
	if entry == 0 {
		return 0
	}

	ratio, _ := decimal.NewFromFloat(price).
		Sub(decimal.NewFromFloat(entry)).
		Div(decimal.NewFromFloat(entry)).
		Float64()

	if !long {
		ratio = -ratio
	}

	return ratio
}

// foldFill folds a scale-in execution into a signed position quantity and
// its weighted-average entry price.
func foldFill(entry, quantity, fillPrice, fillQuantity float64, side types.Side) (float64, float64) {
	signedFill := decimal.NewFromFloat(fillQuantity)
	if side == types.SideSell {
		signedFill = signedFill.Neg()
	}

	oldQty := decimal.NewFromFloat(quantity)
	newQty := oldQty.Add(signedFill)

	if newQty.IsZero() {
		return entry, 0
	}

	notional := decimal.NewFromFloat(entry).Mul(oldQty.Abs()).
		Add(decimal.NewFromFloat(fillPrice).Mul(signedFill.Abs()))

	newEntry, _ := notional.Div(newQty.Abs()).Float64()
	newQuantity, _ := newQty.Float64()

	return newEntry, newQuantity
}
