// Package position implements the position tracker. The tracker exclusively
// owns every position entity: all mutation goes through it, serialized per
// position, and every lifecycle transition is announced on the event bus.
package position

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

// Default tracker settings.
const (
	// DefaultPriceEpsilon suppresses PositionUpdateEvents for price moves
	// smaller than this, to avoid event flooding.
	DefaultPriceEpsilon = 1e-6
	// DefaultClosedHistoryLimit bounds the in-memory closed-position history.
	DefaultClosedHistoryLimit = 1000
	// updateLogLimit bounds the per-position update log.
	updateLogLimit = 100
)

type managedPosition struct {
	mu  sync.Mutex
	pos types.Position
}

// Tracker owns the active position set and a bounded closed history.
type Tracker struct {
	mu           sync.RWMutex
	active       map[string]*managedPosition
	bySymbol     map[string]map[string]struct{}
	closed       []types.Position
	priceEpsilon float64
	historyLimit int
	bus          *eventbus.Bus
	log          *logger.Logger
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithPriceEpsilon overrides the price-change threshold for update events.
func WithPriceEpsilon(epsilon float64) TrackerOption {
	return func(t *Tracker) { t.priceEpsilon = epsilon }
}

// WithClosedHistoryLimit overrides the closed-history bound.
func WithClosedHistoryLimit(limit int) TrackerOption {
	return func(t *Tracker) { t.historyLimit = limit }
}

// NewTracker creates a position tracker publishing lifecycle events on bus.
func NewTracker(bus *eventbus.Bus, log *logger.Logger, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		active:       make(map[string]*managedPosition),
		bySymbol:     make(map[string]map[string]struct{}),
		closed:       make([]types.Position, 0),
		priceEpsilon: DefaultPriceEpsilon,
		historyLimit: DefaultClosedHistoryLimit,
		bus:          bus,
		log:          log,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// CreateStockPosition creates a position and takes it PLANNED -> OPEN
// synchronously, emitting a PositionOpenEvent.
func (t *Tracker) CreateStockPosition(req types.PositionRequest) (types.Position, error) {
	if err := req.Validate(); err != nil {
		return types.Position{}, err
	}

	if req.Quantity == 0 {
		return types.Position{}, errors.New(errors.ErrCodeInvalidQuantity, "position quantity must be non-zero")
	}

	now := time.Now()
	entry := req.EntryPrice.TakeOr(0)

	pos := types.Position{
		ID:           uuid.New().String(),
		Symbol:       req.Symbol,
		Status:       types.PositionStatusPlanned,
		Quantity:     req.Quantity,
		EntryPrice:   entry,
		CurrentPrice: entry,
		StopLoss:     req.StopLoss.TakeOr(0),
		TakeProfit:   req.TakeProfit.TakeOr(0),
		StrategyName: req.StrategyName,
		Metadata:     req.Metadata,
		OpenedAt:     now,
		UpdatedAt:    now,
		Version:      1,
		UpdateLog: []types.PositionUpdateRecord{
			{Timestamp: now, Note: "created"},
		},
	}

	// PLANNED -> OPENING -> OPEN happens synchronously for stock positions; the
	// intermediate status exists for brokers that confirm asynchronously.
	pos.Status = types.PositionStatusOpening
	pos.Status = types.PositionStatusOpen

	managed := &managedPosition{pos: pos}

	t.mu.Lock()
	t.active[pos.ID] = managed

	if t.bySymbol[pos.Symbol] == nil {
		t.bySymbol[pos.Symbol] = make(map[string]struct{})
	}

	t.bySymbol[pos.Symbol][pos.ID] = struct{}{}
	t.mu.Unlock()

	t.log.Info("Position opened",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Float64("quantity", pos.Quantity),
		zap.Float64("entry_price", pos.EntryPrice),
	)

	t.bus.Emit(types.PositionOpenEvent{Position: pos, Timestamp: now})

	return pos, nil
}

// UpdatePositionPrice refreshes the current price and unrealized P&L of an
// open position. A PositionUpdateEvent is emitted only when the price change
// exceeds the configured epsilon.
func (t *Tracker) UpdatePositionPrice(id string, price float64) error {
	managed, err := t.lookup(id)
	if err != nil {
		return err
	}

	managed.mu.Lock()

	if managed.pos.IsClosed() {
		managed.mu.Unlock()

		return errors.Newf(errors.ErrCodePositionClosed, "position %s is closed", id)
	}

	changed := math.Abs(price-managed.pos.CurrentPrice) > t.priceEpsilon

	managed.pos.CurrentPrice = price
	managed.pos.UnrealizedPnL = types.ComputePnL(managed.pos.EntryPrice, price, managed.pos.Quantity)
	managed.pos.UpdatedAt = time.Now()

	event := types.PositionUpdateEvent{
		Position:  managed.pos,
		Deltas:    types.PositionDeltas{Price: true},
		Prior:     snapshot(&managed.pos),
		Timestamp: managed.pos.UpdatedAt,
	}

	managed.mu.Unlock()

	if changed {
		t.bus.Emit(event)
	}

	return nil
}

// ClosePosition takes a position to CLOSED, fixes its realized P&L, and moves
// it from the active set to the bounded closed history. Closing an already
// closed or unknown position is a no-op: exactly one PositionCloseEvent is
// emitted per position.
func (t *Tracker) ClosePosition(id string, exitPrice float64, reason string) (types.Position, error) {
	managed, err := t.lookup(id)
	if err != nil {
		if closed, ok := t.closedByID(id); ok {
			return closed, nil
		}

		return types.Position{}, err
	}

	managed.mu.Lock()

	if managed.pos.IsClosed() {
		pos := managed.pos
		managed.mu.Unlock()

		return pos, nil
	}

	now := time.Now()

	managed.pos.Status = types.PositionStatusClosing
	managed.pos.ExitPrice = exitPrice
	managed.pos.RealizedPnL = types.ComputePnL(managed.pos.EntryPrice, exitPrice, managed.pos.Quantity)
	managed.pos.UnrealizedPnL = 0
	managed.pos.Status = types.PositionStatusClosed
	managed.pos.ClosedAt = now
	managed.pos.UpdatedAt = now
	managed.pos.Version++
	managed.pos.UpdateLog = appendUpdate(managed.pos.UpdateLog, now, "closed: "+reason)

	pos := managed.pos

	managed.mu.Unlock()

	t.mu.Lock()
	delete(t.active, id)

	if ids := t.bySymbol[pos.Symbol]; ids != nil {
		delete(ids, id)

		if len(ids) == 0 {
			delete(t.bySymbol, pos.Symbol)
		}
	}

	t.closed = append(t.closed, pos)
	if len(t.closed) > t.historyLimit {
		t.closed = t.closed[len(t.closed)-t.historyLimit:]
	}
	t.mu.Unlock()

	t.log.Info("Position closed",
		zap.String("position_id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.Float64("exit_price", exitPrice),
		zap.Float64("realized_pnl", pos.RealizedPnL),
		zap.String("reason", reason),
	)

	t.bus.Emit(types.PositionCloseEvent{Position: pos, ExitPrice: exitPrice, Reason: reason, Timestamp: now})

	return pos, nil
}

// Adjustment describes a change applied through AdjustPosition. Fields left
// None keep their current values.
type Adjustment struct {
	Quantity   optional.Option[float64]
	EntryPrice optional.Option[float64]
	StopLoss   optional.Option[float64]
	TakeProfit optional.Option[float64]
	Note       string
}

// AdjustPosition transitions an open position through ADJUSTING back to OPEN,
// records the prior values, and emits a PositionUpdateEvent with delta flags.
// Adjusting a closed position is a no-op.
func (t *Tracker) AdjustPosition(id string, adj Adjustment) (types.Position, error) {
	managed, err := t.lookup(id)
	if err != nil {
		if closed, ok := t.closedByID(id); ok {
			return closed, nil
		}

		return types.Position{}, err
	}

	managed.mu.Lock()

	if managed.pos.IsClosed() {
		pos := managed.pos
		managed.mu.Unlock()

		return pos, nil
	}

	if !managed.pos.Status.CanTransition(types.PositionStatusAdjusting) {
		status := managed.pos.Status
		managed.mu.Unlock()

		return types.Position{}, errors.Newf(errors.ErrCodePositionState, "cannot adjust position in status %s", status)
	}

	now := time.Now()
	prior := snapshot(&managed.pos)
	deltas := types.PositionDeltas{}

	managed.pos.Status = types.PositionStatusAdjusting

	if adj.Quantity.IsSome() {
		managed.pos.Quantity = adj.Quantity.Unwrap()
		deltas.Quantity = true
	}

	if adj.EntryPrice.IsSome() {
		managed.pos.EntryPrice = adj.EntryPrice.Unwrap()
		deltas.Price = true
	}

	if adj.StopLoss.IsSome() {
		managed.pos.StopLoss = adj.StopLoss.Unwrap()
		deltas.StopLoss = true
	}

	if adj.TakeProfit.IsSome() {
		managed.pos.TakeProfit = adj.TakeProfit.Unwrap()
		deltas.TakeProfit = true
	}

	managed.pos.UnrealizedPnL = types.ComputePnL(managed.pos.EntryPrice, managed.pos.CurrentPrice, managed.pos.Quantity)
	managed.pos.Status = types.PositionStatusOpen
	managed.pos.UpdatedAt = now
	managed.pos.Version++

	note := adj.Note
	if note == "" {
		note = "adjusted"
	}

	managed.pos.UpdateLog = appendUpdate(managed.pos.UpdateLog, now, note)

	pos := managed.pos

	managed.mu.Unlock()

	t.bus.Emit(types.PositionUpdateEvent{Position: pos, Deltas: deltas, Prior: prior, Timestamp: now})

	return pos, nil
}

// SetOrderLinks records the order ids linked to a position.
func (t *Tracker) SetOrderLinks(id, entryOrderID, stopOrderID, profitOrderID string) error {
	managed, err := t.lookup(id)
	if err != nil {
		return err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()

	if managed.pos.IsClosed() {
		return nil
	}

	if entryOrderID != "" {
		managed.pos.EntryOrderID = entryOrderID
	}

	if stopOrderID != "" {
		managed.pos.StopOrderID = stopOrderID
	}

	if profitOrderID != "" {
		managed.pos.ProfitOrderID = profitOrderID
	}

	managed.pos.Version++

	return nil
}

// GetPosition returns a copy of an active position.
func (t *Tracker) GetPosition(id string) (types.Position, error) {
	managed, err := t.lookup(id)
	if err != nil {
		if closed, ok := t.closedByID(id); ok {
			return closed, nil
		}

		return types.Position{}, err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()

	return managed.pos, nil
}

// GetPositionsBySymbol returns copies of every active position for a symbol.
func (t *Tracker) GetPositionsBySymbol(symbol string) []types.Position {
	t.mu.RLock()

	var managedSet []*managedPosition
	for id := range t.bySymbol[symbol] {
		if managed, ok := t.active[id]; ok {
			managedSet = append(managedSet, managed)
		}
	}

	t.mu.RUnlock()

	positions := make([]types.Position, 0, len(managedSet))

	for _, managed := range managedSet {
		managed.mu.Lock()
		positions = append(positions, managed.pos)
		managed.mu.Unlock()
	}

	return positions
}

// GetOpenPositions returns copies of every active position.
func (t *Tracker) GetOpenPositions() []types.Position {
	t.mu.RLock()

	managedSet := make([]*managedPosition, 0, len(t.active))
	for _, managed := range t.active {
		managedSet = append(managedSet, managed)
	}

	t.mu.RUnlock()

	positions := make([]types.Position, 0, len(managedSet))

	for _, managed := range managedSet {
		managed.mu.Lock()
		positions = append(positions, managed.pos)
		managed.mu.Unlock()
	}

	return positions
}

// ClosedHistory returns a copy of the bounded closed-position history.
func (t *Tracker) ClosedHistory() []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	history := make([]types.Position, len(t.closed))
	copy(history, t.closed)

	return history
}

func (t *Tracker) lookup(id string) (*managedPosition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	managed, ok := t.active[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodePositionNotFound, "no active position with id %s", id)
	}

	return managed, nil
}

func (t *Tracker) closedByID(id string) (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := len(t.closed) - 1; i >= 0; i-- {
		if t.closed[i].ID == id {
			return t.closed[i], true
		}
	}

	return types.Position{}, false
}

func snapshot(pos *types.Position) types.PositionSnapshot {
	return types.PositionSnapshot{
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
	}
}

func appendUpdate(log []types.PositionUpdateRecord, ts time.Time, note string) []types.PositionUpdateRecord {
	log = append(log, types.PositionUpdateRecord{Timestamp: ts, Note: note})
	if len(log) > updateLogLimit {
		log = log[len(log)-updateLogLimit:]
	}

	return log
}
