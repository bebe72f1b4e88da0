// Package order implements the order manager. The manager exclusively owns
// every order and order group: creation, submission, cancellation, and fill
// ingestion all go through it, serialized per order, with status transitions
// announced on the event bus.
package order

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/octave-lab/octave-trading/internal/broker"
	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

type managedOrder struct {
	mu    sync.Mutex
	order types.Order
}

type managedGroup struct {
	mu        sync.Mutex
	group     types.OrderGroup
	activated bool
	resolved  bool
}

// Manager owns the order and group collections.
type Manager struct {
	mu       sync.RWMutex
	orders   map[string]*managedOrder
	byBroker map[string]string
	groups   map[string]*managedGroup
	conn     broker.Connection
	bus      *eventbus.Bus
	log      *logger.Logger
}

// NewManager creates an order manager submitting through conn and publishing
// status transitions on bus.
func NewManager(bus *eventbus.Bus, conn broker.Connection, log *logger.Logger) *Manager {
	return &Manager{
		orders:   make(map[string]*managedOrder),
		byBroker: make(map[string]string),
		groups:   make(map[string]*managedGroup),
		conn:     conn,
		bus:      bus,
		log:      log,
	}
}

// BindBus subscribes the manager to broker fill and acknowledgement events.
// Fills arriving on the bus are ingested through HandleFill; acknowledgements
// move the order to ACCEPTED through MarkAccepted.
func (m *Manager) BindBus() {
	m.bus.Subscribe(types.EventTypeFill, func(event types.Event) error {
		fill, ok := event.(types.FillEvent)
		if !ok {
			return nil
		}

		return m.HandleFill(context.Background(), fill)
	})

	m.bus.Subscribe(types.EventTypeOrderAck, func(event types.Event) error {
		ack, ok := event.(types.OrderAckEvent)
		if !ok {
			return nil
		}

		return m.MarkAccepted(ack.BrokerOrderID)
	})
}

// CreateOrder creates a new order in CREATED status.
func (m *Manager) CreateOrder(req types.OrderRequest) (types.Order, error) {
	return m.createOrder(req, "")
}

// CreateBracket creates an entry order plus protective stop and target legs
// under one BRACKET group. The protective legs stay unsubmitted until the
// entry fills; once active they are mutually exclusive.
func (m *Manager) CreateBracket(entry, stop, target types.OrderRequest) (types.OrderGroup, error) {
	groupID := uuid.New().String()

	entryOrder, err := m.createOrder(entry, groupID)
	if err != nil {
		return types.OrderGroup{}, err
	}

	stopOrder, err := m.createOrder(stop, groupID)
	if err != nil {
		return types.OrderGroup{}, err
	}

	targetOrder, err := m.createOrder(target, groupID)
	if err != nil {
		return types.OrderGroup{}, err
	}

	group := types.OrderGroup{
		ID:           groupID,
		Type:         types.GroupTypeBracket,
		Symbol:       entry.Symbol,
		EntryOrderID: entryOrder.ID,
		OrderIDs:     []string{entryOrder.ID, stopOrder.ID, targetOrder.ID},
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.groups[groupID] = &managedGroup{group: group}
	m.mu.Unlock()

	return group, nil
}

// CreateOCO creates an OCO group from the given requests: the first leg to
// fill cancels every sibling.
func (m *Manager) CreateOCO(reqs ...types.OrderRequest) (types.OrderGroup, error) {
	if len(reqs) < 2 {
		return types.OrderGroup{}, errors.New(errors.ErrCodeInvalidParameter, "an OCO group needs at least two orders")
	}

	groupID := uuid.New().String()
	orderIDs := make([]string, 0, len(reqs))

	for _, req := range reqs {
		created, err := m.createOrder(req, groupID)
		if err != nil {
			return types.OrderGroup{}, err
		}

		orderIDs = append(orderIDs, created.ID)
	}

	group := types.OrderGroup{
		ID:        groupID,
		Type:      types.GroupTypeOCO,
		Symbol:    reqs[0].Symbol,
		OrderIDs:  orderIDs,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.groups[groupID] = &managedGroup{group: group}
	m.mu.Unlock()

	return group, nil
}

func (m *Manager) createOrder(req types.OrderRequest, groupID string) (types.Order, error) {
	if err := req.Validate(); err != nil {
		return types.Order{}, err
	}

	now := time.Now()
	order := types.Order{
		ID:           uuid.New().String(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		OrderType:    req.OrderType,
		LimitPrice:   req.LimitPrice.TakeOr(0),
		StopPrice:    req.StopPrice.TakeOr(0),
		TimeInForce:  req.TimeInForce,
		Status:       types.OrderStatusCreated,
		GroupID:      groupID,
		Reason:       req.Reason,
		StrategyName: req.StrategyName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	m.orders[order.ID] = &managedOrder{order: order}
	m.mu.Unlock()

	return order, nil
}

// SubmitOrder submits a created order through the broker connection. Broker
// rejection transitions the order to REJECTED and surfaces as an error.
func (m *Manager) SubmitOrder(ctx context.Context, orderID string) error {
	managed, err := m.lookup(orderID)
	if err != nil {
		return err
	}

	managed.mu.Lock()

	if !managed.order.Status.CanTransition(types.OrderStatusSubmitted) {
		status := managed.order.Status
		managed.mu.Unlock()

		return errors.Newf(errors.ErrCodeOrderState, "cannot submit order in status %s", status)
	}

	order := managed.order
	managed.mu.Unlock()

	// The broker call is a suspension point; the order lock is not held
	// across it.
	brokerOrderID, submitErr := m.conn.SubmitOrder(ctx, order)

	managed.mu.Lock()

	if submitErr != nil {
		managed.order.Status = types.OrderStatusRejected
		managed.order.UpdatedAt = time.Now()
		order = managed.order
		managed.mu.Unlock()

		m.emitOrderEvent(order)

		return errors.Wrap(errors.ErrCodeBrokerSubmitFailed, "broker rejected order", submitErr)
	}

	managed.order.Status = types.OrderStatusSubmitted
	managed.order.BrokerOrderID = brokerOrderID
	managed.order.UpdatedAt = time.Now()
	order = managed.order
	managed.mu.Unlock()

	m.mu.Lock()
	m.byBroker[brokerOrderID] = orderID
	m.mu.Unlock()

	m.log.Debug("Order submitted",
		zap.String("order_id", orderID),
		zap.String("broker_order_id", brokerOrderID),
		zap.String("symbol", order.Symbol),
	)

	m.emitOrderEvent(order)

	return nil
}

// CancelOrder cancels a working order. Cancelling a terminal or unknown
// order is a logged no-op.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	managed, err := m.lookup(orderID)
	if err != nil {
		m.log.Debug("Cancel requested for unknown order", zap.String("order_id", orderID))

		return nil
	}

	managed.mu.Lock()

	if managed.order.Status.IsTerminal() {
		managed.mu.Unlock()

		return nil
	}

	brokerOrderID := managed.order.BrokerOrderID
	managed.mu.Unlock()

	if brokerOrderID != "" {
		if cancelErr := m.conn.CancelOrder(ctx, brokerOrderID); cancelErr != nil {
			return errors.Wrap(errors.ErrCodeBrokerCancelFailed, "broker cancel failed", cancelErr)
		}
	}

	managed.mu.Lock()

	if managed.order.Status.IsTerminal() {
		managed.mu.Unlock()

		return nil
	}

	managed.order.Status = types.OrderStatusCancelled
	managed.order.UpdatedAt = time.Now()
	order := managed.order
	managed.mu.Unlock()

	m.emitOrderEvent(order)

	return nil
}

// MarkAccepted records broker acknowledgement of a submitted order.
func (m *Manager) MarkAccepted(brokerOrderID string) error {
	orderID, ok := m.resolveBroker(brokerOrderID)
	if !ok {
		return errors.Newf(errors.ErrCodeOrderNotFound, "no order for broker id %s", brokerOrderID)
	}

	managed, err := m.lookup(orderID)
	if err != nil {
		return err
	}

	managed.mu.Lock()

	if !managed.order.Status.CanTransition(types.OrderStatusAccepted) {
		managed.mu.Unlock()

		return nil
	}

	managed.order.Status = types.OrderStatusAccepted
	managed.order.UpdatedAt = time.Now()
	order := managed.order
	managed.mu.Unlock()

	m.emitOrderEvent(order)

	return nil
}

// HandleFill ingests one execution. The fill is resolved by internal order id
// first, then by broker id; an unknown order is a logged no-op. Fill quantity
// beyond the remaining quantity is capped. Any fill against a grouped order,
// partial or full, applies the group policy in the same processing step.
func (m *Manager) HandleFill(ctx context.Context, fill types.FillEvent) error {
	managed, err := m.resolve(fill)
	if err != nil {
		m.log.Warn("Fill for unknown order",
			zap.String("order_id", fill.OrderID),
			zap.String("broker_order_id", fill.BrokerOrderID),
		)

		return nil
	}

	managed.mu.Lock()

	if managed.order.Status.IsTerminal() {
		managed.mu.Unlock()

		return nil
	}

	quantity := math.Min(fill.Quantity, managed.order.RemainingQuantity())
	if quantity <= 0 {
		managed.mu.Unlock()

		return nil
	}

	managed.order.ApplyFill(quantity, fill.Price)

	next := types.OrderStatusPartiallyFilled
	if managed.order.RemainingQuantity() <= 0 {
		next = types.OrderStatusFilled
	}

	if managed.order.Status.CanTransition(next) {
		managed.order.Status = next
	}

	managed.order.UpdatedAt = fill.Timestamp
	order := managed.order
	managed.mu.Unlock()

	m.log.Info("Fill applied",
		zap.String("order_id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.Float64("fill_quantity", quantity),
		zap.Float64("fill_price", fill.Price),
		zap.String("status", string(order.Status)),
	)

	m.emitOrderEvent(order)

	if order.GroupID != "" {
		m.applyGroupPolicy(ctx, order)
	}

	return nil
}

// applyGroupPolicy reacts to a fill inside a group. Partial fills count: a
// one-share execution against an OCO leg already commits the group to that
// leg.
//
// OCO: cancel every sibling. Bracket: an entry fill activates (submits) the
// protective legs; a protective fill cancels the remaining legs so at most
// one of stop/target ever fills.
func (m *Manager) applyGroupPolicy(ctx context.Context, filled types.Order) {
	m.mu.RLock()
	managedGrp, ok := m.groups[filled.GroupID]
	m.mu.RUnlock()

	if !ok {
		m.log.Warn("Order references unknown group",
			zap.String("order_id", filled.ID),
			zap.String("group_id", filled.GroupID),
		)

		return
	}

	managedGrp.mu.Lock()
	group := managedGrp.group
	activated := managedGrp.activated
	resolved := managedGrp.resolved

	isEntry := group.Type == types.GroupTypeBracket && filled.ID == group.EntryOrderID
	if isEntry {
		managedGrp.activated = true
	} else {
		managedGrp.resolved = true
	}

	managedGrp.mu.Unlock()

	switch {
	case group.Type == types.GroupTypeOCO:
		if resolved {
			return
		}

		m.cancelSiblings(ctx, group, filled.ID)
	case isEntry && !activated:
		m.activateBracket(ctx, group)
	case !isEntry:
		m.cancelSiblings(ctx, group, filled.ID)
	}
}

func (m *Manager) cancelSiblings(ctx context.Context, group types.OrderGroup, filledID string) {
	for _, siblingID := range group.OrderIDs {
		if siblingID == filledID || siblingID == group.EntryOrderID {
			continue
		}

		if err := m.CancelOrder(ctx, siblingID); err != nil {
			m.log.Warn("Failed to cancel group sibling",
				zap.String("group_id", group.ID),
				zap.String("order_id", siblingID),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) activateBracket(ctx context.Context, group types.OrderGroup) {
	for _, legID := range group.OrderIDs {
		if legID == group.EntryOrderID {
			continue
		}

		if err := m.SubmitOrder(ctx, legID); err != nil {
			m.log.Warn("Failed to activate bracket leg",
				zap.String("group_id", group.ID),
				zap.String("order_id", legID),
				zap.Error(err),
			)
		}
	}
}

// GetOrder returns a copy of an order.
func (m *Manager) GetOrder(orderID string) (types.Order, error) {
	managed, err := m.lookup(orderID)
	if err != nil {
		return types.Order{}, err
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()

	return managed.order, nil
}

// GetGroup returns a copy of an order group.
func (m *Manager) GetGroup(groupID string) (types.OrderGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	managed, ok := m.groups[groupID]
	if !ok {
		return types.OrderGroup{}, errors.Newf(errors.ErrCodeGroupNotFound, "no group with id %s", groupID)
	}

	managed.mu.Lock()
	defer managed.mu.Unlock()

	return managed.group, nil
}

// OpenOrders returns copies of every non-terminal order.
func (m *Manager) OpenOrders() []types.Order {
	m.mu.RLock()

	managedSet := make([]*managedOrder, 0, len(m.orders))
	for _, managed := range m.orders {
		managedSet = append(managedSet, managed)
	}

	m.mu.RUnlock()

	open := make([]types.Order, 0)

	for _, managed := range managedSet {
		managed.mu.Lock()

		if !managed.order.Status.IsTerminal() {
			open = append(open, managed.order)
		}

		managed.mu.Unlock()
	}

	return open
}

func (m *Manager) lookup(orderID string) (*managedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	managed, ok := m.orders[orderID]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeOrderNotFound, "no order with id %s", orderID)
	}

	return managed, nil
}

func (m *Manager) resolveBroker(brokerOrderID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orderID, ok := m.byBroker[brokerOrderID]

	return orderID, ok
}

func (m *Manager) resolve(fill types.FillEvent) (*managedOrder, error) {
	if fill.OrderID != "" {
		if managed, err := m.lookup(fill.OrderID); err == nil {
			return managed, nil
		}
	}

	if fill.BrokerOrderID != "" {
		if orderID, ok := m.resolveBroker(fill.BrokerOrderID); ok {
			return m.lookup(orderID)
		}
	}

	return nil, errors.New(errors.ErrCodeOrderNotFound, "fill matches no managed order")
}

func (m *Manager) emitOrderEvent(order types.Order) {
	m.bus.Emit(types.OrderEvent{Order: order, Timestamp: order.UpdatedAt})
}
