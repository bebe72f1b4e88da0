package types

import "time"

// EventType identifies a kind of event on the bus. Types form a hierarchy:
// a handler subscribed to an ancestor type receives every descendant event.
type EventType string

const (
	EventTypePrice            EventType = "price"
	EventTypePredictionSignal EventType = "signal.prediction"
	EventTypePosition         EventType = "position"
	EventTypePositionOpen     EventType = "position.open"
	EventTypePositionUpdate   EventType = "position.update"
	EventTypePositionClose    EventType = "position.close"
	EventTypeOrder            EventType = "order"
	EventTypeOrderStatus      EventType = "order.status"
	EventTypeOrderAck         EventType = "order.ack"
	EventTypeFill             EventType = "order.fill"
)

// parentTypes maps each event type to its ancestor. Dispatch walks this map
// instead of using reflection.
var parentTypes = map[EventType]EventType{
	EventTypePositionOpen:   EventTypePosition,
	EventTypePositionUpdate: EventTypePosition,
	EventTypePositionClose:  EventTypePosition,
	EventTypeOrderStatus:    EventTypeOrder,
	EventTypeOrderAck:       EventTypeOrder,
	EventTypeFill:           EventTypeOrder,
}

// Parent returns the ancestor type of t, if any.
func (t EventType) Parent() (EventType, bool) {
	parent, ok := parentTypes[t]

	return parent, ok
}

// Ancestry returns t followed by its ancestors, closest first.
func (t EventType) Ancestry() []EventType {
	chain := []EventType{t}

	for cur := t; ; {
		parent, ok := cur.Parent()
		if !ok {
			break
		}

		chain = append(chain, parent)
		cur = parent
	}

	return chain
}

// Event is the contract for everything delivered through the bus. Events are
// immutable by convention: handlers must not mutate a received event.
// Fields exposes a per-field view consumed by event conditions.
type Event interface {
	Type() EventType
	OccurredAt() time.Time
	Fields() map[string]any
}

// PriceEvent carries a price observation for a symbol.
type PriceEvent struct {
	Symbol    string
	Price     float64
	Timestamp time.Time
}

func (e PriceEvent) Type() EventType       { return EventTypePrice }
func (e PriceEvent) OccurredAt() time.Time { return e.Timestamp }

func (e PriceEvent) Fields() map[string]any {
	return map[string]any{
		"symbol": e.Symbol,
		"price":  e.Price,
	}
}

// PredictionSignalType is the direction suggested by an external prediction.
type PredictionSignalType string

const (
	PredictionSignalBuy     PredictionSignalType = "BUY"
	PredictionSignalSell    PredictionSignalType = "SELL"
	PredictionSignalNeutral PredictionSignalType = "NEUTRAL"
)

// PredictionSignalEvent carries one prediction from the external signal service.
type PredictionSignalEvent struct {
	Symbol       string
	Signal       PredictionSignalType
	Confidence   float64
	PredictionID string
	Timestamp    time.Time
}

func (e PredictionSignalEvent) Type() EventType       { return EventTypePredictionSignal }
func (e PredictionSignalEvent) OccurredAt() time.Time { return e.Timestamp }

func (e PredictionSignalEvent) Fields() map[string]any {
	return map[string]any{
		"symbol":        e.Symbol,
		"signal":        e.Signal,
		"confidence":    e.Confidence,
		"prediction_id": e.PredictionID,
	}
}

// PositionOpenEvent announces a position transitioning to OPEN.
type PositionOpenEvent struct {
	Position  Position
	Timestamp time.Time
}

func (e PositionOpenEvent) Type() EventType       { return EventTypePositionOpen }
func (e PositionOpenEvent) OccurredAt() time.Time { return e.Timestamp }

func (e PositionOpenEvent) Fields() map[string]any {
	return map[string]any{
		"symbol":      e.Position.Symbol,
		"position_id": e.Position.ID,
		"quantity":    e.Position.Quantity,
		"entry_price": e.Position.EntryPrice,
	}
}

// PositionDeltas flags which fields changed during a position update.
type PositionDeltas struct {
	Price      bool
	Quantity   bool
	StopLoss   bool
	TakeProfit bool
}

// PositionSnapshot records values prior to an adjustment.
type PositionSnapshot struct {
	Quantity   float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
}

// PositionUpdateEvent announces a price refresh or adjustment of an open position.
type PositionUpdateEvent struct {
	Position  Position
	Deltas    PositionDeltas
	Prior     PositionSnapshot
	Timestamp time.Time
}

func (e PositionUpdateEvent) Type() EventType       { return EventTypePositionUpdate }
func (e PositionUpdateEvent) OccurredAt() time.Time { return e.Timestamp }

func (e PositionUpdateEvent) Fields() map[string]any {
	return map[string]any{
		"symbol":         e.Position.Symbol,
		"position_id":    e.Position.ID,
		"quantity":       e.Position.Quantity,
		"current_price":  e.Position.CurrentPrice,
		"unrealized_pnl": e.Position.UnrealizedPnL,
	}
}

// PositionCloseEvent announces a position reaching CLOSED.
type PositionCloseEvent struct {
	Position  Position
	ExitPrice float64
	Reason    string
	Timestamp time.Time
}

func (e PositionCloseEvent) Type() EventType       { return EventTypePositionClose }
func (e PositionCloseEvent) OccurredAt() time.Time { return e.Timestamp }

func (e PositionCloseEvent) Fields() map[string]any {
	return map[string]any{
		"symbol":       e.Position.Symbol,
		"position_id":  e.Position.ID,
		"exit_price":   e.ExitPrice,
		"realized_pnl": e.Position.RealizedPnL,
		"reason":       e.Reason,
	}
}

// OrderEvent announces an order status transition.
type OrderEvent struct {
	Order     Order
	Timestamp time.Time
}

func (e OrderEvent) Type() EventType       { return EventTypeOrderStatus }
func (e OrderEvent) OccurredAt() time.Time { return e.Timestamp }

func (e OrderEvent) Fields() map[string]any {
	return map[string]any{
		"symbol":   e.Order.Symbol,
		"order_id": e.Order.ID,
		"side":     e.Order.Side,
		"status":   e.Order.Status,
	}
}

// OrderAckEvent announces broker acknowledgement of a submitted order. The
// order is identified by its broker id because the acknowledging side never
// sees internal order ids.
type OrderAckEvent struct {
	BrokerOrderID string
	Symbol        string
	Timestamp     time.Time
}

func (e OrderAckEvent) Type() EventType       { return EventTypeOrderAck }
func (e OrderAckEvent) OccurredAt() time.Time { return e.Timestamp }

func (e OrderAckEvent) Fields() map[string]any {
	return map[string]any{
		"symbol":          e.Symbol,
		"broker_order_id": e.BrokerOrderID,
	}
}

// FillEvent announces an execution (full or partial) against an order.
type FillEvent struct {
	OrderID       string
	BrokerOrderID string
	Symbol        string
	Side          Side
	Quantity      float64
	Price         float64
	Timestamp     time.Time
}

func (e FillEvent) Type() EventType       { return EventTypeFill }
func (e FillEvent) OccurredAt() time.Time { return e.Timestamp }

func (e FillEvent) Fields() map[string]any {
	return map[string]any{
		"symbol":   e.Symbol,
		"order_id": e.OrderID,
		"side":     e.Side,
		"quantity": e.Quantity,
		"price":    e.Price,
	}
}
