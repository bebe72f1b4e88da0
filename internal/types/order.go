package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"

	"github.com/octave-lab/octave-trading/pkg/errors"
)

type Side string

type OrderType string

type OrderStatus string

type TimeInForce string

type GroupType string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

const (
	OrderStatusCreated         OrderStatus = "CREATED"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusAccepted        OrderStatus = "ACCEPTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
)

const (
	GroupTypeBracket GroupType = "BRACKET"
	GroupTypeOCO     GroupType = "OCO"
)

const (
	OrderReasonEntry      string = "entry"
	OrderReasonStopLoss   string = "stop_loss"
	OrderReasonTakeProfit string = "take_profit"
	OrderReasonScaleIn    string = "scale_in"
	OrderReasonCloseAll   string = "close_all"
	OrderReasonStrategy   string = "strategy"
)

// Reason records why an order was created, e.g. "stop_loss" placed after an
// entry fill.
type Reason struct {
	Reason  string `yaml:"reason" json:"reason" validate:"required"`
	Message string `yaml:"message" json:"message"`
}

// IsTerminal reports whether no further transitions are possible from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// orderTransitions lists the allowed next statuses for each order status.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:         {OrderStatusSubmitted, OrderStatusCancelled, OrderStatusRejected},
	OrderStatusSubmitted:       {OrderStatusAccepted, OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected},
	OrderStatusAccepted:        {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled},
}

// CanTransition reports whether an order may move from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// OrderRequest describes an order to be created by the order manager.
type OrderRequest struct {
	Symbol    string    `yaml:"symbol" json:"symbol" validate:"required"`
	Side      Side      `yaml:"side" json:"side" validate:"required,oneof=BUY SELL"`
	Quantity  float64   `yaml:"quantity" json:"quantity" validate:"required,gt=0"`
	OrderType OrderType `yaml:"order_type" json:"order_type" validate:"required,oneof=MARKET LIMIT STOP"`
	// LimitPrice is required for LIMIT orders. Can be None otherwise.
	LimitPrice optional.Option[float64] `yaml:"limit_price" json:"limit_price"`
	// StopPrice is required for STOP orders. Can be None otherwise.
	StopPrice    optional.Option[float64] `yaml:"stop_price" json:"stop_price"`
	TimeInForce  TimeInForce              `yaml:"time_in_force" json:"time_in_force" validate:"required,oneof=DAY GTC IOC"`
	Reason       Reason                   `yaml:"reason" json:"reason" validate:"required"`
	StrategyName string                   `yaml:"strategy_name" json:"strategy_name"`
}

// Validate validates the OrderRequest struct.
func (r *OrderRequest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidOrderRequest, "invalid order request", err)
	}

	if r.OrderType == OrderTypeLimit && r.LimitPrice.IsNone() {
		return errors.New(errors.ErrCodeInvalidPrice, "limit order requires a limit price")
	}

	if r.OrderType == OrderTypeStop && r.StopPrice.IsNone() {
		return errors.New(errors.ErrCodeInvalidPrice, "stop order requires a stop price")
	}

	return nil
}

// Order is a managed order record. Exclusively mutated by the order manager.
type Order struct {
	ID            string      `yaml:"id" json:"id"`
	BrokerOrderID string      `yaml:"broker_order_id" json:"broker_order_id"`
	Symbol        string      `yaml:"symbol" json:"symbol"`
	Side          Side        `yaml:"side" json:"side"`
	Quantity      float64     `yaml:"quantity" json:"quantity"`
	OrderType     OrderType   `yaml:"order_type" json:"order_type"`
	LimitPrice    float64     `yaml:"limit_price" json:"limit_price"`
	StopPrice     float64     `yaml:"stop_price" json:"stop_price"`
	TimeInForce   TimeInForce `yaml:"time_in_force" json:"time_in_force"`
	Status        OrderStatus `yaml:"status" json:"status"`
	// FilledQuantity is the cumulative executed quantity.
	FilledQuantity float64 `yaml:"filled_quantity" json:"filled_quantity"`
	// AverageFillPrice is the quantity-weighted average of all fills.
	AverageFillPrice float64   `yaml:"average_fill_price" json:"average_fill_price"`
	GroupID          string    `yaml:"group_id" json:"group_id"`
	Reason           Reason    `yaml:"reason" json:"reason"`
	StrategyName     string    `yaml:"strategy_name" json:"strategy_name"`
	CreatedAt        time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt        time.Time `yaml:"updated_at" json:"updated_at"`
}

// RemainingQuantity returns the quantity not yet executed.
func (o *Order) RemainingQuantity() float64 {
	remaining, _ := decimal.NewFromFloat(o.Quantity).Sub(decimal.NewFromFloat(o.FilledQuantity)).Float64()

	return remaining
}

// ApplyFill folds a new execution into the filled quantity and the
// quantity-weighted average fill price.
func (o *Order) ApplyFill(quantity, price float64) {
	prevQty := decimal.NewFromFloat(o.FilledQuantity)
	fillQty := decimal.NewFromFloat(quantity)
	totalQty := prevQty.Add(fillQty)

	if totalQty.IsZero() {
		return
	}

	prevNotional := prevQty.Mul(decimal.NewFromFloat(o.AverageFillPrice))
	fillNotional := fillQty.Mul(decimal.NewFromFloat(price))

	avg, _ := prevNotional.Add(fillNotional).Div(totalQty).Float64()
	filled, _ := totalQty.Float64()

	o.AverageFillPrice = avg
	o.FilledQuantity = filled
}

// OrderGroup links orders that belong to one trading idea.
//
// A BRACKET group carries an entry order plus protective legs that are
// submitted only after the entry fills; once active, the protective legs are
// mutually exclusive. An OCO group cancels every sibling when one leg fills.
type OrderGroup struct {
	ID           string    `yaml:"id" json:"id"`
	Type         GroupType `yaml:"type" json:"type"`
	Symbol       string    `yaml:"symbol" json:"symbol"`
	EntryOrderID string    `yaml:"entry_order_id" json:"entry_order_id"`
	OrderIDs     []string  `yaml:"order_ids" json:"order_ids"`
	CreatedAt    time.Time `yaml:"created_at" json:"created_at"`
}
