package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"

	"github.com/octave-lab/octave-trading/pkg/errors"
)

type PositionStatus string

const (
	PositionStatusPlanned   PositionStatus = "PLANNED"
	PositionStatusOpening   PositionStatus = "OPENING"
	PositionStatusOpen      PositionStatus = "OPEN"
	PositionStatusAdjusting PositionStatus = "ADJUSTING"
	PositionStatusClosing   PositionStatus = "CLOSING"
	PositionStatusClosed    PositionStatus = "CLOSED"
)

// positionTransitions lists the allowed next statuses for each position status.
// CLOSED is terminal.
var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionStatusPlanned:   {PositionStatusOpening, PositionStatusOpen, PositionStatusClosed},
	PositionStatusOpening:   {PositionStatusOpen, PositionStatusClosed},
	PositionStatusOpen:      {PositionStatusAdjusting, PositionStatusClosing, PositionStatusClosed},
	PositionStatusAdjusting: {PositionStatusOpen, PositionStatusClosing, PositionStatusClosed},
	PositionStatusClosing:   {PositionStatusClosed},
}

// CanTransition reports whether a position may move from s to next.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	for _, allowed := range positionTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// PositionRequest describes a position to be created by the tracker.
type PositionRequest struct {
	Symbol string `yaml:"symbol" json:"symbol" validate:"required"`
	// Quantity is signed: positive opens a long, negative opens a short.
	Quantity float64 `yaml:"quantity" json:"quantity" validate:"required"`
	// EntryPrice can be None; the tracker then resolves the current price.
	EntryPrice   optional.Option[float64] `yaml:"entry_price" json:"entry_price"`
	StopLoss     optional.Option[float64] `yaml:"stop_loss" json:"stop_loss"`
	TakeProfit   optional.Option[float64] `yaml:"take_profit" json:"take_profit"`
	StrategyName string                   `yaml:"strategy_name" json:"strategy_name"`
	Metadata     map[string]string        `yaml:"metadata" json:"metadata"`
}

// Validate validates the PositionRequest struct.
func (r *PositionRequest) Validate() error {
	validate := validator.New()
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidPositionRequest, "invalid position request", err)
	}

	return nil
}

// PositionUpdateRecord is one entry in a position's bounded update log.
type PositionUpdateRecord struct {
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	Note      string    `yaml:"note" json:"note"`
}

// Position represents one directional holding in a symbol.
//
// Quantity is signed: positive is long, negative is short. IsLong() reports
// true if and only if Quantity > 0, for the lifetime of the position. Once
// the status reaches CLOSED the record is frozen and RealizedPnL is fixed.
// Exclusively mutated by the position tracker.
type Position struct {
	ID            string                 `yaml:"id" json:"id"`
	Symbol        string                 `yaml:"symbol" json:"symbol"`
	Status        PositionStatus         `yaml:"status" json:"status"`
	Quantity      float64                `yaml:"quantity" json:"quantity"`
	EntryPrice    float64                `yaml:"entry_price" json:"entry_price"`
	CurrentPrice  float64                `yaml:"current_price" json:"current_price"`
	ExitPrice     float64                `yaml:"exit_price" json:"exit_price"`
	StopLoss      float64                `yaml:"stop_loss" json:"stop_loss"`
	TakeProfit    float64                `yaml:"take_profit" json:"take_profit"`
	UnrealizedPnL float64                `yaml:"unrealized_pnl" json:"unrealized_pnl"`
	RealizedPnL   float64                `yaml:"realized_pnl" json:"realized_pnl"`
	EntryOrderID  string                 `yaml:"entry_order_id" json:"entry_order_id"`
	ExitOrderID   string                 `yaml:"exit_order_id" json:"exit_order_id"`
	StopOrderID   string                 `yaml:"stop_order_id" json:"stop_order_id"`
	ProfitOrderID string                 `yaml:"profit_order_id" json:"profit_order_id"`
	StrategyName  string                 `yaml:"strategy_name" json:"strategy_name"`
	Metadata      map[string]string      `yaml:"metadata" json:"metadata"`
	OpenedAt      time.Time              `yaml:"opened_at" json:"opened_at"`
	ClosedAt      time.Time              `yaml:"closed_at" json:"closed_at"`
	UpdatedAt     time.Time              `yaml:"updated_at" json:"updated_at"`
	Version       int64                  `yaml:"version" json:"version"`
	UpdateLog     []PositionUpdateRecord `yaml:"update_log" json:"update_log"`
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool {
	return p.Quantity > 0
}

// IsClosed reports whether the position reached its terminal status.
func (p *Position) IsClosed() bool {
	return p.Status == PositionStatusClosed
}

// ComputePnL calculates (price - entry) * quantity. The signed quantity makes
// the result sign-correct for shorts.
func ComputePnL(entry, price, quantity float64) float64 {
	pnl, _ := decimal.NewFromFloat(price).
		Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromFloat(quantity)).
		Float64()

	return pnl
}

// UnrealizedPnLRatio returns the unrealized P&L relative to the entry
// notional. Returns 0 for a position without entry notional.
func (p *Position) UnrealizedPnLRatio() float64 {
	notional := decimal.NewFromFloat(p.EntryPrice).Mul(decimal.NewFromFloat(p.Quantity).Abs())
	if notional.IsZero() {
		return 0
	}

	ratio, _ := decimal.NewFromFloat(p.UnrealizedPnL).Div(notional).Float64()

	return ratio
}
