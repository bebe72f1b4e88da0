package types

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/octave-lab/octave-trading/pkg/errors"
)

// PredictionSignal is one prediction fetched from the external signal service
// before it is turned into a PredictionSignalEvent.
type PredictionSignal struct {
	Symbol       string               `yaml:"symbol" json:"symbol" validate:"required"`
	Signal       PredictionSignalType `yaml:"signal" json:"signal" validate:"required,oneof=BUY SELL NEUTRAL"`
	Confidence   float64              `yaml:"confidence" json:"confidence" validate:"gte=0,lte=1"`
	PredictionID string               `yaml:"prediction_id" json:"prediction_id" validate:"required"`
	Timestamp    time.Time            `yaml:"timestamp" json:"timestamp"`
}

// Validate validates the PredictionSignal struct.
func (s *PredictionSignal) Validate() error {
	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidParameter, "invalid prediction signal", err)
	}

	return nil
}

// Side maps a directional signal to the order side that opens it.
// NEUTRAL has no side.
func (t PredictionSignalType) Side() (Side, bool) {
	switch t {
	case PredictionSignalBuy:
		return SideBuy, true
	case PredictionSignalSell:
		return SideSell, true
	default:
		return "", false
	}
}
