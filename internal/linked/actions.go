package linked

import (
	"context"

	"go.uber.org/zap"

	"github.com/octave-lab/octave-trading/internal/rule"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

// signalSide extracts the tradable side from a triggering prediction signal.
// Periodic triggers and NEUTRAL signals carry no side.
func signalSide(ctx *rule.EvalContext) (string, types.Side, bool) {
	event, ok := ctx.Event.(types.PredictionSignalEvent)
	if !ok {
		return "", "", false
	}

	side, ok := event.Signal.Side()
	if !ok {
		return "", "", false
	}

	return event.Symbol, side, true
}

// EntryAction opens a new linked trading idea from a prediction signal. A
// duplicate same-side entry is a no-op rather than a failure, so repeated
// signals for an already-open idea do not spam the logs with errors.
type EntryAction struct {
	Coordinator  *Coordinator
	Quantity     float64
	StrategyName string
}

// Execute implements rule.Action.
func (a *EntryAction) Execute(ctx *rule.EvalContext) (bool, error) {
	symbol, side, ok := signalSide(ctx)
	if !ok {
		return false, nil
	}

	_, err := a.Coordinator.EnterWithProtection(context.Background(), EntryRequest{
		Symbol:       symbol,
		Side:         side,
		Quantity:     a.Quantity,
		StrategyName: a.StrategyName,
	})
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeDuplicateEntry) {
			ctx.Shared.Log.Info("Entry skipped, side already active",
				zap.String("symbol", symbol),
				zap.String("side", string(side)),
			)

			return false, nil
		}

		return false, err
	}

	return true, nil
}

// ScaleInAction adds quantity to the symbol's active idea. Rejections for
// side mismatch or missing profitability are no-ops; they are the guard
// working, not failures.
type ScaleInAction struct {
	Coordinator *Coordinator
	Quantity    float64
}

// Execute implements rule.Action.
func (a *ScaleInAction) Execute(ctx *rule.EvalContext) (bool, error) {
	symbol, side, ok := signalSide(ctx)
	if !ok {
		return false, nil
	}

	_, err := a.Coordinator.ScaleIn(context.Background(), symbol, side, a.Quantity)
	if err != nil {
		switch {
		case errors.HasCode(err, errors.ErrCodeSideMismatch),
			errors.HasCode(err, errors.ErrCodeScaleInNotEligible),
			errors.HasCode(err, errors.ErrCodeLinkageNotFound):
			ctx.Shared.Log.Info("Scale-in rejected",
				zap.String("symbol", symbol),
				zap.String("side", string(side)),
				zap.Error(err),
			)

			return false, nil
		default:
			return false, err
		}
	}

	return true, nil
}

// CloseAllAction winds down the symbol's active idea. A missing linkage is
// a no-op.
type CloseAllAction struct {
	Coordinator *Coordinator
	Symbol      string
}

// Execute implements rule.Action.
func (a *CloseAllAction) Execute(ctx *rule.EvalContext) (bool, error) {
	if err := a.Coordinator.CloseAll(context.Background(), a.Symbol); err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

var (
	_ rule.Action = (*EntryAction)(nil)
	_ rule.Action = (*ScaleInAction)(nil)
	_ rule.Action = (*CloseAllAction)(nil)
)
