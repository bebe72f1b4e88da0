package rule

import (
	"context"

	"go.uber.org/zap"

	"github.com/octave-lab/octave-trading/internal/position"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

// Action carries a rule's side effects. The boolean result means "the action
// accomplished its goal": false is not an error, it records that the action
// ran but did nothing (e.g. a guard rejected it). Errors are caught and
// logged by the engine; they never cross the per-rule evaluation boundary.
type Action interface {
	Execute(ctx *EvalContext) (bool, error)
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func(ctx *EvalContext) (bool, error)

// Execute implements Action.
func (f ActionFunc) Execute(ctx *EvalContext) (bool, error) {
	return f(ctx)
}

// CreatePositionAction opens a position through the tracker.
type CreatePositionAction struct {
	Request types.PositionRequest
}

// Execute implements Action.
func (a *CreatePositionAction) Execute(ctx *EvalContext) (bool, error) {
	_, err := ctx.Shared.Positions.CreateStockPosition(a.Request)
	if err != nil {
		return false, err
	}

	return true, nil
}

// ClosePositionAction closes every open position for a symbol at the current
// broker price.
type ClosePositionAction struct {
	Symbol string
	Reason string
}

// Execute implements Action.
func (a *ClosePositionAction) Execute(ctx *EvalContext) (bool, error) {
	positions := ctx.Shared.Positions.GetPositionsBySymbol(a.Symbol)
	if len(positions) == 0 {
		return false, nil
	}

	price, err := ctx.Shared.Broker.GetCurrentPrice(context.Background(), a.Symbol)
	if err != nil {
		return false, errors.Wrapf(errors.ErrCodePriceUnavailable, err, "cannot close %s without a price", a.Symbol)
	}

	closed := false

	for _, pos := range positions {
		if _, closeErr := ctx.Shared.Positions.ClosePosition(pos.ID, price, a.Reason); closeErr != nil {
			ctx.Shared.Log.Warn("Failed to close position",
				zap.String("position_id", pos.ID),
				zap.Error(closeErr),
			)

			continue
		}

		closed = true
	}

	return closed, nil
}

// AdjustPositionAction adjusts one position through the tracker.
type AdjustPositionAction struct {
	PositionID string
	Adjustment position.Adjustment
}

// Execute implements Action.
func (a *AdjustPositionAction) Execute(ctx *EvalContext) (bool, error) {
	_, err := ctx.Shared.Positions.AdjustPosition(a.PositionID, a.Adjustment)
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// CreateOrderAction creates and, when Submit is set, submits one order.
type CreateOrderAction struct {
	Request types.OrderRequest
	Submit  bool
}

// Execute implements Action.
func (a *CreateOrderAction) Execute(ctx *EvalContext) (bool, error) {
	created, err := ctx.Shared.Orders.CreateOrder(a.Request)
	if err != nil {
		return false, err
	}

	if a.Submit {
		if err := ctx.Shared.Orders.SubmitOrder(context.Background(), created.ID); err != nil {
			return false, err
		}
	}

	return true, nil
}

// CancelOrderAction cancels one order. A missing order is a no-op success,
// matching the manager's semantics.
type CancelOrderAction struct {
	OrderID string
}

// Execute implements Action.
func (a *CancelOrderAction) Execute(ctx *EvalContext) (bool, error) {
	if err := ctx.Shared.Orders.CancelOrder(context.Background(), a.OrderID); err != nil {
		return false, err
	}

	return true, nil
}

// CreateBracketAction creates a bracket group and submits its entry leg.
type CreateBracketAction struct {
	Entry  types.OrderRequest
	Stop   types.OrderRequest
	Target types.OrderRequest
}

// Execute implements Action.
func (a *CreateBracketAction) Execute(ctx *EvalContext) (bool, error) {
	group, err := ctx.Shared.Orders.CreateBracket(a.Entry, a.Stop, a.Target)
	if err != nil {
		return false, err
	}

	if err := ctx.Shared.Orders.SubmitOrder(context.Background(), group.EntryOrderID); err != nil {
		return false, err
	}

	return true, nil
}

type sequentialAction struct {
	actions []Action
}

// Sequential runs actions in order and short-circuits on the first failure:
// a false result or an error stops the chain and is returned as the overall
// result.
func Sequential(actions ...Action) Action {
	return &sequentialAction{actions: actions}
}

func (a *sequentialAction) Execute(ctx *EvalContext) (bool, error) {
	for _, action := range a.actions {
		ok, err := action.Execute(ctx)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

type conditionalAction struct {
	guard  Condition
	action Action
}

// Conditional guards an action with a condition. When the guard does not
// match, the action is skipped and the result is a no-op success.
func Conditional(guard Condition, action Action) Action {
	return &conditionalAction{guard: guard, action: action}
}

func (a *conditionalAction) Execute(ctx *EvalContext) (bool, error) {
	matched, err := a.guard.Evaluate(ctx)
	if err != nil {
		return false, err
	}

	if !matched {
		return true, nil
	}

	return a.action.Execute(ctx)
}
