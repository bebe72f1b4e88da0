// Package broker defines the narrow brokerage connection surface the core
// consumes. Session handling, heartbeats, reconnection, and rate limiting are
// the sole responsibility of implementations; fills and order status changes
// come back asynchronously as events on the bus.
package broker

import (
	"context"

	"github.com/octave-lab/octave-trading/internal/types"
)

// Connection is the brokerage collaborator contract.
type Connection interface {
	// SubmitOrder submits an order and returns the broker-side identifier.
	SubmitOrder(ctx context.Context, order types.Order) (string, error)
	// CancelOrder cancels a working order by its broker-side identifier.
	CancelOrder(ctx context.Context, brokerOrderID string) error
	// GetCurrentPrice returns the latest price for a symbol, or an error if
	// no price is currently obtainable.
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}
