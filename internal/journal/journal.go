// Package journal persists the trading session's order flow into DuckDB so
// fills and concluded positions can be queried and exported after the fact.
// The core does not depend on it; it feeds purely off the event bus.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"go.uber.org/zap"

	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

// Journal records order transitions, fills, and position conclusions.
type Journal struct {
	db  *sql.DB
	log *logger.Logger
	sq  squirrel.StatementBuilderType
}

// NewJournal opens a journal database. An empty path keeps everything in
// memory for the session.
func NewJournal(path string, log *logger.Logger) (*Journal, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeJournalInitFailed, "failed to open journal database", err)
	}

	return &Journal{
		db:  db,
		log: log,
		sq:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}, nil
}

// Initialize creates the journal tables.
func (j *Journal) Initialize() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT,
			broker_order_id TEXT,
			symbol TEXT,
			side TEXT,
			order_type TEXT,
			quantity DOUBLE,
			filled_quantity DOUBLE,
			average_fill_price DOUBLE,
			status TEXT,
			reason TEXT,
			message TEXT,
			strategy_name TEXT,
			recorded_at TIMESTAMP
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalInitFailed, "failed to create orders table", err)
	}

	_, err = j.db.Exec(`
		CREATE TABLE IF NOT EXISTS fills (
			order_id TEXT,
			broker_order_id TEXT,
			symbol TEXT,
			side TEXT,
			quantity DOUBLE,
			price DOUBLE,
			executed_at TIMESTAMP
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalInitFailed, "failed to create fills table", err)
	}

	_, err = j.db.Exec(`
		CREATE TABLE IF NOT EXISTS position_closes (
			position_id TEXT,
			symbol TEXT,
			quantity DOUBLE,
			entry_price DOUBLE,
			exit_price DOUBLE,
			realized_pnl DOUBLE,
			reason TEXT,
			strategy_name TEXT,
			closed_at TIMESTAMP
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalInitFailed, "failed to create position_closes table", err)
	}

	return nil
}

// BindBus subscribes the journal to everything it records. Write failures
// are logged and skipped so a broken journal never blocks trading.
func (j *Journal) BindBus(bus *eventbus.Bus) {
	bus.Subscribe(types.EventTypeOrderStatus, func(event types.Event) error {
		orderEvent, ok := event.(types.OrderEvent)
		if !ok {
			return nil
		}

		if err := j.RecordOrder(orderEvent.Order); err != nil {
			j.log.Warn("Failed to journal order", zap.String("order_id", orderEvent.Order.ID), zap.Error(err))
		}

		return nil
	})

	bus.Subscribe(types.EventTypeFill, func(event types.Event) error {
		fill, ok := event.(types.FillEvent)
		if !ok {
			return nil
		}

		if err := j.RecordFill(fill); err != nil {
			j.log.Warn("Failed to journal fill", zap.String("order_id", fill.OrderID), zap.Error(err))
		}

		return nil
	})

	bus.Subscribe(types.EventTypePositionClose, func(event types.Event) error {
		closeEvent, ok := event.(types.PositionCloseEvent)
		if !ok {
			return nil
		}

		if err := j.RecordPositionClose(closeEvent); err != nil {
			j.log.Warn("Failed to journal position close",
				zap.String("position_id", closeEvent.Position.ID),
				zap.Error(err),
			)
		}

		return nil
	})
}

// RecordOrder appends one order status snapshot.
func (j *Journal) RecordOrder(order types.Order) error {
	_, err := j.sq.
		Insert("orders").
		Columns(
			"order_id", "broker_order_id", "symbol", "side", "order_type",
			"quantity", "filled_quantity", "average_fill_price", "status",
			"reason", "message", "strategy_name", "recorded_at",
		).
		Values(
			order.ID, order.BrokerOrderID, order.Symbol, order.Side, order.OrderType,
			order.Quantity, order.FilledQuantity, order.AverageFillPrice, order.Status,
			order.Reason.Reason, order.Reason.Message, order.StrategyName, order.UpdatedAt,
		).
		RunWith(j.db).
		Exec()
	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalWriteFailed, "failed to insert order", err)
	}

	return nil
}

// RecordFill appends one execution.
func (j *Journal) RecordFill(fill types.FillEvent) error {
	_, err := j.sq.
		Insert("fills").
		Columns("order_id", "broker_order_id", "symbol", "side", "quantity", "price", "executed_at").
		Values(fill.OrderID, fill.BrokerOrderID, fill.Symbol, fill.Side, fill.Quantity, fill.Price, fill.Timestamp).
		RunWith(j.db).
		Exec()
	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalWriteFailed, "failed to insert fill", err)
	}

	return nil
}

// RecordPositionClose appends one concluded position.
func (j *Journal) RecordPositionClose(event types.PositionCloseEvent) error {
	pos := event.Position

	_, err := j.sq.
		Insert("position_closes").
		Columns(
			"position_id", "symbol", "quantity", "entry_price", "exit_price",
			"realized_pnl", "reason", "strategy_name", "closed_at",
		).
		Values(
			pos.ID, pos.Symbol, pos.Quantity, pos.EntryPrice, event.ExitPrice,
			pos.RealizedPnL, event.Reason, pos.StrategyName, event.Timestamp,
		).
		RunWith(j.db).
		Exec()
	if err != nil {
		return errors.Wrap(errors.ErrCodeJournalWriteFailed, "failed to insert position close", err)
	}

	return nil
}

// FillRecord is one row of the fills table.
type FillRecord struct {
	OrderID       string
	BrokerOrderID string
	Symbol        string
	Side          string
	Quantity      float64
	Price         float64
}

// FillsForSymbol returns a symbol's executions in execution order.
func (j *Journal) FillsForSymbol(symbol string) ([]FillRecord, error) {
	rows, err := j.sq.
		Select("order_id", "broker_order_id", "symbol", "side", "quantity", "price").
		From("fills").
		Where(squirrel.Eq{"symbol": symbol}).
		OrderBy("executed_at").
		RunWith(j.db).
		Query()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeJournalQueryFailed, "failed to query fills", err)
	}
	defer rows.Close()

	var fills []FillRecord

	for rows.Next() {
		var fill FillRecord
		if err := rows.Scan(&fill.OrderID, &fill.BrokerOrderID, &fill.Symbol, &fill.Side, &fill.Quantity, &fill.Price); err != nil {
			return nil, errors.Wrap(errors.ErrCodeJournalQueryFailed, "failed to scan fill", err)
		}

		fills = append(fills, fill)
	}

	return fills, rows.Err()
}

// RealizedPnL sums the recorded conclusions for a symbol.
func (j *Journal) RealizedPnL(symbol string) (float64, error) {
	row := j.sq.
		Select("COALESCE(SUM(realized_pnl), 0)").
		From("position_closes").
		Where(squirrel.Eq{"symbol": symbol}).
		RunWith(j.db).
		QueryRow()

	var pnl float64
	if err := row.Scan(&pnl); err != nil {
		return 0, errors.Wrap(errors.ErrCodeJournalQueryFailed, "failed to sum realized pnl", err)
	}

	return pnl, nil
}

// ClosedPositionCount returns how many conclusions were recorded.
func (j *Journal) ClosedPositionCount() (int, error) {
	row := j.sq.
		Select("COUNT(*)").
		From("position_closes").
		RunWith(j.db).
		QueryRow()

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, errors.Wrap(errors.ErrCodeJournalQueryFailed, "failed to count closes", err)
	}

	return count, nil
}

// Export writes every table to Parquet files under path.
func (j *Journal) Export(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return errors.Wrap(errors.ErrCodeJournalWriteFailed, "failed to create export directory", err)
	}

	for _, table := range []string{"orders", "fills", "position_closes"} {
		target := filepath.Join(path, table+".parquet")

		// Squirrel has no COPY syntax, so this stays raw SQL.
		if _, err := j.db.Exec(fmt.Sprintf(`COPY %s TO '%s' (FORMAT PARQUET)`, table, target)); err != nil {
			return errors.Wrapf(errors.ErrCodeJournalWriteFailed, err, "failed to export %s", table)
		}
	}

	j.log.Info("Journal exported", zap.String("path", path))

	return nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
