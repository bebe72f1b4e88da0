package broker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

// BinanceDecimalPrecision is the quantity precision used when formatting
// order quantities for the Binance API.
const BinanceDecimalPrecision = 8

// DefaultOrderSyncInterval is how often submitted orders are reconciled
// against the exchange.
const DefaultOrderSyncInterval = 2 * time.Second

// BinanceConfig configures the Binance connection.
type BinanceConfig struct {
	APIKey     string `yaml:"api_key" json:"api_key"`
	SecretKey  string `yaml:"secret_key" json:"secret_key"`
	UseTestnet bool   `yaml:"use_testnet" json:"use_testnet"`
	// BaseURL overrides the API endpoint; takes precedence over UseTestnet.
	BaseURL string `yaml:"base_url" json:"base_url"`
}

// binanceOrderState is the last exchange snapshot of one tracked order.
type binanceOrderState struct {
	symbol   string
	orderID  int64
	side     types.Side
	acked    bool
	executed float64
	cumQuote float64
}

// BinanceConnection implements Connection over the Binance spot API.
//
// Binance has no push channel in this setup, so every submitted order is
// tracked and reconciled on an interval: the first snapshot produces an
// OrderAckEvent, newly executed quantity produces a FillEvent, and terminal
// orders leave the tracked set.
type BinanceConnection struct {
	client       *binance.Client
	bus          *eventbus.Bus
	log          *logger.Logger
	syncInterval time.Duration

	mu      sync.Mutex
	tracked map[string]*binanceOrderState

	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewBinanceConnection creates a Binance-backed broker connection publishing
// acknowledgements and fills on bus.
func NewBinanceConnection(config BinanceConfig, bus *eventbus.Bus, log *logger.Logger) *BinanceConnection {
	if config.UseTestnet {
		binance.UseTestnet = true
	}

	client := binance.NewClient(config.APIKey, config.SecretKey)
	if config.BaseURL != "" {
		client.BaseURL = config.BaseURL
	}

	return &BinanceConnection{
		client:       client,
		bus:          bus,
		log:          log,
		syncInterval: DefaultOrderSyncInterval,
		tracked:      make(map[string]*binanceOrderState),
	}
}

// SubmitOrder implements Connection. The returned identifier encodes the
// symbol alongside the Binance order id, which CancelOrder requires.
func (b *BinanceConnection) SubmitOrder(ctx context.Context, order types.Order) (string, error) {
	side, err := mapSide(order.Side)
	if err != nil {
		return "", err
	}

	orderType, err := mapOrderType(order.OrderType)
	if err != nil {
		return "", err
	}

	if order.Quantity <= 0 {
		return "", errors.New(errors.ErrCodeInvalidQuantity, "order quantity must be greater than zero")
	}

	service := b.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(side).
		Type(orderType).
		Quantity(strconv.FormatFloat(order.Quantity, 'f', BinanceDecimalPrecision, 64))

	switch order.OrderType {
	case types.OrderTypeLimit:
		service = service.
			Price(strconv.FormatFloat(order.LimitPrice, 'f', -1, 64)).
			TimeInForce(mapTimeInForce(order.TimeInForce))
	case types.OrderTypeStop:
		service = service.
			StopPrice(strconv.FormatFloat(order.StopPrice, 'f', -1, 64))
	}

	response, err := service.Do(ctx)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeBrokerSubmitFailed, "failed to place order on Binance", err)
	}

	brokerOrderID := order.Symbol + ":" + strconv.FormatInt(response.OrderID, 10)

	b.mu.Lock()
	b.tracked[brokerOrderID] = &binanceOrderState{
		symbol:  order.Symbol,
		orderID: response.OrderID,
		side:    order.Side,
	}
	b.mu.Unlock()

	return brokerOrderID, nil
}

// CancelOrder implements Connection.
func (b *BinanceConnection) CancelOrder(ctx context.Context, brokerOrderID string) error {
	symbol, orderID, err := splitBrokerOrderID(brokerOrderID)
	if err != nil {
		return err
	}

	_, err = b.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrCodeBrokerCancelFailed, "failed to cancel order on Binance", err)
	}

	return nil
}

// GetCurrentPrice implements Connection.
func (b *BinanceConnection) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodePriceUnavailable, "failed to fetch price from Binance", err)
	}

	if len(prices) == 0 {
		return 0, errors.Newf(errors.ErrCodePriceUnavailable, "no price returned for %s", symbol)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodePriceUnavailable, "failed to parse Binance price", err)
	}

	return price, nil
}

// Start begins the order reconciliation loop. Idempotent.
func (b *BinanceConnection) Start(ctx context.Context) {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if b.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.run(runCtx)
}

// Stop halts the reconciliation loop and waits for it to exit. Idempotent.
func (b *BinanceConnection) Stop() {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	if b.cancel == nil {
		return
	}

	b.cancel()
	<-b.done
	b.cancel = nil
}

func (b *BinanceConnection) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.syncOrders(ctx)
		}
	}
}

// syncOrders queries every tracked order. Query failures are logged and the
// order is retried on the next pass.
func (b *BinanceConnection) syncOrders(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.tracked))
	for brokerOrderID := range b.tracked {
		ids = append(ids, brokerOrderID)
	}
	b.mu.Unlock()

	for _, brokerOrderID := range ids {
		b.mu.Lock()
		state, ok := b.tracked[brokerOrderID]
		b.mu.Unlock()

		if !ok {
			continue
		}

		snapshot, err := b.client.NewGetOrderService().
			Symbol(state.symbol).
			OrderID(state.orderID).
			Do(ctx)
		if err != nil {
			b.log.Warn("Failed to query order on Binance",
				zap.String("broker_order_id", brokerOrderID),
				zap.Error(err),
			)

			continue
		}

		b.syncOrder(brokerOrderID, snapshot)
	}
}

// syncOrder folds one exchange snapshot into the tracked state. The first
// snapshot emits an OrderAckEvent; newly executed quantity emits a FillEvent
// priced at the quote-quantity delta over the executed delta. Events are
// emitted with no locks held.
func (b *BinanceConnection) syncOrder(brokerOrderID string, snapshot *binance.Order) {
	executed, err := strconv.ParseFloat(snapshot.ExecutedQuantity, 64)
	if err != nil {
		b.log.Warn("Malformed executed quantity from Binance",
			zap.String("broker_order_id", brokerOrderID),
			zap.String("executed_quantity", snapshot.ExecutedQuantity),
		)

		return
	}

	cumQuote, err := strconv.ParseFloat(snapshot.CummulativeQuoteQuantity, 64)
	if err != nil {
		b.log.Warn("Malformed quote quantity from Binance",
			zap.String("broker_order_id", brokerOrderID),
			zap.String("quote_quantity", snapshot.CummulativeQuoteQuantity),
		)

		return
	}

	b.mu.Lock()

	state, ok := b.tracked[brokerOrderID]
	if !ok {
		b.mu.Unlock()

		return
	}

	var events []types.Event

	if !state.acked {
		state.acked = true
		events = append(events, types.OrderAckEvent{
			BrokerOrderID: brokerOrderID,
			Symbol:        state.symbol,
			Timestamp:     time.Now(),
		})
	}

	if executed > state.executed {
		quantity, _ := decimal.NewFromFloat(executed).
			Sub(decimal.NewFromFloat(state.executed)).
			Float64()
		price, _ := decimal.NewFromFloat(cumQuote).
			Sub(decimal.NewFromFloat(state.cumQuote)).
			Div(decimal.NewFromFloat(quantity)).
			Float64()

		events = append(events, types.FillEvent{
			BrokerOrderID: brokerOrderID,
			Symbol:        state.symbol,
			Side:          state.side,
			Quantity:      quantity,
			Price:         price,
			Timestamp:     time.UnixMilli(snapshot.UpdateTime),
		})

		state.executed = executed
		state.cumQuote = cumQuote
	}

	if isTerminalBinanceStatus(snapshot.Status) {
		delete(b.tracked, brokerOrderID)
	}

	b.mu.Unlock()

	for _, event := range events {
		b.bus.Emit(event)
	}
}

func isTerminalBinanceStatus(status binance.OrderStatusType) bool {
	switch status {
	case binance.OrderStatusTypeFilled,
		binance.OrderStatusTypeCanceled,
		binance.OrderStatusTypeRejected,
		binance.OrderStatusTypeExpired:
		return true
	default:
		return false
	}
}

func mapSide(side types.Side) (binance.SideType, error) {
	switch side {
	case types.SideBuy:
		return binance.SideTypeBuy, nil
	case types.SideSell:
		return binance.SideTypeSell, nil
	default:
		return "", errors.Newf(errors.ErrCodeInvalidParameter, "unsupported order side: %s", side)
	}
}

func mapOrderType(orderType types.OrderType) (binance.OrderType, error) {
	switch orderType {
	case types.OrderTypeMarket:
		return binance.OrderTypeMarket, nil
	case types.OrderTypeLimit:
		return binance.OrderTypeLimit, nil
	case types.OrderTypeStop:
		return binance.OrderTypeStopLoss, nil
	default:
		return "", errors.Newf(errors.ErrCodeInvalidParameter, "unsupported order type: %s", orderType)
	}
}

// mapTimeInForce maps internal time-in-force values to Binance ones. Binance
// spot has no DAY orders; DAY maps to GTC.
func mapTimeInForce(tif types.TimeInForce) binance.TimeInForceType {
	if tif == types.TimeInForceIOC {
		return binance.TimeInForceTypeIOC
	}

	return binance.TimeInForceTypeGTC
}

func splitBrokerOrderID(brokerOrderID string) (string, int64, error) {
	parts := strings.SplitN(brokerOrderID, ":", 2)
	if len(parts) != 2 {
		return "", 0, errors.Newf(errors.ErrCodeInvalidParameter, "malformed broker order id: %s", brokerOrderID)
	}

	orderID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, errors.Wrap(errors.ErrCodeInvalidParameter, "malformed broker order id", err)
	}

	return parts[0], orderID, nil
}

// Verify BinanceConnection implements the Connection interface.
var _ Connection = (*BinanceConnection)(nil)
