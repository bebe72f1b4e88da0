// Package signal polls an external prediction service and feeds its signals
// onto the event bus. The core never calls the service directly; everything
// downstream reacts to PredictionSignalEvents.
package signal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/types"
)

// DefaultPollInterval is used when no interval is configured.
const DefaultPollInterval = 30 * time.Second

// seenLimit bounds the dedup set so a long-running poller does not grow
// without limit.
const seenLimit = 10000

// Source fetches the latest predictions for a set of symbols.
type Source interface {
	Fetch(ctx context.Context, symbols []string) ([]types.PredictionSignal, error)
}

// Poller periodically fetches predictions and emits each unseen one as a
// PredictionSignalEvent. Predictions are deduplicated by prediction ID, so a
// service returning the same prediction across polls triggers rules once.
type Poller struct {
	source   Source
	bus      *eventbus.Bus
	log      *logger.Logger
	symbols  []string
	interval time.Duration

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	startMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the polling interval.
func WithPollInterval(interval time.Duration) PollerOption {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// NewPoller builds a poller for the given symbols.
func NewPoller(source Source, bus *eventbus.Bus, log *logger.Logger, symbols []string, opts ...PollerOption) *Poller {
	p := &Poller{
		source:   source,
		bus:      bus,
		log:      log,
		symbols:  symbols,
		interval: DefaultPollInterval,
		seen:     make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start launches the polling loop. Calling Start on a running poller is a
// no-op.
func (p *Poller) Start(ctx context.Context) {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(runCtx)
}

// Stop cancels the polling loop and waits for it to exit. Calling Stop on a
// stopped poller is a no-op.
func (p *Poller) Stop() {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.cancel == nil {
		return
	}

	p.cancel()
	<-p.done

	p.cancel = nil
	p.done = nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll fetches once and emits every valid, unseen prediction. Fetch and
// validation failures are logged and skipped; the next pass retries.
func (p *Poller) Poll(ctx context.Context) {
	signals, err := p.source.Fetch(ctx, p.symbols)
	if err != nil {
		p.log.Warn("Prediction fetch failed", zap.Error(err))
		return
	}

	for _, sig := range signals {
		if err := sig.Validate(); err != nil {
			p.log.Warn("Dropping invalid prediction",
				zap.String("prediction_id", sig.PredictionID),
				zap.Error(err),
			)

			continue
		}

		if !p.markSeen(sig.PredictionID) {
			continue
		}

		timestamp := sig.Timestamp
		if timestamp.IsZero() {
			timestamp = time.Now()
		}

		p.bus.Emit(types.PredictionSignalEvent{
			Symbol:       sig.Symbol,
			Signal:       sig.Signal,
			Confidence:   sig.Confidence,
			PredictionID: sig.PredictionID,
			Timestamp:    timestamp,
		})
	}
}

// markSeen records a prediction ID, evicting the oldest entry when the set
// is full. Returns false when the ID was already recorded.
func (p *Poller) markSeen(predictionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.seen[predictionID]; ok {
		return false
	}

	if len(p.seenOrder) >= seenLimit {
		oldest := p.seenOrder[0]
		p.seenOrder = p.seenOrder[1:]
		delete(p.seen, oldest)
	}

	p.seen[predictionID] = struct{}{}
	p.seenOrder = append(p.seenOrder, predictionID)

	return true
}
