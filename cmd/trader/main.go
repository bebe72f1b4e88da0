package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octave-lab/octave-trading/internal/broker"
	"github.com/octave-lab/octave-trading/internal/config"
	"github.com/octave-lab/octave-trading/internal/eventbus"
	"github.com/octave-lab/octave-trading/internal/journal"
	"github.com/octave-lab/octave-trading/internal/linked"
	"github.com/octave-lab/octave-trading/internal/logger"
	"github.com/octave-lab/octave-trading/internal/order"
	"github.com/octave-lab/octave-trading/internal/position"
	"github.com/octave-lab/octave-trading/internal/rule"
	"github.com/octave-lab/octave-trading/internal/signal"
	"github.com/octave-lab/octave-trading/internal/types"
	"github.com/octave-lab/octave-trading/internal/version"
)

func main() {
	cmd := &cli.Command{
		Name:    "trader",
		Usage:   "Signal-driven trading engine",
		Version: version.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the YAML config file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "journal",
				Usage: "Path to the session journal database (overrides config, enables the journal)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (overrides config)",
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "schema",
				Usage:  "Print the JSON schema of the config file",
				Action: schemaAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("trader failed: %v", err)
	}
}

// schemaAction prints the config schema so editors can validate configs.
func schemaAction(ctx context.Context, cmd *cli.Command) error {
	schema, err := config.GenerateSchema()
	if err != nil {
		return err
	}

	raw, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(raw))

	return nil
}

// runAction wires the core together and runs until SIGINT/SIGTERM.
func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	if path := cmd.String("journal"); path != "" {
		cfg.Journal.Enabled = true
		cfg.Journal.Path = path
	}

	if levelName := cmd.String("log-level"); levelName != "" {
		cfg.LogLevel = levelName
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	logg, err := logger.NewLoggerWithLevel(level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logg.Sync()

	bus := eventbus.NewBus(logg)
	tracker := position.NewTracker(bus, logg,
		position.WithPriceEpsilon(cfg.Tracker.PriceEpsilon),
		position.WithClosedHistoryLimit(cfg.Tracker.ClosedHistoryLimit),
	)

	conn, err := newConnection(cfg, bus, logg)
	if err != nil {
		return err
	}

	manager := order.NewManager(bus, conn, logg)
	manager.BindBus()

	shared := rule.NewContext(bus, tracker, manager, conn, logg)

	coordinator := linked.NewCoordinator(shared, cfg.LinkedConfig())
	coordinator.BindBus()

	if cfg.Journal.Enabled {
		sessionJournal, err := journal.NewJournal(cfg.Journal.Path, logg)
		if err != nil {
			return err
		}

		if err := sessionJournal.Initialize(); err != nil {
			return err
		}

		sessionJournal.BindBus(bus)

		defer func() {
			if cfg.Journal.ExportPath != "" {
				if err := sessionJournal.Export(cfg.Journal.ExportPath); err != nil {
					logg.Warn("Journal export failed", zap.Error(err))
				}
			}

			sessionJournal.Close()
		}()
	}

	engine := rule.NewEngine(shared, rule.WithTickInterval(cfg.TickInterval.Std()))

	for _, strategy := range cfg.Strategies {
		if err := registerStrategy(engine, coordinator, strategy); err != nil {
			return err
		}
	}

	runCtx, stop := ossignal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.Start(runCtx)
	defer engine.Stop()

	// The Binance adapter needs its reconciliation loop to feed fills back
	// onto the bus; the paper broker fills synchronously on price updates.
	if binanceConn, ok := conn.(*broker.BinanceConnection); ok {
		binanceConn.Start(runCtx)
		defer binanceConn.Stop()
	}

	if cfg.Signal.Endpoint != "" {
		poller := signal.NewPoller(
			signal.NewHTTPSource(cfg.Signal.Endpoint),
			bus, logg, cfg.Symbols(),
			signal.WithPollInterval(cfg.Signal.PollInterval.Std()),
		)
		poller.Start(runCtx)
		defer poller.Stop()
	} else {
		logg.Warn("No prediction endpoint configured, running on bus events only")
	}

	logg.Info("Trader started",
		zap.String("broker", cfg.Broker.Provider),
		zap.Strings("symbols", cfg.Symbols()),
		zap.Int("strategies", len(cfg.Strategies)),
	)

	<-runCtx.Done()

	logg.Info("Shutting down")

	return nil
}

func newConnection(cfg *config.Config, bus *eventbus.Bus, logg *logger.Logger) (broker.Connection, error) {
	switch cfg.Broker.Provider {
	case "paper":
		return broker.NewPaperConnection(bus, logg), nil
	case "binance":
		return broker.NewBinanceConnection(broker.BinanceConfig{
			APIKey:     cfg.Broker.Binance.APIKey,
			SecretKey:  cfg.Broker.Binance.SecretKey,
			UseTestnet: cfg.Broker.Binance.Testnet,
		}, bus, logg), nil
	default:
		return nil, fmt.Errorf("unknown broker provider %q", cfg.Broker.Provider)
	}
}

// registerStrategy turns one strategy section into an entry rule and,
// optionally, a scale-in rule right below it in priority.
func registerStrategy(engine *rule.Engine, coordinator *linked.Coordinator, strategy config.StrategyConfig) error {
	symbols := make(map[string]struct{}, len(strategy.Symbols))
	for _, symbol := range strategy.Symbols {
		symbols[symbol] = struct{}{}
	}

	condition := &rule.EventCondition{
		EventType: types.EventTypePredictionSignal,
		Fields: map[string]any{
			"symbol": rule.FieldPredicate(func(value any) bool {
				symbol, ok := value.(string)
				if !ok {
					return false
				}

				_, ok = symbols[symbol]

				return ok
			}),
			"confidence": rule.FieldPredicate(func(value any) bool {
				confidence, ok := value.(float64)
				return ok && confidence >= strategy.MinConfidence
			}),
		},
	}

	entry := rule.NewRule(
		strategy.Name+"-entry",
		condition,
		&linked.EntryAction{
			Coordinator:  coordinator,
			Quantity:     strategy.Quantity,
			StrategyName: strategy.Name,
		},
	).WithPriority(strategy.Priority).WithCooldown(strategy.Cooldown.Std())

	if err := engine.Register(entry); err != nil {
		return err
	}

	if !strategy.ScaleIn {
		return nil
	}

	scale := rule.NewRule(
		strategy.Name+"-scale-in",
		condition,
		&linked.ScaleInAction{
			Coordinator: coordinator,
			Quantity:    strategy.Quantity,
		},
	).WithPriority(strategy.Priority - 1).WithCooldown(strategy.Cooldown.Std())

	return engine.Register(scale)
}
