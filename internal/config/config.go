// Package config loads and validates the trader's YAML configuration.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/octave-lab/octave-trading/internal/linked"
	"github.com/octave-lab/octave-trading/internal/position"
	"github.com/octave-lab/octave-trading/internal/version"
	"github.com/octave-lab/octave-trading/pkg/errors"
)

// Duration wraps time.Duration with YAML support for strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}

	*d = Duration(parsed)

	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// BinanceConfig holds the Binance API credentials.
type BinanceConfig struct {
	APIKey    string `yaml:"api_key" json:"api_key" jsonschema:"title=API Key,description=Binance API key" validate:"required"`
	SecretKey string `yaml:"secret_key" json:"secret_key" jsonschema:"title=Secret Key,description=Binance API secret key" validate:"required"`
	Testnet   bool   `yaml:"testnet" json:"testnet" jsonschema:"title=Testnet,description=Use the Binance testnet"`
}

// BrokerConfig selects and configures the brokerage connection.
type BrokerConfig struct {
	Provider string         `yaml:"provider" json:"provider" jsonschema:"title=Provider,description=Brokerage provider,enum=paper,enum=binance" validate:"required,oneof=paper binance"`
	Binance  *BinanceConfig `yaml:"binance" json:"binance,omitempty" jsonschema:"title=Binance,description=Binance credentials when provider is binance"`
}

// RiskConfig holds the linked-order protection parameters. Percentages are
// fractions (0.03 means 3%).
type RiskConfig struct {
	AutoProtect        bool    `yaml:"auto_protect" json:"auto_protect" jsonschema:"title=Auto Protect,description=Arm a stop/target pair when an entry fills"`
	StopLossPct        float64 `yaml:"stop_loss_pct" json:"stop_loss_pct" jsonschema:"title=Stop Loss Percent,minimum=0,maximum=1" validate:"gte=0,lte=1"`
	TakeProfitPct      float64 `yaml:"take_profit_pct" json:"take_profit_pct" jsonschema:"title=Take Profit Percent,minimum=0,maximum=1" validate:"gte=0,lte=1"`
	ScaleInMinProfit   float64 `yaml:"scale_in_min_profit" json:"scale_in_min_profit" jsonschema:"title=Scale-In Minimum Profit,minimum=0,maximum=1" validate:"gte=0,lte=1"`
	ScaleInPriceOffset float64 `yaml:"scale_in_price_offset" json:"scale_in_price_offset" jsonschema:"title=Scale-In Price Offset,minimum=0,maximum=1" validate:"gte=0,lte=1"`
	MaxScaleIns        int     `yaml:"max_scale_ins" json:"max_scale_ins" jsonschema:"title=Max Scale-Ins,description=Scale-in cap per linkage. Zero means no cap,minimum=0" validate:"gte=0"`
}

// TrackerConfig tunes the position tracker.
type TrackerConfig struct {
	PriceEpsilon       float64 `yaml:"price_epsilon" json:"price_epsilon" jsonschema:"title=Price Epsilon,description=Minimum price move that emits a position update event,minimum=0" validate:"gte=0"`
	ClosedHistoryLimit int     `yaml:"closed_history_limit" json:"closed_history_limit" jsonschema:"title=Closed History Limit,description=How many closed positions are retained in memory,minimum=1" validate:"gte=1"`
}

// StrategyConfig describes one signal-driven entry rule.
type StrategyConfig struct {
	Name          string   `yaml:"name" json:"name" jsonschema:"title=Name" validate:"required"`
	Symbols       []string `yaml:"symbols" json:"symbols" jsonschema:"title=Symbols" validate:"required,min=1"`
	Quantity      float64  `yaml:"quantity" json:"quantity" jsonschema:"title=Quantity,minimum=0" validate:"required,gt=0"`
	MinConfidence float64  `yaml:"min_confidence" json:"min_confidence" jsonschema:"title=Minimum Confidence,minimum=0,maximum=1" validate:"gte=0,lte=1"`
	Priority      int      `yaml:"priority" json:"priority" jsonschema:"title=Priority"`
	Cooldown      Duration `yaml:"cooldown" json:"cooldown" jsonschema:"title=Cooldown,description=Minimum interval between executions (e.g. 5m)"`
	ScaleIn       bool     `yaml:"scale_in" json:"scale_in" jsonschema:"title=Scale In,description=Allow scale-ins on repeated same-side signals"`
}

// SignalConfig configures the prediction-signal poller. An empty endpoint
// disables polling.
type SignalConfig struct {
	Endpoint     string   `yaml:"endpoint" json:"endpoint" jsonschema:"title=Endpoint,description=Prediction service URL. Empty disables polling"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval" jsonschema:"title=Poll Interval,description=How often predictions are fetched (e.g. 30s)"`
}

// JournalConfig configures the optional session journal.
type JournalConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled" jsonschema:"title=Enabled"`
	Path       string `yaml:"path" json:"path" jsonschema:"title=Path,description=DuckDB database file. Empty keeps the journal in memory"`
	ExportPath string `yaml:"export_path" json:"export_path" jsonschema:"title=Export Path,description=Directory receiving Parquet exports on shutdown"`
}

// Config is the root configuration of the trader.
type Config struct {
	Version      string           `yaml:"version" json:"version" jsonschema:"title=Version,description=Config schema version" validate:"required"`
	LogLevel     string           `yaml:"log_level" json:"log_level" jsonschema:"title=Log Level,enum=debug,enum=info,enum=warn,enum=error" validate:"omitempty,oneof=debug info warn error"`
	TickInterval Duration         `yaml:"tick_interval" json:"tick_interval" jsonschema:"title=Tick Interval,description=Periodic rule evaluation interval (e.g. 1s)"`
	Broker       BrokerConfig     `yaml:"broker" json:"broker" jsonschema:"title=Broker" validate:"required"`
	Risk         RiskConfig       `yaml:"risk" json:"risk" jsonschema:"title=Risk"`
	Tracker      TrackerConfig    `yaml:"tracker" json:"tracker" jsonschema:"title=Tracker"`
	Strategies   []StrategyConfig `yaml:"strategies" json:"strategies" jsonschema:"title=Strategies" validate:"required,min=1,dive"`
	Signal       SignalConfig     `yaml:"signal" json:"signal" jsonschema:"title=Signal"`
	Journal      JournalConfig    `yaml:"journal" json:"journal" jsonschema:"title=Journal"`
}

// LoadConfig reads, parses, and validates a YAML config file, including the
// version compatibility check against the running binary.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigParseFailed, "failed to read config file", err)
	}

	return ParseConfig(raw)
}

// ParseConfig parses and validates raw YAML config bytes.
func ParseConfig(raw []byte) (*Config, error) {
	cfg := defaultConfig()

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigParseFailed, "failed to parse config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := version.CheckConfigCompatibility(version.GetVersion(), cfg.Version); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigVersion, "config version is incompatible with this binary", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	linkedDefaults := linked.DefaultConfig()

	return &Config{
		LogLevel:     "info",
		TickInterval: Duration(time.Second),
		Broker:       BrokerConfig{Provider: "paper"},
		Risk: RiskConfig{
			AutoProtect:        linkedDefaults.AutoProtect,
			StopLossPct:        linkedDefaults.StopLossPct,
			TakeProfitPct:      linkedDefaults.TakeProfitPct,
			ScaleInMinProfit:   linkedDefaults.ScaleInMinProfit,
			ScaleInPriceOffset: linkedDefaults.ScaleInPriceOffset,
			MaxScaleIns:        linkedDefaults.MaxScaleIns,
		},
		Tracker: TrackerConfig{
			PriceEpsilon:       position.DefaultPriceEpsilon,
			ClosedHistoryLimit: position.DefaultClosedHistoryLimit,
		},
		Signal: SignalConfig{PollInterval: Duration(30 * time.Second)},
	}
}

// Validate validates the Config struct.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid config", err)
	}

	if c.Broker.Provider == "binance" {
		if c.Broker.Binance == nil {
			return errors.New(errors.ErrCodeInvalidConfiguration, "binance provider requires binance credentials")
		}

		if err := validate.Struct(c.Broker.Binance); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid binance config", err)
		}
	}

	return nil
}

// LinkedConfig maps the risk section onto the coordinator's parameters.
func (c *Config) LinkedConfig() linked.Config {
	return linked.Config{
		AutoProtect:        c.Risk.AutoProtect,
		StopLossPct:        c.Risk.StopLossPct,
		TakeProfitPct:      c.Risk.TakeProfitPct,
		ScaleInMinProfit:   c.Risk.ScaleInMinProfit,
		ScaleInPriceOffset: c.Risk.ScaleInPriceOffset,
		MaxScaleIns:        c.Risk.MaxScaleIns,
	}
}

// Symbols returns the union of every strategy's symbols, deduplicated in
// first-seen order.
func (c *Config) Symbols() []string {
	seen := make(map[string]struct{})

	var symbols []string

	for _, strategy := range c.Strategies {
		for _, symbol := range strategy.Symbols {
			if _, ok := seen[symbol]; ok {
				continue
			}

			seen[symbol] = struct{}{}
			symbols = append(symbols, symbol)
		}
	}

	return symbols
}

// GenerateSchema generates a JSON schema for the Config.
func GenerateSchema() (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
	}

	schema := reflector.Reflect(&Config{})
	if schema == nil {
		return nil, errors.New(errors.ErrCodeConfigSchemaFailed, "failed to reflect config schema")
	}

	return schema, nil
}
