// Package config loads service configuration from an optional YAML file and
// LEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Env      string         `mapstructure:"env" validate:"oneof=development production"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Quote    QuoteConfig    `mapstructure:"quote"`
	Trade    TradeConfig    `mapstructure:"trade"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Hedge    HedgeConfig    `mapstructure:"hedge"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Assets   []AssetConfig  `mapstructure:"assets" validate:"required,min=1,dive"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// DatabaseConfig selects PostgreSQL when URL is set, the in-memory store
// otherwise.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic" validate:"required"`
}

type QuoteConfig struct {
	LockWindow  time.Duration `mapstructure:"lock_window" validate:"gt=0"`
	SpreadBps   int64         `mapstructure:"spread_bps" validate:"min=0,max=10000"`
	MinQuantity string        `mapstructure:"min_quantity" validate:"required,numeric"`
	MaxQuantity string        `mapstructure:"max_quantity" validate:"required,numeric"`
	Currency    string        `mapstructure:"currency" validate:"required"`
}

type TradeConfig struct {
	FeeRate   string `mapstructure:"fee_rate" validate:"required,numeric"`
	MinAmount string `mapstructure:"min_amount" validate:"required,numeric"`
	MaxAmount string `mapstructure:"max_amount" validate:"required,numeric"`
}

type OracleConfig struct {
	MaxAge time.Duration `mapstructure:"max_age" validate:"gt=0"`
	// Prices seeds the static oracle used when no live feed is wired.
	Prices []PriceConfig `mapstructure:"prices" validate:"dive"`
}

type PriceConfig struct {
	Symbol string `mapstructure:"symbol" validate:"required"`
	Price  string `mapstructure:"price" validate:"required,numeric"`
}

type HedgeConfig struct {
	TargetRatio string        `mapstructure:"target_ratio" validate:"required,numeric"`
	Tolerance   string        `mapstructure:"tolerance" validate:"required,numeric"`
	Interval    time.Duration `mapstructure:"interval" validate:"gt=0"`
	AutoExecute bool          `mapstructure:"auto_execute"`
}

type CacheConfig struct {
	TTL  time.Duration `mapstructure:"ttl" validate:"gt=0"`
	Size int64         `mapstructure:"size" validate:"min=1"`
}

type AssetConfig struct {
	Code            string `mapstructure:"code" validate:"required"`
	Kind            string `mapstructure:"kind" validate:"oneof=CUSTODY SYNTHETIC CASH"`
	Pair            string `mapstructure:"pair"`
	OracleSymbol    string `mapstructure:"oracle_symbol"`
	HedgeInstrument string `mapstructure:"hedge_instrument"`
}

// DefaultAssets is the gold/silver set used when no assets are configured.
func DefaultAssets() []AssetConfig {
	return []AssetConfig{
		{Code: "PAXG", Kind: "CUSTODY", Pair: "XAU-s"},
		{Code: "XAU-s", Kind: "SYNTHETIC", Pair: "PAXG", OracleSymbol: "XAU", HedgeInstrument: "GLD"},
		{Code: "KAG", Kind: "CUSTODY", Pair: "XAG-s"},
		{Code: "XAG-s", Kind: "SYNTHETIC", Pair: "KAG", OracleSymbol: "XAG", HedgeInstrument: "SLV"},
		{Code: "USD", Kind: "CASH"},
	}
}

// DefaultPrices seeds the static oracle for development.
func DefaultPrices() []PriceConfig {
	return []PriceConfig{
		{Symbol: "XAU", Price: "2000"},
		{Symbol: "XAG", Price: "25"},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "ledger-events")
	v.SetDefault("quote.lock_window", 600*time.Second)
	v.SetDefault("quote.spread_bps", 50)
	v.SetDefault("quote.min_quantity", "0.0001")
	v.SetDefault("quote.max_quantity", "1000")
	v.SetDefault("quote.currency", "USD")
	v.SetDefault("trade.fee_rate", "0.001")
	v.SetDefault("trade.min_amount", "0.0001")
	v.SetDefault("trade.max_amount", "1000000")
	v.SetDefault("oracle.max_age", 60*time.Second)
	v.SetDefault("hedge.target_ratio", "0.8")
	v.SetDefault("hedge.tolerance", "0.05")
	v.SetDefault("hedge.interval", time.Minute)
	v.SetDefault("hedge.auto_execute", false)
	v.SetDefault("cache.ttl", 30*time.Second)
	v.SetDefault("cache.size", 100000)
}

// Load reads configuration. path may name an explicit file; otherwise
// config.yaml is looked up in . and /etc/metals-ledger, and its absence is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/metals-ledger")
	}
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Assets) == 0 {
		cfg.Assets = DefaultAssets()
	}
	if len(cfg.Oracle.Prices) == 0 {
		cfg.Oracle.Prices = DefaultPrices()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field constraints tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if r := c.Hedge.Target(); r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("invalid config: hedge.target_ratio %s outside [0,1]", r)
	}
	if c.Hedge.Band().IsNegative() {
		return fmt.Errorf("invalid config: hedge.tolerance must not be negative")
	}
	if c.Trade.Fee().IsNegative() {
		return fmt.Errorf("invalid config: trade.fee_rate must not be negative")
	}
	if !c.Quote.MinQty().IsPositive() {
		return fmt.Errorf("invalid config: quote.min_quantity must be positive")
	}
	if c.Quote.MinQty().GreaterThan(c.Quote.MaxQty()) {
		return fmt.Errorf("invalid config: quote.min_quantity exceeds quote.max_quantity")
	}
	if c.Trade.Min().GreaterThan(c.Trade.Max()) {
		return fmt.Errorf("invalid config: trade.min_amount exceeds trade.max_amount")
	}
	return nil
}

// Numeric fields are validated before these accessors are used.

func (q QuoteConfig) MinQty() decimal.Decimal { return decimal.RequireFromString(q.MinQuantity) }
func (q QuoteConfig) MaxQty() decimal.Decimal { return decimal.RequireFromString(q.MaxQuantity) }

func (t TradeConfig) Fee() decimal.Decimal { return decimal.RequireFromString(t.FeeRate) }
func (t TradeConfig) Min() decimal.Decimal { return decimal.RequireFromString(t.MinAmount) }
func (t TradeConfig) Max() decimal.Decimal { return decimal.RequireFromString(t.MaxAmount) }

func (h HedgeConfig) Target() decimal.Decimal { return decimal.RequireFromString(h.TargetRatio) }
func (h HedgeConfig) Band() decimal.Decimal   { return decimal.RequireFromString(h.Tolerance) }

func (p PriceConfig) Value() decimal.Decimal { return decimal.RequireFromString(p.Price) }
