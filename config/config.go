// Package config loads signalbot configuration from a .env file, an optional
// YAML file and SIGNALBOT_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"signalbot/internal/indicator"
	"signalbot/internal/strategy"
)

// EnvPrefix is prepended to every environment override, e.g.
// SIGNALBOT_MARKET_SYMBOL or SIGNALBOT_STORE_BACKEND.
const EnvPrefix = "SIGNALBOT"

// Config holds all application configuration.
type Config struct {
	Market     MarketConfig     `mapstructure:"market"`
	Indicators indicator.Config `mapstructure:"indicators"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Store      StoreConfig      `mapstructure:"store"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Log        LogConfig        `mapstructure:"log"`
}

// MarketConfig describes where candles come from.
type MarketConfig struct {
	Symbol       string        `mapstructure:"symbol" validate:"required,alphanum"`
	Interval     string        `mapstructure:"interval" validate:"required"`
	Limit        int           `mapstructure:"limit" validate:"gt=0,lte=1000"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`

	// Source is "rest" (poll Binance klines) or "stream" (kline websocket
	// with REST seeding).
	Source       string `mapstructure:"source" validate:"oneof=rest stream"`
	BinanceURL   string `mapstructure:"binance_url" validate:"required,url"`
	StreamURL    string `mapstructure:"stream_url" validate:"required,url"`
	CoinGeckoURL string `mapstructure:"coingecko_url" validate:"required,url"`
	CoinID       string `mapstructure:"coin_id" validate:"required"`
	Fallback     bool   `mapstructure:"fallback"`
}

// StrategyConfig holds classifier thresholds and the reference roll policy.
type StrategyConfig struct {
	strategy.Thresholds `mapstructure:",squash"`

	// RebuyResetsReference also rolls the reference price forward on REBUY.
	RebuyResetsReference bool `mapstructure:"rebuy_resets_reference"`
}

// MonitorConfig controls the cycle cadence.
type MonitorConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	Backoff      time.Duration `mapstructure:"backoff" validate:"gt=0"`
}

// StoreConfig selects and configures the subscriber state backend.
type StoreConfig struct {
	Backend       string  `mapstructure:"backend" validate:"oneof=file sqlite redis"`
	Dir           string  `mapstructure:"dir" validate:"required_if=Backend file"`
	SQLitePath    string  `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	RedisAddr     string  `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string  `mapstructure:"redis_password"`
	RedisDB       int     `mapstructure:"redis_db" validate:"gte=0"`
	RedisPrefix   string  `mapstructure:"redis_prefix"`
	FallbackPrice float64 `mapstructure:"fallback_price" validate:"gt=0"`
}

// NotifyConfig selects where cycle results are delivered.
type NotifyConfig struct {
	Backend       string `mapstructure:"backend" validate:"oneof=log telegram webhook redis"`
	TelegramToken string `mapstructure:"telegram_token" validate:"required_if=Backend telegram"`
	TelegramURL   string `mapstructure:"telegram_url" validate:"required,url"`
	WebhookURL    string `mapstructure:"webhook_url" validate:"required_if=Backend webhook"`

	// NotifyNone also delivers results for ticks without a signal.
	NotifyNone bool `mapstructure:"notify_none"`
}

// HTTPConfig is the keep-alive, API and metrics listener.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// FeesConfig holds the fee rates used by the estimate command.
type FeesConfig struct {
	Binance   float64 `mapstructure:"binance" validate:"gte=0,lt=1"`
	Paymonade float64 `mapstructure:"paymonade" validate:"gte=0,lt=1"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("market.symbol", "BTCUSDT")
	v.SetDefault("market.interval", "5m")
	v.SetDefault("market.limit", 100)
	v.SetDefault("market.fetch_timeout", 10*time.Second)
	v.SetDefault("market.source", "rest")
	v.SetDefault("market.binance_url", "https://api.binance.com")
	v.SetDefault("market.stream_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("market.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("market.coin_id", "bitcoin")
	v.SetDefault("market.fallback", true)

	ind := indicator.DefaultConfig()
	v.SetDefault("indicators.sma_fast", ind.SMAFast)
	v.SetDefault("indicators.sma_slow", ind.SMASlow)
	v.SetDefault("indicators.rsi", ind.RSI)
	v.SetDefault("indicators.macd_fast", ind.MACDFast)
	v.SetDefault("indicators.macd_slow", ind.MACDSlow)
	v.SetDefault("indicators.macd_signal", ind.MACDSignal)
	v.SetDefault("indicators.bb_period", ind.BBPeriod)
	v.SetDefault("indicators.bb_k", ind.BBK)

	th := strategy.DefaultThresholds()
	v.SetDefault("strategy.rebuy_drawdown", th.RebuyDrawdown)
	v.SetDefault("strategy.rebuy_rsi", th.RebuyRSI)
	v.SetDefault("strategy.buy_rsi_max", th.BuyRSIMax)
	v.SetDefault("strategy.sell_rsi_min", th.SellRSIMin)
	v.SetDefault("strategy.use_bollinger", th.UseBollinger)
	v.SetDefault("strategy.rebuy_resets_reference", false)

	v.SetDefault("monitor.tick_interval", 300*time.Second)
	v.SetDefault("monitor.backoff", 60*time.Second)

	v.SetDefault("store.backend", "file")
	v.SetDefault("store.dir", ".")
	v.SetDefault("store.sqlite_path", "data/signalbot.db")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_prefix", "signalbot")
	v.SetDefault("store.fallback_price", 96000.0)

	v.SetDefault("notify.backend", "log")
	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_url", "https://api.telegram.org")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.notify_none", true)

	v.SetDefault("http.addr", ":3000")

	v.SetDefault("fees.binance", 0.001)
	v.SetDefault("fees.paymonade", 0.01)

	v.SetDefault("log.level", "info")
}

// Load reads configuration. path may name a YAML file; when empty,
// ./signalbot.yaml is used if present.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The original deployment used a bare TELEGRAM_TOKEN.
	if err := v.BindEnv("notify.telegram_token", EnvPrefix+"_NOTIFY_TELEGRAM_TOKEN", "TELEGRAM_TOKEN"); err != nil {
		return nil, fmt.Errorf("config: bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("signalbot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Indicators.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
