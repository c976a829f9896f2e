// Package config loads server configuration from an optional YAML file, an
// optional .env file and the process environment, in increasing precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/moltstreet/market-engine/internal/fees"
)

// Config is the complete server configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	LogLevel  string // debug | info | warn | error
	LogFormat string // text | json

	Fees           fees.Schedule
	InitialBalance decimal.Decimal
	FaucetMax      decimal.Decimal

	PendingActionTTL    time.Duration
	MarketCloseInterval time.Duration

	// Per-agent order placement limit.
	OrderRatePerSec float64
	OrderRateBurst  int
}

// keys lists every recognized setting with its default. YAML files use the
// same names in lower case.
var keys = map[string]string{
	"PORT":                     "8080",
	"DATABASE_URL":             "",
	"REDIS_URL":                "",
	"CACHE_TTL":                "30s",
	"LOG_LEVEL":                "info",
	"LOG_FORMAT":               "json",
	"TRADING_FEE_RATE":         "0.01",
	"MARKET_CREATION_FEE":      "10.00",
	"SETTLEMENT_FEE_RATE":      "0.02",
	"MODERATOR_PLATFORM_SHARE": "0.30",
	"MODERATOR_WINNER_FEE":     "0.005",
	"INITIAL_BALANCE":          "1000.00",
	"FAUCET_MAX":               "1000.00",
	"PENDING_ACTION_TTL":       "24h",
	"MARKET_CLOSE_INTERVAL":    "1m",
	"ORDER_RATE_PER_SEC":       "5",
	"ORDER_RATE_BURST":         "20",
}

// Load builds a Config. path may be empty, in which case only the
// environment (and .env, if present) is read.
func Load(path string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	raw := make(map[string]string, len(keys))
	for k, v := range keys {
		raw[k] = v
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		var file map[string]string
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
		for k, v := range file {
			key := strings.ToUpper(k)
			if _, ok := keys[key]; !ok {
				return nil, fmt.Errorf("config.Load: unknown key %q", k)
			}
			raw[key] = v
		}
	}

	for k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			raw[k] = v
		}
	}

	return parse(raw)
}

func parse(raw map[string]string) (*Config, error) {
	p := parser{raw: raw}
	cfg := &Config{
		Port:        raw["PORT"],
		DatabaseURL: raw["DATABASE_URL"],
		RedisURL:    raw["REDIS_URL"],
		LogLevel:    raw["LOG_LEVEL"],
		LogFormat:   raw["LOG_FORMAT"],

		CacheTTL:            p.duration("CACHE_TTL"),
		PendingActionTTL:    p.duration("PENDING_ACTION_TTL"),
		MarketCloseInterval: p.duration("MARKET_CLOSE_INTERVAL"),

		Fees: fees.Schedule{
			TradingRate:            p.decimal("TRADING_FEE_RATE"),
			MarketCreation:         p.decimal("MARKET_CREATION_FEE"),
			SettlementRate:         p.decimal("SETTLEMENT_FEE_RATE"),
			ModeratorPlatformShare: p.decimal("MODERATOR_PLATFORM_SHARE"),
			ModeratorWinnerFee:     p.decimal("MODERATOR_WINNER_FEE"),
		},
		InitialBalance: p.decimal("INITIAL_BALANCE"),
		FaucetMax:      p.decimal("FAUCET_MAX"),

		OrderRatePerSec: p.float("ORDER_RATE_PER_SEC"),
		OrderRateBurst:  p.int("ORDER_RATE_BURST"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	rates := map[string]decimal.Decimal{
		"TRADING_FEE_RATE":         c.Fees.TradingRate,
		"SETTLEMENT_FEE_RATE":      c.Fees.SettlementRate,
		"MODERATOR_PLATFORM_SHARE": c.Fees.ModeratorPlatformShare,
		"MODERATOR_WINNER_FEE":     c.Fees.ModeratorWinnerFee,
	}
	for k, v := range rates {
		if v.IsNegative() || v.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("config: %s must be in [0, 1), got %s", k, v)
		}
	}
	if c.Fees.MarketCreation.IsNegative() || c.InitialBalance.IsNegative() || c.FaucetMax.IsNegative() {
		return fmt.Errorf("config: fees and balances must not be negative")
	}
	if c.MarketCloseInterval <= 0 || c.PendingActionTTL <= 0 {
		return fmt.Errorf("config: intervals must be positive")
	}
	return nil
}

// parser converts raw strings, keeping the first error.
type parser struct {
	raw map[string]string
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("config: invalid %s %q: %w", key, p.raw[key], err)
	}
}

func (p *parser) decimal(key string) decimal.Decimal {
	d, err := decimal.NewFromString(p.raw[key])
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) duration(key string) time.Duration {
	d, err := time.ParseDuration(p.raw[key])
	if err != nil {
		p.fail(key, err)
	}
	return d
}

func (p *parser) float(key string) float64 {
	f, err := strconv.ParseFloat(p.raw[key], 64)
	if err != nil {
		p.fail(key, err)
	}
	return f
}

func (p *parser) int(key string) int {
	n, err := strconv.Atoi(p.raw[key])
	if err != nil {
		p.fail(key, err)
	}
	return n
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
