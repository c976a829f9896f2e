package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// clearEnv blanks every recognized variable for the duration of t.
func clearEnv(t *testing.T) {
	t.Helper()
	for k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 24*time.Hour, cfg.PendingActionTTL)
	assert.Equal(t, time.Minute, cfg.MarketCloseInterval)
	assert.True(t, cfg.Fees.TradingRate.Equal(d("0.01")))
	assert.True(t, cfg.Fees.MarketCreation.Equal(d("10")))
	assert.True(t, cfg.Fees.SettlementRate.Equal(d("0.02")))
	assert.True(t, cfg.Fees.ModeratorPlatformShare.Equal(d("0.30")))
	assert.True(t, cfg.Fees.ModeratorWinnerFee.Equal(d("0.005")))
	assert.True(t, cfg.InitialBalance.Equal(d("1000")))
	assert.Equal(t, 5.0, cfg.OrderRatePerSec)
	assert.Equal(t, 20, cfg.OrderRateBurst)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "engine.yaml")
	yaml := "port: \"9090\"\ntrading_fee_rate: \"0.02\"\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port, "environment wins over file")
	assert.True(t, cfg.Fees.TradingRate.Equal(d("0.02")))
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		yaml string
	}{
		{name: "bad decimal", env: map[string]string{"TRADING_FEE_RATE": "one percent"}},
		{name: "rate out of range", env: map[string]string{"SETTLEMENT_FEE_RATE": "1.5"}},
		{name: "bad duration", env: map[string]string{"CACHE_TTL": "soon"}},
		{name: "negative balance", env: map[string]string{"INITIAL_BALANCE": "-1"}},
		{name: "bad burst", env: map[string]string{"ORDER_RATE_BURST": "many"}},
		{name: "unknown file key", yaml: "colour: blue\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = filepath.Join(t.TempDir(), "engine.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLogger_Level(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	} {
		logger := (&Config{LogLevel: level, LogFormat: "text"}).NewLogger()
		assert.True(t, logger.Enabled(ctx, want), level)
		assert.False(t, logger.Enabled(ctx, want-1), level)
	}
}
