package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/crews/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.True(t, cfg.Binance.Testnet)
	assert.Equal(t, 15*time.Second, cfg.MarketData.PollInterval)
	assert.Equal(t, 200, cfg.MarketData.HistorySize)
	assert.Equal(t, 6*time.Hour, cfg.Optimizer.Interval)
	assert.Equal(t, "net_pnl", cfg.Optimizer.Objective)
	assert.Equal(t, []float64{0.5, 0.8, 1.25, 1.5}, cfg.Optimizer.Steps)
	assert.Equal(t, "binance-api-key", cfg.GCP.SecretNames.BinanceAPIKey)
	assert.Equal(t, "0.001", cfg.Trading.Commission().String())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
marketdata:
  poll_interval: 5s
  stream_series: ["btcusdt@1m", "ETHUSDT@1h"]
optimizer:
  objective: " Sharpe_Ratio "
  interval: 30m
trading:
  initial_capital: 2500
`)
	t.Setenv("CREWS_SERVER_PORT", "9191")
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/crews")
	t.Setenv("CREWS_JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9191, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, 5*time.Second, cfg.MarketData.PollInterval)
	assert.Equal(t, "sharpe_ratio", cfg.Optimizer.Objective, "Validate normalizes the objective")
	assert.Equal(t, 30*time.Minute, cfg.Optimizer.Interval)
	assert.Equal(t, "env-key", cfg.Binance.APIKey)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://u:p@db:5432/crews", cfg.Database.DSN)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "2500", cfg.Trading.Capital().String())

	series, err := cfg.MarketData.Series()
	require.NoError(t, err)
	assert.Equal(t, []models.SeriesKey{
		{Symbol: "BTCUSDT", Interval: models.Interval1m},
		{Symbol: "ETHUSDT", Interval: models.Interval1h},
	}, series)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		field string
		edit  func(c *Config)
	}{
		{"port", "server.port", func(c *Config) { c.Server.Port = 0 }},
		{"auth without secret", "auth.jwt_secret", func(c *Config) { c.Auth.Enabled = true }},
		{"history", "marketdata.history_size", func(c *Config) { c.MarketData.HistorySize = 0 }},
		{"series", "marketdata.stream_series", func(c *Config) { c.MarketData.StreamSeries = []string{"BTCUSDT"} }},
		{"commission", "trading.commission_rate", func(c *Config) { c.Trading.CommissionRate = -0.1 }},
		{"slippage", "trading.slippage_bps", func(c *Config) { c.Trading.SlippageBps = -1 }},
		{"capital", "trading.initial_capital", func(c *Config) { c.Trading.InitialCapital = 0 }},
		{"live without keys", "binance.api_key", func(c *Config) { c.Trading.LiveEnabled = true }},
		{"objective", "objective", func(c *Config) { c.Optimizer.Objective = "profit" }},
		{"optimizer interval", "optimizer.interval", func(c *Config) { c.Optimizer.Interval = 0 }},
		{"steps", "optimizer.steps", func(c *Config) { c.Optimizer.Steps = []float64{0.5, -1} }},
		{"driver", "database.driver", func(c *Config) { c.Database.Driver = "sqlite" }},
		{"kafka", "kafka", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }},
		{"log level", "logging.level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log format", "logging.format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.edit(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, models.ErrValidation)
			var vErr *models.ValidationError
			if errors.As(err, &vErr) {
				assert.Equal(t, tt.field, vErr.Field)
			}
		})
	}

	t.Run("bad stream interval", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.MarketData.StreamSeries = []string{"BTCUSDT@7m"}
		var ivErr *models.InvalidIntervalError
		assert.True(t, errors.As(cfg.Validate(), &ivErr))
	})
}

type fakeSecrets map[string]string

func (f fakeSecrets) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := f[name]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func TestLoadSecretsKeepsExplicitValues(t *testing.T) {
	cfg := validConfig(t)
	cfg.Binance.APIKey = "explicit"
	logger, _ := test.NewNullLogger()

	n := cfg.LoadSecrets(context.Background(), fakeSecrets{
		"binance-api-key":    "from-gcp",
		"binance-api-secret": "gcp-secret",
		"crews-jwt-secret":   "gcp-jwt",
	}, logger)

	assert.Equal(t, 2, n)
	assert.Equal(t, "explicit", cfg.Binance.APIKey)
	assert.Equal(t, "gcp-secret", cfg.Binance.APISecret)
	assert.Equal(t, "gcp-jwt", cfg.Auth.JWTSecret)
	assert.Empty(t, cfg.Database.Password)
}

func TestNewLogger(t *testing.T) {
	logger, err := LoggingConfig{Level: "debug", Format: "text"}.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	file := filepath.Join(t.TempDir(), "crewd.log")
	logger, err = LoggingConfig{Level: "info", Format: "json", File: file}.NewLogger()
	require.NoError(t, err)
	logger.Info("hello")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)

	_, err = LoggingConfig{Level: "loud"}.NewLogger()
	assert.Error(t, err)
}
