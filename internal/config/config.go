package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/optimizer"
	"github.com/gregtusar/crews/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Binance    BinanceConfig    `mapstructure:"binance"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Optimizer  OptimizerConfig  `mapstructure:"optimizer"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	GCP        GCPConfig        `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	// Enabled requires a bearer token on every API call.
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	// Admins may act on crews they do not own.
	Admins []string `mapstructure:"admins"`
}

type BinanceConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"`
	Testnet           bool          `mapstructure:"testnet"`
	BaseURL           string        `mapstructure:"base_url"`
	StreamURL         string        `mapstructure:"stream_url"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type MarketDataConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	SettleWindow time.Duration `mapstructure:"settle_window"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	HistorySize  int           `mapstructure:"history_size"`
	// Retention drops cached candles older than this. Zero keeps everything.
	Retention     time.Duration `mapstructure:"retention"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
	// StreamSeries lists SYMBOL@interval pairs pushed over the kline stream.
	StreamSeries []string `mapstructure:"stream_series"`
}

// Series parses StreamSeries.
func (m MarketDataConfig) Series() ([]models.SeriesKey, error) {
	out := make([]models.SeriesKey, 0, len(m.StreamSeries))
	for _, s := range m.StreamSeries {
		symbol, iv, ok := strings.Cut(strings.TrimSpace(s), "@")
		if !ok || symbol == "" {
			return nil, models.NewValidationError("marketdata.stream_series", "expected SYMBOL@interval, got %q", s)
		}
		interval, err := models.ParseInterval(iv)
		if err != nil {
			return nil, err
		}
		out = append(out, models.SeriesKey{Symbol: strings.ToUpper(symbol), Interval: interval})
	}
	return out, nil
}

type TradingConfig struct {
	CommissionRate  float64       `mapstructure:"commission_rate"`
	CommissionAsset string        `mapstructure:"commission_asset"`
	SlippageBps     float64       `mapstructure:"slippage_bps"`
	InitialCapital  float64       `mapstructure:"initial_capital"`
	LiveEnabled     bool          `mapstructure:"live_enabled"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	MaxRetries      uint          `mapstructure:"max_retries"`
}

func (t TradingConfig) Commission() decimal.Decimal { return decimal.NewFromFloat(t.CommissionRate) }
func (t TradingConfig) Slippage() decimal.Decimal   { return decimal.NewFromFloat(t.SlippageBps) }
func (t TradingConfig) Capital() decimal.Decimal    { return decimal.NewFromFloat(t.InitialCapital) }

type OptimizerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	Lookback      time.Duration `mapstructure:"lookback"`
	Objective     string        `mapstructure:"objective"`
	Threshold     float64       `mapstructure:"threshold"`
	Concurrency   int           `mapstructure:"concurrency"`
	Window        int           `mapstructure:"window"`
	Steps         []float64     `mapstructure:"steps"`
	MaxIterations int           `mapstructure:"max_iterations"`
	MinSnapshots  int           `mapstructure:"min_snapshots"`
}

type DatabaseConfig struct {
	// Driver is memory or postgres.
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// Load reads .env, defaults, the config file and the environment, in
// increasing order of precedence, then fills missing credentials from GCP
// Secret Manager when enabled.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/crewd")
	}

	v.SetEnvPrefix("CREWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer sm.Close()
		n := config.LoadSecrets(ctx, sm, logger)
		logger.WithField("loaded", n).Info("Loaded secrets from GCP Secret Manager")
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "crewd")
	v.SetDefault("auth.admins", []string{})

	v.SetDefault("binance.api_key", "")
	v.SetDefault("binance.api_secret", "")
	v.SetDefault("binance.testnet", true)
	v.SetDefault("binance.base_url", "")
	v.SetDefault("binance.stream_url", "")
	v.SetDefault("binance.requests_per_second", 10)
	v.SetDefault("binance.timeout", "30s")

	v.SetDefault("marketdata.fetch_timeout", "20s")
	v.SetDefault("marketdata.settle_window", "2m")
	v.SetDefault("marketdata.poll_interval", "15s")
	v.SetDefault("marketdata.history_size", 200)
	v.SetDefault("marketdata.retention", "720h")
	v.SetDefault("marketdata.prune_interval", "1h")
	v.SetDefault("marketdata.stream_series", []string{})

	v.SetDefault("trading.commission_rate", 0.001)
	v.SetDefault("trading.commission_asset", "")
	v.SetDefault("trading.slippage_bps", 0)
	v.SetDefault("trading.initial_capital", 10000)
	v.SetDefault("trading.live_enabled", false)
	v.SetDefault("trading.dispatch_timeout", "30s")
	v.SetDefault("trading.max_retries", 3)

	grid := optimizer.DefaultGridConfig()
	v.SetDefault("optimizer.enabled", true)
	v.SetDefault("optimizer.interval", "6h")
	v.SetDefault("optimizer.lookback", "168h")
	v.SetDefault("optimizer.objective", string(optimizer.ObjectiveNetPnL))
	v.SetDefault("optimizer.threshold", 0)
	v.SetDefault("optimizer.concurrency", 4)
	v.SetDefault("optimizer.window", grid.Window)
	v.SetDefault("optimizer.steps", grid.Steps)
	v.SetDefault("optimizer.max_iterations", grid.MaxIterations)
	v.SetDefault("optimizer.min_snapshots", grid.MinSnapshots)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "crews")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "crews")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "crews:candles")
	v.SetDefault("redis.ttl", "720h")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "crews.events")
	v.SetDefault("kafka.batch_timeout", "50ms")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.binance_api_key", secretNames.BinanceAPIKey)
	v.SetDefault("gcp.secret_names.binance_api_secret", secretNames.BinanceAPISecret)
	v.SetDefault("gcp.secret_names.jwt_secret", secretNames.JWTSecret)
	v.SetDefault("gcp.secret_names.database_password", secretNames.DatabasePassword)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("BINANCE_API_KEY"); apiKey != "" {
		config.Binance.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BINANCE_API_SECRET"); apiSecret != "" {
		config.Binance.APISecret = apiSecret
	}
	if testnet := os.Getenv("BINANCE_TESTNET"); testnet != "" {
		config.Binance.Testnet = testnet == "true" || testnet == "1"
	}
	if secret := os.Getenv("CREWS_JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.Database.Driver = "postgres"
		config.Database.DSN = dsn
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// LoadSecrets fills credentials that are still empty from g and returns how
// many were loaded.
func (c *Config) LoadSecrets(ctx context.Context, g secrets.Getter, logger *logrus.Logger) int {
	names := c.GCP.SecretNames
	return secrets.Fill(ctx, g, logger, map[string]*string{
		names.BinanceAPIKey:    &c.Binance.APIKey,
		names.BinanceAPISecret: &c.Binance.APISecret,
		names.JWTSecret:        &c.Auth.JWTSecret,
		names.DatabasePassword: &c.Database.Password,
	})
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return models.NewValidationError("server.port", "must be in 1-65535, got %d", c.Server.Port)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return models.NewValidationError("auth.jwt_secret", "required when auth is enabled")
	}
	if c.MarketData.HistorySize <= 0 {
		return models.NewValidationError("marketdata.history_size", "must be positive, got %d", c.MarketData.HistorySize)
	}
	if c.MarketData.PollInterval <= 0 {
		return models.NewValidationError("marketdata.poll_interval", "must be positive, got %s", c.MarketData.PollInterval)
	}
	if _, err := c.MarketData.Series(); err != nil {
		return err
	}
	if c.Trading.CommissionRate < 0 || c.Trading.CommissionRate >= 1 {
		return models.NewValidationError("trading.commission_rate", "must be in [0, 1), got %v", c.Trading.CommissionRate)
	}
	if c.Trading.SlippageBps < 0 {
		return models.NewValidationError("trading.slippage_bps", "must not be negative, got %v", c.Trading.SlippageBps)
	}
	if c.Trading.InitialCapital <= 0 {
		return models.NewValidationError("trading.initial_capital", "must be positive, got %v", c.Trading.InitialCapital)
	}
	if c.Trading.LiveEnabled && (c.Binance.APIKey == "" || c.Binance.APISecret == "") {
		return models.NewValidationError("binance.api_key", "live trading needs API credentials")
	}

	objective, err := optimizer.ParseObjective(c.Optimizer.Objective)
	if err != nil {
		return err
	}
	c.Optimizer.Objective = string(objective)
	if c.Optimizer.Enabled && c.Optimizer.Interval <= 0 {
		return models.NewValidationError("optimizer.interval", "must be positive, got %s", c.Optimizer.Interval)
	}
	for _, s := range c.Optimizer.Steps {
		if s <= 0 {
			return models.NewValidationError("optimizer.steps", "must be positive, got %v", s)
		}
	}

	switch c.Database.Driver {
	case "memory", "postgres":
	default:
		return models.NewValidationError("database.driver", "must be memory or postgres, got %q", c.Database.Driver)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return models.NewValidationError("kafka", "brokers and topic are required when enabled")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return models.NewValidationError("logging.level", "%v", err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return models.NewValidationError("logging.format", "must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// NewLogger builds the process logger from the logging section.
func (l LoggingConfig) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	if l.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}
	logger.SetLevel(level)

	if l.File != "" {
		f, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
	}
	return logger, nil
}
