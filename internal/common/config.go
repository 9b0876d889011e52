// Package common provides shared utilities for finstream
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for finstream
type Config struct {
	Environment string            `toml:"environment"`
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Journal     JournalConfig     `toml:"journal"`
	Cache       CacheConfig       `toml:"cache"`
	Kafka       KafkaConfig       `toml:"kafka"`
	Series      SeriesSet         `toml:"series"`
	Aggregation AggregationConfig `toml:"aggregation"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Logging     LoggingConfig     `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig selects the SQL substrate for series and ledger tables.
type StorageConfig struct {
	Driver       string `toml:"driver"` // "sqlite" or "postgres"
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	LockTimeout  string `toml:"lock_timeout"` // database-side row lock wait (postgres)
	SymbolsFile  string `toml:"symbols_file"` // optional JSON reference symbols loaded at startup
}

// GetLockTimeout parses and returns the database lock wait
func (c *StorageConfig) GetLockTimeout() time.Duration {
	return durationOr(c.LockTimeout, 5*time.Second)
}

// JournalConfig holds the SurrealDB connection for the job run journal.
// An empty address disables journaling.
type JournalConfig struct {
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// CacheConfig holds the Redis cache-aside settings. An empty address disables caching.
type CacheConfig struct {
	Address    string `toml:"address"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	QuoteTTL   string `toml:"quote_ttl"`
	CandleTTL  string `toml:"candle_ttl"`
	SummaryTTL string `toml:"summary_ttl"`
}

func (c *CacheConfig) GetQuoteTTL() time.Duration   { return durationOr(c.QuoteTTL, 5*time.Second) }
func (c *CacheConfig) GetCandleTTL() time.Duration  { return durationOr(c.CandleTTL, 60*time.Second) }
func (c *CacheConfig) GetSummaryTTL() time.Duration { return durationOr(c.SummaryTTL, 300*time.Second) }

// KafkaConfig holds the ingestion consumer settings
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	GroupID      string   `toml:"group_id"`
	TradesTopic  string   `toml:"trades_topic"`
	QuotesTopic  string   `toml:"quotes_topic"`
	AlertsTopic  string   `toml:"alerts_topic"`
	DLQTopic     string   `toml:"dlq_topic"`
	BatchSize    int      `toml:"batch_size"`
	BatchTimeout string   `toml:"batch_timeout"`
}

// GetBatchTimeout parses and returns the flush interval
func (c *KafkaConfig) GetBatchTimeout() time.Duration {
	return durationOr(c.BatchTimeout, time.Second)
}

// SeriesSet holds the storage policy of each time-chunked series.
type SeriesSet struct {
	Trades       SeriesConfig `toml:"trades"`
	Quotes       SeriesConfig `toml:"quotes"`
	Candles      SeriesConfig `toml:"candles"`
	Alerts       SeriesConfig `toml:"alerts"`
	Transactions SeriesConfig `toml:"transactions"`
}

// SeriesConfig holds chunking, retention and compression horizons.
// Empty retention or compress_after disables that pass for the series.
type SeriesConfig struct {
	ChunkWidth    string `toml:"chunk_width"`
	Retention     string `toml:"retention"`
	CompressAfter string `toml:"compress_after"`
}

func (c SeriesConfig) GetChunkWidth() time.Duration    { return durationOr(c.ChunkWidth, 24*time.Hour) }
func (c SeriesConfig) GetRetention() time.Duration     { return durationOr(c.Retention, 0) }
func (c SeriesConfig) GetCompressAfter() time.Duration { return durationOr(c.CompressAfter, 0) }

// AggregationConfig describes the rollup cascade, finest level first.
type AggregationConfig struct {
	Levels      []AggregationLevel `toml:"levels"`
	Concurrency int                `toml:"concurrency"`
}

// AggregationLevel is one resolution in the cascade.
type AggregationLevel struct {
	Interval      string `toml:"interval"`
	RefreshWindow string `toml:"refresh_window"`
}

// GetRefreshWindow parses and returns the trailing recompute window
func (l AggregationLevel) GetRefreshWindow() time.Duration {
	return durationOr(l.RefreshWindow, time.Hour)
}

// MaintenanceConfig holds background pass schedules
type MaintenanceConfig struct {
	RetentionInterval   string  `toml:"retention_interval"`
	CompressionInterval string  `toml:"compression_interval"`
	CompressionRate     float64 `toml:"compression_rate"` // chunks per second
	ReconcileInterval   string  `toml:"reconcile_interval"`
}

func (c *MaintenanceConfig) GetRetentionInterval() time.Duration {
	return durationOr(c.RetentionInterval, time.Hour)
}

func (c *MaintenanceConfig) GetCompressionInterval() time.Duration {
	return durationOr(c.CompressionInterval, time.Hour)
}

func (c *MaintenanceConfig) GetReconcileInterval() time.Duration {
	return durationOr(c.ReconcileInterval, 24*time.Hour)
}

// LedgerConfig holds paper trading settings
type LedgerConfig struct {
	InitialCash string `toml:"initial_cash"`
	Commission  string `toml:"commission"`
	LockTimeout string `toml:"lock_timeout"`
}

// GetInitialCash returns the default starting balance for new portfolios
func (c *LedgerConfig) GetInitialCash() decimal.Decimal {
	return decimalOr(c.InitialCash, decimal.NewFromInt(10000))
}

// GetCommission returns the flat fee charged per executed trade
func (c *LedgerConfig) GetCommission() decimal.Decimal {
	return decimalOr(c.Commission, decimal.Zero)
}

// GetLockTimeout returns the bound on waiting for a contended portfolio
func (c *LedgerConfig) GetLockTimeout() time.Duration {
	return durationOr(c.LockTimeout, 5*time.Second)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DSN:          "data/finstream.db",
			MaxOpenConns: 10,
			LockTimeout:  "5s",
		},
		Journal: JournalConfig{
			Namespace: "finstream",
			Database:  "finstream",
			Username:  "root",
			Password:  "root",
		},
		Cache: CacheConfig{
			QuoteTTL:   "5s",
			CandleTTL:  "60s",
			SummaryTTL: "300s",
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			GroupID:      "finstream-ingest",
			TradesTopic:  "market.trades",
			QuotesTopic:  "market.quotes",
			AlertsTopic:  "market.alerts",
			DLQTopic:     "market.dlq",
			BatchSize:    500,
			BatchTimeout: "1s",
		},
		Series: SeriesSet{
			Trades:       SeriesConfig{ChunkWidth: "1d", Retention: "7d", CompressAfter: "1d"},
			Quotes:       SeriesConfig{ChunkWidth: "1h", Retention: "1d"},
			Candles:      SeriesConfig{ChunkWidth: "7d", CompressAfter: "7d"},
			Alerts:       SeriesConfig{ChunkWidth: "7d", Retention: "90d"},
			Transactions: SeriesConfig{ChunkWidth: "7d"},
		},
		Aggregation: AggregationConfig{
			Levels: []AggregationLevel{
				{Interval: "1m", RefreshWindow: "1h"},
				{Interval: "5m", RefreshWindow: "6h"},
				{Interval: "1h", RefreshWindow: "2d"},
			},
			Concurrency: 8,
		},
		Maintenance: MaintenanceConfig{
			RetentionInterval:   "1h",
			CompressionInterval: "1h",
			CompressionRate:     2,
			ReconcileInterval:   "24h",
		},
		Ledger: LedgerConfig{
			InitialCash: "10000",
			Commission:  "0",
			LockTimeout: "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with .env and environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FINSTREAM_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("FINSTREAM_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("FINSTREAM_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("FINSTREAM_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if v := os.Getenv("FINSTREAM_STORAGE_DRIVER"); v != "" {
		config.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("FINSTREAM_STORAGE_DSN"); v != "" {
		config.Storage.DSN = v
	}

	if v := os.Getenv("FINSTREAM_SYMBOLS_FILE"); v != "" {
		config.Storage.SymbolsFile = v
	}

	if v := os.Getenv("FINSTREAM_JOURNAL_ADDRESS"); v != "" {
		config.Journal.Address = v
	}
	if v := os.Getenv("FINSTREAM_JOURNAL_PASSWORD"); v != "" {
		config.Journal.Password = v
	}

	if v := os.Getenv("FINSTREAM_CACHE_ADDRESS"); v != "" {
		config.Cache.Address = v
	}
	if v := os.Getenv("FINSTREAM_CACHE_PASSWORD"); v != "" {
		config.Cache.Password = v
	}

	if v := os.Getenv("FINSTREAM_KAFKA_BROKERS"); v != "" {
		config.Kafka.Brokers = strings.Split(v, ",")
		config.Kafka.Enabled = true
	}
	if v := os.Getenv("FINSTREAM_KAFKA_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			config.Kafka.Enabled = b
		}
	}

	if v := os.Getenv("FINSTREAM_INITIAL_CASH"); v != "" {
		config.Ledger.InitialCash = v
	}
}

// Validate checks cross-field constraints that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: storage driver %q", ErrInvalidArgument, c.Storage.Driver)
	}

	series := map[string]SeriesConfig{
		"trades":       c.Series.Trades,
		"quotes":       c.Series.Quotes,
		"candles":      c.Series.Candles,
		"alerts":       c.Series.Alerts,
		"transactions": c.Series.Transactions,
	}
	for name, s := range series {
		for _, raw := range []string{s.ChunkWidth, s.Retention, s.CompressAfter} {
			if raw == "" {
				continue
			}
			if _, err := ParseDuration(raw); err != nil {
				return fmt.Errorf("%w: series %s: %v", ErrInvalidArgument, name, err)
			}
		}
		width := s.GetChunkWidth()
		if width < time.Second || width%time.Second != 0 {
			return fmt.Errorf("%w: series %s: chunk width %s must be whole seconds", ErrInvalidArgument, name, width)
		}
		if r := s.GetRetention(); r > 0 && r < width {
			return fmt.Errorf("%w: series %s: retention %s shorter than chunk width %s", ErrInvalidArgument, name, r, width)
		}
	}

	if len(c.Aggregation.Levels) == 0 {
		return fmt.Errorf("%w: aggregation requires at least one level", ErrInvalidArgument)
	}
	var prev time.Duration
	for i, lvl := range c.Aggregation.Levels {
		width, err := ParseDuration(lvl.Interval)
		if err != nil || width <= 0 {
			return fmt.Errorf("%w: aggregation level %d: bad interval %q", ErrInvalidArgument, i, lvl.Interval)
		}
		if prev > 0 && (width <= prev || width%prev != 0) {
			return fmt.Errorf("%w: aggregation level %s must be a multiple of %s", ErrInvalidArgument, lvl.Interval, prev)
		}
		prev = width
	}

	if _, err := decimal.NewFromString(c.Ledger.InitialCash); c.Ledger.InitialCash != "" && err != nil {
		return fmt.Errorf("%w: ledger initial_cash: %v", ErrInvalidArgument, err)
	}
	if _, err := decimal.NewFromString(c.Ledger.Commission); c.Ledger.Commission != "" && err != nil {
		return fmt.Errorf("%w: ledger commission: %v", ErrInvalidArgument, err)
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDuration extends time.ParseDuration with a whole-day suffix ("7d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func decimalOr(s string, fallback decimal.Decimal) decimal.Decimal {
	if s == "" {
		return fallback
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return d
}
