package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfig_DefaultPort(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port default = %d, want %d", cfg.Server.Port, 8080)
	}
}

func TestConfig_DefaultsValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestConfig_DefaultSeriesPolicies(t *testing.T) {
	cfg := NewDefaultConfig()

	if got := cfg.Series.Trades.GetChunkWidth(); got != 24*time.Hour {
		t.Errorf("trades chunk width = %s, want 24h", got)
	}
	if got := cfg.Series.Quotes.GetChunkWidth(); got != time.Hour {
		t.Errorf("quotes chunk width = %s, want 1h", got)
	}
	if got := cfg.Series.Alerts.GetChunkWidth(); got != 7*24*time.Hour {
		t.Errorf("alerts chunk width = %s, want 168h", got)
	}
	if got := cfg.Series.Trades.GetRetention(); got != 7*24*time.Hour {
		t.Errorf("trades retention = %s, want 168h", got)
	}
	if got := cfg.Series.Alerts.GetRetention(); got != 90*24*time.Hour {
		t.Errorf("alerts retention = %s, want 2160h", got)
	}
	if got := cfg.Series.Trades.GetCompressAfter(); got != 24*time.Hour {
		t.Errorf("trades compress_after = %s, want 24h", got)
	}
	if got := cfg.Series.Transactions.GetRetention(); got != 0 {
		t.Errorf("transactions retention = %s, want disabled", got)
	}
}

func TestConfig_PortEnvOverride(t *testing.T) {
	t.Setenv("FINSTREAM_PORT", "9090")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d after env override, want %d", cfg.Server.Port, 9090)
	}
}

func TestConfig_InvalidPortEnvIgnored(t *testing.T) {
	t.Setenv("FINSTREAM_PORT", "not-a-port")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want default 8080", cfg.Server.Port)
	}
}

func TestConfig_KafkaBrokersEnvEnablesIngest(t *testing.T) {
	t.Setenv("FINSTREAM_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if !cfg.Kafka.Enabled {
		t.Error("expected Kafka.Enabled after brokers override")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Kafka.Brokers = %v", cfg.Kafka.Brokers)
	}
}

func TestConfig_StorageEnvOverride(t *testing.T) {
	t.Setenv("FINSTREAM_STORAGE_DRIVER", "POSTGRES")
	t.Setenv("FINSTREAM_STORAGE_DSN", "postgres://localhost/finstream")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver = %q, want postgres", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "postgres://localhost/finstream" {
		t.Errorf("Storage.DSN = %q", cfg.Storage.DSN)
	}
}

func TestLoadConfig_FileMergeOrder(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.toml")
	override := filepath.Join(dir, "override.toml")

	if err := os.WriteFile(base, []byte(`
environment = "staging"

[server]
port = 7000

[series.trades]
retention = "14d"
`), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(override, []byte(`
[server]
port = 7001
`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(base, override, filepath.Join(dir, "missing.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Environment != "staging" {
		t.Errorf("Environment = %q, want staging", cfg.Environment)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("Server.Port = %d, want 7001 from later file", cfg.Server.Port)
	}
	if got := cfg.Series.Trades.GetRetention(); got != 14*24*time.Hour {
		t.Errorf("trades retention = %s, want 336h", got)
	}
	// untouched fields of the same table keep their defaults
	if got := cfg.Series.Trades.GetChunkWidth(); got != 24*time.Hour {
		t.Errorf("trades chunk width = %s, want default 24h", got)
	}
}

func TestLoadConfig_AggregationLevels(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agg.toml")
	if err := os.WriteFile(path, []byte(`
[aggregation]
concurrency = 4

[[aggregation.levels]]
interval = "1m"
refresh_window = "30m"

[[aggregation.levels]]
interval = "15m"
refresh_window = "4h"

[[aggregation.levels]]
interval = "1d"
refresh_window = "3d"
`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Aggregation.Levels) != 3 {
		t.Fatalf("levels = %d, want 3", len(cfg.Aggregation.Levels))
	}
	if cfg.Aggregation.Levels[2].Interval != "1d" {
		t.Errorf("last level = %q, want 1d", cfg.Aggregation.Levels[2].Interval)
	}
	if got := cfg.Aggregation.Levels[0].GetRefreshWindow(); got != 30*time.Minute {
		t.Errorf("1m refresh window = %s, want 30m", got)
	}
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"sub-second chunk", func(c *Config) { c.Series.Quotes.ChunkWidth = "500ms" }},
		{"retention shorter than chunk", func(c *Config) { c.Series.Trades.Retention = "1h" }},
		{"bad duration", func(c *Config) { c.Series.Alerts.Retention = "forever" }},
		{"no levels", func(c *Config) { c.Aggregation.Levels = nil }},
		{"non-multiple level", func(c *Config) {
			c.Aggregation.Levels = []AggregationLevel{{Interval: "5m"}, {Interval: "7m"}}
		}},
		{"descending level", func(c *Config) {
			c.Aggregation.Levels = []AggregationLevel{{Interval: "1h"}, {Interval: "5m"}}
		}},
		{"bad initial cash", func(c *Config) { c.Ledger.InitialCash = "lots" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"1d", 24 * time.Hour, false},
		{"90d", 90 * 24 * time.Hour, false},
		{"1h", time.Hour, false},
		{"30s", 30 * time.Second, false},
		{" 7d ", 7 * 24 * time.Hour, false},
		{"xd", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.err {
			if err == nil {
				t.Errorf("ParseDuration(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDuration(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLedgerConfig_Decimals(t *testing.T) {
	cfg := NewDefaultConfig()
	if !cfg.Ledger.GetInitialCash().Equal(cfg.Ledger.GetInitialCash().Truncate(0)) || cfg.Ledger.GetInitialCash().IntPart() != 10000 {
		t.Errorf("initial cash = %s, want 10000", cfg.Ledger.GetInitialCash())
	}
	if !cfg.Ledger.GetCommission().IsZero() {
		t.Errorf("commission = %s, want 0", cfg.Ledger.GetCommission())
	}

	cfg.Ledger.Commission = ""
	if !cfg.Ledger.GetCommission().IsZero() {
		t.Error("empty commission should fall back to zero")
	}
}

func TestConfig_IsProduction(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.IsProduction() {
		t.Error("development config reported as production")
	}
	cfg.Environment = " Prod "
	if !cfg.IsProduction() {
		t.Error("expected prod to be production")
	}
}
