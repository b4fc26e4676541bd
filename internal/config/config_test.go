package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"LOG_LEVEL", "PORT", "READ_TIMEOUT", "WRITE_TIMEOUT", "IDLE_TIMEOUT", "SHUTDOWN_TIMEOUT",
	"STORE_DRIVER", "STORE_PATH", "LOCK_DRIVER", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"REDIS_TLS", "LOCK_TTL", "VAULT", "SLIPPAGE_TOLERANCE_BPS", "ADMIN", "ADMIN_FEE_RATE_BPS",
	"ADMIN_MIN_LIQUIDITY", "WATCHER_INTERVAL", "WEBHOOK_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(EnvPrefix+key, "")
		os.Unsetenv(EnvPrefix + key)
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Store.Driver != "memory" || cfg.Lock.Driver != "local" {
		t.Errorf("drivers = %s/%s, want memory/local", cfg.Store.Driver, cfg.Lock.Driver)
	}
	if cfg.Watcher.Interval.Duration != time.Second {
		t.Errorf("Watcher.Interval = %v, want 1s", cfg.Watcher.Interval)
	}
	if cfg.Webhook.Timeout.Duration != 5*time.Second {
		t.Errorf("Webhook.Timeout = %v, want 5s", cfg.Webhook.Timeout)
	}
	if cfg.Market.MinDuration.Duration != 24*time.Hour {
		t.Errorf("Market.MinDuration = %v, want 24h", cfg.Market.MinDuration)
	}
	if cfg.Market.SlippageToleranceBps != 100 {
		t.Errorf("SlippageToleranceBps = %d, want 100", cfg.Market.SlippageToleranceBps)
	}
	if cfg.Server.ShutdownTimeout.Duration != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.Server.ShutdownTimeout)
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, `
log_level = "debug"

[server]
port = 9090
read_timeout = "2s"

[store]
driver = "sqlite"
path = "/tmp/markets.db"

[lock]
driver = "redis"
redis_addr = "redis:6379"
ttl = "30s"

[market]
min_cost = 5000
vault = "house"

[admin]
account = "ops"
fee_rate_bps = 250

[transfer.balances]
alice = 5000000000
bob = 1000000000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.Server.Port != 9090 {
		t.Errorf("got log level %q port %d", cfg.LogLevel, cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout.Duration != 2*time.Second {
		t.Errorf("ReadTimeout = %v, want 2s", cfg.Server.ReadTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.Server.WriteTimeout.Duration != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want 10s", cfg.Server.WriteTimeout)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "/tmp/markets.db" {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	if cfg.Lock.RedisAddr != "redis:6379" || cfg.Lock.TTL.Duration != 30*time.Second {
		t.Errorf("unexpected lock %+v", cfg.Lock)
	}
	if cfg.Market.MinCost != 5000 || cfg.Market.MaxCost != 1_000_000_000 || cfg.Market.Vault != "house" {
		t.Errorf("unexpected market %+v", cfg.Market)
	}
	if cfg.Admin.Account != "ops" || cfg.Admin.FeeRateBps != 250 {
		t.Errorf("unexpected admin %+v", cfg.Admin)
	}
	if cfg.Transfer.Balances["alice"] != 5_000_000_000 || len(cfg.Transfer.Balances) != 2 {
		t.Errorf("unexpected balances %v", cfg.Transfer.Balances)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "[server]\nport = 9090\n")
	t.Setenv(EnvPrefix+"PORT", "7070")
	t.Setenv(EnvPrefix+"ADMIN", "root")
	t.Setenv(EnvPrefix+"REDIS_TLS", "true")
	t.Setenv(EnvPrefix+"WATCHER_INTERVAL", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Admin.Account != "root" || !cfg.Lock.RedisTLS {
		t.Errorf("overrides not applied: admin %q tls %v", cfg.Admin.Account, cfg.Lock.RedisTLS)
	}
	if cfg.Watcher.Interval.Duration != 250*time.Millisecond {
		t.Errorf("Watcher.Interval = %v, want 250ms", cfg.Watcher.Interval)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	clearEnv(t)
	path := writeConfigFile(t, "[server]\nread_timeout = \"soon\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for an unparsable duration")
	}
}

func TestLoad_InvalidEnv(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "not-a-number"},
		{"REDIS_DB", "zero"},
		{"REDIS_TLS", "maybe"},
		{"ADMIN_FEE_RATE_BPS", "-1"},
		{"LOCK_TTL", "forever"},
		{"WEBHOOK_TIMEOUT", "5"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(EnvPrefix+tt.key, tt.value)

			_, err := Load("")
			if err == nil {
				t.Fatalf("expected error for invalid %s", tt.key)
			}
			if !strings.Contains(err.Error(), EnvPrefix+tt.key) {
				t.Errorf("error %q does not name %s", err, tt.key)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"timeout", func(c *Config) { c.Server.IdleTimeout = Duration{} }, "idle_timeout"},
		{"store driver", func(c *Config) { c.Store.Driver = "postgres" }, "store: driver"},
		{"sqlite path", func(c *Config) { c.Store.Driver, c.Store.Path = "sqlite", "" }, "store: path"},
		{"lock driver", func(c *Config) { c.Lock.Driver = "etcd" }, "lock: driver"},
		{"redis addr", func(c *Config) { c.Lock.Driver, c.Lock.RedisAddr = "redis", "" }, "redis_addr"},
		{"redis retry", func(c *Config) {
			c.Lock.Driver = "redis"
			c.Lock.RetryMax = Duration{time.Millisecond}
		}, "retry_base"},
		{"durations", func(c *Config) { c.Market.MaxDuration = Duration{time.Hour} }, "min_duration"},
		{"cost bounds", func(c *Config) { c.Market.MinCost = 0 }, "min_cost"},
		{"share bounds", func(c *Config) { c.Market.MaxShares = 0 }, "min_shares"},
		{"slippage", func(c *Config) { c.Market.SlippageToleranceBps = 10_001 }, "slippage"},
		{"vault", func(c *Config) { c.Market.Vault = "" }, "vault"},
		{"fee rate", func(c *Config) { c.Admin.FeeRateBps = 1001 }, "fee_rate_bps"},
		{"min liquidity", func(c *Config) { c.Admin.MinLiquidity = 0 }, "min_liquidity"},
		{"watcher", func(c *Config) { c.Watcher.Interval = Duration{} }, "watcher"},
		{"webhook", func(c *Config) { c.Webhook.Timeout = Duration{} }, "webhook"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Server.Port = -1
	cfg.Market.Vault = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	for _, want := range []string{"log_level", "port", "vault"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
