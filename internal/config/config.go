// Package config loads runtime configuration for the market server.
//
// Values start from Defaults, are overlaid by an optional TOML file and a
// .env file, and finally by OPINIONMARKET_* environment variables. Load
// validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OPINIONMARKET_"

// Config holds all runtime configuration for the market server.
type Config struct {
	LogLevel string         `toml:"log_level"`
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Lock     LockConfig     `toml:"lock"`
	Market   MarketConfig   `toml:"market"`
	Admin    AdminConfig    `toml:"admin"`
	Watcher  WatcherConfig  `toml:"watcher"`
	Webhook  WebhookConfig  `toml:"webhook"`
	Transfer TransferConfig `toml:"transfer"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	IdleTimeout     Duration `toml:"idle_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver string `toml:"driver"` // memory or sqlite
	Path   string `toml:"path"`
}

// LockConfig selects the per-market lock implementation.
type LockConfig struct {
	Driver        string   `toml:"driver"` // local or redis
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
	RedisTLS      bool     `toml:"redis_tls"`
	TTL           Duration `toml:"ttl"`
	RetryBase     Duration `toml:"retry_base"`
	RetryMax      Duration `toml:"retry_max"`
}

// MarketConfig holds the policy bounds for markets and trades. Amounts are
// base units.
type MarketConfig struct {
	MinDuration          Duration `toml:"min_duration"`
	MaxDuration          Duration `toml:"max_duration"`
	MaxLiquidity         uint64   `toml:"max_liquidity"`
	MinCost              uint64   `toml:"min_cost"`
	MaxCost              uint64   `toml:"max_cost"`
	MinShares            uint64   `toml:"min_shares"`
	MaxShares            uint64   `toml:"max_shares"`
	SlippageToleranceBps uint64   `toml:"slippage_tolerance_bps"`
	Vault                string   `toml:"vault"`
}

// AdminConfig bootstraps the admin record on first start. It is ignored
// once the store has been initialized.
type AdminConfig struct {
	Account      string `toml:"account"`
	FeeRateBps   uint64 `toml:"fee_rate_bps"`
	MinLiquidity uint64 `toml:"min_liquidity"`
}

// WatcherConfig configures the market close watcher.
type WatcherConfig struct {
	Interval Duration `toml:"interval"`
}

// WebhookConfig configures outbound webhook delivery.
type WebhookConfig struct {
	Timeout Duration `toml:"timeout"`
}

// TransferConfig seeds the in-memory transfer service with opening
// balances in base units.
type TransferConfig struct {
	Balances map[string]uint64 `toml:"balances"`
}

// Duration wraps time.Duration so TOML strings like "5s" decode.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration{5 * time.Second},
			WriteTimeout:    Duration{10 * time.Second},
			IdleTimeout:     Duration{60 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "opinionmarket.db",
		},
		Lock: LockConfig{
			Driver:    "local",
			RedisAddr: "localhost:6379",
			TTL:       Duration{10 * time.Second},
			RetryBase: Duration{5 * time.Millisecond},
			RetryMax:  Duration{200 * time.Millisecond},
		},
		Market: MarketConfig{
			MinDuration:          Duration{24 * time.Hour},
			MaxDuration:          Duration{365 * 24 * time.Hour},
			MaxLiquidity:         1_000_000_000_000,
			MinCost:              10_000,
			MaxCost:              1_000_000_000,
			MinShares:            1,
			MaxShares:            1_000_000_000_000_000,
			SlippageToleranceBps: 100,
			Vault:                "market-vault",
		},
		Admin: AdminConfig{
			FeeRateBps:   100,
			MinLiquidity: 1_000_000,
		},
		Watcher: WatcherConfig{Interval: Duration{time.Second}},
		Webhook: WebhookConfig{Timeout: Duration{5 * time.Second}},
	}
}

// Load builds the configuration. path names an optional TOML file; an
// empty path skips it. A .env file in the working directory is read when
// present. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose OPINIONMARKET_* variable is set.
// Every unparsable value is reported.
func applyEnvOverrides(cfg *Config) error {
	e := &envReader{}

	e.str(&cfg.LogLevel, "LOG_LEVEL")

	e.int(&cfg.Server.Port, "PORT")
	e.duration(&cfg.Server.ReadTimeout, "READ_TIMEOUT")
	e.duration(&cfg.Server.WriteTimeout, "WRITE_TIMEOUT")
	e.duration(&cfg.Server.IdleTimeout, "IDLE_TIMEOUT")
	e.duration(&cfg.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT")

	e.str(&cfg.Store.Driver, "STORE_DRIVER")
	e.str(&cfg.Store.Path, "STORE_PATH")

	e.str(&cfg.Lock.Driver, "LOCK_DRIVER")
	e.str(&cfg.Lock.RedisAddr, "REDIS_ADDR")
	e.str(&cfg.Lock.RedisPassword, "REDIS_PASSWORD")
	e.int(&cfg.Lock.RedisDB, "REDIS_DB")
	e.bool(&cfg.Lock.RedisTLS, "REDIS_TLS")
	e.duration(&cfg.Lock.TTL, "LOCK_TTL")

	e.str(&cfg.Market.Vault, "VAULT")
	e.uint(&cfg.Market.SlippageToleranceBps, "SLIPPAGE_TOLERANCE_BPS")

	e.str(&cfg.Admin.Account, "ADMIN")
	e.uint(&cfg.Admin.FeeRateBps, "ADMIN_FEE_RATE_BPS")
	e.uint(&cfg.Admin.MinLiquidity, "ADMIN_MIN_LIQUIDITY")

	e.duration(&cfg.Watcher.Interval, "WATCHER_INTERVAL")
	e.duration(&cfg.Webhook.Timeout, "WEBHOOK_TIMEOUT")

	return e.err()
}

type envReader struct {
	errs []string
}

func (e *envReader) lookup(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func (e *envReader) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Sprintf("invalid %s%s: %v", EnvPrefix, key, err))
}

func (e *envReader) str(dst *string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint(dst *uint64, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(dst *Duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		dst.Duration = d
	}
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return errors.New(strings.Join(e.errs, "; "))
}

// maxFeeRateBps mirrors the ledger's cap on the trading fee.
const maxFeeRateBps = 1000

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !isValidLogLevel(c.LogLevel) {
		add("log_level %q must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}
	for name, d := range map[string]Duration{
		"read_timeout":     c.Server.ReadTimeout,
		"write_timeout":    c.Server.WriteTimeout,
		"idle_timeout":     c.Server.IdleTimeout,
		"shutdown_timeout": c.Server.ShutdownTimeout,
	} {
		if d.Duration <= 0 {
			add("server: %s must be positive", name)
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			add("store: path is required for the sqlite driver")
		}
	default:
		add("store: driver %q must be memory or sqlite", c.Store.Driver)
	}

	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			add("lock: redis_addr is required for the redis driver")
		}
		if c.Lock.TTL.Duration <= 0 {
			add("lock: ttl must be positive")
		}
		if c.Lock.RetryBase.Duration <= 0 || c.Lock.RetryMax.Duration < c.Lock.RetryBase.Duration {
			add("lock: retry_base must be positive and at most retry_max")
		}
	default:
		add("lock: driver %q must be local or redis", c.Lock.Driver)
	}

	m := c.Market
	if m.MinDuration.Duration <= 0 || m.MaxDuration.Duration < m.MinDuration.Duration {
		add("market: min_duration must be positive and at most max_duration")
	}
	if m.MinCost == 0 || m.MaxCost < m.MinCost {
		add("market: min_cost must be positive and at most max_cost")
	}
	if m.MinShares == 0 || m.MaxShares < m.MinShares {
		add("market: min_shares must be positive and at most max_shares")
	}
	if m.SlippageToleranceBps > 10_000 {
		add("market: slippage_tolerance_bps must be at most 10000")
	}
	if m.Vault == "" {
		add("market: vault must not be empty")
	}

	if c.Admin.FeeRateBps > maxFeeRateBps {
		add("admin: fee_rate_bps must be at most %d", maxFeeRateBps)
	}
	if c.Admin.MinLiquidity == 0 || c.Admin.MinLiquidity > m.MaxLiquidity {
		add("admin: min_liquidity must be positive and at most market.max_liquidity")
	}

	if c.Watcher.Interval.Duration <= 0 {
		add("watcher: interval must be positive")
	}
	if c.Webhook.Timeout.Duration <= 0 {
		add("webhook: timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
