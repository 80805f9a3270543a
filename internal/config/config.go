package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"coinwatch/internal/logging"
	"coinwatch/internal/version"
)

// Cache backends.
const (
	CacheBackendRedis  = "redis"
	CacheBackendMemory = "memory"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Market    MarketConfig    `mapstructure:"market"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Stream    StreamConfig    `mapstructure:"stream"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for alert definitions.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig covers the cache and pub/sub store.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// UpstreamConfig captures the price API.
type UpstreamConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	APIKeyHeader string        `mapstructure:"api_key_header"`
	Timeout      time.Duration `mapstructure:"timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

// MarketConfig lists what gets polled.
type MarketConfig struct {
	Assets        []string `mapstructure:"assets"`
	QuoteCurrency string   `mapstructure:"quote_currency"`
}

// CacheConfig selects and tunes the price cache.
type CacheConfig struct {
	Backend    string        `mapstructure:"backend"`
	WindowSize int           `mapstructure:"window_size"`
	TTLJitter  time.Duration `mapstructure:"ttl_jitter"`
}

// StreamConfig configures topics and live fan-out.
type StreamConfig struct {
	PriceTopic       string        `mapstructure:"price_topic"`
	CombinedTopic    string        `mapstructure:"combined_topic"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
}

// HTTPConfig configures the price query and live stream server.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AlertingConfig routes fired alerts to external notifiers.
type AlertingConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram notification parameters.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("COINWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "coinwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 14)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "5s")

	v.SetDefault("scheduler.interval", "15s")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x636f696e))

	v.SetDefault("upstream.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("upstream.api_key_header", "x-cg-pro-api-key")
	v.SetDefault("upstream.timeout", "8s")
	v.SetDefault("upstream.user_agent", version.UserAgent())
	v.SetDefault("upstream.max_backoff", "5m")

	v.SetDefault("market.assets", []string{"bitcoin", "ethereum", "solana"})
	v.SetDefault("market.quote_currency", "usd")

	v.SetDefault("cache.backend", CacheBackendRedis)
	v.SetDefault("cache.window_size", 121)
	v.SetDefault("cache.ttl_jitter", "1s")

	v.SetDefault("stream.price_topic", "prices.ticks")
	v.SetDefault("stream.combined_topic", "prices.global")
	v.SetDefault("stream.subscriber_buffer", 64)
	v.SetDefault("stream.heartbeat", "15s")

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", ":3000")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) normalize() {
	assets := make([]string, 0, len(c.Market.Assets))
	seen := make(map[string]struct{}, len(c.Market.Assets))
	for _, asset := range c.Market.Assets {
		asset = strings.ToLower(strings.TrimSpace(asset))
		if asset == "" {
			continue
		}
		if _, ok := seen[asset]; ok {
			continue
		}
		seen[asset] = struct{}{}
		assets = append(assets, asset)
	}
	c.Market.Assets = assets
	c.Market.QuoteCurrency = strings.ToLower(strings.TrimSpace(c.Market.QuoteCurrency))
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if len(c.Market.Assets) == 0 {
		return fmt.Errorf("market.assets must list at least one asset")
	}
	if c.Market.QuoteCurrency == "" {
		return fmt.Errorf("market.quote_currency is required")
	}
	if c.Cache.WindowSize <= 0 || c.Cache.WindowSize > 1000 {
		return fmt.Errorf("cache.window_size must be between 1 and 1000")
	}
	if c.Cache.TTLJitter < 0 {
		return fmt.Errorf("cache.ttl_jitter cannot be negative")
	}
	switch c.Cache.Backend {
	case CacheBackendRedis, CacheBackendMemory:
	default:
		return fmt.Errorf("cache.backend must be %q or %q, got %q", CacheBackendRedis, CacheBackendMemory, c.Cache.Backend)
	}
	if c.Upstream.MaxBackoff < c.Scheduler.Interval {
		return fmt.Errorf("upstream.max_backoff must be at least scheduler.interval")
	}
	if c.Stream.CombinedTopic == "" || c.Stream.PriceTopic == "" {
		return fmt.Errorf("stream.price_topic and stream.combined_topic are required")
	}
	if c.Stream.SubscriberBuffer <= 0 {
		return fmt.Errorf("stream.subscriber_buffer must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}
