package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"usagewatch/internal/logging"
	"usagewatch/internal/sku"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig            `mapstructure:"app"`
	Logging    logging.Config       `mapstructure:"logging"`
	Server     ServerConfig         `mapstructure:"server"`
	Store      StoreConfig          `mapstructure:"store"`
	Database   DatabaseConfig       `mapstructure:"database"`
	Redis      RedisConfig          `mapstructure:"redis"`
	Analytics  AnalyticsConfig      `mapstructure:"analytics"`
	Cache      CacheConfig          `mapstructure:"cache"`
	Scheduler  SchedulerConfig      `mapstructure:"scheduler"`
	Prewarm    PrewarmConfig        `mapstructure:"prewarm"`
	Alerting   AlertingConfig       `mapstructure:"alerting"`
	Accounts   []AccountConfig      `mapstructure:"accounts"`
	AccountIDs []string             `mapstructure:"account_ids"`
	SKUs       map[string]SKUConfig `mapstructure:"skus"`
	Export     ExportConfig         `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig drives the HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the key/value backend.
type StoreConfig struct {
	Backend         string        `mapstructure:"backend"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig encapsulates redis connectivity.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AnalyticsConfig covers the upstream usage source.
type AnalyticsConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIToken         string        `mapstructure:"api_token"`
	UserAgent        string        `mapstructure:"user_agent"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	RateLimit        float64       `mapstructure:"rate_limit"`
	RateBurst        int           `mapstructure:"rate_burst"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

// CacheConfig sets the two TTL classes and history depth.
type CacheConfig struct {
	HotTTL         time.Duration `mapstructure:"hot_ttl"`
	DegradedTTL    time.Duration `mapstructure:"degraded_ttl"`
	ClosedMonthTTL time.Duration `mapstructure:"closed_month_ttl"`
	HistoryMonths  int           `mapstructure:"history_months"`
}

// SchedulerConfig governs prewarm cadence.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	RunOnStart    bool          `mapstructure:"run_on_start"`
}

// PrewarmConfig tunes the prewarm job.
type PrewarmConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	CheckThresholds bool          `mapstructure:"check_thresholds"`
}

// AlertingConfig defines notification routing and dedup period.
type AlertingConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	WebhookURL     string            `mapstructure:"webhook_url"`
	Headers        map[string]string `mapstructure:"headers"`
	Period         string            `mapstructure:"period"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	Telegram       TelegramConfig    `mapstructure:"telegram"`
}

// TelegramConfig routes alerts to a Telegram chat in addition to the webhook.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	BaseURL  string `mapstructure:"base_url"`
}

// Configured reports whether both bot token and chat id are set.
func (t TelegramConfig) Configured() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// Active reports whether alerting is enabled and has at least one channel.
func (a AlertingConfig) Active() bool {
	return a.Enabled && (a.WebhookURL != "" || a.Telegram.Configured())
}

// AccountConfig names a monitored account.
type AccountConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// SKUConfig is the operator configuration of one SKU.
type SKUConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Accounts   []string           `mapstructure:"accounts"`
	Zones      []string           `mapstructure:"zones"`
	Thresholds map[string]float64 `mapstructure:"thresholds"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from dotenv files, the config file, environment
// and defaults. Without explicit envFiles a missing .env is ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetEnvPrefix("USAGEWATCH")
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "usagewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.cleanup_interval", "10m")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "usagewatch:")
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("analytics.user_agent", "usagewatch/1.0")
	v.SetDefault("analytics.request_timeout", "20s")
	v.SetDefault("analytics.max_concurrency", 8)
	v.SetDefault("analytics.rate_limit", 10.0)
	v.SetDefault("analytics.rate_burst", 10)
	v.SetDefault("analytics.max_retries", 2)
	v.SetDefault("analytics.retry_base_delay", "500ms")
	v.SetDefault("analytics.retry_max_delay", "5s")
	v.SetDefault("analytics.breaker_threshold", 5)
	v.SetDefault("analytics.breaker_timeout", "30s")

	v.SetDefault("cache.hot_ttl", "6h")
	v.SetDefault("cache.degraded_ttl", "10m")
	v.SetDefault("cache.closed_month_ttl", "8760h")
	v.SetDefault("cache.history_months", 12)

	v.SetDefault("scheduler.interval", "6h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("prewarm.enabled", true)
	v.SetDefault("prewarm.lock_ttl", "30m")
	v.SetDefault("prewarm.check_thresholds", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.period", string(sku.PeriodMonthly))
	v.SetDefault("alerting.request_timeout", "10s")
	v.SetDefault("alerting.telegram.base_url", "https://api.telegram.org")

	v.SetDefault("skus", map[string]any{
		sku.CoreTrafficID: map[string]any{"enabled": true},
	})

	v.SetDefault("export.max_data_points", 120)
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Cache.HotTTL <= 0 || c.Cache.ClosedMonthTTL <= 0 {
		return fmt.Errorf("cache ttls must be greater than zero")
	}
	if c.Cache.HistoryMonths < 1 {
		return fmt.Errorf("cache.history_months must be at least 1")
	}
	if c.Analytics.MaxConcurrency <= 0 {
		return fmt.Errorf("analytics.max_concurrency must be greater than zero")
	}
	switch c.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("store.backend must be one of memory, redis, postgres")
	}
	if c.Store.Backend == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the postgres store")
	}
	switch sku.Period(c.Alerting.Period) {
	case sku.PeriodMonthly, sku.PeriodWeekly:
	default:
		return fmt.Errorf("alerting.period must be monthly or weekly")
	}
	if c.Alerting.Enabled && c.Alerting.WebhookURL == "" && !c.Alerting.Telegram.Configured() {
		return fmt.Errorf("alerting.webhook_url or alerting.telegram is required when alerting is enabled")
	}
	registry := sku.Default()
	for id := range c.SKUs {
		if _, ok := registry.Lookup(id); !ok {
			return fmt.Errorf("skus.%s is not a known sku", id)
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Usage converts the loaded settings into the explicit configuration value
// passed to the orchestrator and alert engine.
func (c *Config) Usage(registry *sku.Registry) sku.Configuration {
	accounts := make([]sku.Account, 0, len(c.Accounts)+len(c.AccountIDs))
	seen := make(map[string]struct{})
	for _, a := range c.Accounts {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		accounts = append(accounts, sku.Account{ID: id, Name: a.Name})
	}
	for _, id := range c.AccountIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		accounts = append(accounts, sku.Account{ID: id})
	}
	sort.SliceStable(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

	skus := make(map[string]sku.Config, len(c.SKUs))
	for id, sc := range c.SKUs {
		thresholds := make(map[string]float64, len(sc.Thresholds))
		for metric, v := range sc.Thresholds {
			thresholds[metric] = v
		}
		skus[id] = sku.Config{
			ID:         id,
			Enabled:    sc.Enabled,
			Accounts:   append([]string(nil), sc.Accounts...),
			Zones:      append([]string(nil), sc.Zones...),
			Thresholds: thresholds,
		}
	}

	return sku.Configuration{
		Registry:    registry,
		Accounts:    accounts,
		SKUs:        skus,
		AlertPeriod: sku.Period(c.Alerting.Period),
	}
}
