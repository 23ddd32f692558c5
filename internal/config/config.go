package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"cost-anomaly-alerts/internal/detector"
	"cost-anomaly-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Detection DetectionConfig `mapstructure:"detection"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs detection cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	// Lag is subtracted from the tick time before choosing the detection
	// day; billing data for "today" is usually incomplete.
	Lag time.Duration `mapstructure:"lag"`
}

// DetectionConfig holds the statistical parameters.
type DetectionConfig struct {
	Threshold              float64 `mapstructure:"threshold"`
	SeverityMultiplier     float64 `mapstructure:"severity_multiplier"`
	MADFloorEpsilon        float64 `mapstructure:"mad_floor_epsilon"`
	WindowLengthDays       int     `mapstructure:"window_length_days"`
	NewContributorSentinel float64 `mapstructure:"new_contributor_delta_percent_sentinel"`
	MinObservations        int     `mapstructure:"min_observations"`
	Concurrency            int     `mapstructure:"concurrency"`
	TopContributors        int     `mapstructure:"top_contributors"`
}

// Params converts the detection section into detector parameters.
func (d DetectionConfig) Params() detector.Params {
	return detector.Params{
		Threshold:              d.Threshold,
		SeverityMultiplier:     d.SeverityMultiplier,
		MADFloor:               d.MADFloorEpsilon,
		NewContributorSentinel: d.NewContributorSentinel,
	}
}

// BillingConfig covers the billing data API.
type BillingConfig struct {
	Source         string        `mapstructure:"source"`
	BaseURL        string        `mapstructure:"base_url"`
	APIToken       string        `mapstructure:"api_token"`
	Account        string        `mapstructure:"account"`
	Currency       string        `mapstructure:"currency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

// RetryConfig bounds previous-day lookups.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// CacheConfig selects the previous-day lookup cache.
type CacheConfig struct {
	Type          string        `mapstructure:"type"`
	TTL           time.Duration `mapstructure:"ttl"`
	LocalMaxSize  int           `mapstructure:"local_max_size"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Timeout  time.Duration  `mapstructure:"timeout"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig describes generic JSON webhook delivery.
type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	ChartWidth  int `mapstructure:"chart_width"`
	ChartHeight int `mapstructure:"chart_height"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COSTWATCH")
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
	v.SetDefault("app.name", "costwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x636f7374))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.lag", "24h")

	v.SetDefault("detection.threshold", detector.DefaultThreshold)
	v.SetDefault("detection.severity_multiplier", detector.DefaultSeverityMultiplier)
	v.SetDefault("detection.mad_floor_epsilon", detector.DefaultMADFloor)
	v.SetDefault("detection.window_length_days", 30)
	v.SetDefault("detection.new_contributor_delta_percent_sentinel", detector.DefaultNewContributorSentinel)
	v.SetDefault("detection.min_observations", 7)
	v.SetDefault("detection.concurrency", 4)
	v.SetDefault("detection.top_contributors", 5)

	v.SetDefault("billing.source", "api")
	v.SetDefault("billing.currency", "USD")
	v.SetDefault("billing.request_timeout", "15s")
	v.SetDefault("billing.user_agent", "")
	v.SetDefault("billing.rate_per_second", 5.0)
	v.SetDefault("billing.burst", 1)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "500ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.ttl", "6h")
	v.SetDefault("cache.local_max_size", 512)
	v.SetDefault("cache.key_prefix", "costwatch")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.enabled", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9108")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.chart_width", 1280)
	v.SetDefault("export.chart_height", 720)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
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
	if err := c.Detection.Params().Validate(); err != nil {
		return fmt.Errorf("detection: %w", err)
	}
	if c.Detection.WindowLengthDays <= 0 {
		return fmt.Errorf("detection.window_length_days must be greater than zero")
	}
	if c.Detection.MinObservations < 1 {
		return fmt.Errorf("detection.min_observations must be at least 1")
	}
	if c.Detection.MinObservations > c.Detection.WindowLengthDays {
		return fmt.Errorf("detection.min_observations cannot exceed detection.window_length_days")
	}
	if c.Detection.Concurrency <= 0 {
		return fmt.Errorf("detection.concurrency must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than zero")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	switch c.Billing.Source {
	case "api", "database":
	default:
		return fmt.Errorf("billing.source must be one of api, database")
	}
	switch c.Cache.Type {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("cache.type must be one of none, memory, redis")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required")
	}
	return nil
}

// Window returns the inclusive day range of the detection window ending on asOf.
func (c *Config) Window(asOf time.Time) (time.Time, time.Time) {
	end := detector.Day(asOf)
	start := end.AddDate(0, 0, -(c.Detection.WindowLengthDays - 1))
	return start, end
}
