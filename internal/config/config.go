package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"flight-deal-alerts/internal/logging"
	"flight-deal-alerts/internal/version"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Logging   logging.Config            `mapstructure:"logging"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Monitor   MonitorConfig             `mapstructure:"monitor"`
	Gate      GateConfig                `mapstructure:"gate"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Alerting  AlertingConfig            `mapstructure:"alerting"`
	Ops       OpsConfig                 `mapstructure:"ops"`
	Export    ExportConfig              `mapstructure:"export"`
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
	ApplicationName string        `mapstructure:"application_name"`
}

// SchedulerConfig governs how often a cycle is triggered.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	CycleTimeout    time.Duration `mapstructure:"cycle_timeout"`
}

// MonitorConfig tunes a single monitoring cycle.
type MonitorConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	DueAfter             time.Duration `mapstructure:"due_after"`
	Concurrency          int           `mapstructure:"concurrency"`
	ProviderDelay        time.Duration `mapstructure:"provider_delay"`
	MaxDealsPerAlert     int           `mapstructure:"max_deals_per_alert"`
	RecordObservations   bool          `mapstructure:"record_observations"`
	ObservationRetention time.Duration `mapstructure:"observation_retention"`
	HistoryCacheSize     int           `mapstructure:"history_cache_size"`
}

// GateConfig holds the notification cooldown policy.
type GateConfig struct {
	Cooldown          time.Duration `mapstructure:"cooldown"`
	MinImprovementPct float64       `mapstructure:"min_improvement_pct"`
}

// ProviderConfig describes one fare provider and its token endpoint.
type ProviderConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	SearchPath         string        `mapstructure:"search_path"`
	APIKey             string        `mapstructure:"api_key"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
	TokenURL           string        `mapstructure:"token_url"`
	ClientID           string        `mapstructure:"client_id"`
	ClientSecret       string        `mapstructure:"client_secret"`
	Scope              string        `mapstructure:"scope"`
	FallbackToken      string        `mapstructure:"fallback_token"`
	SafetyMargin       time.Duration `mapstructure:"safety_margin"`
	FallbackRetry      time.Duration `mapstructure:"fallback_retry"`
	MaxRefreshFailures int           `mapstructure:"max_refresh_failures"`
	LowMilesThreshold  int64         `mapstructure:"low_miles_threshold"`
	PromoKeywords      []string      `mapstructure:"promo_keywords"`
}

// AlertingConfig defines delivery channels.
type AlertingConfig struct {
	Channel            string         `mapstructure:"channel"`
	MaxDealsPerMessage int            `mapstructure:"max_deals_per_message"`
	Telegram           TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	APIBase        string        `mapstructure:"api_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// OpsConfig configures the health and metrics listener.
type OpsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

const (
	ChannelTelegram = "telegram"
	ChannelLog      = "log"
)

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEALWATCH")
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
	cfg.applyProviderDefaults()

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
	v.SetDefault("app.name", "dealwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.application_name", "dealwatcher")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x64656131))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.cycle_timeout", "4m")

	v.SetDefault("monitor.batch_size", 50)
	v.SetDefault("monitor.due_after", "30m")
	v.SetDefault("monitor.concurrency", 2)
	v.SetDefault("monitor.provider_delay", "1s")
	v.SetDefault("monitor.max_deals_per_alert", 10)
	v.SetDefault("monitor.record_observations", true)
	v.SetDefault("monitor.observation_retention", "720h")
	v.SetDefault("monitor.history_cache_size", 4096)

	v.SetDefault("gate.cooldown", "1h")
	v.SetDefault("gate.min_improvement_pct", 10.0)

	v.SetDefault("alerting.channel", ChannelLog)
	v.SetDefault("alerting.max_deals_per_message", 5)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.request_timeout", "10s")

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.listen_addr", ":9102")

	v.SetDefault("export.max_data_points", 100000)
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

// provider maps have no fixed keys, so viper defaults cannot reach them
func (c *Config) applyProviderDefaults() {
	for name, p := range c.Providers {
		if p.SearchPath == "" {
			p.SearchPath = "/search"
		}
		if p.RequestTimeout <= 0 {
			p.RequestTimeout = 20 * time.Second
		}
		if p.UserAgent == "" {
			p.UserAgent = version.UserAgent()
		}
		if p.SafetyMargin <= 0 {
			p.SafetyMargin = 5 * time.Minute
		}
		if p.FallbackRetry <= 0 {
			p.FallbackRetry = time.Minute
		}
		if p.MaxRefreshFailures <= 0 {
			p.MaxRefreshFailures = 3
		}
		c.Providers[name] = p
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
	if c.Monitor.BatchSize <= 0 {
		return fmt.Errorf("monitor.batch_size must be greater than zero")
	}
	if c.Monitor.Concurrency <= 0 {
		return fmt.Errorf("monitor.concurrency must be greater than zero")
	}
	if c.Monitor.DueAfter < 0 {
		return fmt.Errorf("monitor.due_after cannot be negative")
	}
	if c.Monitor.ProviderDelay < 0 {
		return fmt.Errorf("monitor.provider_delay cannot be negative")
	}
	if c.Gate.Cooldown < 0 {
		return fmt.Errorf("gate.cooldown cannot be negative")
	}
	if c.Gate.MinImprovementPct < 0 || c.Gate.MinImprovementPct >= 100 {
		return fmt.Errorf("gate.min_improvement_pct must be within [0, 100)")
	}
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if p.BaseURL == "" {
			return fmt.Errorf("providers.%s.base_url is required", name)
		}
		if p.TokenURL == "" && p.FallbackToken == "" {
			return fmt.Errorf("providers.%s needs token_url or fallback_token", name)
		}
		if p.TokenURL != "" && p.ClientID == "" {
			return fmt.Errorf("providers.%s.client_id is required with token_url", name)
		}
		if p.LowMilesThreshold < 0 {
			return fmt.Errorf("providers.%s.low_miles_threshold cannot be negative", name)
		}
	}
	switch c.Alerting.Channel {
	case ChannelLog:
	case ChannelTelegram:
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
	default:
		return fmt.Errorf("alerting.channel %q is not supported", c.Alerting.Channel)
	}
	if c.Alerting.MaxDealsPerMessage <= 0 {
		return fmt.Errorf("alerting.max_deals_per_message must be greater than zero")
	}
	return nil
}

// ProviderNames returns configured provider keys in stable order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MinImprovementFraction converts the configured percentage to a fraction.
func (c *Config) MinImprovementFraction() float64 {
	return c.Gate.MinImprovementPct / 100
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
