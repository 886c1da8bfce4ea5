package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"gasguard/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Logging       logging.Config      `mapstructure:"logging"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Chain         ChainConfig         `mapstructure:"chain"`
	GasTracker    GasTrackerConfig    `mapstructure:"gas_tracker"`
	Oracle        OracleConfig        `mapstructure:"oracle"`
	Attestation   AttestationConfig   `mapstructure:"attestation"`
	Feed          FeedConfig          `mapstructure:"feed"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Export        ExportConfig        `mapstructure:"export"`
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

// RedisConfig points at the shared cache. An empty Addr selects the in-process cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SchedulerConfig governs the cadence of each background job.
type SchedulerConfig struct {
	GasInterval        time.Duration `mapstructure:"gas_interval"`
	AlertInterval      time.Duration `mapstructure:"alert_interval"`
	CrossChainInterval time.Duration `mapstructure:"crosschain_interval"`
	TrainingInterval   time.Duration `mapstructure:"training_interval"`
	TrainingOffset     time.Duration `mapstructure:"training_offset"`
	AdvisoryLockKey    int64         `mapstructure:"advisory_lock_key"`
	StartupDelay       time.Duration `mapstructure:"startup_delay"`
}

// ChainConfig covers on-chain data access.
type ChainConfig struct {
	Network        string            `mapstructure:"network"`
	RPCURLs        map[string]string `mapstructure:"rpc_urls"`
	ChainID        int64             `mapstructure:"chain_id"`
	PrivateKey     string            `mapstructure:"private_key"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// RPCURL returns the endpoint of the selected network.
func (c ChainConfig) RPCURL() string {
	return c.RPCURLs[strings.ToLower(c.Network)]
}

// GasTrackerConfig captures the HTTP gas oracle connectivity.
type GasTrackerConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	APIKey             string        `mapstructure:"api_key"`
	ChainID            int64         `mapstructure:"chain_id"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RateLimitPerSecond int           `mapstructure:"rate_limit_per_second"`
	UserAgent          string        `mapstructure:"user_agent"`
}

// OracleConfig orders the gas sources and sets the last-resort price.
type OracleConfig struct {
	Sources       []string      `mapstructure:"sources"`
	DefaultGwei   float64       `mapstructure:"default_gwei"`
	SourceTimeout time.Duration `mapstructure:"source_timeout"`
}

// AttestationConfig points at the cross-chain verifier contract.
type AttestationConfig struct {
	VerifierAddress string        `mapstructure:"verifier_address"`
	PollDelay       time.Duration `mapstructure:"poll_delay"`
}

// FeedConfig points at the on-chain price feed contract.
type FeedConfig struct {
	ContractAddress string `mapstructure:"contract_address"`
	EpochBlocks     uint64 `mapstructure:"epoch_blocks"`
}

// NotificationsConfig groups the delivery channel credentials.
type NotificationsConfig struct {
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Browser  BrowserConfig  `mapstructure:"browser"`
}

// SMTPConfig describes the email relay.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// TelegramConfig describes the Telegram bot.
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DiscordConfig describes the Discord webhook.
type DiscordConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// BrowserConfig toggles in-app notifications.
type BrowserConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Publish bool `mapstructure:"publish"`
}

// MetricsConfig exposes the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// TracingConfig configures the OTLP exporter. Empty OTLPEndpoint disables tracing.
type TracingConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Insecure     bool   `mapstructure:"insecure"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// legacyEnv maps config keys onto the environment names older deployments already set.
var legacyEnv = map[string]string{
	"gas_tracker.api_key":               "ETHERSCAN_API_KEY",
	"feed.contract_address":             "FTSO_ADDRESS",
	"attestation.verifier_address":      "FDC_ADDRESS",
	"chain.private_key":                 "PRIVATE_KEY",
	"database.dsn":                      "DATABASE_URL",
	"redis.addr":                        "REDIS_ADDR",
	"notifications.smtp.host":           "SMTP_HOST",
	"notifications.smtp.port":           "SMTP_PORT",
	"notifications.smtp.username":       "SMTP_USER",
	"notifications.smtp.password":       "SMTP_PASS",
	"notifications.telegram.bot_token":  "TELEGRAM_BOT_TOKEN",
	"notifications.discord.webhook_url": "DISCORD_WEBHOOK_URL",
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GASGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "GASGUARD_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

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
	v.SetDefault("app.name", "gasguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.db", 0)

	v.SetDefault("scheduler.gas_interval", "12s")
	v.SetDefault("scheduler.alert_interval", "12s")
	v.SetDefault("scheduler.crosschain_interval", "1h")
	v.SetDefault("scheduler.training_interval", "24h")
	v.SetDefault("scheduler.training_offset", "2h")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x67617367))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("chain.network", "flare")
	v.SetDefault("chain.chain_id", int64(14))
	v.SetDefault("chain.request_timeout", "10s")

	v.SetDefault("gas_tracker.base_url", "https://api.etherscan.io/v2/api")
	v.SetDefault("gas_tracker.chain_id", int64(1))
	v.SetDefault("gas_tracker.request_timeout", "10s")
	v.SetDefault("gas_tracker.rate_limit_per_second", 5)

	v.SetDefault("oracle.sources", []string{"gastracker", "chainfee"})
	v.SetDefault("oracle.default_gwei", 25.0)
	v.SetDefault("oracle.source_timeout", "5s")

	v.SetDefault("attestation.poll_delay", "3s")

	v.SetDefault("feed.epoch_blocks", uint64(90))

	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notifications.telegram.timeout", "10s")
	v.SetDefault("notifications.discord.timeout", "10s")
	v.SetDefault("notifications.browser.enabled", true)
	v.SetDefault("notifications.browser.publish", true)

	v.SetDefault("tracing.service_name", "gasguard")

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

var knownSources = map[string]struct{}{
	"gastracker": {},
	"chainfee":   {},
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for name, d := range map[string]time.Duration{
		"scheduler.gas_interval":        c.Scheduler.GasInterval,
		"scheduler.alert_interval":      c.Scheduler.AlertInterval,
		"scheduler.crosschain_interval": c.Scheduler.CrossChainInterval,
		"scheduler.training_interval":   c.Scheduler.TrainingInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than zero", name)
		}
	}
	if c.Scheduler.TrainingOffset < 0 || c.Scheduler.TrainingOffset >= c.Scheduler.TrainingInterval {
		return fmt.Errorf("scheduler.training_offset must be within [0, training_interval)")
	}
	if c.Oracle.DefaultGwei <= 0 {
		return fmt.Errorf("oracle.default_gwei must be greater than zero")
	}
	for _, name := range c.Oracle.Sources {
		if _, ok := knownSources[strings.ToLower(strings.TrimSpace(name))]; !ok {
			return fmt.Errorf("oracle.sources: unknown source %q", name)
		}
	}
	if c.GasTracker.RateLimitPerSecond < 0 {
		return fmt.Errorf("gas_tracker.rate_limit_per_second cannot be negative")
	}
	if c.Chain.PrivateKey != "" && c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id is required when chain.private_key is set")
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
