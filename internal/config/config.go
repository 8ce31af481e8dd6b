// Package config provides configuration management for the trading application.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"mt5-trader/internal/broker"
	apperrors "mt5-trader/internal/errors"
	"mt5-trader/internal/logging"
	"mt5-trader/internal/resilience"
	"mt5-trader/pkg/utils"
)

// Config holds all application configuration.
type Config struct {
	Terminal      TerminalConfig     `mapstructure:"terminal"`
	Trading       TradingConfig      `mapstructure:"trading"`
	Retry         RetryConfig        `mapstructure:"retry"`
	Breaker       BreakerConfig      `mapstructure:"breaker"`
	Server        ServerConfig       `mapstructure:"server"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Redis         RedisConfig        `mapstructure:"redis"`
	Store         StoreConfig        `mapstructure:"store"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Security      SecurityConfig     `mapstructure:"security"`
	Automation    AutomationConfig   `mapstructure:"automation"`
	Credentials   Credentials        `mapstructure:"-" json:"-"` // Loaded separately, never rendered

	// Dir is the directory the configuration was loaded from.
	Dir string `mapstructure:"-"`
	// CreatedTemplates lists template files written because none existed.
	CreatedTemplates []string `mapstructure:"-"`
}

// TerminalConfig selects and configures the terminal backend.
type TerminalConfig struct {
	Mode            string        `mapstructure:"mode"` // "paper", "gateway"
	GatewayURL      string        `mapstructure:"gateway_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectDelay    time.Duration `mapstructure:"connect_delay"`
	PaperBalance    float64       `mapstructure:"paper_balance"`
}

// TradingConfig holds venue parameters applied to every order.
type TradingConfig struct {
	Deviation   uint32        `mapstructure:"deviation"`
	Magic       int64         `mapstructure:"magic"`
	Filling     string        `mapstructure:"filling"` // FOK, IOC, RETURN
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	CommentTag  string        `mapstructure:"comment_tag"`
}

// RetryConfig holds the retry supervisor's policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MinWait     time.Duration `mapstructure:"min_wait"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
}

// BreakerConfig holds circuit breaker thresholds for order sends.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"` // gin mode: debug, release, test
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TradeRate       float64       `mapstructure:"trade_rate"` // mutating requests per second, 0 disables
	TradeBurst      int           `mapstructure:"trade_burst"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled   bool            `mapstructure:"enabled"`
	Level     string          `mapstructure:"level"` // all, trades_only, errors_only
	Timeout   time.Duration   `mapstructure:"timeout"`
	Console   bool            `mapstructure:"console"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Discord   DiscordConfig   `mapstructure:"discord"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	ChatID  string `mapstructure:"chat_id"`
}

// DiscordConfig holds Discord notification configuration.
type DiscordConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// KafkaConfig holds trade event publishing configuration.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// WebSocketConfig controls the notification push endpoint.
type WebSocketConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// RedisConfig holds idempotency cache configuration.
type RedisConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	DB             int           `mapstructure:"db"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// StoreConfig holds execution journal configuration.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	JSON       bool   `mapstructure:"json"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	ReadOnlyMode bool   `mapstructure:"read_only_mode"`
	AuditEnabled bool   `mapstructure:"audit_enabled"`
	AuditDir     string `mapstructure:"audit_dir"`
}

// AutomationConfig controls the automation monitors.
type AutomationConfig struct {
	AutoStart bool          `mapstructure:"auto_start"`
	Interval  time.Duration `mapstructure:"interval"`
}

// Credentials holds secrets.
type Credentials struct {
	MT5      MT5Credentials      `mapstructure:"mt5"`
	Gateway  GatewayCredentials  `mapstructure:"gateway"`
	Telegram TelegramCredentials `mapstructure:"telegram"`
	Discord  DiscordCredentials  `mapstructure:"discord"`
	Redis    RedisCredentials    `mapstructure:"redis"`
}

// MT5Credentials holds trading account credentials.
type MT5Credentials struct {
	Login    int64  `mapstructure:"login"`
	Password string `mapstructure:"password"`
	Server   string `mapstructure:"server"`
}

// GatewayCredentials holds the terminal gateway token.
type GatewayCredentials struct {
	Token string `mapstructure:"token"`
}

// TelegramCredentials holds the Telegram bot token.
type TelegramCredentials struct {
	BotToken string `mapstructure:"bot_token"`
}

// DiscordCredentials holds the Discord webhook URL.
type DiscordCredentials struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// RedisCredentials holds the Redis password.
type RedisCredentials struct {
	Password string `mapstructure:"password"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/mt5-trader"
	}
	return filepath.Join(home, ".config", "mt5-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. Missing files
// are created from templates and defaults apply.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{Dir: configDir}

	created, err := loadConfigFile(configDir, cfg)
	if err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}
	if created != "" {
		cfg.CreatedTemplates = append(cfg.CreatedTemplates, created)
	}

	created, err = loadCredentials(configDir, &cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}
	if created != "" {
		cfg.CreatedTemplates = append(cfg.CreatedTemplates, created)
	}

	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{Dir: DefaultConfigDir()}
	_ = v.Unmarshal(cfg)
	cfg.resolvePaths()
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("terminal.mode", "paper")
	v.SetDefault("terminal.timeout", "30s")
	v.SetDefault("terminal.connect_attempts", 3)
	v.SetDefault("terminal.connect_delay", "5s")
	v.SetDefault("terminal.paper_balance", 10000.0)

	v.SetDefault("trading.deviation", 20)
	v.SetDefault("trading.magic", 234000)
	v.SetDefault("trading.filling", "IOC")
	v.SetDefault("trading.settle_delay", "1s")
	v.SetDefault("trading.comment_tag", "mt5-trader")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.multiplier", 1.0)
	v.SetDefault("retry.min_wait", "4s")
	v.SetDefault("retry.max_wait", "10s")

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.timeout", "30s")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.trade_rate", 5.0)
	v.SetDefault("server.trade_burst", 10)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "all")
	v.SetDefault("notifications.timeout", "10s")
	v.SetDefault("notifications.console", false)
	v.SetDefault("notifications.kafka.topic", "mt5-trade-events")
	v.SetDefault("notifications.websocket.enabled", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.idempotency_ttl", "24h")

	v.SetDefault("store.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("security.read_only_mode", false)
	v.SetDefault("security.audit_enabled", true)

	v.SetDefault("automation.auto_start", false)
	v.SetDefault("automation.interval", "1s")
}

func loadConfigFile(configDir string, cfg *Config) (string, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	created := ""
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return "", err
		}
		path, terr := createTemplateConfig(configDir)
		if terr != nil {
			return "", terr
		}
		created = path
	}

	return created, v.Unmarshal(cfg)
}

func loadCredentials(configDir string, creds *Credentials) (string, error) {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return "", err
		}
		path, terr := createTemplateCredentials(configDir)
		return path, terr
	}

	return "", v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	// Account credentials
	if v := os.Getenv("MT5_LOGIN"); v != "" {
		if login, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Credentials.MT5.Login = login
		}
	}
	if v := os.Getenv("MT5_PASSWORD"); v != "" {
		cfg.Credentials.MT5.Password = v
	}
	if v := os.Getenv("MT5_SERVER"); v != "" {
		cfg.Credentials.MT5.Server = v
	}
	if v := os.Getenv("MT5_GATEWAY_URL"); v != "" {
		cfg.Terminal.GatewayURL = v
	}

	// Notification channels
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Credentials.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notifications.Telegram.ChatID = v
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Credentials.Discord.WebhookURL = v
	}
	if v := os.Getenv("KAFKA_BROKER"); v != "" {
		cfg.Notifications.Kafka.Brokers = strings.Split(v, ",")
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}

	// Terminal mode
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Terminal.Mode = v
	}
}

func (c *Config) resolvePaths() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Dir, "data", "journal.db")
	}
	if c.Security.AuditDir == "" {
		c.Security.AuditDir = filepath.Join(c.Dir, "audit")
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(c.Dir, "logs", "trader.log")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
	}

	switch c.Terminal.Mode {
	case "paper":
	case "gateway":
		if c.Terminal.GatewayURL == "" {
			return invalid("terminal.gateway_url is required in gateway mode")
		}
	default:
		return invalid("invalid terminal mode: %s (must be 'paper' or 'gateway')", c.Terminal.Mode)
	}

	if _, ok := broker.ParseFillingPolicy(c.Trading.Filling); !ok {
		return invalid("invalid filling policy: %s (must be FOK, IOC or RETURN)", c.Trading.Filling)
	}
	if c.Trading.SettleDelay < 0 {
		return invalid("trading.settle_delay must be non-negative")
	}

	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts must be at least 1")
	}
	if c.Retry.Multiplier < 0 {
		return invalid("retry.multiplier must be non-negative")
	}
	if c.Retry.MaxWait > 0 && c.Retry.MinWait > c.Retry.MaxWait {
		return invalid("retry.min_wait must not exceed retry.max_wait")
	}

	switch c.Notifications.Level {
	case "", "all", "trades_only", "errors_only":
	default:
		return invalid("invalid notification level: %s", c.Notifications.Level)
	}
	if c.Notifications.Kafka.Enabled && (len(c.Notifications.Kafka.Brokers) == 0 || c.Notifications.Kafka.Topic == "") {
		return invalid("notifications.kafka requires brokers and topic")
	}

	if c.Server.Addr == "" {
		return invalid("server.addr is required")
	}
	if c.Automation.Interval <= 0 {
		return invalid("automation.interval must be positive")
	}

	return nil
}

// IsPaperMode returns true if the paper terminal is selected.
func (c *Config) IsPaperMode() bool {
	return c.Terminal.Mode == "paper"
}

// Policy converts the retry section into a retry policy.
func (c RetryConfig) Policy() utils.RetryPolicy {
	p := utils.DefaultRetryPolicy()
	p.MaxAttempts = c.MaxAttempts
	p.Multiplier = c.Multiplier
	p.MinWait = c.MinWait
	p.MaxWait = c.MaxWait
	return p
}

// CircuitBreaker converts the breaker section into a breaker config.
func (c BreakerConfig) CircuitBreaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		Timeout:          c.Timeout,
	}
}

// LogConfig converts the logging section into a logger config.
func (c LoggingConfig) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Level,
		Console:    c.Console,
		JSON:       c.JSON,
		File:       c.File,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
	}
}

// BrokerCredentials returns the account credentials for the session.
func (c *Config) BrokerCredentials() broker.Credentials {
	return broker.Credentials{
		Login:    c.Credentials.MT5.Login,
		Password: c.Credentials.MT5.Password,
		Server:   c.Credentials.MT5.Server,
	}
}
