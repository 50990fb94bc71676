package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ksred/p2p-bridge/internal/apperr"
	"github.com/ksred/p2p-bridge/internal/ratelimit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// P2P_ORCHESTRATOR_POLL_INTERVAL.
const EnvPrefix = "P2P"

// Config holds every setting the service reads at startup.
type Config struct {
	Env          string             `mapstructure:"env"`
	Debug        bool               `mapstructure:"debug"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Gate         GateConfig         `mapstructure:"gate"`
	Bybit        BybitConfig        `mapstructure:"bybit"`
	RateLimits   RateLimitConfig    `mapstructure:"rate_limits"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Accounts     AccountsConfig     `mapstructure:"accounts"`
	Session      SessionConfig      `mapstructure:"session"`
	Rates        RatesConfig        `mapstructure:"rates"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Events       EventsConfig       `mapstructure:"events"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
}

type ServerConfig struct {
	Port        string `mapstructure:"port"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	AdminKey    string `mapstructure:"admin_key"`
	AdminSecret string `mapstructure:"admin_secret"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type GateConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BybitConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PublicURL      string        `mapstructure:"public_url"`
	RecvWindow     string        `mapstructure:"recv_window"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Asset          string        `mapstructure:"asset"`
	Fiat           string        `mapstructure:"fiat"`
	PaymentMethods []string      `mapstructure:"payment_methods"`
	BookPayments   []string      `mapstructure:"book_payments"`
	Remarks        string        `mapstructure:"remarks"`
}

type RateLimitConfig struct {
	Gate    ratelimit.Quota `mapstructure:"gate"`
	Bybit   ratelimit.Quota `mapstructure:"bybit"`
	Default ratelimit.Quota `mapstructure:"default"`
}

// Quotas returns the named buckets in the form ratelimit.New expects.
func (r RateLimitConfig) Quotas() map[string]ratelimit.Quota {
	return map[string]ratelimit.Quota{
		ratelimit.EndpointGate:  r.Gate,
		ratelimit.EndpointBybit: r.Bybit,
	}
}

type OrchestratorConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	AdPollInterval    time.Duration `mapstructure:"ad_poll_interval"`
	OrderPollInterval time.Duration `mapstructure:"order_poll_interval"`
	ReceiptTimeout    time.Duration `mapstructure:"receipt_timeout"`
	MinAmount         float64       `mapstructure:"min_amount"`
	MaxAmount         float64       `mapstructure:"max_amount"`
	AutoConfirm       bool          `mapstructure:"auto_confirm"`
	AmountBuffer      float64       `mapstructure:"amount_buffer"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	InitialMessage    string        `mapstructure:"initial_message"`
	ReceiptMessage    string        `mapstructure:"receipt_message"`
	AcceptedBanks     []string      `mapstructure:"accepted_banks"`
}

type AccountsConfig struct {
	MaxAdsPerAccount int    `mapstructure:"max_ads_per_account"`
	ImportFile       string `mapstructure:"import_file"`
}

type SessionConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	BalanceInterval time.Duration `mapstructure:"balance_interval"`
	MinBalance      float64       `mapstructure:"min_balance"`
	TargetBalance   float64       `mapstructure:"target_balance"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RatesConfig struct {
	SmallThreshold float64     `mapstructure:"small_threshold"`
	NightStartHour int         `mapstructure:"night_start_hour"`
	NightEndHour   int         `mapstructure:"night_end_hour"`
	Timezone       string      `mapstructure:"timezone"`
	Pages          PagesConfig `mapstructure:"pages"`
}

type PagesConfig struct {
	SmallDay   int `mapstructure:"small_day"`
	SmallNight int `mapstructure:"small_night"`
	LargeDay   int `mapstructure:"large_day"`
	LargeNight int `mapstructure:"large_night"`
}

type PoolConfig struct {
	RetentionDays   int           `mapstructure:"retention_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type EventsConfig struct {
	Dir           string        `mapstructure:"dir"`
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	RelayInterval time.Duration `mapstructure:"relay_interval"`
}

type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("debug", false)

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.admin_key", "")
	v.SetDefault("server.admin_secret", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "p2p-bridge.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("gate.base_url", "https://panel.gate.cx/api/v1")
	v.SetDefault("gate.timeout", "30s")

	v.SetDefault("bybit.base_url", "https://api.bybit.com")
	v.SetDefault("bybit.public_url", "https://api2.bybit.com")
	v.SetDefault("bybit.recv_window", "5000")
	v.SetDefault("bybit.timeout", "30s")
	v.SetDefault("bybit.asset", "USDT")
	v.SetDefault("bybit.fiat", "RUB")
	v.SetDefault("bybit.payment_methods", []string{"382"})
	v.SetDefault("bybit.book_payments", []string{"382", "75"})
	v.SetDefault("bybit.remarks", "Fast release, T-Bank only.")

	v.SetDefault("rate_limits.gate.per_minute", 60)
	v.SetDefault("rate_limits.gate.burst", 10)
	v.SetDefault("rate_limits.bybit.per_minute", 120)
	v.SetDefault("rate_limits.bybit.burst", 20)
	v.SetDefault("rate_limits.default.per_minute", ratelimit.DefaultQuota.PerMinute)
	v.SetDefault("rate_limits.default.burst", ratelimit.DefaultQuota.Burst)

	v.SetDefault("orchestrator.poll_interval", "5s")
	v.SetDefault("orchestrator.ad_poll_interval", "10s")
	v.SetDefault("orchestrator.order_poll_interval", "5s")
	v.SetDefault("orchestrator.receipt_timeout", "30m")
	v.SetDefault("orchestrator.min_amount", 1000)
	v.SetDefault("orchestrator.max_amount", 1000000)
	v.SetDefault("orchestrator.auto_confirm", false)
	v.SetDefault("orchestrator.amount_buffer", 1)
	v.SetDefault("orchestrator.shutdown_grace", "2s")
	v.SetDefault("orchestrator.initial_message", "Hello! Thank you for your order. Please make the payment and send the receipt. We only accept T-Bank.")
	v.SetDefault("orchestrator.receipt_message", "Please send the payment receipt.")
	v.SetDefault("orchestrator.accepted_banks", []string{})

	v.SetDefault("accounts.max_ads_per_account", 4)
	v.SetDefault("accounts.import_file", "")

	v.SetDefault("session.refresh_interval", "30m")
	v.SetDefault("session.balance_interval", "4h")
	v.SetDefault("session.min_balance", 300000)
	v.SetDefault("session.target_balance", 10000000)
	v.SetDefault("session.shutdown_timeout", "10s")

	v.SetDefault("rates.small_threshold", 50000)
	v.SetDefault("rates.night_start_hour", 1)
	v.SetDefault("rates.night_end_hour", 7)
	v.SetDefault("rates.timezone", "Europe/Moscow")
	v.SetDefault("rates.pages.small_day", 4)
	v.SetDefault("rates.pages.small_night", 2)
	v.SetDefault("rates.pages.large_day", 5)
	v.SetDefault("rates.pages.large_night", 3)

	v.SetDefault("pool.retention_days", 7)
	v.SetDefault("pool.cleanup_interval", "24h")

	v.SetDefault("events.dir", "data/events")
	v.SetDefault("events.brokers", []string{})
	v.SetDefault("events.topic", "p2p-bridge.orders")
	v.SetDefault("events.relay_interval", "1s")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)
}

// Load reads .env, then the optional YAML file at path, then environment
// overrides. An empty path falls back to CONFIG_FILE.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env file not found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, apperr.Configuration("read config file %s: %v", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperr.Configuration("decode config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the service cannot run without.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return apperr.Configuration("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return apperr.Configuration("database.dsn is required for postgres")
		}
	default:
		return apperr.Configuration("unsupported database.driver %q", c.Database.Driver)
	}

	if c.Orchestrator.PollInterval <= 0 {
		return apperr.Configuration("orchestrator.poll_interval must be positive")
	}
	if c.Orchestrator.MinAmount < 0 || c.Orchestrator.MaxAmount < c.Orchestrator.MinAmount {
		return apperr.Configuration("orchestrator amount bounds are invalid: min=%v max=%v",
			c.Orchestrator.MinAmount, c.Orchestrator.MaxAmount)
	}
	if c.Accounts.MaxAdsPerAccount < 1 {
		return apperr.Configuration("accounts.max_ads_per_account must be at least 1")
	}
	if c.Rates.NightStartHour < 0 || c.Rates.NightEndHour > 24 || c.Rates.NightStartHour >= c.Rates.NightEndHour {
		return apperr.Configuration("rates night window [%d, %d) is invalid",
			c.Rates.NightStartHour, c.Rates.NightEndHour)
	}
	for name, d := range map[string]time.Duration{
		"pool.cleanup_interval": c.Pool.CleanupInterval,
		"events.relay_interval": c.Events.RelayInterval,
	} {
		if d <= 0 {
			return apperr.Configuration("%s must be positive", name)
		}
	}
	if c.Env == "production" && c.Server.JWTSecret == "" {
		return apperr.Configuration("server.jwt_secret is required in production")
	}
	return nil
}

// IsProduction reports whether Env is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
