package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Environment  string             `mapstructure:"environment" validate:"required,oneof=development staging production"`
	LogLevel     string             `mapstructure:"log_level"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	BalanceGuard BalanceGuardConfig `mapstructure:"balance_guard"`
	Resolver     ResolverConfig     `mapstructure:"resolver"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Aggregators  AggregatorsConfig  `mapstructure:"aggregators"`
	Wallet       WalletConfig       `mapstructure:"wallet"`
	PriceFeed    PriceFeedConfig    `mapstructure:"price_feed"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MetricsConfig controls the Prometheus scrape endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SchedulerConfig tunes the order scheduler loop
type SchedulerConfig struct {
	// TickInterval is how often due orders are polled, in seconds
	TickInterval int `mapstructure:"tick_interval" validate:"min=1"`
	// LeaseTTL bounds an execution lease, in seconds
	LeaseTTL int `mapstructure:"lease_ttl" validate:"min=1"`
	// MaxConcurrent caps parallel order executions per cycle
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"min=1"`
}

// BalanceGuardConfig tunes the balance reconciliation worker
type BalanceGuardConfig struct {
	// CronSpec is the reconciliation schedule in cron syntax
	CronSpec string `mapstructure:"cron_spec" validate:"required"`
}

// ResolverConfig tunes quote and swap resolution
type ResolverConfig struct {
	// CallTimeout bounds each aggregator call, in seconds
	CallTimeout int `mapstructure:"call_timeout" validate:"min=1"`
	// SlippageBps is the default slippage tolerance in basis points
	SlippageBps int `mapstructure:"slippage_bps" validate:"min=1,max=10000"`
	// EmergencySlippageBps is the relaxed tolerance for the fallback path
	EmergencySlippageBps int `mapstructure:"emergency_slippage_bps" validate:"min=1,max=10000"`
	// MaxPriceImpact is the swap acceptance ceiling in percent
	MaxPriceImpact int `mapstructure:"max_price_impact" validate:"min=1"`
	// TrustedAggregator names the adapter used for the emergency path
	TrustedAggregator string `mapstructure:"trusted_aggregator" validate:"required"`
}

// BreakerConfig tunes the per-aggregator circuit breakers
type BreakerConfig struct {
	// FailureThreshold is consecutive failures before the breaker opens
	FailureThreshold int `mapstructure:"failure_threshold" validate:"min=1"`
	// CooldownSeconds is how long an open breaker stays open
	CooldownSeconds int `mapstructure:"cooldown_seconds" validate:"min=1"`
}

// AggregatorsConfig holds per-aggregator connection settings
type AggregatorsConfig struct {
	ZeroEx   AggregatorConfig `mapstructure:"zeroex"`
	OneInch  AggregatorConfig `mapstructure:"oneinch"`
	Paraswap AggregatorConfig `mapstructure:"paraswap"`
}

// AggregatorConfig configures a single aggregator adapter
type AggregatorConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	ChainID int    `mapstructure:"chain_id"`
	// RatePerSecond is the client-side request rate limit
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// WalletConfig configures the wallet execution service client
type WalletConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout int    `mapstructure:"timeout" validate:"min=1"`
}

// PriceFeedConfig configures the price oracle client used for quote fallback
type PriceFeedConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout int    `mapstructure:"timeout" validate:"min=1"`
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	// Read from config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Override with environment variables
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Build database URL if not provided
	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "dca_service")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 300)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	// Scheduler defaults
	viper.SetDefault("scheduler.tick_interval", 30)
	viper.SetDefault("scheduler.lease_ttl", 120)
	viper.SetDefault("scheduler.max_concurrent", 8)

	// Balance guard runs every five minutes by default
	viper.SetDefault("balance_guard.cron_spec", "*/5 * * * *")

	// Resolver defaults
	viper.SetDefault("resolver.call_timeout", 5)
	viper.SetDefault("resolver.slippage_bps", 150)
	viper.SetDefault("resolver.emergency_slippage_bps", 500)
	viper.SetDefault("resolver.max_price_impact", 5)
	viper.SetDefault("resolver.trusted_aggregator", "0x")

	// Breaker defaults
	viper.SetDefault("breaker.failure_threshold", 3)
	viper.SetDefault("breaker.cooldown_seconds", 180)

	// Aggregator defaults
	viper.SetDefault("aggregators.zeroex.enabled", true)
	viper.SetDefault("aggregators.zeroex.base_url", "https://api.0x.org")
	viper.SetDefault("aggregators.zeroex.chain_id", 1)
	viper.SetDefault("aggregators.zeroex.rate_per_second", 5)
	viper.SetDefault("aggregators.oneinch.enabled", true)
	viper.SetDefault("aggregators.oneinch.base_url", "https://api.1inch.dev")
	viper.SetDefault("aggregators.oneinch.chain_id", 1)
	viper.SetDefault("aggregators.oneinch.rate_per_second", 1)
	viper.SetDefault("aggregators.paraswap.enabled", true)
	viper.SetDefault("aggregators.paraswap.base_url", "https://apiv5.paraswap.io")
	viper.SetDefault("aggregators.paraswap.chain_id", 1)
	viper.SetDefault("aggregators.paraswap.rate_per_second", 2)

	// Wallet service defaults
	viper.SetDefault("wallet.base_url", "http://localhost:8545")
	viper.SetDefault("wallet.timeout", 30)

	// Price feed defaults
	viper.SetDefault("price_feed.base_url", "https://api.coingecko.com/api/v3")
	viper.SetDefault("price_feed.timeout", 10)
}

func overrideFromEnv() {
	// Database
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}

	// Redis
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		viper.Set("redis.host", redisHost)
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			viper.Set("redis.port", p)
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		viper.Set("redis.password", redisPassword)
	}

	// Aggregator credentials
	if key := os.Getenv("ZEROEX_API_KEY"); key != "" {
		viper.Set("aggregators.zeroex.api_key", key)
	}
	if key := os.Getenv("ONEINCH_API_KEY"); key != "" {
		viper.Set("aggregators.oneinch.api_key", key)
	}
	if key := os.Getenv("PARASWAP_API_KEY"); key != "" {
		viper.Set("aggregators.paraswap.api_key", key)
	}

	// Wallet service
	if walletURL := os.Getenv("WALLET_BASE_URL"); walletURL != "" {
		viper.Set("wallet.base_url", walletURL)
	}
	if walletKey := os.Getenv("WALLET_API_KEY"); walletKey != "" {
		viper.Set("wallet.api_key", walletKey)
	}

	// Price feed
	if feedURL := os.Getenv("PRICE_FEED_BASE_URL"); feedURL != "" {
		viper.Set("price_feed.base_url", feedURL)
	}
	if feedKey := os.Getenv("PRICE_FEED_API_KEY"); feedKey != "" {
		viper.Set("price_feed.api_key", feedKey)
	}
}

func validate(config *Config) error {
	if config.Database.URL == "" && (config.Database.Host == "" || config.Database.Name == "") {
		return fmt.Errorf("database configuration is incomplete")
	}

	if !config.Aggregators.ZeroEx.Enabled &&
		!config.Aggregators.OneInch.Enabled &&
		!config.Aggregators.Paraswap.Enabled {
		return fmt.Errorf("at least one aggregator must be enabled")
	}

	if err := validator.New().Struct(config); err != nil {
		return err
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
