package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/logging"
	"github.com/spf13/viper"
)

// Storage drivers
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Environment      string                 `mapstructure:"environment"`
	Server           ServerConfig           `mapstructure:"server"`
	Storage          StorageConfig          `mapstructure:"storage"`
	Postgres         PostgresConfig         `mapstructure:"postgres"`
	Redis            RedisConfig            `mapstructure:"redis"`
	Kafka            KafkaConfig            `mapstructure:"kafka"`
	JWT              JWTConfig              `mapstructure:"jwt"`
	Logging          logging.Config         `mapstructure:"logging"`
	Rewards          RewardsConfig          `mapstructure:"rewards"`
	ExternalServices ExternalServicesConfig `mapstructure:"external_services"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	EnableCORS     bool          `mapstructure:"enable_cors"`
	AllowOrigins   []string      `mapstructure:"allow_origins"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// PostgresConfig holds the primary store connection settings
type PostgresConfig struct {
	DSN           string `mapstructure:"dsn"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
	RunMigrations bool   `mapstructure:"run_migrations"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	SnapshotTTL  time.Duration `mapstructure:"snapshot_ttl"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers       []string    `mapstructure:"brokers"`
	ConsumerGroup string      `mapstructure:"consumer_group"`
	InstanceID    string      `mapstructure:"instance_id"`
	Topics        KafkaTopics `mapstructure:"topics"`
}

// KafkaTopics names the topics domain events are published to
type KafkaTopics struct {
	Completions string `mapstructure:"completions"`
	Wins        string `mapstructure:"wins"`
	Pools       string `mapstructure:"pools"`
}

// Enabled reports whether any broker is configured
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	Expiration time.Duration `mapstructure:"expiration"`
}

// ExternalServicesConfig holds external service configurations
type ExternalServicesConfig struct {
	FulfillmentService ServiceConfig `mapstructure:"fulfillment_service"`
}

// ServiceConfig holds external service configuration
type ServiceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	// Enable environment variable substitution
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Zero is a valid value for these, so they default here rather than in setDefaults.
	v.SetDefault("rewards.user_reward", DefaultUserReward)
	v.SetDefault("rewards.jackpot_contribution", DefaultJackpotContribution)
	v.SetDefault("rewards.total_response_cost", DefaultTotalResponseCost)
	return v
}

// Load loads configuration from YAML file using Viper
func Load(filename string) (*Config, error) {
	cfg, _, err := LoadWithViper(filename)
	return cfg, err
}

// LoadWithViper loads configuration and returns the viper instance for custom usage
func LoadWithViper(filename string) (*Config, *viper.Viper, error) {
	v := newViper()
	v.SetConfigFile(filename)

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// LoadByEnv loads config-<env>.yaml from configDir, env taken from ENV or APP_ENV
func LoadByEnv(configDir string) (*Config, error) {
	v := newViper()
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	env := v.GetString("ENV")
	if env == "" {
		env = v.GetString("APP_ENV")
	}
	if env == "" {
		env = "development"
	}
	v.SetConfigName(fmt.Sprintf("config-%s", env))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks cross-field constraints after defaults are applied
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageDriverPostgres:
		if c.Postgres.DSN == "" {
			return errors.NewWithDebug(errors.ErrConfigError, "postgres.dsn is required when storage.driver is postgres", c.Storage.Driver)
		}
	case StorageDriverMemory:
	default:
		return errors.NewWithDebug(errors.ErrConfigError, "unknown storage.driver", c.Storage.Driver)
	}
	return c.Rewards.Validate()
}

// setDefaults sets default values for missing configuration
func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 15 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageDriverPostgres
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 20
	}
	if c.Postgres.MinConns == 0 {
		c.Postgres.MinConns = 2
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 5
	}
	if c.Redis.SnapshotTTL == 0 {
		c.Redis.SnapshotTTL = 2 * time.Second
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "points-engine"
	}
	if c.Kafka.Topics.Completions == "" {
		c.Kafka.Topics.Completions = "points.completions"
	}
	if c.Kafka.Topics.Wins == "" {
		c.Kafka.Topics.Wins = "points.jackpot-wins"
	}
	if c.Kafka.Topics.Pools == "" {
		c.Kafka.Topics.Pools = "points.pool-updates"
	}
	if c.JWT.Expiration == 0 {
		c.JWT.Expiration = 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.ExternalServices.FulfillmentService.Timeout == 0 {
		c.ExternalServices.FulfillmentService.Timeout = 10 * time.Second
	}
	c.Rewards.setDefaults()
}

// IsDevelopment returns true if environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// IsProduction returns true if environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}
