package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/heraldhq/herald/internal/mongodb"
	"github.com/heraldhq/herald/internal/redis"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func getConfigLocations() []string {
	return []string{
		// Relative paths
		".env",
		".herald.yaml",
		"config/herald.yaml",
		"config/herald/config.yaml",
		"config/herald/.env",

		// Container-friendly absolute paths
		"/config/herald.yaml",
		"/config/herald/config.yaml",
		"/config/herald/.env",
	}
}

type Config struct {
	// HTTP probe surface
	Port int `yaml:"port" env:"PORT"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	SentryDSN string `yaml:"sentry_dsn" env:"SENTRY_DSN"`

	// Deployment topology, used to derive the Mongo pool size.
	WorkerCount      int `yaml:"worker_count" env:"WORKER_COUNT"`
	APIInstanceCount int `yaml:"api_instance_count" env:"API_INSTANCE_COUNT"`

	// Infrastructure
	Mongo *MongoConfig `yaml:"mongo"`
	Redis *RedisConfig `yaml:"redis"`

	// Delivery engine
	DeliveryQueueKey       string `yaml:"delivery_queue_key" env:"DELIVERY_QUEUE_KEY"`
	DeliveryPollSeconds    int    `yaml:"delivery_poll_seconds" env:"DELIVERY_POLL_SECONDS"`
	DeliveryMaxConcurrency int    `yaml:"delivery_max_concurrency" env:"DELIVERY_MAX_CONCURRENCY"`

	// Resource monitor
	MonitorSampleSeconds int     `yaml:"monitor_sample_seconds" env:"MONITOR_SAMPLE_SECONDS"`
	HeapThreshold        float64 `yaml:"heap_threshold" env:"HEAP_THRESHOLD"`

	// Read receipts
	ReceiptTTLDays int `yaml:"receipt_ttl_days" env:"RECEIPT_TTL_DAYS"`
}

var (
	ErrInvalidWorkerCount   = errors.New("worker_count must be positive")
	ErrInvalidHeapThreshold = errors.New("heap_threshold must be within (0, 1]")
)

func (c *Config) initDefaults() {
	c.Port = 3000
	c.LogLevel = "info"
	c.WorkerCount = 2
	c.APIInstanceCount = 2
	c.Mongo = &MongoConfig{
		URI:                   "mongodb://127.0.0.1:27017",
		Database:              "herald",
		MaxConnectionAttempts: 5,
		RetryDelayMs:          5000,
		MinPoolSize:           10,
		MaxPoolSize:           50,
		ConnectTimeoutMs:      10000,
		ServerSelectionMs:     5000,
		SocketTimeoutMs:       45000,
		HeartbeatMs:           10000,
		MaxIdleTimeMs:         60000,
		HealthCheckTimeoutMs:  2000,
		StatsIntervalSeconds:  60,
	}
	c.Redis = &RedisConfig{
		Host: "127.0.0.1",
		Port: 6379,
	}
	c.DeliveryQueueKey = "herald:delivery"
	c.DeliveryPollSeconds = 5
	c.DeliveryMaxConcurrency = 1
	c.MonitorSampleSeconds = 15
	c.HeapThreshold = 0.95
	c.ReceiptTTLDays = 90
}

func (c *Config) parseConfigFile(flagPath string, osInterface OSInterface) error {
	// Get config file path from flag or env
	configPath := flagPath
	if envPath := osInterface.Getenv("CONFIG"); envPath != "" {
		if configPath != "" && configPath != envPath {
			return fmt.Errorf("conflicting config paths: flag=%s env=%s", configPath, envPath)
		}
		configPath = envPath
	}

	// If no explicit config path, try default locations
	if configPath == "" {
		for _, loc := range getConfigLocations() {
			if _, err := osInterface.Stat(loc); err == nil {
				configPath = loc
				break
			}
		}
	}

	if configPath == "" {
		return nil
	}

	data, err := osInterface.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	// Parse based on file extension
	if strings.HasSuffix(strings.ToLower(configPath), ".env") {
		envMap, err := godotenv.Unmarshal(string(data))
		if err != nil {
			return fmt.Errorf("error loading .env file: %w", err)
		}
		if err := env.ParseWithOptions(c, env.Options{
			Environment: envMap,
		}); err != nil {
			return fmt.Errorf("error parsing .env file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("error parsing yaml config: %w", err)
		}
	}
	return nil
}

func (c *Config) parseEnvVariables() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("error parsing environment variables: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.WorkerCount <= 0 || c.APIInstanceCount < 0 {
		return ErrInvalidWorkerCount
	}
	if c.HeapThreshold <= 0 || c.HeapThreshold > 1 {
		return ErrInvalidHeapThreshold
	}
	return nil
}

type Flags struct {
	Config string
}

func Parse(flags Flags) (*Config, error) {
	return ParseWithOS(flags, defaultOS)
}

func ParseWithOS(flags Flags, osInterface OSInterface) (*Config, error) {
	var config Config

	// Initialize defaults
	config.initDefaults()

	// Parse config file
	if err := config.parseConfigFile(flags.Config, osInterface); err != nil {
		return nil, err
	}

	// Parse environment variables (highest priority)
	if err := config.parseEnvVariables(); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGODB_URI"`
	Database string `yaml:"database" env:"MONGODB_DATABASE"`

	MaxConnectionAttempts int `yaml:"max_connection_attempts" env:"MONGODB_MAX_CONNECTION_ATTEMPTS"`
	RetryDelayMs          int `yaml:"retry_delay_ms" env:"MONGODB_RETRY_DELAY_MS"`

	// Pool bounds clamp the derived pool size; 0 means "derive only".
	MinPoolSize int `yaml:"min_pool_size" env:"MONGODB_MIN_POOL_SIZE"`
	MaxPoolSize int `yaml:"max_pool_size" env:"MONGODB_MAX_POOL_SIZE"`

	ConnectTimeoutMs     int `yaml:"connect_timeout_ms" env:"MONGODB_CONNECT_TIMEOUT_MS"`
	ServerSelectionMs    int `yaml:"server_selection_timeout_ms" env:"MONGODB_SERVER_SELECTION_TIMEOUT_MS"`
	SocketTimeoutMs      int `yaml:"socket_timeout_ms" env:"MONGODB_SOCKET_TIMEOUT_MS"`
	HeartbeatMs          int `yaml:"heartbeat_frequency_ms" env:"MONGODB_HEARTBEAT_FREQUENCY_MS"`
	MaxIdleTimeMs        int `yaml:"max_idle_time_ms" env:"MONGODB_MAX_IDLE_TIME_MS"`
	HealthCheckTimeoutMs int `yaml:"health_check_timeout_ms" env:"MONGODB_HEALTH_CHECK_TIMEOUT_MS"`
	StatsIntervalSeconds int `yaml:"stats_interval_seconds" env:"MONGODB_STATS_INTERVAL_SECONDS"`
}

// ToConfig builds the connection manager config, deriving the pool size from
// the deployment topology: each logical worker gets ~5 connections, clamped
// to the configured [min, max] bounds.
func (c *MongoConfig) ToConfig(workerCount, apiInstanceCount int) *mongodb.Config {
	return &mongodb.Config{
		URI:                    c.URI,
		Database:               c.Database,
		MaxConnectionAttempts:  c.MaxConnectionAttempts,
		RetryDelay:             time.Duration(c.RetryDelayMs) * time.Millisecond,
		MinPoolSize:            c.MinPoolSize,
		MaxPoolSize:            derivePoolSize(workerCount, apiInstanceCount, c.MinPoolSize, c.MaxPoolSize),
		ConnectTimeout:         time.Duration(c.ConnectTimeoutMs) * time.Millisecond,
		ServerSelectionTimeout: time.Duration(c.ServerSelectionMs) * time.Millisecond,
		SocketTimeout:          time.Duration(c.SocketTimeoutMs) * time.Millisecond,
		HeartbeatInterval:      time.Duration(c.HeartbeatMs) * time.Millisecond,
		MaxConnIdleTime:        time.Duration(c.MaxIdleTimeMs) * time.Millisecond,
		HealthCheckTimeout:     time.Duration(c.HealthCheckTimeoutMs) * time.Millisecond,
		StatsInterval:          time.Duration(c.StatsIntervalSeconds) * time.Second,
	}
}

// derivePoolSize models "each logical worker needs ~5 concurrent connections".
func derivePoolSize(workerCount, apiInstanceCount, min, max int) int {
	size := (workerCount + apiInstanceCount) * 5
	if min > 0 && size < min {
		size = min
	}
	if max > 0 && size > max {
		size = max
	}
	return size
}

type RedisConfig struct {
	Host       string `yaml:"host" env:"REDIS_HOST"`
	Port       int    `yaml:"port" env:"REDIS_PORT"`
	Password   string `yaml:"password" env:"REDIS_PASSWORD"`
	Database   int    `yaml:"database" env:"REDIS_DATABASE"`
	TLSEnabled bool   `yaml:"tls_enabled" env:"REDIS_TLS_ENABLED"`
}

func (c *RedisConfig) ToConfig() *redis.RedisConfig {
	return &redis.RedisConfig{
		Host:       c.Host,
		Port:       c.Port,
		Password:   c.Password,
		Database:   c.Database,
		TLSEnabled: c.TLSEnabled,
	}
}
