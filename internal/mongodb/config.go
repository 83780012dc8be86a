package mongodb

import "time"

// Config carries the connection parameters for the persistent store.
// Values are expected to come from internal/config, which layers explicit
// overrides over environment variables over these fallbacks.
type Config struct {
	URI      string
	Database string

	// Bounded linear retry: a fixed delay between attempts, not exponential
	// backoff. Predictability is the point.
	MaxConnectionAttempts int
	RetryDelay            time.Duration

	MinPoolSize int
	MaxPoolSize int

	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
	SocketTimeout          time.Duration
	HeartbeatInterval      time.Duration
	MaxConnIdleTime        time.Duration

	HealthCheckTimeout time.Duration
	StatsInterval      time.Duration
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.URI == "" {
		cfg.URI = "mongodb://127.0.0.1:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "herald"
	}
	if cfg.MaxConnectionAttempts == 0 {
		cfg.MaxConnectionAttempts = 5
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MinPoolSize == 0 {
		cfg.MinPoolSize = 10
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 50
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ServerSelectionTimeout == 0 {
		cfg.ServerSelectionTimeout = 5 * time.Second
	}
	if cfg.SocketTimeout == 0 {
		cfg.SocketTimeout = 45 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = time.Minute
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = 2 * time.Second
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = time.Minute
	}
	return &cfg
}
