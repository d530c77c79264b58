// Package config loads service configuration from the environment using
// Viper. The entrypoint loads an optional .env file into the environment
// before calling Load.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds the chat service configuration loaded from the environment.
type Config struct {
	// ListenAddr is the address the gateway listens on (e.g. ":8080").
	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	// MetricsAddr is the address for the Prometheus/health endpoint.
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	// RedisAddr is the counter store address; empty runs on in-memory counters.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// DatabaseURL is the Postgres DSN; empty runs on in-memory stores.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// NATSURL enables cross-instance event fan-out; empty runs single-instance.
	NATSURL string `mapstructure:"NATS_URL"`
	// JWTSecret signs/verifies connection tokens (HS256).
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// ServerName identifies this gateway instance in fan-out events.
	ServerName string `mapstructure:"SERVER_NAME"`
	// SendQueueSize is the per-connection outbound queue capacity.
	SendQueueSize int `mapstructure:"SEND_QUEUE_SIZE"`
	// MaxConnections caps total live WebSocket connections.
	MaxConnections int `mapstructure:"MAX_CONNECTIONS"`
	// ReadTimeout bounds WebSocket reads.
	ReadTimeout time.Duration `mapstructure:"READ_TIMEOUT"`
	// WriteTimeout bounds WebSocket writes.
	WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
	// BlocklistPath optionally points at a newline-delimited profanity list.
	BlocklistPath string `mapstructure:"BLOCKLIST_PATH"`
}

// Load builds and validates Config from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("METRICS_ADDR", ":9090")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("NATS_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("SERVER_NAME", "")
	v.SetDefault("SEND_QUEUE_SIZE", 64)
	v.SetDefault("MAX_CONNECTIONS", 100000)
	v.SetDefault("READ_TIMEOUT", "60s")
	v.SetDefault("WRITE_TIMEOUT", "10s")
	v.SetDefault("BLOCKLIST_PATH", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.ListenAddr == "" {
		return nil, errors.New("config: LISTEN_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("config: JWT_SECRET must be set")
	}
	if cfg.SendQueueSize <= 0 {
		return nil, errors.New("config: SEND_QUEUE_SIZE must be positive")
	}

	return &cfg, nil
}
