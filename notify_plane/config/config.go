// Package config loads the notify plane configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env"
)

// Registry backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Delivery channel kinds.
const (
	ChannelWebSocket = "websocket"
	ChannelGateway   = "gateway"
	ChannelLog       = "log"
)

// Config is the full runtime configuration. Every field can be set through
// an FANOUT_* environment variable.
type Config struct {
	HTTPAddr string `env:"FANOUT_HTTP_ADDR" envDefault:":8080"`
	APIToken string `env:"FANOUT_API_TOKEN"`

	Backend        string `env:"FANOUT_REGISTRY_BACKEND" envDefault:"memory"`
	RedisAddr      string `env:"FANOUT_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string `env:"FANOUT_REDIS_PASSWORD"`
	RedisDB        int    `env:"FANOUT_REDIS_DB" envDefault:"0"`
	RedisNamespace string `env:"FANOUT_REDIS_NAMESPACE" envDefault:"default"`

	PostgresDSN      string        `env:"FANOUT_POSTGRES_DSN"`
	PostgresMaxConns int           `env:"FANOUT_POSTGRES_MAX_CONNS" envDefault:"20"`
	PostgresMinConns int           `env:"FANOUT_POSTGRES_MIN_CONNS" envDefault:"2"`
	PostgresLifetime time.Duration `env:"FANOUT_POSTGRES_MAX_CONN_LIFETIME" envDefault:"1h"`

	Channel         string        `env:"FANOUT_CHANNEL" envDefault:"websocket"`
	GatewayEndpoint string        `env:"FANOUT_GATEWAY_ENDPOINT"`
	GatewayToken    string        `env:"FANOUT_GATEWAY_TOKEN"`
	GatewayTimeout  time.Duration `env:"FANOUT_GATEWAY_TIMEOUT" envDefault:"5s"`

	DeliveryTimeout     time.Duration `env:"FANOUT_DELIVERY_TIMEOUT" envDefault:"3s"`
	DeliveryConcurrency int           `env:"FANOUT_DELIVERY_CONCURRENCY" envDefault:"32"`

	RateLimitRPS   float64 `env:"FANOUT_RATE_RPS" envDefault:"50"`
	RateLimitBurst int     `env:"FANOUT_RATE_BURST" envDefault:"100"`

	IdempotencyTTL   time.Duration `env:"FANOUT_IDEMPOTENCY_TTL" envDefault:"1h"`
	TimelineCapacity int           `env:"FANOUT_TIMELINE_CAPACITY" envDefault:"100"`

	NATSURL     string `env:"FANOUT_NATS_URL"`
	NATSSubject string `env:"FANOUT_NATS_SUBJECT" envDefault:"fanout.events"`

	LogLevel  string `env:"FANOUT_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FANOUT_LOG_FORMAT" envDefault:"json"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown backends and missing backend settings.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: FANOUT_REDIS_ADDR is required for the redis backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: FANOUT_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown registry backend %q", c.Backend)
	}

	switch c.Channel {
	case ChannelWebSocket, ChannelLog:
	case ChannelGateway:
		if c.GatewayEndpoint == "" {
			return fmt.Errorf("config: FANOUT_GATEWAY_ENDPOINT is required for the gateway channel")
		}
	default:
		return fmt.Errorf("config: unknown delivery channel %q", c.Channel)
	}

	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("config: delivery timeout must be positive")
	}
	if c.DeliveryConcurrency <= 0 {
		return fmt.Errorf("config: delivery concurrency must be positive")
	}
	return nil
}
