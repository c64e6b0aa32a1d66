package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const minSigningKeyLength = 32

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// RedisURL is optional; without it the server runs single-instance with an
	// in-process transport and job queue.
	RedisURL string `env:"REDIS_URL"`

	StreamSigningKey   string        `env:"STREAM_SIGNING_KEY"`
	StreamPreviousKeys string        `env:"STREAM_PREVIOUS_KEYS"`
	StreamTokenTTL     time.Duration `env:"STREAM_TOKEN_TTL" default:"0s"` // 0 = tokens never expire

	BroadcastDebounce     time.Duration `env:"BROADCAST_DEBOUNCE" default:"300ms"`
	BroadcastQueue        string        `env:"BROADCAST_QUEUE" default:"default"`
	BroadcastDisabled     bool          `env:"BROADCAST_DISABLED" default:"false"`
	BroadcastWorkers      int           `env:"BROADCAST_WORKERS" default:"4"`
	BroadcastMaxAttempts  int           `env:"BROADCAST_MAX_ATTEMPTS" default:"5"`
	BroadcastRetryBackoff time.Duration `env:"BROADCAST_RETRY_BACKOFF" default:"1s"`

	APIKey        string `env:"API_KEY"`
	SessionSecret string `env:"SESSION_SECRET"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRatePerIP     float64 `env:"CONNECTION_RATE_PER_IP" default:"10"`
	ConnectionBurstPerIP    int     `env:"CONNECTION_BURST_PER_IP" default:"20"`

	InstanceHeartbeat time.Duration `env:"INSTANCE_HEARTBEAT" default:"15s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// PreviousKeys splits STREAM_PREVIOUS_KEYS on commas.
func (c *Config) PreviousKeys() []string {
	var keys []string
	for _, k := range strings.Split(c.StreamPreviousKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"STREAM_SIGNING_KEY", cfg.StreamSigningKey},
		{"API_KEY", cfg.APIKey},
		{"SESSION_SECRET", cfg.SessionSecret},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if len(cfg.StreamSigningKey) < minSigningKeyLength {
		return fmt.Errorf("STREAM_SIGNING_KEY must be at least %d characters", minSigningKeyLength)
	}
	if cfg.StreamTokenTTL < 0 {
		return errors.New("STREAM_TOKEN_TTL must not be negative")
	}
	if cfg.BroadcastDebounce < 0 {
		return errors.New("BROADCAST_DEBOUNCE must not be negative")
	}
	if cfg.BroadcastQueue == "" {
		return errors.New("BROADCAST_QUEUE must not be empty")
	}
	if cfg.BroadcastWorkers < 1 {
		return errors.New("BROADCAST_WORKERS must be at least 1")
	}
	if cfg.BroadcastMaxAttempts < 1 {
		return errors.New("BROADCAST_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.MaxConnectionsPerIP < 1 {
		return errors.New("MAX_CONNECTIONS_PER_IP must be at least 1")
	}
	if cfg.ConnectionRatePerIP <= 0 || cfg.ConnectionBurstPerIP < 1 {
		return errors.New("CONNECTION_RATE_PER_IP and CONNECTION_BURST_PER_IP must be positive")
	}
	if cfg.IsProduction() && cfg.AllowedOrigin == "" {
		return errors.New("ALLOWED_ORIGIN is required in production")
	}

	return nil
}
