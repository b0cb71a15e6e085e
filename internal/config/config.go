package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	PresencePolicyConnected = "connected"
	PresencePolicyFocused   = "focused"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	AuthSecret  string
	TokenExpiry time.Duration

	HeartbeatInterval      time.Duration
	HeartbeatTimeoutFactor float64
	OutboundQueue          int
	HistoryLimit           int
	TypingTTL              time.Duration
	PresencePolicy         string
	AppendRetries          int

	DirectoryURL      string
	DirectoryCacheTTL time.Duration

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

func Load(cliMode bool) (*Config, error) {
	var (
		cfg = &Config{
			DBFile:          getEnv("ROOMCAST_DB", "roomcast.db"),
			AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
			APIAddr:         getEnv("API_ADDR", ":8080"),
			BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
			AuthSecret:      os.Getenv("AUTH_SECRET"),
			PresencePolicy:  getEnv("PRESENCE_POLICY", PresencePolicyConnected),
			DirectoryURL:    os.Getenv("DIRECTORY_URL"),
			VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
			VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
			VAPIDSubscriber: getEnv("VAPID_SUBSCRIBER", "mailto:ops@localhost"),
		}
		err error
	)

	if cfg.TokenExpiry, err = time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h")); err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}
	if cfg.HeartbeatInterval, err = time.ParseDuration(getEnv("HEARTBEAT_INTERVAL", "25s")); err != nil {
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL: %w", err)
	}
	if cfg.TypingTTL, err = time.ParseDuration(getEnv("TYPING_TTL", "3s")); err != nil {
		return nil, fmt.Errorf("TYPING_TTL: %w", err)
	}
	if cfg.DirectoryCacheTTL, err = time.ParseDuration(getEnv("DIRECTORY_CACHE_TTL", "5m")); err != nil {
		return nil, fmt.Errorf("DIRECTORY_CACHE_TTL: %w", err)
	}
	if cfg.HeartbeatTimeoutFactor, err = strconv.ParseFloat(getEnv("HEARTBEAT_TIMEOUT_FACTOR", "2.5"), 64); err != nil {
		return nil, fmt.Errorf("HEARTBEAT_TIMEOUT_FACTOR: %w", err)
	}
	if cfg.OutboundQueue, err = strconv.Atoi(getEnv("OUTBOUND_QUEUE", "256")); err != nil {
		return nil, fmt.Errorf("OUTBOUND_QUEUE: %w", err)
	}
	if cfg.HistoryLimit, err = strconv.Atoi(getEnv("HISTORY_LIMIT", "100")); err != nil {
		return nil, fmt.Errorf("HISTORY_LIMIT: %w", err)
	}
	if cfg.AppendRetries, err = strconv.Atoi(getEnv("APPEND_RETRIES", "3")); err != nil {
		return nil, fmt.Errorf("APPEND_RETRIES: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be greater than 0")
	}

	// Below 2x a single late pong flaps presence.
	if c.HeartbeatTimeoutFactor < 2 || c.HeartbeatTimeoutFactor > 3 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT_FACTOR must be between 2 and 3")
	}

	if c.OutboundQueue < 1 {
		return fmt.Errorf("OUTBOUND_QUEUE must be positive")
	}

	if c.HistoryLimit < 1 {
		return fmt.Errorf("HISTORY_LIMIT must be positive")
	}

	if c.TypingTTL <= 0 {
		return fmt.Errorf("TYPING_TTL must be greater than 0")
	}

	if c.AppendRetries < 0 {
		return fmt.Errorf("APPEND_RETRIES must not be negative")
	}

	switch c.PresencePolicy {
	case PresencePolicyConnected, PresencePolicyFocused:
	default:
		return fmt.Errorf("PRESENCE_POLICY must be %q or %q", PresencePolicyConnected, PresencePolicyFocused)
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

// HeartbeatTimeout is how long a connection may stay silent before it is
// considered dead.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(float64(c.HeartbeatInterval) * c.HeartbeatTimeoutFactor)
}

// PushEnabled reports whether VAPID keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
