// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults,
// matching the recognized options in the gateway's configuration surface:
// gateway identity, storage, retention/GC, payload caps, and heartbeat
// cadence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RetentionConfig controls the retention/GC sweeper.
type RetentionConfig struct {
	MaxEventsPerConv int           // 0 = unbounded
	MaxAge           time.Duration // 0 = unbounded
	SweepInterval    time.Duration
	CursorStaleAfter time.Duration // 0 = all cursors count as active
	Hard             bool          // false = SAFE mode, true = HARD mode
}

// RateLimitConfig holds default token-bucket rates for the abuse layer.
type RateLimitConfig struct {
	SendPerConvRate        float64
	SendPerConvBurst       int
	SocialPublishRate      float64
	SocialPublishBurst     int
	DMCreateRate           float64
	DMCreateBurst          int
	KeyPackageFetchRate    float64
	KeyPackageFetchBurst   int
	PresenceOpRate         float64
	PresenceOpBurst        int
	ConnectionFrameRate    float64
	ConnectionFrameBurst   int
}

// Config holds all gateway configuration.
type Config struct {
	GatewayID         string
	Addr              string
	DBPath            string // empty disables durable mode (in-memory only)
	EnvelopeByteCap   int
	FrameByteCap      int
	HeartbeatInterval time.Duration
	Retention         RetentionConfig
	RateLimit         RateLimitConfig
	JWTSecret         string
	LogLevel          string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		GatewayID:         getEnv("GATEWAY_ID", "gw_local"),
		Addr:              getEnv("ADDR", ":8080"),
		DBPath:            getEnv("DB_PATH", "./data/gateway.db"),
		EnvelopeByteCap:   getEnvInt("ENVELOPE_BYTE_CAP", 1<<20),
		FrameByteCap:      getEnvInt("FRAME_BYTE_CAP", 2<<20),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL_SECONDS", 30*time.Second),
		Retention: RetentionConfig{
			MaxEventsPerConv: getEnvInt("RETENTION_MAX_EVENTS_PER_CONV", 0),
			MaxAge:           getEnvDuration("RETENTION_MAX_AGE_SECONDS", 0),
			SweepInterval:    getEnvDuration("RETENTION_SWEEP_INTERVAL_SECONDS", time.Minute),
			CursorStaleAfter: getEnvDuration("CURSOR_STALE_AFTER_SECONDS", 0),
			Hard:             getEnvBool("RETENTION_HARD_LIMITS", false),
		},
		RateLimit: RateLimitConfig{
			SendPerConvRate:      getEnvFloat("RATE_SEND_PER_CONV", 20),
			SendPerConvBurst:     getEnvInt("RATE_SEND_PER_CONV_BURST", 40),
			SocialPublishRate:    getEnvFloat("RATE_SOCIAL_PUBLISH", 5),
			SocialPublishBurst:   getEnvInt("RATE_SOCIAL_PUBLISH_BURST", 10),
			DMCreateRate:         getEnvFloat("RATE_DM_CREATE", 1),
			DMCreateBurst:        getEnvInt("RATE_DM_CREATE_BURST", 5),
			KeyPackageFetchRate:  getEnvFloat("RATE_KEYPACKAGE_FETCH", 2),
			KeyPackageFetchBurst: getEnvInt("RATE_KEYPACKAGE_FETCH_BURST", 10),
			PresenceOpRate:       getEnvFloat("RATE_PRESENCE_OP", 2),
			PresenceOpBurst:      getEnvInt("RATE_PRESENCE_OP_BURST", 10),
			ConnectionFrameRate:  getEnvFloat("RATE_CONNECTION_FRAME", 50),
			ConnectionFrameBurst: getEnvInt("RATE_CONNECTION_FRAME_BURST", 100),
		},
		JWTSecret: getEnv("JWT_SECRET", ""),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration fields are set and consistent.
func (c *Config) Validate() error {
	if c.GatewayID == "" {
		return fmt.Errorf("GATEWAY_ID cannot be empty")
	}
	if c.Addr == "" {
		return fmt.Errorf("ADDR cannot be empty")
	}
	if c.EnvelopeByteCap <= 0 {
		return fmt.Errorf("ENVELOPE_BYTE_CAP must be > 0")
	}
	if c.FrameByteCap <= 0 {
		return fmt.Errorf("FRAME_BYTE_CAP must be > 0")
	}
	if c.FrameByteCap < c.EnvelopeByteCap {
		return fmt.Errorf("FRAME_BYTE_CAP must be >= ENVELOPE_BYTE_CAP")
	}
	return nil
}

// Durable reports whether the gateway should persist to a SQLite file
// rather than an in-memory database.
func (c *Config) Durable() bool {
	return c.DBPath != "" && c.DBPath != ":memory:"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	// Bare integers are treated as seconds, matching the "*_seconds"
	// knob naming used throughout this config.
	if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
