// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds Kernel and Gate configuration.
type Config struct {
	KernelAddr string
	GateAddr   string
	LogLevel   string
	LogFormat  string

	Store         string
	DatabaseURL   string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	TokenFormat     string
	ProtocolVersion string
	KeystorePath    string
	Secret          string

	PolicyFile   string
	ReplayPolicy string
	ClockSkew    time.Duration
	// AllowSeed exposes the Gate's entity seeding endpoint.
	AllowSeed bool

	RateLimitRPS   float64
	RateLimitBurst int

	KafkaBrokers []string
	KafkaTopic   string

	OTelEnabled  bool
	OTelEndpoint string
}

// Load reads the environment. The store defaults to SQLite (lite mode)
// unless DATABASE_URL is set, in which case it defaults to Postgres.
func Load() (*Config, error) {
	c := &Config{
		KernelAddr:      env("CDA_KERNEL_ADDR", ":8001"),
		GateAddr:        env("CDA_GATE_ADDR", ":8002"),
		LogLevel:        env("LOG_LEVEL", "INFO"),
		LogFormat:       env("LOG_FORMAT", "json"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SQLitePath:      env("CDA_SQLITE_PATH", "data/cda_gate.db"),
		RedisAddr:       env("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisTLS:        os.Getenv("REDIS_TLS") == "true",
		TokenFormat:     env("CDA_TOKEN_FORMAT", "paseto"),
		ProtocolVersion: env("CDA_PROTOCOL_VERSION", "cda-v13.3"),
		KeystorePath:    os.Getenv("CDA_KEYSTORE"),
		Secret:          os.Getenv("CDA_SECRET"),
		PolicyFile:      os.Getenv("CDA_POLICY_FILE"),
		ReplayPolicy:    env("CDA_REPLAY_POLICY", "reject"),
		AllowSeed:       os.Getenv("CDA_ALLOW_SEED") == "true",
		KafkaTopic:      env("KAFKA_TOPIC", "cda.executions"),
		OTelEnabled:     os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:    env("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	c.Store = os.Getenv("CDA_STORE")
	if c.Store == "" {
		c.Store = StoreSQLite
		if c.DatabaseURL != "" {
			c.Store = StorePostgres
		}
	}

	var err error
	if c.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.ClockSkew, err = durationEnv("CDA_CLOCK_SKEW", 30*time.Second); err != nil {
		return nil, err
	}
	if c.RateLimitBurst, err = intEnv("CDA_RATE_LIMIT_BURST", 50); err != nil {
		return nil, err
	}
	c.RateLimitRPS = 100
	if raw := os.Getenv("CDA_RATE_LIMIT_RPS"); raw != "" {
		if c.RateLimitRPS, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("CDA_RATE_LIMIT_RPS: %w", err)
		}
	}
	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			c.KafkaBrokers = append(c.KafkaBrokers, b)
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks enumerated values and cross-field requirements.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite, StoreRedis:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("CDA_STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("CDA_STORE: unknown store %q", c.Store)
	}
	switch c.TokenFormat {
	case "paseto", "jwt":
	default:
		return fmt.Errorf("CDA_TOKEN_FORMAT: unknown format %q", c.TokenFormat)
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("CDA_CLOCK_SKEW must not be negative")
	}
	if c.Secret != "" && len(c.Secret) < 32 {
		return fmt.Errorf("CDA_SECRET must be at least 32 bytes")
	}
	return nil
}

// NewLogger builds a slog logger. format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps DEBUG, INFO, WARN and ERROR; anything else is INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
