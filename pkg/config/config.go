// Package config loads process configuration from the environment and the
// tunable guardrail policy from a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/zapguard/guardrail/pkg/media"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string // empty selects lite mode (SQLite under DataDir)
	DataDir     string
	PolicyFile  string
	WarmUpPack  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret   string
	APIRate     float64
	APIBurst    int
	BridgeURL   string
	BridgeToken string

	OTelEnabled  bool
	OTLPEndpoint string
	Environment  string

	Media media.Config
}

// LoadEnvFile loads a .env file into the environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:          getenv("PORT", "8080"),
		LogLevel:      strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		DataDir:       getenv("DATA_DIR", "data"),
		PolicyFile:    os.Getenv("POLICY_FILE"),
		WarmUpPack:    os.Getenv("WARMUP_PACK"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		APIRate:       getfloat("API_RATE_LIMIT", 20),
		APIBurst:      getint("API_RATE_BURST", 40),
		BridgeURL:     os.Getenv("BRIDGE_URL"),
		BridgeToken:   os.Getenv("BRIDGE_TOKEN"),
		OTelEnabled:   os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:  getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		Environment:   getenv("ENVIRONMENT", "development"),
		Media:         media.ConfigFromEnv(),
	}
	if cfg.Media.DataDir == "" {
		cfg.Media.DataDir = cfg.DataDir
	}
	return cfg
}

// LiteMode reports whether no external database is configured.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SlogLevel maps LogLevel to a slog level; unknown values fall back to INFO.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
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

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer env var", "key", key, "value", v)
		return def
	}
	return n
}

func getfloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring invalid number env var", "key", key, "value", v)
		return def
	}
	return f
}
