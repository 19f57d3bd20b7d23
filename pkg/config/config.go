// Package config loads kernel configuration from environment variables,
// optionally layered with a YAML deployment profile.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the kernel process needs to start.
type Config struct {
	Host string
	Port string

	// DBPath is the SQLite file for lite mode; DBURL switches the store
	// to Postgres when set.
	DBPath string
	DBURL  string

	AuthMode  string
	JWTSecret string

	RedisAddr   string
	CORSOrigins []string

	LogLevel string

	LeaseDuration time.Duration
	BackoffBase   time.Duration
	ApprovalTTL   time.Duration

	BackpressureRPM   int
	BackpressureBurst int

	OTLPEndpoint string
	ProfilePath  string
}

// Load reads configuration from the environment.
func Load() *Config {
	c := &Config{
		Host:              envOr("KERNEL_HOST", "0.0.0.0"),
		Port:              envOr("KERNEL_PORT", "8080"),
		DBPath:            envOr("KERNEL_DB_PATH", "kernel.db"),
		DBURL:             os.Getenv("KERNEL_DB_URL"),
		AuthMode:          envOr("AUTH_MODE", "dev"),
		JWTSecret:         os.Getenv("KERNEL_JWT_SECRET"),
		RedisAddr:         os.Getenv("KERNEL_REDIS_ADDR"),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		LeaseDuration:     envDuration("KERNEL_LEASE_DURATION", 30*time.Second),
		BackoffBase:       envDuration("KERNEL_BACKOFF_BASE", 2*time.Second),
		ApprovalTTL:       envDuration("KERNEL_APPROVAL_TTL", 5*time.Minute),
		BackpressureRPM:   envInt("KERNEL_BACKPRESSURE_RPM", 600),
		BackpressureBurst: envInt("KERNEL_BACKPRESSURE_BURST", 60),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ProfilePath:       os.Getenv("KERNEL_PROFILE"),
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}
	return c
}

// Addr returns the listen address.
func (c *Config) Addr() string { return c.Host + ":" + c.Port }

// UsePostgres reports whether the store should run on Postgres.
func (c *Config) UsePostgres() bool { return c.DBURL != "" }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
