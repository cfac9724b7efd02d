// Package config loads server configuration from environment variables.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DBDriver selects the ledger/intent store backend: "sqlite" or
	// "postgres". Empty DSN with sqlite uses a local file.
	DBDriver string
	DBDSN    string

	// PolicyDir is the directory of policy pack files, hot-reloaded.
	PolicyDir string

	// TemplatesPath is the intent template file; optional.
	TemplatesPath string

	// RedisAddr switches the idempotency store to Redis when set.
	RedisAddr      string
	IdempotencyTTL time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	IntentTimeout    time.Duration
	WatchdogInterval time.Duration

	// Collaborators maps collaborator names to base URLs, parsed from
	// COLLABORATORS ("name=url,name=url").
	Collaborators map[string]string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Port:             getenv("PORT", "8080"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		DBDriver:         getenv("DB_DRIVER", "sqlite"),
		DBDSN:            getenv("DB_DSN", "arbiter.db"),
		PolicyDir:        getenv("POLICY_DIR", "policies"),
		TemplatesPath:    getenv("INTENT_TEMPLATES", "templates.json"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		IdempotencyTTL:   getduration("IDEMPOTENCY_TTL", 24*time.Hour),
		RateLimitRPS:     getint("RATE_LIMIT_RPS", 50),
		RateLimitBurst:   getint("RATE_LIMIT_BURST", 100),
		IntentTimeout:    getduration("INTENT_TIMEOUT", 10*time.Minute),
		WatchdogInterval: getduration("WATCHDOG_INTERVAL", 10*time.Second),
		Collaborators:    parseCollaborators(os.Getenv("COLLABORATORS")),
	}
}

// SlogLevel maps the configured log level to slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseCollaborators(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		if !ok || name == "" || url == "" {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(url)
	}
	return out
}
