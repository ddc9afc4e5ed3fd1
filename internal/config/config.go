package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env               string
	HTTPPort          string
	APIBaseURL        string
	APITimeout        time.Duration
	DirectoryPageSize int
	DirectoryTTL      time.Duration
	RedisAddr         string
	DirectoryCache    string
	QueueBackend      string
	JWTIssuer         string
	JWTSigningKey     string
	RateLimitPerMin   int
	ViewIdleTTL       time.Duration
	MinLeadDays       int
	LogLevel          string
	Timezone          string
	CORSOrigins       []string

	// Warnings lists values that were ignored while loading. Load runs before
	// the logger exists, so callers log these once it does.
	Warnings []string
}

type loader struct {
	warnings []string
}

func (l *loader) warnf(format string, args ...any) {
	l.warnings = append(l.warnings, fmt.Sprintf(format, args...))
}

// Load reads a .env file from the working directory when one exists and
// returns the config populated from environment variables with defaults.
// Variables already set in the environment win over the file.
func Load() App {
	var l loader
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.warnf("could not read .env: %v", err)
	}
	cfg := App{
		Env:               getEnv("APP_ENV", "dev"),
		HTTPPort:          getEnv("HTTP_PORT", "8081"),
		APIBaseURL:        getEnv("API_BASE_URL", "http://localhost:3000/api/v1"),
		APITimeout:        l.durationEnv("API_TIMEOUT", 30*time.Second),
		DirectoryPageSize: l.intEnv("DIRECTORY_PAGE_SIZE", 50),
		DirectoryTTL:      l.durationEnv("DIRECTORY_TTL", 10*time.Minute),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		DirectoryCache:    getEnv("DIRECTORY_CACHE", "memory"),
		QueueBackend:      getEnv("QUEUE_BACKEND", "memory"),
		JWTIssuer:         getEnv("JWT_ISSUER", "guidance-portal"),
		JWTSigningKey:     getEnv("JWT_SIGNING_KEY", "dev-signing-secret-change"),
		RateLimitPerMin:   l.intEnv("RATE_LIMIT_PER_MIN", 120),
		ViewIdleTTL:       l.durationEnv("VIEW_IDLE_TTL", 30*time.Minute),
		MinLeadDays:       l.intEnv("MIN_LEAD_DAYS", 7),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Timezone:          getEnv("TIMEZONE", "Local"),
		CORSOrigins:       listEnv("CORS_ORIGINS", []string{"*"}),
	}
	cfg.Warnings = l.warnings
	return cfg
}

// Production reports whether the app runs with a production env name.
func (a App) Production() bool {
	return a.Env == "production" || a.Env == "prod"
}

// UsesRedis reports whether any component needs the Redis connection.
func (a App) UsesRedis() bool {
	return a.DirectoryCache == "redis" || a.QueueBackend == "redis"
}

// Location resolves Timezone. Month boundaries and the lead-time rule are
// computed in this zone.
func (a App) Location() (*time.Location, error) {
	if a.Timezone == "" || a.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", a.Timezone, err)
	}
	return loc, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func (l *loader) durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			l.warnf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func (l *loader) intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		l.warnf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}

func listEnv(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
