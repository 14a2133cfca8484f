package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dustin/Landingstat/internal/logging"
)

type Config struct {
	ListenAddr          string
	DBPath              string
	DBMaxConnections    int
	DBQueryTimeout      time.Duration
	LogLevel            logging.Level
	LogFormat           logging.Format
	KeyPrefix           string
	SubscribersKey      string
	VisitorRetention    int
	SessionRetention    int
	SessionIdleTimeout  time.Duration
	Timezone            string
	SignupForm          bool
	EmailInput          bool
	FeatureCards        []string
	IgnoreBots          bool
	MaxMindDBPath       string
	SignalLogPath       string
	ExportDir           string
	ExportSchedule      string
	AuthUsername        string
	AuthPassword        string
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64
	CORSAllowOrigin     string
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg := Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8405"),
		DBPath:              getEnv("DB_PATH", "./data/landingstat.db"),
		DBMaxConnections:    getEnvInt("DB_MAX_CONNECTIONS", 1),
		DBQueryTimeout:      getEnvDuration("DB_QUERY_TIMEOUT", 30*time.Second),
		LogLevel:            logging.ParseLevel(getEnv("LOG_LEVEL", "INFO")),
		LogFormat:           logging.ParseFormat(getEnv("LOG_FORMAT", "text")),
		KeyPrefix:           getEnv("KEY_PREFIX", "landing"),
		SubscribersKey:      getEnv("SUBSCRIBERS_KEY", "subscribers"),
		VisitorRetention:    getEnvInt("VISITOR_RETENTION", 0),
		SessionRetention:    getEnvInt("SESSION_RETENTION", 0),
		SessionIdleTimeout:  getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		Timezone:            getEnv("TIMEZONE", "Local"),
		SignupForm:          getEnvBool("SIGNUP_FORM", true),
		EmailInput:          getEnvBool("EMAIL_INPUT", true),
		FeatureCards:        splitEnv("FEATURE_CARDS", nil),
		IgnoreBots:          getEnvBool("IGNORE_BOTS", false),
		MaxMindDBPath:       os.Getenv("MAXMIND_DB_PATH"),
		SignalLogPath:       os.Getenv("SIGNAL_LOG_PATH"),
		ExportDir:           getEnv("EXPORT_DIR", "./exports"),
		ExportSchedule:      os.Getenv("EXPORT_SCHEDULE"),
		AuthUsername:        os.Getenv("AUTH_USERNAME"),
		AuthPassword:        os.Getenv("AUTH_PASSWORD"),
		RateLimitPerMinute:  getEnvInt("RATE_LIMIT_PER_MINUTE", 0),
		MaxRequestBodyBytes: getEnvInt64("MAX_REQUEST_BODY_BYTES", 64<<10), // 64KB default
		CORSAllowOrigin:     getEnv("CORS_ALLOW_ORIGIN", "*"),
	}

	return cfg
}

// AuthEnabled returns true if both AUTH_USERNAME and AUTH_PASSWORD are set.
func (c Config) AuthEnabled() bool {
	return c.AuthUsername != "" && c.AuthPassword != ""
}

// Location resolves Timezone, falling back to the process local zone.
func (c Config) Location() *time.Location {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		slog.Warn("invalid timezone, using local", "timezone", c.Timezone, "error", err)
		return time.Local
	}
	return loc
}

func splitEnv(key string, def []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parts := strings.Split(val, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		slog.Warn("invalid bool environment variable", "key", key, "value", val, "error", err)
		return def
	}
	return parsed
}

func getEnvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid int environment variable", "key", key, "value", val, "error", err)
		return def
	}
	return parsed
}

func getEnvInt64(key string, def int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		slog.Warn("invalid int64 environment variable", "key", key, "value", val, "error", err)
		return def
	}
	return parsed
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("invalid duration environment variable", "key", key, "value", val, "error", err)
		return def
	}
	return parsed
}
