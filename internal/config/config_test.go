package config

import (
	"os"
	"testing"
	"time"

	"github.com/dustin/Landingstat/internal/logging"
)

func TestLoad_Defaults(t *testing.T) {
	envVars := []string{
		"LISTEN_ADDR", "DB_PATH", "DB_MAX_CONNECTIONS", "DB_QUERY_TIMEOUT",
		"LOG_LEVEL", "LOG_FORMAT", "KEY_PREFIX", "SUBSCRIBERS_KEY",
		"VISITOR_RETENTION", "SESSION_RETENTION",
		"SESSION_IDLE_TIMEOUT", "TIMEZONE",
		"SIGNUP_FORM", "EMAIL_INPUT", "FEATURE_CARDS", "IGNORE_BOTS",
		"MAXMIND_DB_PATH", "SIGNAL_LOG_PATH", "EXPORT_DIR", "EXPORT_SCHEDULE",
		"AUTH_USERNAME", "AUTH_PASSWORD", "RATE_LIMIT_PER_MINUTE",
		"MAX_REQUEST_BODY_BYTES", "CORS_ALLOW_ORIGIN",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}

	cfg := Load()

	if cfg.ListenAddr != ":8405" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8405")
	}
	if cfg.DBPath != "./data/landingstat.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "./data/landingstat.db")
	}
	if cfg.KeyPrefix != "landing" {
		t.Errorf("KeyPrefix = %q, want %q", cfg.KeyPrefix, "landing")
	}
	if cfg.SubscribersKey != "subscribers" {
		t.Errorf("SubscribersKey = %q, want %q", cfg.SubscribersKey, "subscribers")
	}
	if cfg.VisitorRetention != 0 || cfg.SessionRetention != 0 {
		t.Errorf("VisitorRetention/SessionRetention = %d/%d, want 0/0", cfg.VisitorRetention, cfg.SessionRetention)
	}
	if !cfg.SignupForm || !cfg.EmailInput {
		t.Error("SignupForm and EmailInput should default to true")
	}
	if cfg.FeatureCards != nil {
		t.Errorf("FeatureCards = %v, want nil", cfg.FeatureCards)
	}
	if cfg.LogLevel != logging.LevelInfo {
		t.Errorf("LogLevel = %v, want INFO", cfg.LogLevel)
	}
	if cfg.LogFormat != logging.FormatText {
		t.Errorf("LogFormat = %v, want text", cfg.LogFormat)
	}
	if cfg.MaxRequestBodyBytes != 64<<10 {
		t.Errorf("MaxRequestBodyBytes = %d, want %d", cfg.MaxRequestBodyBytes, 64<<10)
	}
}

func TestLoad_Retention(t *testing.T) {
	os.Setenv("VISITOR_RETENTION", "5000")
	os.Setenv("SESSION_RETENTION", "200")
	defer os.Unsetenv("VISITOR_RETENTION")
	defer os.Unsetenv("SESSION_RETENTION")

	cfg := Load()

	if cfg.VisitorRetention != 5000 {
		t.Errorf("VisitorRetention = %d, want 5000", cfg.VisitorRetention)
	}
	if cfg.SessionRetention != 200 {
		t.Errorf("SessionRetention = %d, want 200", cfg.SessionRetention)
	}
}

func TestLoad_InvalidIdleTimeout(t *testing.T) {
	os.Setenv("SESSION_IDLE_TIMEOUT", "soon")
	defer os.Unsetenv("SESSION_IDLE_TIMEOUT")

	cfg := Load()

	// Should use default on invalid value
	if cfg.SessionIdleTimeout != 30*time.Minute {
		t.Errorf("SessionIdleTimeout = %v, want 30m (default)", cfg.SessionIdleTimeout)
	}
}

func TestLoad_InvalidBool(t *testing.T) {
	os.Setenv("SIGNUP_FORM", "maybe")
	defer os.Unsetenv("SIGNUP_FORM")

	cfg := Load()

	if !cfg.SignupForm {
		t.Error("SignupForm should keep its default on invalid value")
	}
}

func TestLoad_FeatureCards(t *testing.T) {
	os.Setenv("FEATURE_CARDS", "AI Prediction, Growth Diary ,Sharing")
	defer os.Unsetenv("FEATURE_CARDS")

	cfg := Load()

	want := []string{"AI Prediction", "Growth Diary", "Sharing"}
	if len(cfg.FeatureCards) != len(want) {
		t.Fatalf("len(FeatureCards) = %d, want %d", len(cfg.FeatureCards), len(want))
	}
	for i := range want {
		if cfg.FeatureCards[i] != want[i] {
			t.Errorf("FeatureCards[%d] = %q, want %q", i, cfg.FeatureCards[i], want[i])
		}
	}
}

func TestAuthEnabled(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{"both empty", "", "", false},
		{"only username", "admin", "", false},
		{"only password", "", "secret", false},
		{"both set", "admin", "secret", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{AuthUsername: tt.username, AuthPassword: tt.password}
			if got := cfg.AuthEnabled(); got != tt.want {
				t.Errorf("AuthEnabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	if got := (Config{Timezone: "Local"}).Location(); got != time.Local {
		t.Errorf("Location() = %v, want Local", got)
	}
	if got := (Config{Timezone: "UTC"}).Location(); got != time.UTC {
		t.Errorf("Location() = %v, want UTC", got)
	}
	if got := (Config{Timezone: "Not/AZone"}).Location(); got != time.Local {
		t.Errorf("Location() = %v, want Local fallback", got)
	}
}
