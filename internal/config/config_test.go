package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENVIRONMENT", "PAIRING_TOKEN_TTL", "SESSION_TTL", "POLL_INTERVAL"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Port != "3001" {
		t.Errorf("expected default port 3001, got %s", cfg.Port)
	}
	if cfg.PairingTokenTTL != 24*time.Hour {
		t.Errorf("expected 24h pairing TTL, got %s", cfg.PairingTokenTTL)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("expected 1h session TTL, got %s", cfg.SessionTTL)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("expected 2s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.IsProduction() {
		t.Error("expected development by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PAIRING_TOKEN_TTL", "12h")
	t.Setenv("SESSION_TTL", "1800") // bare seconds
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://staging.example.com")

	cfg := Load()

	if cfg.PairingTokenTTL != 12*time.Hour {
		t.Errorf("expected 12h pairing TTL, got %s", cfg.PairingTokenTTL)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("expected 30m session TTL, got %s", cfg.SessionTTL)
	}
	if !cfg.IsProduction() {
		t.Error("expected production environment")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://staging.example.com" {
		t.Errorf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestGetDurationEnv_Invalid(t *testing.T) {
	t.Setenv("SESSION_TTL", "not-a-duration")

	cfg := Load()
	if cfg.SessionTTL != time.Hour {
		t.Errorf("expected fallback to default, got %s", cfg.SessionTTL)
	}
}
