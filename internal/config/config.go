package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string // "development" or "production"
	RedisURL    string
	MongoURI    string // optional: empty disables audit/device history
	JWTSecret   string

	// Pairing / session tuning
	PairingTokenTTL time.Duration
	SessionTTL      time.Duration
	PollInterval    time.Duration

	// Pairing URL base shown to secondary devices
	PairingBaseURL string

	// Transcription backend (optional)
	TranscribeURL    string
	TranscribeAPIKey string

	// CORS
	AllowedOrigins []string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	origins := []string{"http://localhost:5173"}
	if raw := getEnv("ALLOWED_ORIGINS", ""); raw != "" {
		origins = origins[:0]
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	return &Config{
		Port:        getEnv("PORT", "3001"),
		Environment: getEnv("ENVIRONMENT", "development"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		MongoURI:    getEnv("MONGODB_URI", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		PairingTokenTTL: getDurationEnv("PAIRING_TOKEN_TTL", 24*time.Hour),
		SessionTTL:      getDurationEnv("SESSION_TTL", 1*time.Hour),
		PollInterval:    getDurationEnv("POLL_INTERVAL", 2*time.Second),

		PairingBaseURL: getEnv("PAIRING_BASE_URL", "http://localhost:5173/pair"),

		TranscribeURL:    getEnv("TRANSCRIBE_URL", ""),
		TranscribeAPIKey: getEnv("TRANSCRIBE_API_KEY", ""),

		AllowedOrigins: origins,
	}
}

// IsProduction reports whether the server runs with production hardening.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
		// Bare integers are treated as seconds.
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
