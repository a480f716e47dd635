package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithEncounter returns a logger with sync context fields attached.
// Use this for all logging within an encounter's sync session.
func WithEncounter(encounterID, ownerID string) *slog.Logger {
	return slog.With(
		"encounter_id", encounterID,
		"owner_id", ownerID,
	)
}

// WithDevice returns a logger scoped to a specific device connection.
func WithDevice(logger *slog.Logger, deviceID, transport string) *slog.Logger {
	return logger.With(
		"device_id", deviceID,
		"transport", transport,
	)
}
