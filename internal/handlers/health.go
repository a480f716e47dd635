package handlers

import (
	"time"

	"scribesync/internal/database"
	"scribesync/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	registry *services.ConnectionRegistry
	redis    *services.RedisService
	db       *database.MongoDB
}

// NewHealthHandler creates a new health handler. db may be nil.
func NewHealthHandler(registry *services.ConnectionRegistry, redis *services.RedisService, db *database.MongoDB) *HealthHandler {
	return &HealthHandler{registry: registry, redis: redis, db: db}
}

// Handle responds with server health status
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	status := "healthy"
	redisStatus := "up"
	if err := h.redis.Ping(c.Context()); err != nil {
		status = "degraded"
		redisStatus = "down"
	}

	mongoStatus := "disabled"
	if h.db != nil {
		mongoStatus = "up"
		if err := h.db.HealthCheck(c.Context()); err != nil {
			status = "degraded"
			mongoStatus = "down"
		}
	}

	code := fiber.StatusOK
	if status != "healthy" {
		code = fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":      status,
		"redis":       redisStatus,
		"mongodb":     mongoStatus,
		"connections": h.registry.Count(),
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}
