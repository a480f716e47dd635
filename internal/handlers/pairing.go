package handlers

import (
	"errors"
	"log"

	"scribesync/internal/middleware"
	"scribesync/internal/models"
	"scribesync/internal/services"

	"github.com/gofiber/fiber/v2"
)

// PairingHandler manages pairing token lifecycle for the authenticated
// clinician: mint (or re-fetch) a token, and revoke it.
type PairingHandler struct {
	pairing *services.PairingService
	metrics *services.Metrics
	baseURL string
}

// NewPairingHandler creates a new pairing handler. baseURL is the frontend
// pairing page the QR code points at.
func NewPairingHandler(pairing *services.PairingService, metrics *services.Metrics, baseURL string) *PairingHandler {
	return &PairingHandler{
		pairing: pairing,
		metrics: metrics,
		baseURL: baseURL,
	}
}

// Pair handles POST /api/pair
// Returns the caller's active pairing token, minting one on first use.
// Body: {"encounter_id": "...", "force_rotate": false}
func (h *PairingHandler) Pair(c *fiber.Ctx) error {
	ownerID := middleware.UserID(c)

	var req models.PairRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	record, err := h.pairing.Issue(c.Context(), ownerID, req.EncounterID, req.ForceRotate)
	if err != nil {
		if errors.Is(err, services.ErrUnauthenticated) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}
		log.Printf("❌ Failed to issue pairing token for %s: %v", ownerID, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Pairing temporarily unavailable",
		})
	}

	if h.metrics != nil {
		h.metrics.TokensIssued.Inc()
	}

	return c.JSON(models.PairResponse{
		Token:      record.Token,
		PairingURL: h.baseURL + "?token=" + record.Token,
		ExpiresAt:  record.ExpiresAt,
	})
}

// Unpair handles DELETE /api/pair
// Revokes a pairing token immediately. Body: {"token": "..."}
func (h *PairingHandler) Unpair(c *fiber.Ctx) error {
	var req models.UnpairRequest
	if err := c.BodyParser(&req); err != nil || req.Token == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "token is required",
		})
	}

	if err := h.pairing.Revoke(c.Context(), req.Token); err != nil {
		if errors.Is(err, services.ErrInvalidToken) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Unknown or already revoked token",
			})
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Failed to revoke token",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}
