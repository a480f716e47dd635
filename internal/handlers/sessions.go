package handlers

import (
	"errors"
	"io"
	"log"
	"strconv"

	"scribesync/internal/database"
	"scribesync/internal/middleware"
	"scribesync/internal/models"
	"scribesync/internal/services"
	"scribesync/internal/transcribe"

	"github.com/gofiber/fiber/v2"
)

const maxAudioUploadBytes = 25 * 1024 * 1024 // Whisper API ceiling

// SessionsHandler exposes the HTTP surface of the sync service: fragment
// ingest and catch-up, session teardown, audio transcription, and device
// status for the owner's dashboard.
type SessionsHandler struct {
	sync       *services.SyncService
	registry   *services.ConnectionRegistry
	transcribe *transcribe.Service
	db         *database.MongoDB
}

// NewSessionsHandler creates a new sessions handler. db may be nil.
func NewSessionsHandler(syncSvc *services.SyncService, registry *services.ConnectionRegistry, transcribeSvc *transcribe.Service, db *database.MongoDB) *SessionsHandler {
	return &SessionsHandler{
		sync:       syncSvc,
		registry:   registry,
		transcribe: transcribeSvc,
		db:         db,
	}
}

// RecordFragment handles POST /api/sessions/:encounterId/fragments
// Appends a fragment and fans it out to the owner's other devices.
func (h *SessionsHandler) RecordFragment(c *fiber.Ctx) error {
	encounterID := c.Params("encounterId")
	ownerID := middleware.UserID(c)

	var req models.RecordFragmentRequest
	if err := c.BodyParser(&req); err != nil || req.Payload == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "payload is required",
		})
	}
	req.SourceTransport = models.TransportPoll

	fragment, err := h.sync.RecordFragment(c.Context(), encounterID, ownerID, req)
	if err != nil {
		log.Printf("❌ Failed to record fragment on %s: %v", encounterID, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Failed to record fragment",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(models.RecordFragmentResponse{
		Checkpoint: fragment.Seq,
	})
}

// ListFragments handles GET /api/sessions/:encounterId/fragments?since=N
// Returns fragments past the caller's checkpoint, oldest first.
func (h *SessionsHandler) ListFragments(c *fiber.Ctx) error {
	encounterID := c.Params("encounterId")
	since, _ := strconv.ParseInt(c.Query("since", "0"), 10, 64)

	resp, err := h.sync.FetchSince(c.Context(), encounterID, since)
	if err != nil {
		if errors.Is(err, services.ErrSessionNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Session not found or expired",
			})
		}
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Failed to fetch fragments",
		})
	}

	return c.JSON(resp)
}

// EndSession handles DELETE /api/sessions/:encounterId
// Tears the session down and notifies every connected device.
func (h *SessionsHandler) EndSession(c *fiber.Ctx) error {
	encounterID := c.Params("encounterId")
	ownerID := middleware.UserID(c)

	if err := h.sync.EndSession(c.Context(), encounterID, ownerID); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Failed to end session",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// TranscribeAudio handles POST /api/sessions/:encounterId/audio
// Accepts an audio file, transcribes it, and records the text as a fragment.
func (h *SessionsHandler) TranscribeAudio(c *fiber.Ctx) error {
	if !h.transcribe.Enabled() {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{
			"error": "Transcription backend not configured",
		})
	}

	encounterID := c.Params("encounterId")
	ownerID := middleware.UserID(c)

	fileHeader, err := c.FormFile("audio")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "audio file is required",
		})
	}
	if fileHeader.Size > maxAudioUploadBytes {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "Audio file too large (max 25MB)",
		})
	}
	if mimeType := fileHeader.Header.Get("Content-Type"); mimeType != "" && !transcribe.IsSupportedFormat(mimeType) {
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": "Unsupported audio format: " + mimeType,
		})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read audio file",
		})
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read audio file",
		})
	}

	result, err := h.transcribe.Transcribe(c.Context(), &transcribe.Request{
		Audio:    audio,
		Filename: fileHeader.Filename,
		Language: c.FormValue("language"),
		Prompt:   c.FormValue("prompt"),
	})
	if err != nil {
		log.Printf("❌ Transcription failed for %s: %v", encounterID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "Transcription failed",
		})
	}

	fragment, err := h.sync.RecordFragment(c.Context(), encounterID, ownerID, models.RecordFragmentRequest{
		Payload:         result.Text,
		OriginDevice:    c.FormValue("device_id"),
		SourceTransport: models.TransportPoll,
	})
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Failed to record transcription",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"checkpoint": fragment.Seq,
		"text":       result.Text,
		"duration":   result.Duration,
	})
}

// ListConnections handles GET /api/connections/:ownerId?
// Owners see their own live connections; admins may inspect any owner's.
func (h *SessionsHandler) ListConnections(c *fiber.Ctx) error {
	ownerID := middleware.UserID(c)
	if requested := c.Params("ownerId"); requested != "" {
		if requested != ownerID && middleware.UserRole(c) != "admin" {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Cannot view another owner's connections",
			})
		}
		ownerID = requested
	}

	devices := h.registry.ListDevices(ownerID)
	var push, poll int
	for _, device := range devices {
		switch device.Transport {
		case models.TransportPush:
			push++
		case models.TransportPoll:
			poll++
		}
	}

	return c.JSON(fiber.Map{
		"devices": devices,
		"count":   len(devices),
		"stats": fiber.Map{
			"push": push,
			"poll": poll,
		},
	})
}

// ListDevices handles GET /api/devices
// Returns the caller's paired-device history from MongoDB.
func (h *SessionsHandler) ListDevices(c *fiber.Ctx) error {
	if h.db == nil {
		return c.JSON(fiber.Map{"devices": []interface{}{}, "count": 0})
	}

	ownerID := middleware.UserID(c)
	devices, err := h.db.ListPairedDevices(c.Context(), ownerID, 50)
	if err != nil {
		log.Printf("❌ Failed to list device history for %s: %v", ownerID, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Failed to load device history",
		})
	}

	return c.JSON(fiber.Map{
		"devices": devices,
		"count":   len(devices),
	})
}
