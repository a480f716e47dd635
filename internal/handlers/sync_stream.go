package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"scribesync/internal/models"
	"scribesync/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// SyncStreamHandler handles the poll transport: clients that cannot hold a
// WebSocket (restrictive proxies, battery-saving webviews) open a buffered
// SSE stream and the server polls the session store on their behalf.
type SyncStreamHandler struct {
	pairing      *services.PairingService
	sync         *services.SyncService
	registry     *services.ConnectionRegistry
	audit        *services.AuditService
	metrics      *services.Metrics
	pollInterval time.Duration
}

// NewSyncStreamHandler creates a new SSE stream handler
func NewSyncStreamHandler(pairing *services.PairingService, syncSvc *services.SyncService, registry *services.ConnectionRegistry, audit *services.AuditService, metrics *services.Metrics, pollInterval time.Duration) *SyncStreamHandler {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &SyncStreamHandler{
		pairing:      pairing,
		sync:         syncSvc,
		registry:     registry,
		audit:        audit,
		metrics:      metrics,
		pollInterval: pollInterval,
	}
}

// Stream handles GET /api/stream/:token.
// Query params: encounter_id (required), since (checkpoint, default 0),
// device_id, device_name.
func (h *SyncStreamHandler) Stream(c *fiber.Ctx) error {
	token := c.Params("token")
	record, err := h.pairing.Validate(c.Context(), token)
	if err != nil {
		if h.metrics != nil {
			h.metrics.TokenRejections.Inc()
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired pairing token",
		})
	}

	encounterID := c.Query("encounter_id")
	if encounterID == "" {
		encounterID = record.EncounterHint
	}
	if encounterID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "encounter_id is required",
		})
	}

	since, _ := strconv.ParseInt(c.Query("since", "0"), 10, 64)
	deviceID := c.Query("device_id")
	if deviceID == "" {
		deviceID = uuid.New().String()
	}
	deviceName := c.Query("device_name")
	ownerID := record.OwnerID

	// Register as a poll connection so device listings and presence events
	// cover both transports. The write channel is drained between polls.
	conn := models.NewDeviceConnection(ownerID, deviceID, deviceName, models.TransportPoll)
	h.registry.Register(conn)
	h.audit.RecordDevice(c.Context(), ownerID, deviceID, deviceName, string(models.TransportPoll))
	h.registry.BroadcastToOwner(ownerID, deviceID, deviceEvent(models.EventDeviceConnected, ownerID, deviceID, deviceName))

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	log.Printf("[SYNC-SSE] Stream opened: %s/%s (encounter %s, since %d)", ownerID, deviceID, encounterID, since)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			h.registry.Unregister(conn)
			h.registry.BroadcastToOwner(ownerID, deviceID, deviceEvent(models.EventDeviceDisconnected, ownerID, deviceID, deviceName))
			log.Printf("[SYNC-SSE] Stream closed: %s/%s", ownerID, deviceID)
		}()

		ctx := context.Background()
		now := time.Now()
		if err := writeSSE(w, models.SyncEvent{
			Type:      models.EventConnected,
			OwnerID:   ownerID,
			DeviceID:  deviceID,
			Timestamp: &now,
		}); err != nil {
			return
		}

		checkpoint := since
		ticker := time.NewTicker(h.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-conn.StopChan:
				// Superseded by a reconnect or evicted as stale.
				return
			case <-ticker.C:
			}

			h.registry.Touch(ownerID, deviceID)

			// Relay push events (presence, session end) queued between ticks.
			for drained := true; drained; {
				select {
				case event := <-conn.WriteChan:
					if event.Type == models.EventPing {
						// The poll tick itself proves liveness.
						continue
					}
					if err := writeSSE(w, event); err != nil {
						return
					}
					if event.Type == models.EventSessionExpired {
						return
					}
				default:
					drained = false
				}
			}

			resp, err := h.sync.FetchSince(ctx, encounterID, checkpoint)
			if errors.Is(err, services.ErrSessionNotFound) {
				// Terminal: the session expired or was ended.
				ts := time.Now()
				writeSSE(w, models.SyncEvent{
					Type:      models.EventSessionExpired,
					OwnerID:   ownerID,
					Timestamp: &ts,
				})
				return
			}
			if err != nil {
				log.Printf("[SYNC-SSE] Poll error for %s/%s: %v", ownerID, deviceID, err)
				ts := time.Now()
				writeSSE(w, models.SyncEvent{
					Type:      models.EventError,
					Timestamp: &ts,
					Message:   "temporary sync failure",
				})
				continue
			}

			event := pollTickEvent(ownerID, resp)
			if event.Type == models.EventItemsReceived {
				checkpoint = event.Checkpoint
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
		}
	}))

	return nil
}

// pollTickEvent renders one poll tick: the new fragments when the store moved
// past the checkpoint, otherwise a heartbeat. A quiet tick still writes a
// frame so the client can tell an idle session from a dead stream within one
// poll interval, and so an abandoned stream fails its write on the next tick.
func pollTickEvent(ownerID string, resp *models.FetchSinceResponse) models.SyncEvent {
	ts := time.Now()
	if len(resp.Fragments) > 0 {
		return models.SyncEvent{
			Type:       models.EventItemsReceived,
			OwnerID:    ownerID,
			Timestamp:  &ts,
			Items:      resp.Fragments,
			Checkpoint: resp.Checkpoint,
		}
	}
	return models.SyncEvent{
		Type:      models.EventHeartbeat,
		Timestamp: &ts,
	}
}

// writeSSE flushes one event frame; a flush error means the client is gone.
func writeSSE(w *bufio.Writer, event models.SyncEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := w.WriteString("data: " + string(data) + "\n\n"); err != nil {
		return err
	}
	return w.Flush()
}
