package handlers

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"scribesync/internal/models"
	"scribesync/internal/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// SyncWebSocketHandler handles the push transport: companion devices hold a
// WebSocket open and receive session fragments as they are recorded.
type SyncWebSocketHandler struct {
	pairing  *services.PairingService
	sync     *services.SyncService
	registry *services.ConnectionRegistry
	audit    *services.AuditService
}

// NewSyncWebSocketHandler creates a new sync WebSocket handler
func NewSyncWebSocketHandler(pairing *services.PairingService, syncSvc *services.SyncService, registry *services.ConnectionRegistry, audit *services.AuditService) *SyncWebSocketHandler {
	return &SyncWebSocketHandler{
		pairing:  pairing,
		sync:     syncSvc,
		registry: registry,
		audit:    audit,
	}
}

// Handle is the WebSocket handler for /ws/sync.
// Clients authenticate with a pairing token passed as ?token= and identify
// themselves with ?device_id= (generated server-side when absent).
func (h *SyncWebSocketHandler) Handle(c *websocket.Conn) {
	ctx := context.Background()

	token, _ := c.Locals("pairing_token").(string)
	record, err := h.pairing.Validate(ctx, token)
	if err != nil {
		log.Printf("[SYNC-WS] Connection rejected: %v", err)
		c.WriteJSON(models.SyncEvent{Type: models.EventError, Message: "invalid or expired pairing token"})
		return
	}

	deviceID, _ := c.Locals("device_id").(string)
	if deviceID == "" {
		deviceID = uuid.New().String()
	}
	deviceName, _ := c.Locals("device_name").(string)

	conn := models.NewDeviceConnection(record.OwnerID, deviceID, deviceName, models.TransportPush)
	h.registry.Register(conn)
	h.audit.RecordDevice(ctx, record.OwnerID, deviceID, deviceName, string(models.TransportPush))

	log.Printf("[SYNC-WS] Connection opened: %s/%s", record.OwnerID, deviceID)

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	// Write mutex — serializes WebSocket writes (JSON events + protocol pings)
	var writeMu sync.Mutex

	// Write loop — sole consumer of the connection's write channel
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SYNC-WS] Write loop recovered for %s: %v", deviceID, r)
			}
		}()
		for {
			select {
			case <-done:
				return
			case <-conn.StopChan:
				closeDone()
				return
			case event := <-conn.WriteChan:
				writeMu.Lock()
				var err error
				if event.Type == models.EventPing {
					// Health probes go out as protocol pings, not JSON.
					err = c.WriteMessage(websocket.PingMessage, nil)
				} else {
					err = c.WriteJSON(event)
				}
				writeMu.Unlock()
				if err != nil {
					log.Printf("[SYNC-WS] Write error for %s: %v", deviceID, err)
					closeDone()
					return
				}
			}
		}
	}()

	// Ping loop — uses write mutex to avoid concurrent writes
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SYNC-WS] Ping loop recovered for %s: %v", deviceID, r)
			}
		}()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := c.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	defer func() {
		closeDone()
		h.registry.Unregister(conn)
		h.registry.BroadcastToOwner(record.OwnerID, deviceID, deviceEvent(models.EventDeviceDisconnected, record.OwnerID, deviceID, deviceName))
		log.Printf("[SYNC-WS] Connection closed: %s/%s", record.OwnerID, deviceID)
	}()

	// Pong frames count as liveness
	c.SetPongHandler(func(string) error {
		h.registry.Touch(record.OwnerID, deviceID)
		return nil
	})

	// Announce the connection to the device itself and its siblings
	now := time.Now()
	conn.SafeSend(models.SyncEvent{
		Type:      models.EventConnected,
		OwnerID:   record.OwnerID,
		DeviceID:  deviceID,
		Timestamp: &now,
	})
	h.registry.BroadcastToOwner(record.OwnerID, deviceID, deviceEvent(models.EventDeviceConnected, record.OwnerID, deviceID, deviceName))

	// Read loop
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			log.Printf("[SYNC-WS] Read error for %s: %v", deviceID, err)
			break
		}
		h.registry.Touch(record.OwnerID, deviceID)

		var clientMsg models.ClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			conn.SafeSend(models.SyncEvent{Type: models.EventError, Message: "invalid message format"})
			continue
		}

		switch clientMsg.Type {
		case "ping":
			conn.SafeSend(models.SyncEvent{Type: models.EventPong})

		case "transcription":
			h.handleTranscription(ctx, conn, record.OwnerID, deviceID, clientMsg)

		case "end_session":
			if clientMsg.EncounterID == "" {
				conn.SafeSend(models.SyncEvent{Type: models.EventError, Message: "encounter_id required"})
				continue
			}
			if err := h.sync.EndSession(ctx, clientMsg.EncounterID, record.OwnerID); err != nil {
				conn.SafeSend(models.SyncEvent{Type: models.EventError, Message: "failed to end session"})
			}

		default:
			conn.SafeSend(models.SyncEvent{Type: models.EventError, Message: "unknown message type: " + string(clientMsg.Type)})
		}
	}
}

// handleTranscription records a fragment arriving over the push transport.
func (h *SyncWebSocketHandler) handleTranscription(ctx context.Context, conn *models.DeviceConnection, ownerID, deviceID string, msg models.ClientMessage) {
	if msg.EncounterID == "" || msg.Payload == "" {
		conn.SafeSend(models.SyncEvent{Type: models.EventError, Message: "encounter_id and payload required"})
		return
	}

	origin := msg.OriginDevice
	if origin == "" {
		origin = deviceID
	}

	fragment, err := h.sync.RecordFragment(ctx, msg.EncounterID, ownerID, models.RecordFragmentRequest{
		Payload:         msg.Payload,
		OriginDevice:    origin,
		SourceTransport: models.TransportPush,
	})
	if err != nil {
		log.Printf("[SYNC-WS] Failed to record fragment from %s: %v", deviceID, err)
		conn.SafeSend(models.SyncEvent{Type: models.EventError, Message: "failed to record fragment"})
		return
	}

	// Ack with the assigned checkpoint so the sender can resume after a drop.
	now := time.Now()
	conn.SafeSend(models.SyncEvent{
		Type:       models.EventItemsReceived,
		OwnerID:    ownerID,
		Timestamp:  &now,
		Checkpoint: fragment.Seq,
	})
}

func deviceEvent(eventType models.EventType, ownerID, deviceID, deviceName string) models.SyncEvent {
	now := time.Now()
	return models.SyncEvent{
		Type:       eventType,
		OwnerID:    ownerID,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Timestamp:  &now,
	}
}
