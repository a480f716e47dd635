package models

import "time"

// EventType identifies a sync event on the wire. The set is closed: both
// transports emit exactly these and clients dispatch on the type tag.
type EventType string

const (
	EventConnected          EventType = "connected"
	EventHeartbeat          EventType = "heartbeat"
	EventItemsReceived      EventType = "items_received"
	EventSessionExpired     EventType = "session_expired"
	EventError              EventType = "error"
	EventDeviceConnected    EventType = "device_connected"
	EventDeviceDisconnected EventType = "device_disconnected"
	EventTranscription      EventType = "transcription"

	// Liveness probes. EventPing is never serialized to JSON by the push
	// binding — its write loop translates it into a protocol-level ping.
	EventPing EventType = "ping"
	EventPong EventType = "pong"
)

// SyncEvent is the single wire message shared by the push and poll bindings.
// Fields are statically typed and populated per event type; unused fields are
// omitted from the wire.
type SyncEvent struct {
	Type EventType `json:"type"`

	// connected / device_connected / device_disconnected
	OwnerID    string `json:"owner_id,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`

	// heartbeat
	Timestamp *time.Time `json:"timestamp,omitempty"`

	// items_received
	Items      []SessionFragment `json:"items,omitempty"`
	Checkpoint int64             `json:"checkpoint,omitempty"`

	// transcription
	Payload string `json:"payload,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// ClientMessage is a message read from a push-binding device.
type ClientMessage struct {
	Type         EventType `json:"type"`
	Payload      string    `json:"payload,omitempty"`
	EncounterID  string    `json:"encounter_id,omitempty"`
	OriginDevice string    `json:"origin_device,omitempty"`
}
