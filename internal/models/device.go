package models

import (
	"sync"
	"time"
)

// ConnectedDevice is the externally visible view of a live connection,
// returned by the status endpoint.
type ConnectedDevice struct {
	DeviceID    string         `json:"device_id"`
	DeviceName  string         `json:"device_name"`
	Transport   TransportClass `json:"transport"`
	ConnectedAt time.Time      `json:"connected_at"`
	LastSeen    time.Time      `json:"last_seen"`
}

// DeviceConnection is one live device attachment owned by the connection
// registry for its lifetime. The transport goroutine is the sole consumer of
// WriteChan; everyone else goes through SafeSend.
type DeviceConnection struct {
	OwnerID     string
	DeviceID    string
	DeviceName  string
	Transport   TransportClass
	ConnectedAt time.Time

	WriteChan chan SyncEvent
	StopChan  chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

// NewDeviceConnection creates a registered-but-not-yet-served connection with
// a buffered write channel so a slow peer never stalls a broadcaster.
func NewDeviceConnection(ownerID, deviceID, deviceName string, transport TransportClass) *DeviceConnection {
	now := time.Now()
	return &DeviceConnection{
		OwnerID:     ownerID,
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		Transport:   transport,
		ConnectedAt: now,
		lastSeen:    now,
		WriteChan:   make(chan SyncEvent, 64),
		StopChan:    make(chan struct{}),
	}
}

// SafeSend queues an event for delivery, returning false if the connection is
// closed or its buffer is full. It never blocks and never panics on a closed
// channel.
func (dc *DeviceConnection) SafeSend(event SyncEvent) (sent bool) {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return false
	}
	dc.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			dc.MarkClosed()
			sent = false
		}
	}()

	select {
	case dc.WriteChan <- event:
		return true
	default:
		return false
	}
}

// MarkClosed flags the connection so further SafeSend calls are no-ops.
func (dc *DeviceConnection) MarkClosed() {
	dc.mu.Lock()
	dc.closed = true
	dc.mu.Unlock()
}

// IsClosed reports whether the connection has been marked closed.
func (dc *DeviceConnection) IsClosed() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.closed
}

// Touch refreshes the liveness timestamp. Called on every read and probe ack.
func (dc *DeviceConnection) Touch() {
	dc.mu.Lock()
	dc.lastSeen = time.Now()
	dc.mu.Unlock()
}

// LastSeen returns the most recent liveness timestamp.
func (dc *DeviceConnection) LastSeen() time.Time {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.lastSeen
}

// SetLastSeen overrides the liveness timestamp.
func (dc *DeviceConnection) SetLastSeen(t time.Time) {
	dc.mu.Lock()
	dc.lastSeen = t
	dc.mu.Unlock()
}

// Info snapshots the connection for the status endpoint.
func (dc *DeviceConnection) Info() ConnectedDevice {
	return ConnectedDevice{
		DeviceID:    dc.DeviceID,
		DeviceName:  dc.DeviceName,
		Transport:   dc.Transport,
		ConnectedAt: dc.ConnectedAt,
		LastSeen:    dc.LastSeen(),
	}
}

// PairedDeviceRecord is the durable history entry written to MongoDB when a
// device attaches. Diagnostic trail only; live state is the registry's.
type PairedDeviceRecord struct {
	OwnerID     string    `bson:"ownerId" json:"owner_id"`
	DeviceID    string    `bson:"deviceId" json:"device_id"`
	DeviceName  string    `bson:"deviceName" json:"device_name"`
	Transport   string    `bson:"transport" json:"transport"`
	ConnectedAt time.Time `bson:"connectedAt" json:"connected_at"`
	CreatedAt   time.Time `bson:"createdAt" json:"created_at"`
}
