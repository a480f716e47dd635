package services

import (
	"context"
	"log"
	"sync"
	"time"

	"scribesync/internal/models"
)

// Health-check configuration
const (
	healthCheckInterval = 30 * time.Second
	staleConnectionAge  = 60 * time.Second
)

// ConnectionRegistry tracks every live device connection, grouped by owner.
// It is process-local: each instance only fans out to the devices connected
// to it, and poll clients catch up through the session store instead.
type ConnectionRegistry struct {
	connections map[string]map[string]*models.DeviceConnection // ownerID -> deviceID -> conn
	mutex       sync.RWMutex
	metrics     *Metrics
}

// NewConnectionRegistry creates an empty registry. metrics may be nil.
func NewConnectionRegistry(metrics *Metrics) *ConnectionRegistry {
	return &ConnectionRegistry{
		connections: make(map[string]map[string]*models.DeviceConnection),
		metrics:     metrics,
	}
}

// Register adds a connection. A reconnect under the same owner/device pair
// replaces the old entry: the previous connection is closed and the new one
// wins.
func (r *ConnectionRegistry) Register(conn *models.DeviceConnection) {
	r.mutex.Lock()
	owned, exists := r.connections[conn.OwnerID]
	if !exists {
		owned = make(map[string]*models.DeviceConnection)
		r.connections[conn.OwnerID] = owned
	}
	previous := owned[conn.DeviceID]
	owned[conn.DeviceID] = conn
	total := r.totalLocked()
	r.mutex.Unlock()

	if previous != nil {
		previous.MarkClosed()
		close(previous.StopChan)
		log.Printf("🔄 Device %s reconnected for owner %s, replacing prior connection", conn.DeviceID, conn.OwnerID)
	}

	if r.metrics != nil {
		r.metrics.ConnectionsActive.Set(float64(total))
		r.metrics.ConnectionsOpened.WithLabelValues(string(conn.Transport)).Inc()
	}
	log.Printf("✅ Device connected: %s/%s via %s (Total: %d)", conn.OwnerID, conn.DeviceID, conn.Transport, total)
}

// Unregister removes a connection and closes its channels. It is a no-op if
// the registered connection is not the one being removed (a replacement
// already happened).
func (r *ConnectionRegistry) Unregister(conn *models.DeviceConnection) {
	r.mutex.Lock()
	owned, exists := r.connections[conn.OwnerID]
	if !exists || owned[conn.DeviceID] != conn {
		r.mutex.Unlock()
		return
	}
	delete(owned, conn.DeviceID)
	if len(owned) == 0 {
		delete(r.connections, conn.OwnerID)
	}
	total := r.totalLocked()
	r.mutex.Unlock()

	conn.MarkClosed()
	select {
	case <-conn.StopChan:
	default:
		close(conn.StopChan)
	}

	if r.metrics != nil {
		r.metrics.ConnectionsActive.Set(float64(total))
	}
	log.Printf("❌ Device disconnected: %s/%s (Total: %d)", conn.OwnerID, conn.DeviceID, total)
}

// Get returns the connection for an owner/device pair.
func (r *ConnectionRegistry) Get(ownerID, deviceID string) (*models.DeviceConnection, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	conn, ok := r.connections[ownerID][deviceID]
	return conn, ok
}

// BroadcastToOwner delivers an event to every device of the owner except
// the originating one. Returns how many devices accepted the event.
func (r *ConnectionRegistry) BroadcastToOwner(ownerID, exceptDeviceID string, event models.SyncEvent) int {
	r.mutex.RLock()
	targets := make([]*models.DeviceConnection, 0, len(r.connections[ownerID]))
	for deviceID, conn := range r.connections[ownerID] {
		if deviceID == exceptDeviceID {
			continue
		}
		targets = append(targets, conn)
	}
	r.mutex.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if conn.SafeSend(event) {
			delivered++
		}
	}

	if r.metrics != nil && delivered > 0 {
		r.metrics.EventsDelivered.WithLabelValues(string(event.Type)).Add(float64(delivered))
	}
	return delivered
}

// SendToDevice delivers an event to one specific device.
func (r *ConnectionRegistry) SendToDevice(ownerID, deviceID string, event models.SyncEvent) bool {
	conn, ok := r.Get(ownerID, deviceID)
	if !ok {
		return false
	}
	sent := conn.SafeSend(event)
	if sent && r.metrics != nil {
		r.metrics.EventsDelivered.WithLabelValues(string(event.Type)).Inc()
	}
	return sent
}

// Touch refreshes the liveness timestamp for a device.
func (r *ConnectionRegistry) Touch(ownerID, deviceID string) {
	if conn, ok := r.Get(ownerID, deviceID); ok {
		conn.Touch()
	}
}

// ListDevices returns connection info for all of an owner's devices.
func (r *ConnectionRegistry) ListDevices(ownerID string) []models.ConnectedDevice {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	devices := make([]models.ConnectedDevice, 0, len(r.connections[ownerID]))
	for _, conn := range r.connections[ownerID] {
		devices = append(devices, conn.Info())
	}
	return devices
}

// Count returns the total number of connections across all owners.
func (r *ConnectionRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.totalLocked()
}

// OwnerCount returns how many devices an owner has connected.
func (r *ConnectionRegistry) OwnerCount(ownerID string) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.connections[ownerID])
}

func (r *ConnectionRegistry) totalLocked() int {
	total := 0
	for _, owned := range r.connections {
		total += len(owned)
	}
	return total
}

// Run drives the periodic health check until ctx is cancelled. Connections
// silent past staleConnectionAge are evicted so the registry never reports
// dead devices as reachable.
func (r *ConnectionRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	log.Println("💓 Connection health checker started")
	for {
		select {
		case <-ctx.Done():
			log.Println("💓 Connection health checker stopped")
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *ConnectionRegistry) evictStale() {
	cutoff := time.Now().Add(-staleConnectionAge)

	r.mutex.RLock()
	var stale, live []*models.DeviceConnection
	for _, owned := range r.connections {
		for _, conn := range owned {
			if conn.LastSeen().Before(cutoff) || conn.IsClosed() {
				stale = append(stale, conn)
			} else {
				live = append(live, conn)
			}
		}
	}
	r.mutex.RUnlock()

	for _, conn := range stale {
		log.Printf("🧹 Evicting stale connection %s/%s (last seen %s)", conn.OwnerID, conn.DeviceID, conn.LastSeen().Format(time.RFC3339))
		r.Unregister(conn)
	}

	// Probe the survivors; their transports answer with a Touch.
	for _, conn := range live {
		conn.SafeSend(models.SyncEvent{Type: models.EventPing})
	}
}
