package services

import (
	"testing"
	"time"

	"scribesync/internal/models"
)

func newTestConn(ownerID, deviceID string) *models.DeviceConnection {
	return models.NewDeviceConnection(ownerID, deviceID, deviceID+"-name", models.TransportPush)
}

func TestConnectionRegistry_RegisterAndCount(t *testing.T) {
	registry := NewConnectionRegistry(nil)

	registry.Register(newTestConn("owner-1", "phone"))
	registry.Register(newTestConn("owner-1", "tablet"))
	registry.Register(newTestConn("owner-2", "phone"))

	if got := registry.Count(); got != 3 {
		t.Errorf("expected 3 connections, got %d", got)
	}
	if got := registry.OwnerCount("owner-1"); got != 2 {
		t.Errorf("expected 2 connections for owner-1, got %d", got)
	}
	if got := len(registry.ListDevices("owner-1")); got != 2 {
		t.Errorf("expected 2 listed devices, got %d", got)
	}
}

func TestConnectionRegistry_ReconnectReplacesConnection(t *testing.T) {
	registry := NewConnectionRegistry(nil)

	old := newTestConn("owner-1", "phone")
	registry.Register(old)

	replacement := newTestConn("owner-1", "phone")
	registry.Register(replacement)

	if got := registry.OwnerCount("owner-1"); got != 1 {
		t.Fatalf("expected 1 connection after reconnect, got %d", got)
	}
	current, ok := registry.Get("owner-1", "phone")
	if !ok || current != replacement {
		t.Error("expected replacement connection to win")
	}
	if !old.IsClosed() {
		t.Error("expected replaced connection to be closed")
	}
	select {
	case <-old.StopChan:
	default:
		t.Error("expected replaced connection's stop channel to be closed")
	}

	// The old transport goroutine's deferred unregister must not evict the
	// replacement.
	registry.Unregister(old)
	if _, ok := registry.Get("owner-1", "phone"); !ok {
		t.Error("expected replacement to survive stale unregister")
	}
}

func TestConnectionRegistry_Unregister(t *testing.T) {
	registry := NewConnectionRegistry(nil)

	conn := newTestConn("owner-1", "phone")
	registry.Register(conn)
	registry.Unregister(conn)

	if got := registry.Count(); got != 0 {
		t.Errorf("expected empty registry, got %d", got)
	}
	if !conn.IsClosed() {
		t.Error("expected unregistered connection to be closed")
	}
}

func TestConnectionRegistry_BroadcastSkipsSender(t *testing.T) {
	registry := NewConnectionRegistry(nil)

	sender := newTestConn("owner-1", "phone")
	sibling := newTestConn("owner-1", "desktop")
	stranger := newTestConn("owner-2", "phone")
	registry.Register(sender)
	registry.Register(sibling)
	registry.Register(stranger)

	delivered := registry.BroadcastToOwner("owner-1", "phone", models.SyncEvent{Type: models.EventHeartbeat})
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}

	select {
	case event := <-sibling.WriteChan:
		if event.Type != models.EventHeartbeat {
			t.Errorf("expected heartbeat, got %s", event.Type)
		}
	default:
		t.Error("expected sibling to receive the event")
	}

	select {
	case <-sender.WriteChan:
		t.Error("sender must not receive its own event")
	default:
	}
	select {
	case <-stranger.WriteChan:
		t.Error("other owners must not receive the event")
	default:
	}
}

func TestConnectionRegistry_SendToDevice(t *testing.T) {
	registry := NewConnectionRegistry(nil)

	conn := newTestConn("owner-1", "phone")
	registry.Register(conn)

	if !registry.SendToDevice("owner-1", "phone", models.SyncEvent{Type: models.EventPong}) {
		t.Error("expected send to a registered device to succeed")
	}
	if registry.SendToDevice("owner-1", "ghost", models.SyncEvent{Type: models.EventPong}) {
		t.Error("expected send to an unknown device to fail")
	}
}

func TestConnectionRegistry_EvictStale(t *testing.T) {
	registry := NewConnectionRegistry(nil)

	fresh := newTestConn("owner-1", "phone")
	stale := newTestConn("owner-1", "tablet")
	registry.Register(fresh)
	registry.Register(stale)

	stale.SetLastSeen(time.Now().Add(-2 * staleConnectionAge))
	registry.evictStale()

	if _, ok := registry.Get("owner-1", "tablet"); ok {
		t.Error("expected stale connection to be evicted")
	}
	if _, ok := registry.Get("owner-1", "phone"); !ok {
		t.Error("expected fresh connection to survive")
	}
}
