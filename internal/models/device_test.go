package models

import (
	"fmt"
	"testing"
)

func TestDeviceConnection_SafeSend(t *testing.T) {
	conn := NewDeviceConnection("owner-1", "phone", "Pixel", TransportPush)

	if !conn.SafeSend(SyncEvent{Type: EventHeartbeat}) {
		t.Error("expected send to an open connection to succeed")
	}

	event := <-conn.WriteChan
	if event.Type != EventHeartbeat {
		t.Errorf("expected heartbeat, got %s", event.Type)
	}
}

func TestDeviceConnection_SafeSendDropsWhenFull(t *testing.T) {
	conn := NewDeviceConnection("owner-1", "phone", "Pixel", TransportPush)

	sent := 0
	for i := 0; i < cap(conn.WriteChan)+10; i++ {
		if conn.SafeSend(SyncEvent{Type: EventTranscription, Payload: fmt.Sprintf("line %d", i)}) {
			sent++
		}
	}

	if sent != cap(conn.WriteChan) {
		t.Errorf("expected exactly %d accepted events, got %d", cap(conn.WriteChan), sent)
	}
}

func TestDeviceConnection_SafeSendAfterClose(t *testing.T) {
	conn := NewDeviceConnection("owner-1", "phone", "Pixel", TransportPush)
	conn.MarkClosed()

	if conn.SafeSend(SyncEvent{Type: EventHeartbeat}) {
		t.Error("expected send to a closed connection to fail")
	}
	if !conn.IsClosed() {
		t.Error("expected connection to report closed")
	}
}

func TestDeviceConnection_Touch(t *testing.T) {
	conn := NewDeviceConnection("owner-1", "phone", "Pixel", TransportPush)

	before := conn.LastSeen()
	conn.Touch()
	if conn.LastSeen().Before(before) {
		t.Error("expected Touch to never move lastSeen backwards")
	}

	info := conn.Info()
	if info.DeviceID != "phone" || info.Transport != TransportPush {
		t.Errorf("unexpected info %+v", info)
	}
}
