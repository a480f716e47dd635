package services

import (
	"context"
	"log"
	"time"

	"scribesync/internal/database"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Audit event types
const (
	AuditTokenIssued        = "token_issued"
	AuditTokenRotated       = "token_rotated"
	AuditTokenRevoked       = "token_revoked"
	AuditDevicePaired       = "device_paired"
	AuditDeviceDisconnected = "device_disconnected"
	AuditSessionEnded       = "session_ended"
)

// AuditEntry is one row in the pairing audit log. Entries age out via a
// TTL index on created_at.
type AuditEntry struct {
	ID        primitive.ObjectID     `bson:"_id,omitempty"`
	EventType string                 `bson:"event_type"`
	OwnerID   string                 `bson:"owner_id"`
	DeviceID  string                 `bson:"device_id,omitempty"`
	Metadata  map[string]interface{} `bson:"metadata,omitempty"`
	CreatedAt time.Time              `bson:"created_at"`
}

// AuditService writes pairing lifecycle events to MongoDB. The database is
// optional: with a nil db every method is a no-op, so callers never have to
// guard their audit calls.
type AuditService struct {
	db *database.MongoDB
}

func NewAuditService(db *database.MongoDB) *AuditService {
	return &AuditService{db: db}
}

// Record persists an audit event. Failures are logged, never surfaced —
// auditing must not break the pairing path.
func (s *AuditService) Record(ctx context.Context, eventType, ownerID, deviceID string, metadata map[string]interface{}) {
	if s == nil || s.db == nil {
		return
	}

	entry := AuditEntry{
		EventType: eventType,
		OwnerID:   ownerID,
		DeviceID:  deviceID,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := s.db.AuditLog().InsertOne(writeCtx, entry); err != nil {
		log.Printf("[AUDIT] Warning: failed to record %s for owner %s: %v", eventType, ownerID, err)
	}
}

// RecordDevice upserts the paired-device history entry for an owner/device
// pair, bumping last_seen_at on repeat connections.
func (s *AuditService) RecordDevice(ctx context.Context, ownerID, deviceID, deviceName, transport string) {
	if s == nil || s.db == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.db.UpsertPairedDevice(writeCtx, ownerID, deviceID, deviceName, transport); err != nil {
		log.Printf("[AUDIT] Warning: failed to upsert device history for %s/%s: %v", ownerID, deviceID, err)
	}
}
