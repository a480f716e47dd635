package services

import (
	"context"
	"errors"
	"log"
	"time"

	"scribesync/internal/models"
)

// SyncService is the façade the transports and HTTP handlers talk to. It
// owns the write path (record a fragment, fan it out to the owner's other
// devices) and the read path (catch-up by checkpoint), keeping both
// transports behaviorally equivalent: anything pushed is also pollable.
type SyncService struct {
	sessions *SessionStore
	registry *ConnectionRegistry
	audit    *AuditService
	metrics  *Metrics
}

func NewSyncService(sessions *SessionStore, registry *ConnectionRegistry, audit *AuditService, metrics *Metrics) *SyncService {
	return &SyncService{
		sessions: sessions,
		registry: registry,
		audit:    audit,
		metrics:  metrics,
	}
}

// RecordFragment appends a fragment to the encounter's session (creating it
// on first write) and immediately pushes it to the owner's other connected
// devices. Poll clients pick the same fragment up on their next tick.
func (s *SyncService) RecordFragment(ctx context.Context, encounterID, ownerID string, req models.RecordFragmentRequest) (*models.SessionFragment, error) {
	start := time.Now()

	fragment := models.SessionFragment{
		Payload:         req.Payload,
		OriginDevice:    req.OriginDevice,
		SourceTransport: req.SourceTransport,
	}

	stored, err := s.sessions.Append(ctx, encounterID, ownerID, fragment)
	if err != nil {
		if s.metrics != nil {
			s.metrics.SyncErrors.WithLabelValues("append").Inc()
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.FragmentsRecorded.Inc()
		s.metrics.FragmentLatency.Observe(time.Since(start).Seconds())
	}

	now := time.Now()
	delivered := s.registry.BroadcastToOwner(ownerID, req.OriginDevice, models.SyncEvent{
		Type:       models.EventTranscription,
		OwnerID:    ownerID,
		DeviceID:   req.OriginDevice,
		Timestamp:  &now,
		Items:      []models.SessionFragment{*stored},
		Checkpoint: stored.Seq,
	})
	if delivered > 0 {
		log.Printf("📤 Fragment %d on %s pushed to %d device(s)", stored.Seq, encounterID, delivered)
	}

	return stored, nil
}

// FetchSince returns fragments after the caller's checkpoint, oldest first.
func (s *SyncService) FetchSince(ctx context.Context, encounterID string, sinceSeq int64) (*models.FetchSinceResponse, error) {
	fragments, checkpoint, hasMore, err := s.sessions.ListSince(ctx, encounterID, sinceSeq)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) && s.metrics != nil {
			s.metrics.SyncErrors.WithLabelValues("fetch").Inc()
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PollRequests.Inc()
	}

	return &models.FetchSinceResponse{
		Fragments:  fragments,
		Checkpoint: checkpoint,
		HasMore:    hasMore,
	}, nil
}

// Exists reports whether the encounter has a live session.
func (s *SyncService) Exists(ctx context.Context, encounterID string) (bool, error) {
	return s.sessions.Exists(ctx, encounterID)
}

// EndSession deletes the encounter's session and tells every connected
// device the session is over.
func (s *SyncService) EndSession(ctx context.Context, encounterID, ownerID string) error {
	if err := s.sessions.Delete(ctx, encounterID); err != nil {
		return err
	}

	now := time.Now()
	s.registry.BroadcastToOwner(ownerID, "", models.SyncEvent{
		Type:      models.EventSessionExpired,
		OwnerID:   ownerID,
		Timestamp: &now,
		Message:   "session ended",
	})

	s.audit.Record(ctx, AuditSessionEnded, ownerID, "", map[string]interface{}{
		"encounter_id": encounterID,
	})
	log.Printf("🏁 Session ended for encounter %s", encounterID)
	return nil
}
