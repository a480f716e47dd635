package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"scribesync/internal/models"

	"github.com/google/uuid"
)

// Session storage configuration
const (
	DefaultSessionTTL   = 1 * time.Hour
	MaxSessionFragments = 100 // ring buffer capacity per encounter

	appendLockTTL     = 5 * time.Second
	appendLockRetries = 20
	appendLockBackoff = 50 * time.Millisecond
)

var ErrSessionNotFound = errors.New("session missing or expired")

// SessionStore keeps per-encounter fragment buffers in the shared cache.
// Sessions are ephemeral: the TTL slides forward on every append, the
// fragment buffer is capped at MaxSessionFragments with oldest-first
// eviction, and expired records are reclaimed lazily on read. Appends are
// serialized per encounter with a distributed lock so sequence numbers
// stay strictly increasing across instances.
type SessionStore struct {
	cache Cache
	ttl   time.Duration
}

// NewSessionStore creates a session store with the given sliding TTL.
func NewSessionStore(cache Cache, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{cache: cache, ttl: ttl}
}

func sessionKey(encounterID string) string     { return "session:" + encounterID }
func sessionLockKey(encounterID string) string { return "session:lock:" + encounterID }

// Get loads a session record. Records past their expiry are deleted and
// reported as not found, so a stale Redis entry can never serve data.
func (s *SessionStore) Get(ctx context.Context, encounterID string) (*models.SessionRecord, error) {
	raw, err := s.cache.Get(ctx, sessionKey(encounterID))
	if errors.Is(err, ErrCacheMiss) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var record models.SessionRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode session record: %w", err)
	}

	if time.Now().After(record.ExpiresAt) {
		if delErr := s.cache.Delete(ctx, sessionKey(encounterID)); delErr != nil {
			log.Printf("[SESSION] Warning: failed to reclaim expired session %s: %v", encounterID, delErr)
		}
		return nil, ErrSessionNotFound
	}

	return &record, nil
}

// Create starts an empty session for the encounter. Append also creates
// lazily on first write; this exists for callers that want the session live
// before any fragment arrives.
func (s *SessionStore) Create(ctx context.Context, encounterID, ownerID string) (*models.SessionRecord, error) {
	unlock, err := s.lock(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := s.Get(ctx, encounterID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	now := time.Now()
	record = &models.SessionRecord{
		EncounterID: encounterID,
		OwnerID:     ownerID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.persist(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Exists reports whether a live session is present for the encounter.
func (s *SessionStore) Exists(ctx context.Context, encounterID string) (bool, error) {
	_, err := s.Get(ctx, encounterID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Append adds a fragment to the encounter's buffer, creating the session on
// first write. The assigned sequence number comes from a counter that
// survives ring-buffer eviction, so checkpoints stay meaningful even after
// old fragments are dropped.
func (s *SessionStore) Append(ctx context.Context, encounterID, ownerID string, fragment models.SessionFragment) (*models.SessionFragment, error) {
	unlock, err := s.lock(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := time.Now()
	record, err := s.Get(ctx, encounterID)
	if errors.Is(err, ErrSessionNotFound) {
		record = &models.SessionRecord{
			EncounterID: encounterID,
			OwnerID:     ownerID,
			CreatedAt:   now,
		}
	} else if err != nil {
		return nil, err
	}

	record.TotalAppended++
	fragment.Seq = record.TotalAppended
	fragment.CreatedAt = now

	record.Fragments = append(record.Fragments, fragment)
	if len(record.Fragments) > MaxSessionFragments {
		// Oldest-first eviction keeps the buffer bounded.
		record.Fragments = record.Fragments[len(record.Fragments)-MaxSessionFragments:]
	}

	// Every append slides the expiry forward.
	record.ExpiresAt = now.Add(s.ttl)

	if err := s.persist(ctx, record); err != nil {
		return nil, err
	}

	return &fragment, nil
}

// ListSince returns fragments with Seq > sinceSeq in ascending order, plus
// the caller's next checkpoint. hasMore is set when eviction has already
// discarded fragments the caller never saw.
func (s *SessionStore) ListSince(ctx context.Context, encounterID string, sinceSeq int64) ([]models.SessionFragment, int64, bool, error) {
	record, err := s.Get(ctx, encounterID)
	if err != nil {
		return nil, sinceSeq, false, err
	}

	var out []models.SessionFragment
	for _, f := range record.Fragments {
		if f.Seq > sinceSeq {
			out = append(out, f)
		}
	}

	checkpoint := sinceSeq
	if n := len(out); n > 0 {
		checkpoint = out[n-1].Seq
	}

	// Gap detection: the oldest retained fragment is past the caller's
	// checkpoint+1 when eviction has run ahead of them.
	hasMore := false
	if len(record.Fragments) > 0 && record.Fragments[0].Seq > sinceSeq+1 {
		hasMore = true
	}

	return out, checkpoint, hasMore, nil
}

// Delete removes a session immediately (explicit end-of-encounter).
func (s *SessionStore) Delete(ctx context.Context, encounterID string) error {
	if err := s.cache.Delete(ctx, sessionKey(encounterID)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) persist(ctx context.Context, record *models.SessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return ErrSessionNotFound
	}
	if err := s.cache.Set(ctx, sessionKey(record.EncounterID), string(data), ttl); err != nil {
		return fmt.Errorf("failed to store session record: %w", err)
	}
	return nil
}

// lock acquires the per-encounter append lock, retrying briefly under
// contention. The returned func releases it.
func (s *SessionStore) lock(ctx context.Context, encounterID string) (func(), error) {
	lockKey := sessionLockKey(encounterID)
	lockValue := uuid.New().String()

	for attempt := 0; attempt < appendLockRetries; attempt++ {
		acquired, err := s.cache.AcquireLock(ctx, lockKey, lockValue, appendLockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire append lock: %w", err)
		}
		if acquired {
			return func() {
				if _, err := s.cache.ReleaseLock(context.WithoutCancel(ctx), lockKey, lockValue); err != nil {
					log.Printf("[SESSION] Warning: failed to release append lock for %s: %v", encounterID, err)
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(appendLockBackoff):
		}
	}

	return nil, fmt.Errorf("append lock contention on encounter %s", encounterID)
}
