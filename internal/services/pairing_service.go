package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"scribesync/internal/models"

	gocache "github.com/patrickmn/go-cache"
)

// Pairing token configuration
const (
	DefaultPairingTokenTTL = 24 * time.Hour
	pairingTokenBytes      = 32 // 256 bits of entropy
	validateCacheTTL       = 30 * time.Second
)

var (
	ErrUnauthenticated = errors.New("caller identity required")
	ErrInvalidToken    = errors.New("pairing token missing, expired, or inactive")
)

// PairingService issues, validates, rotates, and revokes the short-lived
// tokens that let a secondary device join a clinician's encounter. Tokens
// live in the shared cache under two keys: the token record itself and an
// owner index that enforces at most one active token per owner.
type PairingService struct {
	cache    Cache
	audit    *AuditService
	tokenTTL time.Duration

	// validated-token cache: keeps Validate cheap at reconnect frequency
	recent *gocache.Cache
}

// NewPairingService creates a pairing service. audit may be nil.
func NewPairingService(cache Cache, audit *AuditService, tokenTTL time.Duration) *PairingService {
	if tokenTTL <= 0 {
		tokenTTL = DefaultPairingTokenTTL
	}
	return &PairingService{
		cache:    cache,
		audit:    audit,
		tokenTTL: tokenTTL,
		recent:   gocache.New(validateCacheTTL, 2*validateCacheTTL),
	}
}

func pairingTokenKey(token string) string { return "pairing:token:" + token }
func pairingOwnerKey(ownerID string) string { return "pairing:owner:" + ownerID }

// Issue returns the owner's active pairing token, creating one if needed.
// With forceRotate false an active, unexpired token is returned unchanged
// (idempotent re-fetch); otherwise all prior tokens are deactivated and a
// fresh one is minted.
func (s *PairingService) Issue(ctx context.Context, ownerID, encounterID string, forceRotate bool) (*models.PairingToken, error) {
	if ownerID == "" {
		return nil, ErrUnauthenticated
	}

	existingToken, err := s.cache.Get(ctx, pairingOwnerKey(ownerID))
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		return nil, fmt.Errorf("failed to read owner token index: %w", err)
	}

	if existingToken != "" {
		record, loadErr := s.load(ctx, existingToken)
		switch {
		case loadErr == nil && !forceRotate:
			// Idempotent re-fetch: refresh lastUsedAt, keep the token as-is.
			record.LastUsedAt = time.Now()
			if encounterID != "" {
				record.EncounterHint = encounterID
			}
			if err := s.persist(ctx, record, time.Until(record.ExpiresAt)); err != nil {
				return nil, err
			}
			return record, nil
		case loadErr == nil:
			// Explicit rotation: deactivate the still-valid prior token.
			s.recent.Delete(existingToken)
			if err := s.cache.Delete(ctx, pairingTokenKey(existingToken)); err != nil {
				log.Printf("[PAIRING] Warning: failed to delete rotated token: %v", err)
			}
			s.audit.Record(ctx, AuditTokenRotated, ownerID, "", nil)
		default:
			// Stale index entry (token expired or gone) — fall through and mint.
			s.recent.Delete(existingToken)
		}
	}

	token, err := generatePairingToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate pairing token: %w", err)
	}

	now := time.Now()
	record := &models.PairingToken{
		Token:         token,
		OwnerID:       ownerID,
		EncounterHint: encounterID,
		IsActive:      true,
		CreatedAt:     now,
		LastUsedAt:    now,
		ExpiresAt:     now.Add(s.tokenTTL),
	}

	if err := s.persist(ctx, record, s.tokenTTL); err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, pairingOwnerKey(ownerID), token, s.tokenTTL); err != nil {
		return nil, fmt.Errorf("failed to write owner token index: %w", err)
	}

	s.audit.Record(ctx, AuditTokenIssued, ownerID, "", map[string]interface{}{
		"token_prefix": token[:8],
		"expires_at":   record.ExpiresAt,
	})
	log.Printf("🔑 Pairing token issued for owner %s (expires %s)", ownerID, record.ExpiresAt.Format(time.RFC3339))

	return record, nil
}

// Validate resolves a pairing token to its owner. Missing, inactive, or
// expired tokens yield ErrInvalidToken; expired records found during lookup
// are deleted opportunistically.
func (s *PairingService) Validate(ctx context.Context, token string) (*models.PairingToken, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	// Fast path: recently validated, still inside its window. The Redis copy
	// refreshes at most once per validateCacheTTL; the caller still sees the
	// current use.
	if cached, ok := s.recent.Get(token); ok {
		record := cached.(*models.PairingToken)
		if time.Now().Before(record.ExpiresAt) {
			hot := *record
			hot.LastUsedAt = time.Now()
			return &hot, nil
		}
		s.recent.Delete(token)
	}

	record, err := s.load(ctx, token)
	if err != nil {
		return nil, err
	}

	record.LastUsedAt = time.Now()
	if err := s.persist(ctx, record, time.Until(record.ExpiresAt)); err != nil {
		log.Printf("[PAIRING] Warning: failed to refresh lastUsedAt: %v", err)
	}
	s.recent.Set(token, record, gocache.DefaultExpiration)

	return record, nil
}

// Revoke deactivates a token immediately (explicit unpair / logout).
func (s *PairingService) Revoke(ctx context.Context, token string) error {
	record, err := s.load(ctx, token)
	if err != nil {
		return err
	}

	s.recent.Delete(token)
	keys := []string{pairingTokenKey(token)}

	// Drop the owner index only if it still points at this token.
	current, err := s.cache.Get(ctx, pairingOwnerKey(record.OwnerID))
	if err == nil && current == token {
		keys = append(keys, pairingOwnerKey(record.OwnerID))
	}

	if err := s.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.audit.Record(ctx, AuditTokenRevoked, record.OwnerID, "", nil)
	log.Printf("🔒 Pairing token revoked for owner %s", record.OwnerID)
	return nil
}

// load fetches and checks a token record; expired records are reclaimed.
func (s *PairingService) load(ctx context.Context, token string) (*models.PairingToken, error) {
	raw, err := s.cache.Get(ctx, pairingTokenKey(token))
	if errors.Is(err, ErrCacheMiss) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token: %w", err)
	}

	var record models.PairingToken
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode token record: %w", err)
	}

	if !record.IsActive {
		return nil, ErrInvalidToken
	}

	if time.Now().After(record.ExpiresAt) {
		// Self-healing cleanup; Redis TTL will catch anything we miss.
		if delErr := s.cache.Delete(ctx, pairingTokenKey(token)); delErr != nil {
			log.Printf("[PAIRING] Warning: failed to reclaim expired token: %v", delErr)
		}
		return nil, ErrInvalidToken
	}

	return &record, nil
}

func (s *PairingService) persist(ctx context.Context, record *models.PairingToken, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidToken
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}
	if err := s.cache.Set(ctx, pairingTokenKey(record.Token), string(data), ttl); err != nil {
		return fmt.Errorf("failed to store token record: %w", err)
	}
	return nil
}

// generatePairingToken mints an unguessable URL-safe token.
func generatePairingToken() (string, error) {
	buf := make([]byte, pairingTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
