package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"scribesync/internal/middleware"
	"scribesync/internal/models"
	"scribesync/internal/services"

	"github.com/gofiber/fiber/v2"
)

// memCache is a minimal in-memory services.Cache for handler tests.
type memCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
	locks   map[string]string
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]memEntry), locks: make(map[string]string)}
}

func (m *memCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", services.ErrCacheMiss
	}
	return entry.value, nil
}

func (m *memCache) Set(_ context.Context, key, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expiresAt: time.Now().Add(expiration)}
	return nil
}

func (m *memCache) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *memCache) AcquireLock(_ context.Context, lockKey, lockValue string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[lockKey]; held {
		return false, nil
	}
	m.locks[lockKey] = lockValue
	return true, nil
}

func (m *memCache) ReleaseLock(_ context.Context, lockKey, lockValue string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[lockKey] != lockValue {
		return false, nil
	}
	delete(m.locks, lockKey)
	return true, nil
}

func setupTestApp(t *testing.T) (*fiber.App, *services.PairingService, *services.SyncService) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "development")

	cache := newMemCache()
	pairing := services.NewPairingService(cache, nil, 0)
	sessions := services.NewSessionStore(cache, 0)
	registry := services.NewConnectionRegistry(nil)
	syncSvc := services.NewSyncService(sessions, registry, nil, nil)

	app := fiber.New()
	authn := middleware.LocalAuthMiddleware(nil) // dev bypass: user_id=dev-user

	pairingHandler := NewPairingHandler(pairing, nil, "http://localhost:5173/pair")
	sessionsHandler := NewSessionsHandler(syncSvc, registry, nil, nil)

	streamHandler := NewSyncStreamHandler(pairing, syncSvc, registry, nil, nil, 0)
	app.Get("/api/stream/:token", streamHandler.Stream)

	app.Post("/api/pair", authn, pairingHandler.Pair)
	app.Delete("/api/pair", authn, pairingHandler.Unpair)
	app.Post("/api/sessions/:encounterId/fragments", authn, sessionsHandler.RecordFragment)
	app.Get("/api/sessions/:encounterId/fragments", authn, sessionsHandler.ListFragments)
	app.Delete("/api/sessions/:encounterId", authn, sessionsHandler.EndSession)
	app.Get("/api/connections/:ownerId?", authn, sessionsHandler.ListConnections)

	return app, pairing, syncSvc
}

func TestSyncStreamHandler_HeartbeatOnEveryIdleTick(t *testing.T) {
	// A quiet tick still produces a frame: the client distinguishes an idle
	// session from a dead stream within one poll interval.
	event := pollTickEvent("owner-1", &models.FetchSinceResponse{Checkpoint: 4})
	if event.Type != models.EventHeartbeat {
		t.Errorf("expected heartbeat on an idle tick, got %q", event.Type)
	}
	if event.Timestamp == nil {
		t.Error("expected heartbeat to carry a timestamp")
	}

	event = pollTickEvent("owner-1", &models.FetchSinceResponse{
		Fragments:  []models.SessionFragment{{Seq: 5, Payload: "word"}},
		Checkpoint: 5,
	})
	if event.Type != models.EventItemsReceived {
		t.Errorf("expected items_received, got %q", event.Type)
	}
	if event.Checkpoint != 5 || len(event.Items) != 1 {
		t.Errorf("unexpected tick payload %+v", event)
	}
}

func TestSyncStreamHandler_RejectsInvalidToken(t *testing.T) {
	app, _, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/stream/bogus-token?encounter_id=enc-1", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSyncStreamHandler_RequiresEncounterID(t *testing.T) {
	app, pairing, _ := setupTestApp(t)

	issued, err := pairing.Issue(context.Background(), "dev-user", "", false)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/api/stream/"+issued.Token, nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPairingHandler_PairIsIdempotent(t *testing.T) {
	app, _, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest("POST", "/api/pair", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var first models.PairResponse
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if first.Token == "" {
		t.Fatal("expected a token")
	}
	if !strings.Contains(first.PairingURL, first.Token) {
		t.Errorf("pairing URL %q should embed the token", first.PairingURL)
	}

	resp, err = app.Test(httptest.NewRequest("POST", "/api/pair", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	var second models.PairResponse
	body, _ = io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if second.Token != first.Token {
		t.Error("expected repeated pair calls to return the same token")
	}
}

func TestPairingHandler_Unpair(t *testing.T) {
	app, pairing, _ := setupTestApp(t)

	issued, err := pairing.Issue(context.Background(), "dev-user", "", false)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	req := httptest.NewRequest("DELETE", "/api/pair", strings.NewReader(`{"token":"`+issued.Token+`"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// Second revoke: the token is already gone
	req = httptest.NewRequest("DELETE", "/api/pair", strings.NewReader(`{"token":"`+issued.Token+`"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("expected 404 for unknown token, got %d", resp.StatusCode)
	}
}

func TestSessionsHandler_RecordAndListFragments(t *testing.T) {
	app, _, _ := setupTestApp(t)

	req := httptest.NewRequest("POST", "/api/sessions/enc-1/fragments", strings.NewReader(`{"payload":"bp 120 over 80","origin_device":"phone"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	var recorded models.RecordFragmentResponse
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &recorded); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if recorded.Checkpoint != 1 {
		t.Errorf("expected checkpoint 1, got %d", recorded.Checkpoint)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/api/sessions/enc-1/fragments?since=0", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var listed models.FetchSinceResponse
	body, _ = io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(listed.Fragments) != 1 || listed.Fragments[0].Payload != "bp 120 over 80" {
		t.Errorf("unexpected fragments %+v", listed.Fragments)
	}
}

func TestSessionsHandler_RecordFragmentRequiresPayload(t *testing.T) {
	app, _, _ := setupTestApp(t)

	req := httptest.NewRequest("POST", "/api/sessions/enc-1/fragments", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSessionsHandler_ListFragmentsMissingSession(t *testing.T) {
	app, _, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/sessions/enc-missing/fragments", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSessionsHandler_EndSession(t *testing.T) {
	app, _, syncSvc := setupTestApp(t)

	if _, err := syncSvc.RecordFragment(context.Background(), "enc-1", "dev-user", models.RecordFragmentRequest{
		Payload:      "line",
		OriginDevice: "phone",
	}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	resp, err := app.Test(httptest.NewRequest("DELETE", "/api/sessions/enc-1", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/api/sessions/enc-1/fragments", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("expected 404 after end, got %d", resp.StatusCode)
	}
}

func TestSessionsHandler_ListConnections(t *testing.T) {
	app, _, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/connections", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		Count int `json:"count"`
		Stats struct {
			Push int `json:"push"`
			Poll int `json:"poll"`
		} `json:"stats"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Count != 0 {
		t.Errorf("expected no connections, got %d", payload.Count)
	}
	if payload.Stats.Push != 0 || payload.Stats.Poll != 0 {
		t.Errorf("expected empty stats, got %+v", payload.Stats)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/api/connections/someone-else", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusForbidden {
		t.Errorf("expected 403 for another owner, got %d", resp.StatusCode)
	}
}

func TestSessionsHandler_ListConnectionsAdmin(t *testing.T) {
	cache := newMemCache()
	registry := services.NewConnectionRegistry(nil)
	registry.Register(models.NewDeviceConnection("owner-1", "phone-1", "Phone", models.TransportPush))
	registry.Register(models.NewDeviceConnection("owner-1", "tablet-1", "Tablet", models.TransportPoll))
	syncSvc := services.NewSyncService(services.NewSessionStore(cache, 0), registry, nil, nil)
	sessionsHandler := NewSessionsHandler(syncSvc, registry, nil, nil)

	app := fiber.New()
	app.Get("/api/connections/:ownerId?", func(c *fiber.Ctx) error {
		c.Locals("user_id", "admin-1")
		c.Locals("user_role", "admin")
		return c.Next()
	}, sessionsHandler.ListConnections)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/connections/owner-1", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.StatusCode)
	}

	var payload struct {
		Count int `json:"count"`
		Stats struct {
			Push int `json:"push"`
			Poll int `json:"poll"`
		} `json:"stats"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Count != 2 {
		t.Errorf("expected 2 connections, got %d", payload.Count)
	}
	if payload.Stats.Push != 1 || payload.Stats.Poll != 1 {
		t.Errorf("unexpected transport stats %+v", payload.Stats)
	}
}
