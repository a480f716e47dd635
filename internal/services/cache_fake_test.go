package services

import (
	"context"
	"sync"
	"time"
)

// fakeCache is an in-memory Cache used by the store tests. It honors TTLs
// with wall-clock expiry and implements the same lock semantics as Redis
// SETNX + check-and-delete.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	locks   map[string]string
}

type fakeEntry struct {
	value     string
	expiresAt time.Time
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: make(map[string]fakeEntry),
		locks:   make(map[string]string),
	}
}

func (f *fakeCache) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(f.entries, key)
		return "", ErrCacheMiss
	}
	return entry.value, nil
}

func (f *fakeCache) Set(_ context.Context, key, value string, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = fakeEntry{value: value, expiresAt: time.Now().Add(expiration)}
	return nil
}

func (f *fakeCache) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.entries, key)
	}
	return nil
}

func (f *fakeCache) AcquireLock(_ context.Context, lockKey, lockValue string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.locks[lockKey]; held {
		return false, nil
	}
	f.locks[lockKey] = lockValue
	return true, nil
}

func (f *fakeCache) ReleaseLock(_ context.Context, lockKey, lockValue string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[lockKey] != lockValue {
		return false, nil
	}
	delete(f.locks, lockKey)
	return true, nil
}

// has reports whether a key is present without expiry bookkeeping.
func (f *fakeCache) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

// put injects a raw entry, bypassing Set. Used to stage expired records.
func (f *fakeCache) put(key, value string, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = fakeEntry{value: value, expiresAt: expiresAt}
}
