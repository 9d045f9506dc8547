package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryBackend holds locks in process. It serves single instance deployments
// that run without redis.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (b *MemoryBackend) AcquireIfAbsent(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if e, ok := b.entries[key]; ok && now.Before(e.expiresAt) && e.token != token {
		return false, nil
	}
	b.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.held(key)
	if !ok || e.token != token {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (b *MemoryBackend) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.held(key)
	if !ok || e.token != token {
		return false, nil
	}
	e.expiresAt = b.now().Add(ttl)
	b.entries[key] = e
	return true, nil
}

// held returns the live entry for key, dropping it when it has expired. Callers hold mu.
func (b *MemoryBackend) held(key string) (memoryEntry, bool) {
	e, ok := b.entries[key]
	if !ok {
		return e, false
	}
	if !b.now().Before(e.expiresAt) {
		delete(b.entries, key)
		return e, false
	}
	return e, true
}

var _ Backend = (*MemoryBackend)(nil)
