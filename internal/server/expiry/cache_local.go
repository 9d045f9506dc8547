package expiry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type localEntry struct {
	value   []byte
	dropped atomic.Bool
}

// LocalCache keeps session entries in process for deployments without redis.
// The expirable LRU has one TTL per instance, so entries are grouped by TTL.
type LocalCache struct {
	mu     sync.Mutex
	size   int
	lrus   map[time.Duration]*expirable.LRU[string, *localEntry]
	events chan string
}

func NewLocalCache(size int) *LocalCache {
	return &LocalCache{
		size:   size,
		lrus:   make(map[time.Duration]*expirable.LRU[string, *localEntry]),
		events: make(chan string, 1024),
	}
}

func (c *LocalCache) Set(_ context.Context, sessionID string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for d, lru := range c.lrus {
		if d != ttl {
			c.drop(lru, sessionID)
		}
	}

	lru, ok := c.lrus[ttl]
	if !ok {
		lru = expirable.NewLRU[string, *localEntry](c.size, c.onEvict, ttl)
		c.lrus[ttl] = lru
	}
	lru.Add(sessionID, &localEntry{value: value})
	return nil
}

func (c *LocalCache) Delete(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, lru := range c.lrus {
		c.drop(lru, sessionID)
	}
	return nil
}

// Get returns the stored value while the entry is live.
func (c *LocalCache) Get(sessionID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, lru := range c.lrus {
		if e, ok := lru.Get(sessionID); ok {
			return e.value, true
		}
	}
	return nil, false
}

func (c *LocalCache) Expirations(ctx context.Context) (<-chan string, error) {
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-c.events:
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// drop removes an entry without reporting it as expired.
func (c *LocalCache) drop(lru *expirable.LRU[string, *localEntry], sessionID string) {
	if e, ok := lru.Peek(sessionID); ok {
		e.dropped.Store(true)
		lru.Remove(sessionID)
	}
}

// onEvict runs under the LRU lock and must not block.
func (c *LocalCache) onEvict(sessionID string, e *localEntry) {
	if e.dropped.Load() {
		return
	}
	select {
	case c.events <- sessionID:
	default:
		slog.Warn("local session cache event dropped", "session_id", sessionID)
	}
}

var _ Cache = (*LocalCache)(nil)
