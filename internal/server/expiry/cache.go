package expiry

import (
	"context"
	"time"
)

// KeyPrefix namespaces session entries in the cache.
const KeyPrefix = "upload:session:"

// Cache keeps a TTL entry per live session and reports the ids whose entries expired.
type Cache interface {
	Set(ctx context.Context, sessionID string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
	// Expirations streams session ids until ctx is done. Delivery is best effort.
	Expirations(ctx context.Context) (<-chan string, error)
}
