package lock

import (
	"context"
	"time"
)

// Backend is an atomic key store with expiry. AcquireIfAbsent also succeeds when
// token already owns the key, so a retry after a lost reply keeps the lock.
// Release and Extend only act when token still owns the key.
type Backend interface {
	AcquireIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}
