package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

const releaseTimeout = 5 * time.Second

// Guard grants single-holder access to a resource key across processes.
// Failing to acquire is a normal outcome, not an error.
type Guard struct {
	backend Backend
	prefix  string
	tries   uint
}

type GuardOption func(*Guard)

func WithPrefix(prefix string) GuardOption {
	return func(g *Guard) {
		g.prefix = prefix
	}
}

// WithAcquireTries bounds how often a failing backend call is retried.
func WithAcquireTries(n uint) GuardOption {
	return func(g *Guard) {
		if n > 0 {
			g.tries = n
		}
	}
}

func NewGuard(backend Backend, opts ...GuardOption) *Guard {
	g := &Guard{
		backend: backend,
		prefix:  DefaultPrefix,
		tries:   3,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handle is a held lock.
type Handle struct {
	backend Backend
	key     string
	token   string
}

func (h *Handle) Key() string {
	return h.key
}

// Release gives the lock up. Failures are logged; the TTL frees the key anyway.
func (h *Handle) Release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	released, err := h.backend.Release(ctx, h.key, h.token)
	if err != nil {
		slog.Warn("lock release", "key", h.key, "error", err)
	} else if !released {
		slog.Warn("lock expired before release", "key", h.key)
	}
}

// Extend pushes the expiry out to ttl from now. It reports false when the lock
// was already lost.
func (h *Handle) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	return h.backend.Extend(ctx, h.key, h.token, ttl)
}

// TryAcquire takes the lock on key for ttl. ok is false when someone else holds it.
func (g *Guard) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, bool, error) {
	if key == "" {
		return nil, false, errors.New("lock key required")
	}
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}

	fullKey := g.prefix + key
	token := uuid.NewString()

	ok, err := backoff.Retry(ctx, func() (bool, error) {
		ok, err := g.backend.AcquireIfAbsent(ctx, fullKey, token, ttl)
		if ctx.Err() != nil {
			return false, backoff.Permanent(ctx.Err())
		}
		return ok, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(g.tries))
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Handle{backend: g.backend, key: fullKey, token: token}, true, nil
}

// Do runs fn while holding the lock on key. It returns false without calling fn
// when the lock is held elsewhere.
func (g *Guard) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	h, ok, err := g.TryAcquire(ctx, key, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer h.Release(ctx)

	return true, fn(ctx)
}
