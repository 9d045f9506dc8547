package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmined/fileflow/internal/server/lock"
	"github.com/openmined/fileflow/internal/server/session"
)

const lockKeyPrefix = "session-expire:"

// DueExpirer expires a session once its lifetime has elapsed.
type DueExpirer interface {
	ExpireIfDue(ctx context.Context, sessionID string) (bool, error)
}

// Listener is the fast path: it expires sessions as their cache entries expire.
type Listener struct {
	cache   Cache
	expirer DueExpirer
	guard   *lock.Guard
	lockTTL time.Duration
}

func NewListener(cache Cache, expirer DueExpirer, guard *lock.Guard, lockTTL time.Duration) *Listener {
	return &Listener{
		cache:   cache,
		expirer: expirer,
		guard:   guard,
		lockTTL: lockTTL,
	}
}

func (l *Listener) Run(ctx context.Context) error {
	events, err := l.cache.Expirations(ctx)
	if err != nil {
		return fmt.Errorf("expiry listener: %w", err)
	}
	slog.Info("expiry listener started")

	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry listener stopped")
			return nil
		case sessionID, ok := <-events:
			if !ok {
				return nil
			}
			l.Handle(ctx, sessionID)
		}
	}
}

// Handle expires one session under a lock on its id. Duplicate notifications
// either lose the lock or find the session already terminal.
func (l *Listener) Handle(ctx context.Context, sessionID string) (bool, error) {
	var expired bool
	acquired, err := l.guard.Do(ctx, lockKeyPrefix+sessionID, l.lockTTL, func(ctx context.Context) error {
		var err error
		expired, err = l.expirer.ExpireIfDue(ctx, sessionID)
		return err
	})

	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrConcurrentModification):
		slog.Debug("expiry skipped", "session_id", sessionID, "reason", err)
		return false, nil
	case err != nil:
		slog.Error("expiry failed", "session_id", sessionID, "error", err)
		return false, err
	case !acquired:
		slog.Debug("expiry in progress elsewhere", "session_id", sessionID)
	case expired:
		slog.Info("session expired by cache notification", "session_id", sessionID)
	}
	return expired, nil
}
