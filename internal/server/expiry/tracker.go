package expiry

import (
	"context"
	"time"

	"github.com/openmined/fileflow/internal/codec"
	"github.com/openmined/fileflow/internal/server/session"
)

const minTrackTTL = time.Second

type snapshot struct {
	SessionID string    `json:"sessionId"`
	Status    string    `json:"status"`
	Type      string    `json:"uploadType"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Tracker mirrors live sessions into a Cache with a TTL equal to their remaining lifetime.
type Tracker struct {
	cache Cache
	now   func() time.Time
}

func NewTracker(cache Cache) *Tracker {
	return &Tracker{cache: cache, now: time.Now}
}

func (t *Tracker) Track(ctx context.Context, s *session.UploadSession) error {
	ttl := max(s.ExpiresAt.Sub(t.now()), minTrackTTL)
	data, err := codec.Marshal(&snapshot{
		SessionID: s.ID,
		Status:    string(s.Status),
		Type:      string(s.Type),
		ExpiresAt: s.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return t.cache.Set(ctx, s.ID, data, ttl)
}

func (t *Tracker) Forget(ctx context.Context, sessionID string) error {
	return t.cache.Delete(ctx, sessionID)
}

var _ session.Cache = (*Tracker)(nil)
