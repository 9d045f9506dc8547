package expiry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openmined/fileflow/internal/server/session"
)

// StaleFinder lists ids of sessions in a status created before a cutoff.
type StaleFinder interface {
	FindStale(ctx context.Context, status session.Status, createdBefore time.Time, limit int) ([]string, error)
}

type Expirer interface {
	Expire(ctx context.Context, sessionID, reason string) (bool, error)
}

type SweepResult struct {
	Processed int
	Expired   int
	Skipped   int
	Failed    int
}

// Sweeper is the fallback path: it expires sessions straight from the store
// for when cache notifications never arrive.
type Sweeper struct {
	finder  StaleFinder
	expirer Expirer
	config  *Config
	now     func() time.Time
}

func NewSweeper(finder StaleFinder, expirer Expirer, config *Config) *Sweeper {
	return &Sweeper{
		finder:  finder,
		expirer: expirer,
		config:  config,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	slog.Info("expiry sweeper started", "interval", s.config.SweepInterval)
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("expiry sweep", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep expires PREPARING and ACTIVE sessions older than their thresholds.
// Every session is expired in its own transaction.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()

	rules := []struct {
		status session.Status
		after  time.Duration
	}{
		{session.StatusPreparing, s.config.PreparingAfter},
		{session.StatusActive, s.config.ActiveAfter},
	}

	for _, rule := range rules {
		ids, err := s.finder.FindStale(ctx, rule.status, now.Add(-rule.after), s.config.BatchSize)
		if err != nil {
			return res, err
		}

		for _, id := range ids {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Processed++

			expired, err := s.expirer.Expire(ctx, id, "stale "+string(rule.status)+" session")
			switch {
			case errors.Is(err, session.ErrConcurrentModification), errors.Is(err, session.ErrIllegalSessionState):
				res.Skipped++
			case err != nil:
				res.Failed++
				slog.Warn("expire stale session", "session_id", id, "error", err)
			case expired:
				res.Expired++
			default:
				res.Skipped++
			}
		}
	}

	if res.Processed > 0 {
		slog.Info("expiry sweep", "processed", res.Processed, "expired", res.Expired,
			"skipped", res.Skipped, "failed", res.Failed)
	}
	return res, nil
}
