package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type SweepResult struct {
	Retried   int
	Permanent int
	Waiting   int
	Recovered int
}

// Sweeper repairs records the dispatcher left behind: it schedules FAILED
// records for retry with exponential backoff, escalates exhausted ones and
// recovers PROCESSING records abandoned by a crashed dispatcher.
type Sweeper struct {
	store  *Store
	config *Config
	now    func() time.Time
}

func NewSweeper(store *Store, config *Config) *Sweeper {
	return &Sweeper{
		store:  store,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("outbox sweeper start", "interval", s.config.SweepInterval, "max_retries", s.config.MaxRetries)
	defer slog.Info("outbox sweeper stop")

	sweep := time.NewTicker(s.config.SweepInterval)
	defer sweep.Stop()

	purgeInterval := s.config.PurgeInterval
	if purgeInterval <= 0 {
		purgeInterval = time.Hour
	}
	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			if _, err := s.SweepFailed(ctx); err != nil {
				slog.Error("outbox retry sweep", "error", err)
			}
			if _, err := s.SweepStale(ctx); err != nil {
				slog.Error("outbox stale sweep", "error", err)
			}
		case <-purge.C:
			if _, err := s.Purge(ctx); err != nil {
				slog.Error("outbox purge", "error", err)
			}
		}
	}
}

// SweepFailed resets FAILED records whose backoff has elapsed to PENDING and
// moves records that exhausted their retries to PERMANENTLY_FAILED.
func (s *Sweeper) SweepFailed(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	records, err := s.store.ListFailed(ctx, s.config.BatchSize)
	if err != nil {
		return result, err
	}

	now := s.now()
	var errs []error
	for _, rec := range records {
		if rec.RetryCount >= s.config.MaxRetries {
			ok, err := s.store.MarkPermanentlyFailed(ctx, rec.ID, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				result.Permanent++
				slog.Error("outbox record permanently failed",
					"outbox_id", rec.ID, "key", rec.IdempotencyKey, "retry_count", rec.RetryCount, "last_error", rec.LastError)
			}
			continue
		}

		due := rec.UpdatedAt.Add(Backoff(s.config.BackoffBase, s.config.BackoffMax, rec.RetryCount))
		if now.Before(due) {
			result.Waiting++
			continue
		}

		ok, err := s.store.ResetForRetry(ctx, rec.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			result.Retried++
		}
	}

	if result.Retried > 0 || result.Permanent > 0 {
		slog.Info("outbox retry sweep", "retried", result.Retried, "permanent", result.Permanent, "waiting", result.Waiting)
	}
	return result, errors.Join(errs...)
}

// SweepStale returns records stuck in PROCESSING beyond the staleness threshold to PENDING.
func (s *Sweeper) SweepStale(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	now := s.now()
	before := now.Add(-s.config.StaleAfter)
	records, err := s.store.ListStaleProcessing(ctx, before, s.config.BatchSize)
	if err != nil {
		return result, err
	}

	var errs []error
	for _, rec := range records {
		ok, err := s.store.RecoverStale(ctx, rec.ID, before, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			result.Recovered++
		}
	}

	if result.Recovered > 0 {
		slog.Warn("outbox recovered stale records", "count", result.Recovered)
	}
	return result, errors.Join(errs...)
}

// Purge removes SENT and PERMANENTLY_FAILED records past their retention.
func (s *Sweeper) Purge(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64

	if s.config.SentRetention > 0 {
		n, err := s.store.Purge(ctx, StatusSent, now.Add(-s.config.SentRetention))
		if err != nil {
			return total, err
		}
		total += n
	}
	if s.config.FailedRetention > 0 {
		n, err := s.store.Purge(ctx, StatusPermanentlyFailed, now.Add(-s.config.FailedRetention))
		if err != nil {
			return total, err
		}
		total += n
	}

	if total > 0 {
		slog.Info("outbox purged", "count", total)
	}
	return total, nil
}
