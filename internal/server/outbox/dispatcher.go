package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const notifyBuffer = 1024

// Publisher delivers a message to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

type DispatchResult struct {
	Claimed int
	Sent    int
	Failed  int
}

// Dispatcher publishes outbox records after their transaction commits.
// Commit hooks feed it record ids; a poll over PENDING records catches
// anything a hook missed.
type Dispatcher struct {
	store     *Store
	publisher Publisher
	config    *Config
	notify    chan string
	now       func() time.Time
}

func NewDispatcher(store *Store, publisher Publisher, config *Config) *Dispatcher {
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		config:    config,
		notify:    make(chan string, notifyBuffer),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Notify queues a committed record for immediate dispatch. It never blocks;
// when the queue is full the record waits for the next poll.
func (d *Dispatcher) Notify(outboxID string) {
	select {
	case d.notify <- outboxID:
	default:
		slog.Debug("outbox notify queue full", "outbox_id", outboxID)
	}
}

// Run dispatches notified records and polls for pending ones until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("outbox dispatcher start", "poll_interval", d.config.PollInterval, "batch", d.config.BatchSize)
	defer slog.Info("outbox dispatcher stop")

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-d.notify:
			if _, err := d.Dispatch(ctx, id); err != nil {
				slog.Error("outbox dispatch", "outbox_id", id, "error", err)
			}
		case <-ticker.C:
			if _, err := d.DispatchPending(ctx); err != nil {
				slog.Error("outbox dispatch pending", "error", err)
			}
		}
	}
}

// DispatchPending publishes one batch of PENDING records, oldest first.
func (d *Dispatcher) DispatchPending(ctx context.Context) (DispatchResult, error) {
	var result DispatchResult

	records, err := d.store.ListPending(ctx, d.config.BatchSize)
	if err != nil {
		return result, err
	}

	var errs []error
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		sent, err := d.dispatch(ctx, rec)
		switch {
		case err != nil:
			errs = append(errs, err)
		case sent == outcomeSent:
			result.Claimed++
			result.Sent++
		case sent == outcomeFailed:
			result.Claimed++
			result.Failed++
		}
	}

	if result.Claimed > 0 {
		slog.Info("outbox dispatched", "claimed", result.Claimed, "sent", result.Sent, "failed", result.Failed)
	}
	return result, errors.Join(errs...)
}

// Dispatch publishes a single record if it is still PENDING. It reports whether
// the record was published.
func (d *Dispatcher) Dispatch(ctx context.Context, outboxID string) (bool, error) {
	rec, err := d.store.Get(ctx, outboxID)
	if err != nil {
		return false, err
	}
	if rec.Status != StatusPending {
		return false, nil
	}
	res, err := d.dispatch(ctx, rec)
	return res == outcomeSent, err
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

func (d *Dispatcher) dispatch(ctx context.Context, rec *Record) (outcome, error) {
	claimed, err := d.store.Claim(ctx, rec.ID, d.now())
	if err != nil {
		return outcomeSkipped, err
	}
	if !claimed {
		// another dispatcher got there first
		return outcomeSkipped, nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.config.PublishTimeout)
	pubErr := d.publisher.Publish(pubCtx, MessageFor(rec))
	cancel()

	if pubErr != nil {
		slog.Warn("outbox publish failed",
			"outbox_id", rec.ID, "key", rec.IdempotencyKey, "retry_count", rec.RetryCount, "error", pubErr)
		if _, err := d.store.MarkFailed(ctx, rec.ID, pubErr.Error(), d.now()); err != nil {
			// the stale sweeper returns the record to PENDING
			return outcomeFailed, fmt.Errorf("record publish failure: %w", err)
		}
		return outcomeFailed, nil
	}

	if _, err := d.store.MarkSent(ctx, rec.ID, d.now()); err != nil {
		// published but unmarked: the stale sweeper will resend, consumers absorb the duplicate
		return outcomeSent, fmt.Errorf("mark outbox record sent: %w", err)
	}
	slog.Debug("outbox sent", "outbox_id", rec.ID, "event", rec.EventType, "aggregate_id", rec.AggregateID)
	return outcomeSent, nil
}
