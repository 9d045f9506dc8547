package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/fileflow/internal/db"
)

var ErrRecordNotFound = errors.New("outbox record not found")

const maxLastErrorLen = 1024

var schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
		outbox_id       TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		aggregate_id    TEXT NOT NULL,
		status          TEXT NOT NULL,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT NOT NULL DEFAULT '',
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_idempotency_key ON outbox (idempotency_key)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_status_updated ON outbox (status, updated_at)`,
}

type recordRow struct {
	ID             string `db:"outbox_id"`
	IdempotencyKey string `db:"idempotency_key"`
	EventType      string `db:"event_type"`
	AggregateID    string `db:"aggregate_id"`
	Status         string `db:"status"`
	RetryCount     int    `db:"retry_count"`
	LastError      string `db:"last_error"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r *recordRow) toRecord() *Record {
	return &Record{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      r.EventType,
		AggregateID:    r.AggregateID,
		Status:         Status(r.Status),
		RetryCount:     r.RetryCount,
		LastError:      r.LastError,
		CreatedAt:      time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:      time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

const selectColumns = `outbox_id, idempotency_key, event_type, aggregate_id, status, retry_count, last_error, created_at, updated_at`

// Store persists outbox records. Status changes are compare-and-set on the
// current status so that competing dispatchers and sweepers serialize per record.
type Store struct {
	db *sqlx.DB
}

func NewStore(database *sqlx.DB) (*Store, error) {
	if err := db.Migrate(database, schema...); err != nil {
		return nil, fmt.Errorf("outbox schema: %w", err)
	}
	return &Store{db: database}, nil
}

// Insert adds a record within the caller's transaction. It returns false when a
// record with the same idempotency key already exists.
func (s *Store) Insert(ctx context.Context, q sqlx.ExtContext, rec *Record) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO outbox (`+selectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`),
		rec.ID, rec.IdempotencyKey, rec.EventType, rec.AggregateID, string(rec.Status),
		rec.RetryCount, rec.LastError, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox record: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	return s.getBy(ctx, "outbox_id", id)
}

func (s *Store) GetByKey(ctx context.Context, key string) (*Record, error) {
	return s.getBy(ctx, "idempotency_key", key)
}

func (s *Store) getBy(ctx context.Context, column, value string) (*Record, error) {
	var row recordRow
	err := sqlx.GetContext(ctx, s.db, &row,
		s.db.Rebind(`SELECT `+selectColumns+` FROM outbox WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get outbox record: %w", err)
	}
	return row.toRecord(), nil
}

// ListPending returns PENDING records, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*Record, error) {
	return s.list(ctx, `status = ? ORDER BY created_at ASC LIMIT ?`, string(StatusPending), limit)
}

// ListFailed returns FAILED records, least recently updated first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]*Record, error) {
	return s.list(ctx, `status = ? ORDER BY updated_at ASC LIMIT ?`, string(StatusFailed), limit)
}

// ListStaleProcessing returns PROCESSING records not touched since before.
func (s *Store) ListStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	return s.list(ctx, `status = ? AND updated_at < ? ORDER BY updated_at ASC LIMIT ?`,
		string(StatusProcessing), before.UnixMilli(), limit)
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]*Record, error) {
	var rows []recordRow
	err := sqlx.SelectContext(ctx, s.db, &rows,
		s.db.Rebind(`SELECT `+selectColumns+` FROM outbox WHERE `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox records: %w", err)
	}
	records := make([]*Record, len(rows))
	for i := range rows {
		records[i] = rows[i].toRecord()
	}
	return records, nil
}

// Claim moves a PENDING record to PROCESSING.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.transition(ctx, id, StatusPending, StatusProcessing, now, change{})
}

func (s *Store) MarkSent(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.transition(ctx, id, StatusProcessing, StatusSent, now, change{})
}

// MarkFailed records a failed publish and bumps the retry count.
func (s *Store) MarkFailed(ctx context.Context, id string, cause string, now time.Time) (bool, error) {
	if len(cause) > maxLastErrorLen {
		// drop a rune split by the cut
		cause = strings.ToValidUTF8(cause[:maxLastErrorLen], "")
	}
	return s.transition(ctx, id, StatusProcessing, StatusFailed, now, change{
		set:     `, retry_count = retry_count + 1, last_error = ?`,
		setArgs: []any{cause},
	})
}

// ResetForRetry hands a FAILED record back to the dispatcher. The retry count is kept.
func (s *Store) ResetForRetry(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.transition(ctx, id, StatusFailed, StatusPending, now, change{})
}

func (s *Store) MarkPermanentlyFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.transition(ctx, id, StatusFailed, StatusPermanentlyFailed, now, change{})
}

// RecoverStale returns a PROCESSING record to PENDING if it is still older than before.
func (s *Store) RecoverStale(ctx context.Context, id string, before, now time.Time) (bool, error) {
	return s.transition(ctx, id, StatusProcessing, StatusPending, now, change{
		where:     ` AND updated_at < ?`,
		whereArgs: []any{before.UnixMilli()},
	})
}

type change struct {
	set       string
	setArgs   []any
	where     string
	whereArgs []any
}

func (s *Store) transition(ctx context.Context, id string, from, to Status, now time.Time, c change) (bool, error) {
	query := `UPDATE outbox SET status = ?, updated_at = ?` + c.set + ` WHERE outbox_id = ? AND status = ?` + c.where

	params := []any{string(to), now.UnixMilli()}
	params = append(params, c.setArgs...)
	params = append(params, id, string(from))
	params = append(params, c.whereArgs...)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), params...)
	if err != nil {
		return false, fmt.Errorf("failed to move outbox record %s from %s to %s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to move outbox record %s: %w", id, err)
	}
	return n == 1, nil
}

// Purge deletes records in a terminal status last updated before the cutoff.
func (s *Store) Purge(ctx context.Context, status Status, before time.Time) (int64, error) {
	if !status.IsTerminal() {
		return 0, fmt.Errorf("refusing to purge non-terminal status %s", status)
	}
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM outbox WHERE status = ? AND updated_at < ?`),
		string(status), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox records: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.db, &n, s.db.Rebind(`SELECT COUNT(*) FROM outbox WHERE status = ?`), string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox records: %w", err)
	}
	return n, nil
}
