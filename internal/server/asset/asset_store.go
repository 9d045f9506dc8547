package asset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/fileflow/internal/db"
)

var ErrAssetNotFound = errors.New("asset not found")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		asset_id     TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		tenant_id    TEXT NOT NULL DEFAULT '',
		bucket       TEXT NOT NULL,
		storage_key  TEXT NOT NULL,
		file_name    TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		size         BIGINT NOT NULL,
		etag         TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   BIGINT NOT NULL,
		processed_at BIGINT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_assets_session ON assets (session_id)`,
}

type assetRow struct {
	ID          string        `db:"asset_id"`
	SessionID   string        `db:"session_id"`
	TenantID    string        `db:"tenant_id"`
	Bucket      string        `db:"bucket"`
	StorageKey  string        `db:"storage_key"`
	FileName    string        `db:"file_name"`
	ContentType string        `db:"content_type"`
	Size        int64         `db:"size"`
	ETag        string        `db:"etag"`
	Status      string        `db:"status"`
	CreatedAt   int64         `db:"created_at"`
	ProcessedAt sql.NullInt64 `db:"processed_at"`
}

func (r *assetRow) toAsset() *Asset {
	a := &Asset{
		ID:          r.ID,
		SessionID:   r.SessionID,
		TenantID:    r.TenantID,
		Bucket:      r.Bucket,
		StorageKey:  r.StorageKey,
		FileName:    r.FileName,
		ContentType: r.ContentType,
		Size:        r.Size,
		ETag:        r.ETag,
		Status:      Status(r.Status),
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
	}
	if r.ProcessedAt.Valid {
		t := time.UnixMilli(r.ProcessedAt.Int64).UTC()
		a.ProcessedAt = &t
	}
	return a
}

type Store struct {
	db *sqlx.DB
}

func NewStore(database *sqlx.DB) (*Store, error) {
	if err := db.Migrate(database, schema...); err != nil {
		return nil, fmt.Errorf("asset schema: %w", err)
	}
	return &Store{db: database}, nil
}

// Insert adds the asset within the caller's transaction. An existing asset with
// the same id is left untouched.
func (s *Store) Insert(ctx context.Context, q sqlx.ExtContext, a *Asset) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO assets (asset_id, session_id, tenant_id, bucket, storage_key, file_name, content_type, size, etag, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asset_id) DO NOTHING`),
		a.ID, a.SessionID, a.TenantID, a.Bucket, a.StorageKey, a.FileName, a.ContentType,
		a.Size, a.ETag, string(a.Status), a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert asset: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert asset: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Asset, error) {
	var row assetRow
	err := sqlx.GetContext(ctx, s.db, &row, s.db.Rebind(`SELECT * FROM assets WHERE asset_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssetNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return row.toAsset(), nil
}

// MarkProcessed flips a STORED asset to PROCESSED. It returns false if the
// asset was already processed.
func (s *Store) MarkProcessed(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE assets SET status = ?, processed_at = ? WHERE asset_id = ? AND status = ?`),
		string(StatusProcessed), now.UnixMilli(), id, string(StatusStored))
	if err != nil {
		return false, fmt.Errorf("failed to mark asset processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark asset processed: %w", err)
	}
	return n == 1, nil
}
