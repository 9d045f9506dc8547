package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/fileflow/internal/db"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS upload_sessions (
		session_id      TEXT PRIMARY KEY,
		upload_type     TEXT NOT NULL,
		tenant_id       TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL DEFAULT '',
		uploader_id     TEXT NOT NULL DEFAULT '',
		file_name       TEXT NOT NULL,
		content_type    TEXT NOT NULL DEFAULT '',
		declared_size   BIGINT NOT NULL DEFAULT 0,
		file_size       BIGINT,
		bucket          TEXT NOT NULL,
		storage_key     TEXT NOT NULL,
		status          TEXT NOT NULL,
		etag            TEXT NOT NULL DEFAULT '',
		failure_reason  TEXT NOT NULL DEFAULT '',
		result_asset_id TEXT,
		upload_id       TEXT,
		total_parts     INTEGER NOT NULL DEFAULT 0,
		part_size       BIGINT NOT NULL DEFAULT 0,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		expires_at      BIGINT NOT NULL,
		completed_at    BIGINT,
		version         BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_upload_sessions_status_created ON upload_sessions (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS multipart_parts (
		session_id  TEXT NOT NULL REFERENCES upload_sessions (session_id),
		part_number INTEGER NOT NULL,
		etag        TEXT NOT NULL,
		size        BIGINT NOT NULL,
		uploaded_at BIGINT NOT NULL,
		PRIMARY KEY (session_id, part_number)
	)`,
}

type sessionRow struct {
	ID             string         `db:"session_id"`
	Type           string         `db:"upload_type"`
	TenantID       string         `db:"tenant_id"`
	OrganizationID string         `db:"organization_id"`
	UploaderID     string         `db:"uploader_id"`
	FileName       string         `db:"file_name"`
	ContentType    string         `db:"content_type"`
	DeclaredSize   int64          `db:"declared_size"`
	FileSize       sql.NullInt64  `db:"file_size"`
	Bucket         string         `db:"bucket"`
	StorageKey     string         `db:"storage_key"`
	Status         string         `db:"status"`
	ETag           string         `db:"etag"`
	FailureReason  string         `db:"failure_reason"`
	ResultAssetID  sql.NullString `db:"result_asset_id"`
	UploadID       sql.NullString `db:"upload_id"`
	TotalParts     int            `db:"total_parts"`
	PartSize       int64          `db:"part_size"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
	ExpiresAt      int64          `db:"expires_at"`
	CompletedAt    sql.NullInt64  `db:"completed_at"`
	Version        int64          `db:"version"`
}

type partRow struct {
	SessionID  string `db:"session_id"`
	PartNumber int    `db:"part_number"`
	ETag       string `db:"etag"`
	Size       int64  `db:"size"`
	UploadedAt int64  `db:"uploaded_at"`
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func toRow(s *UploadSession) *sessionRow {
	row := &sessionRow{
		ID:             s.ID,
		Type:           string(s.Type),
		TenantID:       s.Owner.TenantID,
		OrganizationID: s.Owner.OrganizationID,
		UploaderID:     s.Owner.UserID,
		FileName:       s.FileName,
		ContentType:    s.ContentType,
		DeclaredSize:   s.DeclaredSize,
		Bucket:         s.Bucket,
		StorageKey:     s.StorageKey,
		Status:         string(s.Status),
		ETag:           s.ETag,
		FailureReason:  s.FailureReason,
		CreatedAt:      s.CreatedAt.UnixMilli(),
		UpdatedAt:      s.UpdatedAt.UnixMilli(),
		ExpiresAt:      s.ExpiresAt.UnixMilli(),
		Version:        s.Version,
	}
	if s.FileSize != nil {
		row.FileSize = sql.NullInt64{Int64: *s.FileSize, Valid: true}
	}
	if s.ResultAssetID != "" {
		row.ResultAssetID = sql.NullString{String: s.ResultAssetID, Valid: true}
	}
	if s.CompletedAt != nil {
		row.CompletedAt = sql.NullInt64{Int64: s.CompletedAt.UnixMilli(), Valid: true}
	}
	if s.Multipart != nil {
		row.UploadID = sql.NullString{String: s.Multipart.UploadID, Valid: s.Multipart.UploadID != ""}
		row.TotalParts = s.Multipart.TotalParts
		row.PartSize = s.Multipart.PartSize
	}
	return row
}

func (r *sessionRow) toSession(parts []partRow) *UploadSession {
	s := &UploadSession{
		ID:   r.ID,
		Type: UploadType(r.Type),
		Owner: Actor{
			TenantID:       r.TenantID,
			OrganizationID: r.OrganizationID,
			UserID:         r.UploaderID,
		},
		FileName:      r.FileName,
		ContentType:   r.ContentType,
		DeclaredSize:  r.DeclaredSize,
		Bucket:        r.Bucket,
		StorageKey:    r.StorageKey,
		Status:        Status(r.Status),
		ETag:          r.ETag,
		FailureReason: r.FailureReason,
		ResultAssetID: r.ResultAssetID.String,
		CreatedAt:     fromMillis(r.CreatedAt),
		UpdatedAt:     fromMillis(r.UpdatedAt),
		ExpiresAt:     fromMillis(r.ExpiresAt),
		Version:       r.Version,
	}
	if r.FileSize.Valid {
		size := r.FileSize.Int64
		s.FileSize = &size
	}
	if r.CompletedAt.Valid {
		t := fromMillis(r.CompletedAt.Int64)
		s.CompletedAt = &t
	}
	if s.Type == UploadMultipart {
		m := NewMultipartUpload(r.TotalParts, r.PartSize)
		m.UploadID = r.UploadID.String
		for _, p := range parts {
			m.parts[p.PartNumber] = Part{
				Number:     p.PartNumber,
				ETag:       p.ETag,
				Size:       p.Size,
				UploadedAt: fromMillis(p.UploadedAt),
			}
		}
		s.Multipart = m
	}
	return s
}

// Store persists sessions. Every write takes the executor so callers decide the
// transaction boundary.
type Store struct {
	db *sqlx.DB
}

func NewStore(database *sqlx.DB) (*Store, error) {
	if err := db.Migrate(database, schema...); err != nil {
		return nil, fmt.Errorf("session schema: %w", err)
	}
	return &Store{db: database}, nil
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Insert(ctx context.Context, q sqlx.ExtContext, sess *UploadSession) error {
	row := toRow(sess)
	_, err := sqlx.NamedExecContext(ctx, q, `
		INSERT INTO upload_sessions (
			session_id, upload_type, tenant_id, organization_id, uploader_id, file_name, content_type,
			declared_size, file_size, bucket, storage_key, status, etag, failure_reason, result_asset_id,
			upload_id, total_parts, part_size, created_at, updated_at, expires_at, completed_at, version
		) VALUES (
			:session_id, :upload_type, :tenant_id, :organization_id, :uploader_id, :file_name, :content_type,
			:declared_size, :file_size, :bucket, :storage_key, :status, :etag, :failure_reason, :result_asset_id,
			:upload_id, :total_parts, :part_size, :created_at, :updated_at, :expires_at, :completed_at, :version
		)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Update writes the session if nobody changed it since it was loaded, then bumps its version.
func (s *Store) Update(ctx context.Context, q sqlx.ExtContext, sess *UploadSession) error {
	row := toRow(sess)
	res, err := sqlx.NamedExecContext(ctx, q, `
		UPDATE upload_sessions SET
			status = :status,
			etag = :etag,
			failure_reason = :failure_reason,
			file_size = :file_size,
			result_asset_id = :result_asset_id,
			upload_id = :upload_id,
			updated_at = :updated_at,
			completed_at = :completed_at,
			version = version + 1
		WHERE session_id = :session_id AND version = :version`, row)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConcurrentModification, sess.ID)
	}
	sess.Version++
	return nil
}

// LockActive takes the row lock on an ACTIVE session without bumping its version.
// It reports false when the session is missing or no longer ACTIVE once the
// lock is granted.
func (s *Store) LockActive(ctx context.Context, q sqlx.ExtContext, id string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, q.Rebind(`
		UPDATE upload_sessions SET updated_at = ?
		WHERE session_id = ? AND status = ?`), now.UnixMilli(), id, string(StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to lock session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to lock session: %w", err)
	}
	return n == 1, nil
}

// SavePart upserts one multipart part row.
func (s *Store) SavePart(ctx context.Context, q sqlx.ExtContext, sessionID string, p Part) error {
	_, err := q.ExecContext(ctx, q.Rebind(`
		INSERT INTO multipart_parts (session_id, part_number, etag, size, uploaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, part_number) DO UPDATE SET
			etag = excluded.etag,
			size = excluded.size,
			uploaded_at = excluded.uploaded_at`),
		sessionID, p.Number, p.ETag, p.Size, p.UploadedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save part %d: %w", p.Number, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, q sqlx.ExtContext, id string) (*UploadSession, error) {
	var row sessionRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT * FROM upload_sessions WHERE session_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var parts []partRow
	if UploadType(row.Type) == UploadMultipart {
		err = sqlx.SelectContext(ctx, q, &parts,
			q.Rebind(`SELECT * FROM multipart_parts WHERE session_id = ? ORDER BY part_number`), id)
		if err != nil {
			return nil, fmt.Errorf("failed to get session parts: %w", err)
		}
	}
	return row.toSession(parts), nil
}

// FindStale returns ids of sessions in status created before the cutoff, oldest first.
func (s *Store) FindStale(ctx context.Context, status Status, createdBefore time.Time, limit int) ([]string, error) {
	var ids []string
	err := sqlx.SelectContext(ctx, s.db, &ids, s.db.Rebind(`
		SELECT session_id FROM upload_sessions
		WHERE status = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?`), string(status), createdBefore.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale sessions: %w", err)
	}
	return ids, nil
}

func (s *Store) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.db, &n, s.db.Rebind(`SELECT COUNT(*) FROM upload_sessions WHERE status = ?`), string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
