package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/fileflow/internal/db"
	"github.com/openmined/fileflow/internal/server/asset"
	"github.com/openmined/fileflow/internal/server/blob"
	"github.com/openmined/fileflow/internal/server/outbox"
	"github.com/openmined/fileflow/internal/utils"
)

const (
	maxFileNameLen = 255
	reasonCanceled = "cancelled by client"
	reasonTTL      = "session ttl elapsed"
	cacheTimeout   = 5 * time.Second
)

// Notifier is told about outbox records once their transaction has committed.
type Notifier interface {
	Notify(outboxID string)
}

// Cache mirrors live sessions with a TTL so that their expiry can be observed.
type Cache interface {
	Track(ctx context.Context, s *UploadSession) error
	Forget(ctx context.Context, sessionID string) error
}

type CreateRequest struct {
	FileName    string
	ContentType string
	FileSize    int64
	// PartSize applies to multipart uploads only
	PartSize int64
}

type PartURL struct {
	PartNumber int
	URL        string
}

type CreateResult struct {
	Session      *UploadSession
	UploadURL    string
	PartURLs     []PartURL
	URLExpiresAt time.Time
}

// Service runs the upload session use cases. Each use case opens at most one
// transaction; storage calls happen outside of it.
type Service struct {
	db       *sqlx.DB
	store    *Store
	assets   *asset.Store
	outbox   *outbox.Store
	issuer   blob.PresignedUrlIssuer
	cache    Cache
	notifier Notifier
	config   *Config
	now      func() time.Time
}

type Option func(*Service)

func WithCache(cache Cache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(store *Store, assets *asset.Store, outboxStore *outbox.Store, issuer blob.PresignedUrlIssuer, config *Config, opts ...Option) *Service {
	s := &Service{
		db:     store.DB(),
		store:  store,
		assets: assets,
		outbox: outboxStore,
		issuer: issuer,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Get(ctx context.Context, sessionID string) (*UploadSession, error) {
	return s.store.Get(ctx, s.db, sessionID)
}

// ===================================================================================================

// CreateSingle opens a single-shot upload and returns its signed PUT URL.
func (s *Service) CreateSingle(ctx context.Context, actor Actor, req CreateRequest) (*CreateResult, error) {
	if err := validateFileName(req.FileName); err != nil {
		return nil, err
	}
	if err := s.config.Policy.ValidateSingle(req.FileSize); err != nil {
		return nil, err
	}

	sess := s.newSession(actor, req, UploadSingle, s.config.SingleTTL, 0)
	if err := s.store.Insert(ctx, s.db, sess); err != nil {
		return nil, err
	}

	storageCtx, cancel := context.WithTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	url, err := s.issuer.IssuePutURL(storageCtx, &blob.PutURLParams{
		Bucket:      sess.Bucket,
		Key:         sess.StorageKey,
		ContentType: sess.ContentType,
		TTL:         s.config.URLTTL,
	})
	if err != nil {
		return nil, s.abandon(ctx, sess, "issue upload url", err)
	}

	now := s.now()
	if err := sess.Activate(now); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, s.db, sess); err != nil {
		return nil, err
	}
	s.track(ctx, sess)

	slog.Info("upload session created", "session_id", sess.ID, "type", sess.Type,
		"size", humanize.IBytes(uint64(req.FileSize)), "tenant", actor.TenantID)

	return &CreateResult{
		Session:      sess,
		UploadURL:    url,
		URLExpiresAt: now.Add(s.config.URLTTL),
	}, nil
}

// CreateMultipart initiates a storage multipart upload and signs a URL per part.
func (s *Service) CreateMultipart(ctx context.Context, actor Actor, req CreateRequest) (*CreateResult, error) {
	if err := validateFileName(req.FileName); err != nil {
		return nil, err
	}
	totalParts, err := s.config.Policy.PlanMultipart(req.FileSize, req.PartSize)
	if err != nil {
		return nil, err
	}

	sess := s.newSession(actor, req, UploadMultipart, s.config.MultipartTTL, totalParts)
	if err := s.store.Insert(ctx, s.db, sess); err != nil {
		return nil, err
	}

	storageCtx, cancel := context.WithTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	uploadID, err := s.issuer.InitiateMultipart(storageCtx, &blob.InitiateMultipartParams{
		Bucket:      sess.Bucket,
		Key:         sess.StorageKey,
		ContentType: sess.ContentType,
	})
	if err != nil {
		return nil, s.abandon(ctx, sess, "initiate multipart", err)
	}

	urls := make([]PartURL, 0, totalParts)
	for n := 1; n <= totalParts; n++ {
		url, err := s.issuer.IssuePartURL(storageCtx, &blob.PartURLParams{
			Bucket:     sess.Bucket,
			Key:        sess.StorageKey,
			UploadID:   uploadID,
			PartNumber: n,
			TTL:        s.config.URLTTL,
		})
		if err != nil {
			s.abort(ctx, sess, uploadID)
			return nil, s.abandon(ctx, sess, fmt.Sprintf("issue part %d url", n), err)
		}
		urls = append(urls, PartURL{PartNumber: n, URL: url})
	}

	now := s.now()
	if err := sess.ActivateMultipart(uploadID, now); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, s.db, sess); err != nil {
		return nil, err
	}
	s.track(ctx, sess)

	slog.Info("upload session created", "session_id", sess.ID, "type", sess.Type, "parts", totalParts,
		"size", humanize.IBytes(uint64(req.FileSize)), "tenant", actor.TenantID)

	return &CreateResult{
		Session:      sess,
		PartURLs:     urls,
		URLExpiresAt: now.Add(s.config.URLTTL),
	}, nil
}

// PartURL signs a fresh upload URL for one part of an active multipart session.
func (s *Service) PartURL(ctx context.Context, sessionID string, partNumber int) (string, error) {
	sess, err := s.store.Get(ctx, s.db, sessionID)
	if err != nil {
		return "", err
	}
	if err := sess.guardUploadable(s.now()); err != nil {
		return "", err
	}
	if !sess.IsMultipart() {
		return "", ErrNotMultipart
	}
	if partNumber < 1 || partNumber > sess.Multipart.TotalParts {
		return "", fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidPartNumber, partNumber, sess.Multipart.TotalParts)
	}

	storageCtx, cancel := context.WithTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	return s.issuer.IssuePartURL(storageCtx, &blob.PartURLParams{
		Bucket:     sess.Bucket,
		Key:        sess.StorageKey,
		UploadID:   sess.Multipart.UploadID,
		PartNumber: partNumber,
		TTL:        s.config.URLTTL,
	})
}

// RecordPart stores the result of one part upload reported by the client.
func (s *Service) RecordPart(ctx context.Context, sessionID string, partNumber int, etag string, size int64) (*UploadSession, error) {
	var recorded *UploadSession
	err := db.RunInTx(ctx, s.db, func(tx *db.Tx) error {
		now := s.now()
		// serializes with a concurrent Complete, Fail or Expire on the same row
		locked, err := s.store.LockActive(ctx, tx, sessionID, now)
		if err != nil {
			return err
		}
		current, err := s.store.Get(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := current.RecordPart(partNumber, etag, size, now); err != nil {
			return err
		}
		if !locked {
			return fmt.Errorf("%w: %s", ErrConcurrentModification, sessionID)
		}
		part, _ := current.Multipart.Part(partNumber)
		if err := s.store.SavePart(ctx, tx, sessionID, part); err != nil {
			return err
		}
		recorded = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recorded, nil
}

// Complete confirms the upload with storage, then in one transaction marks the
// session COMPLETED, stores the asset and queues the UploadCompleted event.
func (s *Service) Complete(ctx context.Context, sessionID string) (*UploadSession, error) {
	sess, err := s.store.Get(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.CanComplete(s.now()); err != nil {
		return nil, err
	}

	etag, size, err := s.confirmUpload(ctx, sess)
	if err != nil {
		return nil, err
	}

	assetID := asset.IDForSession(sess.ID)
	var completed *UploadSession
	err = db.RunInTx(ctx, s.db, func(tx *db.Tx) error {
		current, err := s.store.Get(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		now := s.now()
		if err := current.Complete(Completion{AssetID: assetID, ETag: etag, Size: size}, now); err != nil {
			return err
		}
		if err := s.store.Update(ctx, tx, current); err != nil {
			return err
		}

		_, err = s.assets.Insert(ctx, tx, &asset.Asset{
			ID:          assetID,
			SessionID:   current.ID,
			TenantID:    current.Owner.TenantID,
			Bucket:      current.Bucket,
			StorageKey:  current.StorageKey,
			FileName:    current.FileName,
			ContentType: current.ContentType,
			Size:        size,
			ETag:        etag,
			Status:      asset.StatusStored,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}

		for _, evt := range current.PollEvents() {
			rec := outbox.NewRecord(string(evt.Type), asset.AggregateKind, evt.AssetID, now)
			created, err := s.outbox.Insert(ctx, tx, rec)
			if err != nil {
				return err
			}
			if created && s.notifier != nil {
				tx.AfterCommit(func() { s.notifier.Notify(rec.ID) })
			}
		}

		tx.AfterCommit(func() { s.forget(current.ID) })
		completed = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("upload completed", "session_id", completed.ID, "asset_id", assetID,
		"size", humanize.IBytes(uint64(size)))
	return completed, nil
}

// Cancel fails a live session on client request.
func (s *Service) Cancel(ctx context.Context, sessionID string) (*UploadSession, error) {
	return s.Fail(ctx, sessionID, reasonCanceled)
}

// Fail moves a live session to FAILED and aborts its storage multipart upload.
func (s *Service) Fail(ctx context.Context, sessionID, reason string) (*UploadSession, error) {
	var failed *UploadSession
	err := db.RunInTx(ctx, s.db, func(tx *db.Tx) error {
		current, err := s.store.Get(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := current.Fail(reason, s.now()); err != nil {
			return err
		}
		if err := s.store.Update(ctx, tx, current); err != nil {
			return err
		}
		tx.AfterCommit(func() { s.forget(current.ID) })
		failed = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.abortMultipart(ctx, failed)
	slog.Info("upload session failed", "session_id", failed.ID, "reason", reason)
	return failed, nil
}

// Expire moves a live session to EXPIRED. It reports false when the session was
// already terminal.
func (s *Service) Expire(ctx context.Context, sessionID, reason string) (bool, error) {
	return s.expire(ctx, sessionID, reason, false)
}

// ExpireIfDue expires a live session only once its TTL has elapsed.
func (s *Service) ExpireIfDue(ctx context.Context, sessionID string) (bool, error) {
	return s.expire(ctx, sessionID, reasonTTL, true)
}

func (s *Service) expire(ctx context.Context, sessionID, reason string, onlyDue bool) (bool, error) {
	var expired *UploadSession
	err := db.RunInTx(ctx, s.db, func(tx *db.Tx) error {
		current, err := s.store.Get(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		now := s.now()
		if current.Status.IsTerminal() || (onlyDue && !current.IsExpired(now)) {
			return nil
		}
		if err := current.Expire(reason, now); err != nil {
			return err
		}
		if err := s.store.Update(ctx, tx, current); err != nil {
			return err
		}
		tx.AfterCommit(func() { s.forget(current.ID) })
		expired = current
		return nil
	})
	if err != nil || expired == nil {
		return false, err
	}

	s.abortMultipart(ctx, expired)
	slog.Info("upload session expired", "session_id", expired.ID, "reason", reason)
	return true, nil
}

// ===================================================================================================

func (s *Service) newSession(actor Actor, req CreateRequest, typ UploadType, ttl time.Duration, totalParts int) *UploadSession {
	id := uuid.NewString()
	contentType := req.ContentType
	if contentType == "" {
		contentType = utils.DetectContentType(req.FileName)
	}
	return New(id, NewParams{
		Type:         typ,
		Owner:        actor,
		FileName:     req.FileName,
		ContentType:  contentType,
		DeclaredSize: req.FileSize,
		Bucket:       s.config.Bucket,
		StorageKey:   blob.UploadKey(actor.TenantID, id, req.FileName),
		TTL:          ttl,
		TotalParts:   totalParts,
		PartSize:     req.PartSize,
	}, s.now())
}

func (s *Service) confirmUpload(ctx context.Context, sess *UploadSession) (string, int64, error) {
	storageCtx, cancel := context.WithTimeout(ctx, s.config.StorageTimeout)
	defer cancel()

	if !sess.IsMultipart() {
		info, err := s.issuer.StatObject(storageCtx, sess.Bucket, sess.StorageKey)
		if errors.Is(err, blob.ErrObjectNotFound) {
			return "", 0, fmt.Errorf("%w: %s", ErrUploadNotConfirmed, sess.StorageKey)
		} else if err != nil {
			return "", 0, fmt.Errorf("confirm upload: %w", err)
		}
		return info.ETag, info.Size, nil
	}

	parts, err := sess.Multipart.AssembleCompletionRequest()
	if err != nil {
		return "", 0, err
	}
	completedParts := make([]blob.CompletedPart, len(parts))
	for i, p := range parts {
		completedParts[i] = blob.CompletedPart{PartNumber: p.Number, ETag: p.ETag}
	}

	res, err := s.issuer.CompleteMultipart(storageCtx, &blob.CompleteMultipartParams{
		Bucket:   sess.Bucket,
		Key:      sess.StorageKey,
		UploadID: sess.Multipart.UploadID,
		Parts:    completedParts,
	})
	if errors.Is(err, blob.ErrUploadNotFound) {
		// an earlier attempt assembled the object but never committed
		info, statErr := s.issuer.StatObject(storageCtx, sess.Bucket, sess.StorageKey)
		if statErr != nil {
			return "", 0, fmt.Errorf("complete multipart: %w", err)
		}
		return info.ETag, info.Size, nil
	} else if err != nil {
		return "", 0, fmt.Errorf("complete multipart: %w", err)
	}
	return res.ETag, sess.Multipart.TotalSize(), nil
}

// abandon handles a storage failure while a session is being prepared. Transient
// failures leave the session PREPARING for the expiry sweep; others fail it.
func (s *Service) abandon(ctx context.Context, sess *UploadSession, op string, cause error) error {
	err := fmt.Errorf("%s: %w", op, cause)

	var storageErr *blob.StorageError
	if errors.As(cause, &storageErr) && storageErr.Transient() {
		return err
	}
	if failErr := sess.Fail(err.Error(), s.now()); failErr != nil {
		return err
	}
	if updateErr := s.store.Update(ctx, s.db, sess); updateErr != nil {
		slog.Warn("mark session failed", "session_id", sess.ID, "error", updateErr)
	}
	return err
}

func (s *Service) abortMultipart(ctx context.Context, sess *UploadSession) {
	if !sess.IsMultipart() || sess.Multipart.UploadID == "" {
		return
	}
	s.abort(ctx, sess, sess.Multipart.UploadID)
}

func (s *Service) abort(ctx context.Context, sess *UploadSession, uploadID string) {
	storageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StorageTimeout)
	defer cancel()

	err := s.issuer.AbortMultipart(storageCtx, &blob.AbortMultipartParams{
		Bucket:   sess.Bucket,
		Key:      sess.StorageKey,
		UploadID: uploadID,
	})
	if err != nil {
		slog.Warn("abort multipart upload", "session_id", sess.ID, "upload_id", uploadID, "error", err)
	}
}

func (s *Service) track(ctx context.Context, sess *UploadSession) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Track(ctx, sess); err != nil {
		// the expiry sweep still covers this session
		slog.Warn("track session", "session_id", sess.ID, "error", err)
	}
}

func (s *Service) forget(sessionID string) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := s.cache.Forget(ctx, sessionID); err != nil {
		slog.Warn("forget session", "session_id", sessionID, "error", err)
	}
}

func validateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: file name required", ErrInvalidRequest)
	}
	if len(name) > maxFileNameLen {
		return fmt.Errorf("%w: file name longer than %d bytes", ErrInvalidRequest, maxFileNameLen)
	}
	return nil
}
