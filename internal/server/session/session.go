package session

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPreparing Status = "PREPARING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

type UploadType string

const (
	UploadSingle    UploadType = "SINGLE"
	UploadMultipart UploadType = "MULTIPART"
)

// Actor identifies who an operation runs on behalf of.
type Actor struct {
	TenantID       string
	OrganizationID string
	UserID         string
}

// UploadSession is one logical upload, single-shot or multipart.
type UploadSession struct {
	ID           string
	Type         UploadType
	Owner        Actor
	FileName     string
	ContentType  string
	DeclaredSize int64
	// FileSize is the size confirmed by storage, nil until completion
	FileSize      *int64
	Bucket        string
	StorageKey    string
	Status        Status
	ETag          string
	FailureReason string
	ResultAssetID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
	CompletedAt   *time.Time
	Multipart     *MultipartUpload
	Version       int64

	events []Event
}

type NewParams struct {
	Type         UploadType
	Owner        Actor
	FileName     string
	ContentType  string
	DeclaredSize int64
	Bucket       string
	StorageKey   string
	TTL          time.Duration
	TotalParts   int
	PartSize     int64
}

// New creates a session in the PREPARING state.
func New(id string, p NewParams, now time.Time) *UploadSession {
	s := &UploadSession{
		ID:           id,
		Type:         p.Type,
		Owner:        p.Owner,
		FileName:     p.FileName,
		ContentType:  p.ContentType,
		DeclaredSize: p.DeclaredSize,
		Bucket:       p.Bucket,
		StorageKey:   p.StorageKey,
		Status:       StatusPreparing,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(p.TTL),
	}
	if p.Type == UploadMultipart {
		s.Multipart = NewMultipartUpload(p.TotalParts, p.PartSize)
	}
	return s
}

func (s *UploadSession) IsMultipart() bool {
	return s.Type == UploadMultipart && s.Multipart != nil
}

// IsExpired reports whether a live session has outlived its allowed lifetime.
func (s *UploadSession) IsExpired(now time.Time) bool {
	return !s.Status.IsTerminal() && !now.Before(s.ExpiresAt)
}

// Activate moves a single upload from PREPARING to ACTIVE once its URL is issued.
func (s *UploadSession) Activate(now time.Time) error {
	if err := s.guardFrom(StatusPreparing); err != nil {
		return err
	}
	if s.Type != UploadSingle {
		return fmt.Errorf("%w: multipart session needs an upload id", ErrInvalidStateTransition)
	}
	s.setStatus(StatusActive, now)
	return nil
}

// ActivateMultipart moves a multipart upload to ACTIVE once storage has initiated it.
func (s *UploadSession) ActivateMultipart(uploadID string, now time.Time) error {
	if err := s.guardFrom(StatusPreparing); err != nil {
		return err
	}
	if !s.IsMultipart() {
		return ErrNotMultipart
	}
	if uploadID == "" {
		return fmt.Errorf("%w: empty upload id", ErrInvalidStateTransition)
	}
	s.Multipart.UploadID = uploadID
	s.setStatus(StatusActive, now)
	return nil
}

// RecordPart registers an uploaded part of an ACTIVE multipart session.
// Parts are stored on their own rows, so recording one does not touch the session version.
func (s *UploadSession) RecordPart(partNumber int, etag string, size int64, now time.Time) error {
	if err := s.guardUploadable(now); err != nil {
		return err
	}
	if !s.IsMultipart() {
		return ErrNotMultipart
	}
	return s.Multipart.RecordPart(partNumber, etag, size, now)
}

type Completion struct {
	AssetID string
	ETag    string
	Size    int64
}

// CanComplete checks the completion guards without mutating the session.
func (s *UploadSession) CanComplete(now time.Time) error {
	if err := s.guardUploadable(now); err != nil {
		return err
	}
	if s.IsMultipart() && !s.Multipart.IsReadyToComplete() {
		return fmt.Errorf("%w: missing %v", ErrIncompleteParts, s.Multipart.MissingParts())
	}
	return nil
}

// Complete marks the upload COMPLETED and stages an UploadCompleted event.
func (s *UploadSession) Complete(c Completion, now time.Time) error {
	if err := s.CanComplete(now); err != nil {
		return err
	}
	if c.AssetID == "" || c.ETag == "" {
		return fmt.Errorf("%w: completion needs an asset id and a storage etag", ErrInvalidRequest)
	}
	if c.Size < 0 {
		return fmt.Errorf("%w: negative size", ErrInvalidRequest)
	}

	size := c.Size
	completedAt := now
	s.ETag = c.ETag
	s.FileSize = &size
	s.ResultAssetID = c.AssetID
	s.CompletedAt = &completedAt
	s.setStatus(StatusCompleted, now)

	s.events = append(s.events, Event{
		Type:       EventUploadCompleted,
		SessionID:  s.ID,
		AssetID:    c.AssetID,
		OccurredAt: now,
	})
	return nil
}

// Fail marks the session FAILED after a cancel or a terminal storage error.
func (s *UploadSession) Fail(reason string, now time.Time) error {
	if err := s.guardLive(); err != nil {
		return err
	}
	s.FailureReason = reason
	s.setStatus(StatusFailed, now)
	return nil
}

// Expire marks the session EXPIRED. Only the expiration reconciler calls this.
func (s *UploadSession) Expire(reason string, now time.Time) error {
	if err := s.guardLive(); err != nil {
		return err
	}
	s.FailureReason = reason
	s.setStatus(StatusExpired, now)
	return nil
}

// PollEvents returns the staged events and clears them.
func (s *UploadSession) PollEvents() []Event {
	events := s.events
	s.events = nil
	return events
}

func (s *UploadSession) guardLive() error {
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: session %s is %s", ErrIllegalSessionState, s.ID, s.Status)
	}
	return nil
}

func (s *UploadSession) guardFrom(want Status) error {
	if err := s.guardLive(); err != nil {
		return err
	}
	if s.Status != want {
		return fmt.Errorf("%w: session %s is %s, want %s", ErrInvalidStateTransition, s.ID, s.Status, want)
	}
	return nil
}

// guardUploadable admits ACTIVE sessions still within their TTL. A session past
// its TTL keeps its status until the reconciler expires it.
func (s *UploadSession) guardUploadable(now time.Time) error {
	if err := s.guardFrom(StatusActive); err != nil {
		return err
	}
	if s.IsExpired(now) {
		return fmt.Errorf("%w: session %s expired at %s", ErrSessionExpired, s.ID, s.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (s *UploadSession) setStatus(status Status, now time.Time) {
	s.Status = status
	s.UpdatedAt = now
}
