package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/openmined/fileflow/internal/codec"
	"github.com/openmined/fileflow/internal/queue"
	"github.com/openmined/fileflow/internal/server/blob"
	"github.com/openmined/fileflow/internal/server/session"
)

const (
	s3TestEvent          = "s3:TestEvent"
	objectCreatedPrefix  = "ObjectCreated:"
	storageEventConsumer = "storage events"
)

// S3Event is the body of an S3 bucket notification delivered through SQS.
type S3Event struct {
	Event   string          `json:"Event,omitempty"`
	Records []S3EventRecord `json:"Records"`
}

type S3EventRecord struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
			ETag string `json:"eTag"`
		} `json:"object"`
	} `json:"s3"`
}

// Completer finishes an upload session once its object is in storage.
type Completer interface {
	Complete(ctx context.Context, sessionID string) (*session.UploadSession, error)
}

// StorageEventHandler completes upload sessions from storage ObjectCreated
// notifications. It races with clients reporting completion themselves, so
// losing that race is a success.
type StorageEventHandler struct {
	completer Completer
}

func NewStorageEventHandler(completer Completer) *StorageEventHandler {
	return &StorageEventHandler{completer: completer}
}

// NewStorageEventConsumer consumes storage notifications from receiver.
func NewStorageEventConsumer(receiver queue.Receiver, completer Completer, config *Config) *Consumer {
	return NewDeliveryConsumer(storageEventConsumer, receiver, NewStorageEventHandler(completer), config)
}

func (h *StorageEventHandler) HandleDelivery(ctx context.Context, d queue.Delivery) error {
	var event S3Event
	if err := codec.Unmarshal(d.Body, &event); err != nil {
		return fmt.Errorf("%w: decode storage event %s: %w", ErrPermanent, d.MessageID, err)
	}
	if event.Event == s3TestEvent {
		return nil
	}

	var errs []error
	for _, rec := range event.Records {
		if err := h.handleRecord(ctx, &rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *StorageEventHandler) handleRecord(ctx context.Context, rec *S3EventRecord) error {
	if !strings.HasPrefix(rec.EventName, objectCreatedPrefix) {
		return nil
	}

	// notification keys are form encoded
	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		slog.Warn("storage event bad key", "key", rec.S3.Object.Key, "error", err)
		return nil
	}
	sessionID, ok := blob.SessionIDFromKey(key)
	if !ok {
		slog.Debug("storage event outside upload keys", "bucket", rec.S3.Bucket.Name, "key", key)
		return nil
	}

	_, err = h.completer.Complete(ctx, sessionID)
	switch {
	case err == nil:
		slog.Info("storage event completed session", "session_id", sessionID, "event", rec.EventName)
		return nil
	case errors.Is(err, session.ErrConcurrentModification), session.IsClientError(err):
		// already completed, expired or not ours to complete
		slog.Info("storage event skipped", "session_id", sessionID, "code", session.Code(err), "error", err)
		return nil
	default:
		return fmt.Errorf("complete session %s: %w", sessionID, err)
	}
}

var _ DeliveryHandler = (*StorageEventHandler)(nil)
