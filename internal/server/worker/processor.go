package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/fileflow/internal/server/asset"
	"github.com/openmined/fileflow/internal/server/blob"
	"github.com/openmined/fileflow/internal/server/lock"
	"github.com/openmined/fileflow/internal/server/outbox"
	"github.com/openmined/fileflow/internal/server/session"
)

const lockKeyPrefix = "asset:"

// ErrAssetBusy means another consumer holds the asset lock. The delivery stays
// unacked so the broker redelivers it if the holder fails.
var ErrAssetBusy = errors.New("asset is locked by another consumer")

// AssetStore is the part of asset.Store the processor needs.
type AssetStore interface {
	Get(ctx context.Context, id string) (*asset.Asset, error)
	MarkProcessed(ctx context.Context, id string, now time.Time) (bool, error)
}

// ObjectStater looks up stored objects.
type ObjectStater interface {
	StatObject(ctx context.Context, bucket, key string) (*blob.ObjectInfo, error)
}

// FileProcessor handles UploadCompleted messages. The asset id lock lets only
// one consumer work on an asset at a time, and the STORED -> PROCESSED
// transition makes repeats harmless.
type FileProcessor struct {
	assets  AssetStore
	objects ObjectStater
	guard   *lock.Guard
	lockTTL time.Duration
	now     func() time.Time
}

func NewFileProcessor(assets AssetStore, objects ObjectStater, guard *lock.Guard, lockTTL time.Duration) *FileProcessor {
	return &FileProcessor{
		assets:  assets,
		objects: objects,
		guard:   guard,
		lockTTL: lockTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *FileProcessor) Handle(ctx context.Context, msg *outbox.Message) error {
	if msg.EventType != string(session.EventUploadCompleted) {
		slog.Debug("worker ignoring event", "event_type", msg.EventType, "aggregate_id", msg.AggregateID)
		return nil
	}

	acquired, err := p.guard.Do(ctx, lockKeyPrefix+msg.AggregateID, p.lockTTL, func(ctx context.Context) error {
		return p.process(ctx, msg.AggregateID)
	})
	if err != nil {
		return err
	}
	if acquired {
		return nil
	}

	a, err := p.assets.Get(ctx, msg.AggregateID)
	if err == nil && a.Status == asset.StatusProcessed {
		slog.Debug("worker asset already processed", "asset_id", a.ID)
		return nil
	}
	if err != nil && !errors.Is(err, asset.ErrAssetNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s", ErrAssetBusy, msg.AggregateID)
}

func (p *FileProcessor) process(ctx context.Context, assetID string) error {
	a, err := p.assets.Get(ctx, assetID)
	if errors.Is(err, asset.ErrAssetNotFound) {
		return fmt.Errorf("%w: asset %s: %w", ErrPermanent, assetID, err)
	} else if err != nil {
		return err
	}

	if a.Status == asset.StatusProcessed {
		slog.Debug("worker asset already processed", "asset_id", a.ID)
		return nil
	}

	info, err := p.objects.StatObject(ctx, a.Bucket, a.StorageKey)
	if errors.Is(err, blob.ErrObjectNotFound) {
		return fmt.Errorf("%w: asset %s: %w", ErrPermanent, a.ID, err)
	} else if err != nil {
		return fmt.Errorf("stat asset %s: %w", a.ID, err)
	}
	if a.Size > 0 && info.Size != a.Size {
		slog.Warn("worker asset size differs from stored object",
			"asset_id", a.ID, "recorded", humanize.IBytes(uint64(a.Size)), "stored", humanize.IBytes(uint64(info.Size)))
	}

	updated, err := p.assets.MarkProcessed(ctx, a.ID, p.now())
	if err != nil {
		return err
	}
	if updated {
		slog.Info("worker asset processed", "asset_id", a.ID, "session_id", a.SessionID, "key", a.StorageKey)
	}
	return nil
}

var _ Handler = (*FileProcessor)(nil)
