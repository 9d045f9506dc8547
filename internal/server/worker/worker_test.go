package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openmined/fileflow/internal/db"
	"github.com/openmined/fileflow/internal/queue"
	"github.com/openmined/fileflow/internal/server/asset"
	"github.com/openmined/fileflow/internal/server/blob"
	"github.com/openmined/fileflow/internal/server/lock"
	"github.com/openmined/fileflow/internal/server/outbox"
	"github.com/openmined/fileflow/internal/server/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	mu    sync.Mutex
	err   error
	calls int
	// gate, when set, holds every stat call until it is closed
	gate chan struct{}
}

func (f *fakeObjects) StatObject(ctx context.Context, bucket, key string) (*blob.ObjectInfo, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &blob.ObjectInfo{Key: key, ETag: "etag-1", Size: 1024}, nil
}

func (f *fakeObjects) set(err error, gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.gate = gate
}

func (f *fakeObjects) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	assets  *asset.Store
	objects *fakeObjects
	backend *lock.MemoryBackend
	proc    *FileProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.NewSqliteDB(db.WithPath(filepath.Join(t.TempDir(), "worker.db")), db.WithMaxOpenConns(1))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	assets, err := asset.NewStore(database)
	require.NoError(t, err)

	a := &asset.Asset{
		ID:         asset.IDForSession("s1"),
		SessionID:  "s1",
		Bucket:     "uploads",
		StorageKey: "uploads/default/s1/a.bin",
		FileName:   "a.bin",
		Size:       1024,
		Status:     asset.StatusStored,
		CreatedAt:  time.Now().UTC(),
	}
	_, err = assets.Insert(context.Background(), database, a)
	require.NoError(t, err)

	objects := &fakeObjects{}
	backend := lock.NewMemoryBackend()
	return &fixture{
		assets:  assets,
		objects: objects,
		backend: backend,
		proc:    NewFileProcessor(assets, objects, lock.NewGuard(backend), time.Minute),
	}
}

func (f *fixture) status(t *testing.T) asset.Status {
	t.Helper()
	a, err := f.assets.Get(context.Background(), asset.IDForSession("s1"))
	require.NoError(t, err)
	return a.Status
}

func completed(assetID string) *outbox.Message {
	return &outbox.Message{
		EventType:   string(session.EventUploadCompleted),
		OutboxID:    "ob-" + assetID,
		AggregateID: assetID,
	}
}

func TestFileProcessor_MarksProcessedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := completed(asset.IDForSession("s1"))

	require.NoError(t, f.proc.Handle(ctx, msg))
	assert.Equal(t, asset.StatusProcessed, f.status(t))
	assert.Equal(t, 1, f.objects.calls)

	require.NoError(t, f.proc.Handle(ctx, msg))
	assert.Equal(t, 1, f.objects.calls)
}

func TestFileProcessor_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := asset.IDForSession("s1")

	ok, err := f.backend.AcquireIfAbsent(ctx, lock.DefaultPrefix+lockKeyPrefix+id, "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = f.proc.Handle(ctx, completed(id))
	assert.ErrorIs(t, err, ErrAssetBusy)
	assert.NotErrorIs(t, err, ErrPermanent)
	assert.Equal(t, asset.StatusStored, f.status(t))
	assert.Equal(t, 0, f.objects.calls)

	// once the holder is done the duplicate can go
	_, err = f.assets.MarkProcessed(ctx, id, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, f.proc.Handle(ctx, completed(id)))
	assert.Equal(t, 0, f.objects.calls)
}

func TestFileProcessor_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing asset", func(t *testing.T) {
		f := newFixture(t)
		err := f.proc.Handle(ctx, completed("nope"))
		assert.ErrorIs(t, err, ErrPermanent)
	})

	t.Run("missing object", func(t *testing.T) {
		f := newFixture(t)
		f.objects.err = &blob.StorageError{Op: "stat", Err: blob.ErrObjectNotFound}
		err := f.proc.Handle(ctx, completed(asset.IDForSession("s1")))
		assert.ErrorIs(t, err, ErrPermanent)
		assert.Equal(t, asset.StatusStored, f.status(t))
	})

	t.Run("storage unavailable", func(t *testing.T) {
		f := newFixture(t)
		f.objects.err = &blob.StorageError{Op: "stat", Err: errors.New("timeout")}
		err := f.proc.Handle(ctx, completed(asset.IDForSession("s1")))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrPermanent)
		assert.Equal(t, asset.StatusStored, f.status(t))
	})

	t.Run("other event", func(t *testing.T) {
		f := newFixture(t)
		msg := completed(asset.IDForSession("s1"))
		msg.EventType = "SomethingElse"
		require.NoError(t, f.proc.Handle(ctx, msg))
		assert.Equal(t, asset.StatusStored, f.status(t))
	})
}

type handlerFunc func(ctx context.Context, msg *outbox.Message) error

func (h handlerFunc) Handle(ctx context.Context, msg *outbox.Message) error { return h(ctx, msg) }

type recordingReceiver struct {
	mu    sync.Mutex
	acked []string
}

func (r *recordingReceiver) Receive(context.Context, int) ([]queue.Delivery, error) { return nil, nil }

func (r *recordingReceiver) Ack(_ context.Context, d queue.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, d.Receipt)
	return nil
}

func (r *recordingReceiver) ackedReceipts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.acked...)
}

func testBroker() *queue.MemoryBroker {
	return newBroker(time.Hour, 50*time.Millisecond)
}

func newBroker(visibility, wait time.Duration) *queue.MemoryBroker {
	cfg := queue.DefaultConfig()
	cfg.Backend = queue.BackendMemory
	cfg.WaitTime = wait
	cfg.VisibilityTimeout = visibility
	return queue.NewMemoryBroker(cfg)
}

func receiveOne(t *testing.T, b *queue.MemoryBroker) queue.Delivery {
	t.Helper()
	got, err := b.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

func TestConsumer_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("poison message is acked", func(t *testing.T) {
		r := &recordingReceiver{}
		c := NewConsumer(r, handlerFunc(func(context.Context, *outbox.Message) error {
			t.Fatal("handler called")
			return nil
		}), DefaultConfig())

		d := queue.Delivery{MessageID: "m1", Body: []byte("garbage"), Receipt: "r1"}
		assert.True(t, c.Process(ctx, d))
		assert.Equal(t, []string{"r1"}, r.acked)
	})

	t.Run("success is acked", func(t *testing.T) {
		b := testBroker()
		require.NoError(t, b.Publish(ctx, completed("a1")))
		c := NewConsumer(b, handlerFunc(func(context.Context, *outbox.Message) error { return nil }), DefaultConfig())

		assert.True(t, c.Process(ctx, receiveOne(t, b)))
		assert.Equal(t, 0, b.Len())
	})

	t.Run("transient failure is left for redelivery", func(t *testing.T) {
		b := testBroker()
		require.NoError(t, b.Publish(ctx, completed("a1")))
		c := NewConsumer(b, handlerFunc(func(context.Context, *outbox.Message) error {
			return errors.New("db down")
		}), DefaultConfig())

		assert.False(t, c.Process(ctx, receiveOne(t, b)))
		assert.Equal(t, 1, b.Len())
	})

	t.Run("permanent failure is acked", func(t *testing.T) {
		b := testBroker()
		require.NoError(t, b.Publish(ctx, completed("a1")))
		c := NewConsumer(b, handlerFunc(func(context.Context, *outbox.Message) error {
			return ErrPermanent
		}), DefaultConfig())

		assert.True(t, c.Process(ctx, receiveOne(t, b)))
		assert.Equal(t, 0, b.Len())
	})
}

func TestConsumer_RedeliveryWhileLockedIsNotAcked(t *testing.T) {
	f := newFixture(t)
	b := newBroker(50*time.Millisecond, time.Second)
	c := NewConsumer(b, f.proc, DefaultConfig())
	ctx := context.Background()
	id := asset.IDForSession("s1")

	require.NoError(t, b.Publish(ctx, completed(id)))

	gate := make(chan struct{})
	f.objects.set(&blob.StorageError{Op: "stat", Err: errors.New("503 slow down")}, gate)

	holderAcked := make(chan bool, 1)
	first := receiveOne(t, b)
	go func() { holderAcked <- c.Process(ctx, first) }()
	require.Eventually(t, func() bool { return f.objects.callCount() == 1 }, 3*time.Second, 5*time.Millisecond)

	// the visibility timeout lapses while the holder is still working
	second := receiveOne(t, b)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, 2, second.ReceiveCount)
	assert.False(t, c.Process(ctx, second))
	assert.Equal(t, 1, b.Len())

	close(gate)
	assert.False(t, <-holderAcked)
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, asset.StatusStored, f.status(t))

	f.objects.set(nil, nil)
	third := receiveOne(t, b)
	assert.True(t, c.Process(ctx, third))
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, asset.StatusProcessed, f.status(t))
}

func TestConsumer_RunProcessesDuplicatesOnce(t *testing.T) {
	f := newFixture(t)
	b := newBroker(200*time.Millisecond, 50*time.Millisecond)
	id := asset.IDForSession("s1")

	for range 3 {
		require.NoError(t, b.Publish(context.Background(), completed(id)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewConsumer(b, f.proc, DefaultConfig()).Run(ctx) }()

	assert.Eventually(t, func() bool { return b.Len() == 0 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, asset.StatusProcessed, f.status(t))
	assert.Equal(t, 1, f.objects.callCount())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BatchSize = 11
	assert.Error(t, cfg.Validate())
}
