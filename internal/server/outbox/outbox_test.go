package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/fileflow/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*sqlx.DB, *Store) {
	t.Helper()
	database, err := db.NewSqliteDB(db.WithPath(filepath.Join(t.TempDir(), "outbox.db")), db.WithMaxOpenConns(1))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store, err := NewStore(database)
	require.NoError(t, err)
	return database, store
}

func insertRecord(t *testing.T, database *sqlx.DB, store *Store, rec *Record) {
	t.Helper()
	err := db.RunInTx(context.Background(), database, func(tx *db.Tx) error {
		created, err := store.Insert(context.Background(), tx, rec)
		require.True(t, created)
		return err
	})
	require.NoError(t, err)
}

// forceState rewrites status, retry count and timestamps so tests can stage any record.
func forceState(t *testing.T, database *sqlx.DB, id string, status Status, retryCount int, updatedAt time.Time) {
	t.Helper()
	_, err := database.Exec(database.Rebind(`UPDATE outbox SET status = ?, retry_count = ?, updated_at = ? WHERE outbox_id = ?`),
		string(status), retryCount, updatedAt.UnixMilli(), id)
	require.NoError(t, err)
}

type fakePublisher struct {
	mu       sync.Mutex
	err      error
	messages []*Message
}

func (p *fakePublisher) Publish(_ context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) sent() []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Message(nil), p.messages...)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "asset-42", IdempotencyKey("asset", "42"))

	rec := NewRecord("UploadCompleted", "asset", "42", time.Now())
	assert.Equal(t, "asset-42", rec.IdempotencyKey)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Zero(t, rec.RetryCount)
	assert.NotEmpty(t, rec.ID)
}

func TestMessageFor_CarriesIdentifiersOnly(t *testing.T) {
	rec := NewRecord("UploadCompleted", "asset", "a1", time.Now())
	msg := MessageFor(rec)

	assert.Equal(t, "UploadCompleted", msg.EventType)
	assert.Equal(t, rec.ID, msg.OutboxID)
	assert.Equal(t, "a1", msg.AggregateID)
	assert.Equal(t, "asset-a1", msg.DeduplicationID)
}

func TestStore_InsertDuplicateKey(t *testing.T) {
	database, store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := NewRecord("UploadCompleted", "asset", "a1", now)
	insertRecord(t, database, store, first)

	second := NewRecord("UploadCompleted", "asset", "a1", now)
	created, err := store.Insert(ctx, database, second)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetByKey(ctx, "asset-a1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = store.Get(ctx, second.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestStore_ConcurrentInsertsKeepOneRecordPerKey(t *testing.T) {
	database, store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.RunInTx(ctx, database, func(tx *db.Tx) error {
				created, err := store.Insert(ctx, tx, NewRecord("UploadCompleted", "asset", "same", time.Now().UTC()))
				if created {
					mu.Lock()
					createdCount++
					mu.Unlock()
				}
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	n, err := store.CountByStatus(ctx, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_TransitionsAreCompareAndSet(t *testing.T) {
	database, store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := NewRecord("UploadCompleted", "asset", "a1", now)
	insertRecord(t, database, store, rec)

	ok, err := store.Claim(ctx, rec.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// a second claim loses
	ok, err = store.Claim(ctx, rec.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.MarkFailed(ctx, rec.ID, "broker down", now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "broker down", got.LastError)

	// sent only follows processing
	ok, err = store.MarkSent(ctx, rec.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.MarkPermanentlyFailed(ctx, rec.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// permanently failed is irreversible
	ok, err = store.ResetForRetry(ctx, rec.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.Claim(ctx, rec.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_MarkFailedTruncatesError(t *testing.T) {
	database, store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := NewRecord("UploadCompleted", "asset", "a1", now)
	insertRecord(t, database, store, rec)
	_, err := store.Claim(ctx, rec.ID, now)
	require.NoError(t, err)

	long := make([]byte, 4*maxLastErrorLen)
	for i := range long {
		long[i] = 'x'
	}
	_, err = store.MarkFailed(ctx, rec.ID, string(long), now)
	require.NoError(t, err)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, got.LastError, maxLastErrorLen)
}

func TestStore_MarkFailedKeepsUTF8(t *testing.T) {
	database, store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := NewRecord("UploadCompleted", "asset", "a1", now)
	insertRecord(t, database, store, rec)
	_, err := store.Claim(ctx, rec.ID, now)
	require.NoError(t, err)

	// the cut lands inside a two byte rune
	cause := "x" + strings.Repeat("é", maxLastErrorLen)
	_, err = store.MarkFailed(ctx, rec.ID, cause, now)
	require.NoError(t, err)

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got.LastError))
	assert.Len(t, got.LastError, maxLastErrorLen-1)
	assert.True(t, strings.HasPrefix(cause, got.LastError))
}

func TestStore_ListPendingOldestFirst(t *testing.T) {
	database, store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"c", "a", "b"} {
		rec := NewRecord("UploadCompleted", "asset", id, base.Add(time.Duration(2-i)*time.Minute))
		insertRecord(t, database, store, rec)
	}

	records, err := store.ListPending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[0].AggregateID)
	assert.Equal(t, "a", records[1].AggregateID)
}

func TestStore_PurgeRefusesLiveStatus(t *testing.T) {
	_, store := newTestStore(t)
	_, err := store.Purge(context.Background(), StatusPending, time.Now())
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	base := 10 * time.Second
	ceiling := 5 * time.Minute

	assert.Equal(t, 10*time.Second, Backoff(base, ceiling, 0))
	assert.Equal(t, 20*time.Second, Backoff(base, ceiling, 1))
	assert.Equal(t, 40*time.Second, Backoff(base, ceiling, 2))
	assert.Equal(t, 160*time.Second, Backoff(base, ceiling, 4))
	assert.Equal(t, ceiling, Backoff(base, ceiling, 5))
	assert.Equal(t, ceiling, Backoff(base, ceiling, 70))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.BackoffMax = time.Second
	assert.Error(t, cfg.Validate())
}

var errBroker = errors.New("broker unavailable")
