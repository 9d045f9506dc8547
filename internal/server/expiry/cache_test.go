package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/openmined/fileflow/internal/codec"
	"github.com/openmined/fileflow/internal/server/session"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client), mr
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("no expiration received")
		return ""
	}
}

func TestRedisCache_SetDelete(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "s1", []byte(`{}`), time.Hour))
	assert.True(t, mr.Exists("upload:session:s1"))
	assert.Equal(t, time.Hour, mr.TTL("upload:session:s1"))

	require.NoError(t, cache.Delete(ctx, "s1"))
	assert.False(t, mr.Exists("upload:session:s1"))
}

func TestRedisCache_ExpirationsFiltersByPrefix(t *testing.T) {
	cache, mr := newRedisCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := cache.Expirations(ctx)
	require.NoError(t, err)

	mr.Publish("__keyevent@0__:expired", "lock:other")
	mr.Publish("__keyevent@0__:expired", "upload:session:s1")

	assert.Equal(t, "s1", receive(t, events))

	cancel()
	for range events {
	}
}

func TestLocalCache_ReportsExpiry(t *testing.T) {
	cache := NewLocalCache(100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := cache.Expirations(ctx)
	require.NoError(t, err)

	require.NoError(t, cache.Set(ctx, "dropped", []byte("x"), 50*time.Millisecond))
	require.NoError(t, cache.Delete(ctx, "dropped"))
	require.NoError(t, cache.Set(ctx, "s1", []byte("x"), 50*time.Millisecond))

	value, ok := cache.Get("s1")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), value)

	assert.Equal(t, "s1", receive(t, events))

	select {
	case id := <-events:
		t.Fatalf("unexpected expiration for %s", id)
	case <-time.After(200 * time.Millisecond):
	}

	_, ok = cache.Get("s1")
	assert.False(t, ok)
}

func TestLocalCache_ResetMovesBetweenTTLs(t *testing.T) {
	cache := NewLocalCache(100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := cache.Expirations(ctx)
	require.NoError(t, err)

	require.NoError(t, cache.Set(ctx, "s1", []byte("short"), 50*time.Millisecond))
	require.NoError(t, cache.Set(ctx, "s1", []byte("long"), time.Hour))

	select {
	case id := <-events:
		t.Fatalf("unexpected expiration for %s", id)
	case <-time.After(300 * time.Millisecond):
	}

	value, ok := cache.Get("s1")
	require.True(t, ok)
	assert.Equal(t, []byte("long"), value)
}

func TestTracker_TrackAndForget(t *testing.T) {
	cache, mr := newRedisCache(t)
	tracker := NewTracker(cache)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	ctx := context.Background()

	s := session.New("s1", session.NewParams{
		Type:       session.UploadSingle,
		FileName:   "a.txt",
		Bucket:     "b",
		StorageKey: "k",
		TTL:        time.Hour,
	}, now)

	require.NoError(t, tracker.Track(ctx, s))
	assert.Equal(t, time.Hour, mr.TTL("upload:session:s1"))

	raw, err := mr.Get("upload:session:s1")
	require.NoError(t, err)
	var snap snapshot
	require.NoError(t, codec.Unmarshal([]byte(raw), &snap))
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, "PREPARING", snap.Status)
	assert.True(t, s.ExpiresAt.Equal(snap.ExpiresAt))

	// already past its lifetime still gets a short entry
	now = now.Add(2 * time.Hour)
	require.NoError(t, tracker.Track(ctx, s))
	assert.Equal(t, minTrackTTL, mr.TTL("upload:session:s1"))

	require.NoError(t, tracker.Forget(ctx, "s1"))
	assert.False(t, mr.Exists("upload:session:s1"))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Backend = "memcached"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PreparingAfter = 0
	assert.Error(t, cfg.Validate())
}
