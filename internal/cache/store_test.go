package cache

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (m *memBlobs) GetBlob(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

func (m *memBlobs) PutBlob(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), body...)
	return nil
}

func (m *memBlobs) DeleteBlob(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

func newRedisStore(t *testing.T, blobs BlobStore) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, blobs)
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory":     NewMemoryStore(),
		"redis":      newRedisStore(t, nil),
		"redis+blob": newRedisStore(t, &memBlobs{blobs: map[string][]byte{}}),
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stored := time.Unix(1700000000, 0)
			h := http.Header{}
			h.Set("Content-Type", "image/png")

			_, err := s.Get(ctx, "covers", "https://cdn.example.com/a.png")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put(ctx, "covers", "https://cdn.example.com/a.png", Entry{
				Status: http.StatusOK, Header: h, Body: []byte("png"), StoredAt: stored,
			}))

			got, err := s.Get(ctx, "covers", "https://cdn.example.com/a.png")
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, got.Status)
			assert.Equal(t, "image/png", got.Header.Get("Content-Type"))
			assert.Equal(t, []byte("png"), got.Body)
			assert.True(t, got.StoredAt.Equal(stored))

			names, err := s.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"covers"}, names)
		})
	}
}

func TestStoreListOrderFollowsInsertion(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Unix(1700000000, 0)
			for _, k := range []string{"/a", "/b", "/c"} {
				require.NoError(t, s.Put(ctx, "api", k, Entry{Status: 200, StoredAt: now}))
			}
			// re-inserting /a makes it the newest
			require.NoError(t, s.Put(ctx, "api", "/a", Entry{Status: 200, StoredAt: now}))

			metas, err := s.List(ctx, "api")
			require.NoError(t, err)
			keys := make([]string, len(metas))
			for i, m := range metas {
				keys[i] = m.Key
				assert.True(t, m.StoredAt.Equal(now))
			}
			assert.Equal(t, []string{"/b", "/c", "/a"}, keys)
		})
	}
}

func TestStoreDeleteAndDrop(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			require.NoError(t, s.Put(ctx, "api", "/a", Entry{Status: 200, StoredAt: now}))
			require.NoError(t, s.Put(ctx, "api", "/b", Entry{Status: 200, StoredAt: now}))
			require.NoError(t, s.Put(ctx, "covers", "/c", Entry{Status: 200, StoredAt: now}))

			require.NoError(t, s.Delete(ctx, "api", "/a"))
			require.NoError(t, s.Delete(ctx, "api", "/missing"))
			_, err := s.Get(ctx, "api", "/a")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Drop(ctx, "api"))
			metas, err := s.List(ctx, "api")
			require.NoError(t, err)
			assert.Empty(t, metas)
			_, err = s.Get(ctx, "api", "/b")
			assert.ErrorIs(t, err, ErrNotFound)

			names, err := s.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"covers"}, names)
		})
	}
}

func TestExpired(t *testing.T) {
	now := time.Unix(1700000000, 0)
	assert.False(t, Expired(now.Add(-time.Minute), time.Hour, now))
	assert.True(t, Expired(now.Add(-2*time.Hour), time.Hour, now))
	assert.False(t, Expired(now.Add(-24*time.Hour), 0, now))
	assert.True(t, Expired(time.Time{}, time.Hour, now))
}

func TestStoreDeleteLastEntryKeepsLaterPutsIndexed(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			require.NoError(t, s.Put(ctx, "api", "/a", Entry{Status: 200, StoredAt: now}))
			require.NoError(t, s.Delete(ctx, "api", "/a"))

			names, err := s.Names(ctx)
			require.NoError(t, err)
			assert.Empty(t, names)

			require.NoError(t, s.Put(ctx, "api", "/b", Entry{Status: 200, StoredAt: now}))
			require.NoError(t, s.Put(ctx, "api", "/c", Entry{Status: 200, StoredAt: now}))
			metas, err := s.List(ctx, "api")
			require.NoError(t, err)
			require.Len(t, metas, 2)
			assert.Equal(t, "/b", metas[0].Key)
			assert.Equal(t, "/c", metas[1].Key)

			names, err = s.Names(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"api"}, names)
		})
	}
}

func TestRedisDeleteKeepsSequenceCounter(t *testing.T) {
	s := newRedisStore(t, nil)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Put(ctx, "api", "/a", Entry{Status: 200, StoredAt: now}))
	require.NoError(t, s.Delete(ctx, "api", "/a"))

	seq, err := s.client.Get(ctx, s.seqKey("api")).Int()
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	require.NoError(t, s.Put(ctx, "api", "/b", Entry{Status: 200, StoredAt: now}))
	score, err := s.client.ZScore(ctx, s.orderKey("api"), "/b").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(2), score)
}
