package purge

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/52poke/hondana/internal/cache"
	"github.com/52poke/hondana/internal/upstream"
	"github.com/52poke/hondana/internal/worker"
)

func setup(t *testing.T) (*Handler, cache.Store) {
	t.Helper()
	m, err := worker.ParseManifest([]byte(`{"version":"p1","precache":["https://origin.example.com/covers/a.png"],"routes":[
		{"urlPattern":"^https://origin\\.example\\.com/covers/","strategy":"CacheFirst","cacheName":"covers","ignoreQuery":true},
		{"urlPattern":"^https://origin\\.example\\.com/api/","strategy":"NetworkFirst","cacheName":"api"}
	]}`))
	require.NoError(t, err)

	store := cache.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	for name, key := range map[string]string{
		"covers":      "https://origin.example.com/covers/a.png",
		"precache-p1": "https://origin.example.com/covers/a.png",
		"api":         "https://origin.example.com/api/books",
		"adhoc":       "https://origin.example.com/api/books",
	} {
		require.NoError(t, store.Put(ctx, name, key, cache.Entry{Status: 200, StoredAt: now}))
	}

	h := &Handler{
		Cache:    store,
		Upstream: upstream.NewClient("https://origin.example.com"),
		Manifest: func() *worker.Manifest { return m },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return h, store
}

func purge(h http.Handler, target, cacheName string) int {
	r := httptest.NewRequest(Method, target, nil)
	if cacheName != "" {
		r.Header.Set(cacheNameHeader, cacheName)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec.Code
}

func TestPurgeAllManifestCaches(t *testing.T) {
	h, store := setup(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusNoContent, purge(h, "/covers/a.png?w=200", ""))

	_, err := store.Get(ctx, "covers", "https://origin.example.com/covers/a.png")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	// the precache entry is keyed by the exact URL, the query differs
	_, err = store.Get(ctx, "precache-p1", "https://origin.example.com/covers/a.png")
	assert.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, purge(h, "/covers/a.png", ""))
	_, err = store.Get(ctx, "precache-p1", "https://origin.example.com/covers/a.png")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestPurgeNamedCache(t *testing.T) {
	h, store := setup(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusNoContent, purge(h, "/api/books", "adhoc"))
	_, err := store.Get(ctx, "adhoc", "https://origin.example.com/api/books")
	assert.ErrorIs(t, err, cache.ErrNotFound)
	_, err = store.Get(ctx, "api", "https://origin.example.com/api/books")
	assert.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, purge(h, "/api/books", "api"))
	_, err = store.Get(ctx, "api", "https://origin.example.com/api/books")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}
