package httpx

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/52poke/hondana/internal/cache"
	"github.com/52poke/hondana/internal/upstream"
	"github.com/52poke/hondana/internal/worker"
)

type origin struct {
	server *httptest.Server
	hits   atomic.Int32
	down   atomic.Bool
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		if o.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch {
		case r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			_, _ = w.Write([]byte("posted:" + string(body)))
		case strings.HasPrefix(r.URL.Path, "/covers/"):
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png:" + r.URL.RawQuery))
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
		}
	}))
	t.Cleanup(o.server.Close)
	return o
}

func newTestHandler(t *testing.T, o *origin, manifest string) *Handler {
	t.Helper()
	m, err := worker.ParseManifest([]byte(strings.ReplaceAll(manifest, "ORIGIN", o.server.URL)))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := upstream.NewClientWithHTTP(o.server.URL, o.server.Client())
	engine := worker.NewEngine(cache.NewMemoryStore(), client, logger)
	h, err := NewHandler(engine, client, func() *worker.Manifest { return m }, logger)
	require.NoError(t, err)
	return h
}

const proxyManifest = `{"version":"t1","routes":[
	{"urlPattern":"^ORIGIN/covers/","strategy":"CacheFirst","cacheName":"covers","maxEntries":10},
	{"urlPattern":"^ORIGIN/api/","strategy":"NetworkFirst","cacheName":"api","networkTimeoutSeconds":1}
]}`

func serve(h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, body))
	return rec
}

func TestCacheFirstThroughProxy(t *testing.T) {
	o := newOrigin(t)
	h := newTestHandler(t, o, proxyManifest)

	rec := serve(h, http.MethodGet, "/covers/a.png?w=1&utm_source=mail", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(cacheHeader))
	assert.Equal(t, "png:w=1", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = serve(h, http.MethodGet, "/covers/a.png?utm_campaign=x&w=1", nil)
	assert.Equal(t, "HIT", rec.Header().Get(cacheHeader))
	assert.Equal(t, "png:w=1", rec.Body.String())
	assert.Equal(t, int32(1), o.hits.Load())
}

func TestNetworkFirstFallbackThroughProxy(t *testing.T) {
	o := newOrigin(t)
	h := newTestHandler(t, o, proxyManifest)

	rec := serve(h, http.MethodGet, "/api/books", nil)
	assert.Equal(t, "NETWORK", rec.Header().Get(cacheHeader))
	h.Engine.Wait()

	o.server.CloseClientConnections()
	o.server.Listener.Close()

	rec = serve(h, http.MethodGet, "/api/books", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FALLBACK", rec.Header().Get(cacheHeader))
	assert.JSONEq(t, `{"path":"/api/books"}`, rec.Body.String())

	rec = serve(h, http.MethodGet, "/api/authors", nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestUpstreamErrorStatusIsPassedButNotCached(t *testing.T) {
	o := newOrigin(t)
	h := newTestHandler(t, o, proxyManifest)

	o.down.Store(true)
	rec := serve(h, http.MethodGet, "/covers/b.png", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	o.down.Store(false)
	rec = serve(h, http.MethodGet, "/covers/b.png", nil)
	assert.Equal(t, "MISS", rec.Header().Get(cacheHeader))
	assert.Equal(t, int32(2), o.hits.Load())
}

func TestPassThrough(t *testing.T) {
	o := newOrigin(t)
	h := newTestHandler(t, o, proxyManifest)

	rec := serve(h, http.MethodPost, "/covers/upload", strings.NewReader("data"))
	assert.Equal(t, "BYPASS", rec.Header().Get(cacheHeader))
	assert.Equal(t, "posted:data", rec.Body.String())

	rec = serve(h, http.MethodGet, "/checkout", nil)
	assert.Equal(t, "BYPASS", rec.Header().Get(cacheHeader))
	assert.JSONEq(t, `{"path":"/checkout"}`, rec.Body.String())
}

func TestNoManifestPassesEverythingThrough(t *testing.T) {
	o := newOrigin(t)
	h := newTestHandler(t, o, proxyManifest)
	h.Manifest = func() *worker.Manifest { return nil }

	for range 2 {
		rec := serve(h, http.MethodGet, "/covers/a.png", nil)
		assert.Equal(t, "BYPASS", rec.Header().Get(cacheHeader))
	}
	assert.Equal(t, int32(2), o.hits.Load())
}

func TestClassifyRequest(t *testing.T) {
	cases := []struct {
		name   string
		method string
		target string
		header map[string]string
		want   RequestInfo
	}{
		{"get", http.MethodGet, "/covers/a.png?w=1", nil, RequestInfo{Interceptable: true, Path: "/covers/a.png", RawQuery: "w=1"}},
		{"utm only", http.MethodGet, "/x?utm_source=a", nil, RequestInfo{Interceptable: true, Path: "/x"}},
		{"post", http.MethodPost, "/x", nil, RequestInfo{Reason: "method-not-get"}},
		{"websocket", http.MethodGet, "/ws", map[string]string{"Connection": "Upgrade", "Upgrade": "websocket"}, RequestInfo{Reason: "upgrade"}},
		{"range", http.MethodGet, "/video", map[string]string{"Range": "bytes=0-10"}, RequestInfo{Reason: "range"}},
		{"auth", http.MethodGet, "/me", map[string]string{"Authorization": "Bearer x"}, RequestInfo{Reason: "authorized"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, tc.target, nil)
			for k, v := range tc.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, ClassifyRequest(r))
		})
	}
}
