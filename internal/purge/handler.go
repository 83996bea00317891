package purge

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/52poke/hondana/internal/cache"
	httpx "github.com/52poke/hondana/internal/http"
	"github.com/52poke/hondana/internal/upstream"
	"github.com/52poke/hondana/internal/worker"
)

const (
	Method          = "PURGE"
	cacheNameHeader = "X-Cache-Name"
)

// Handler evicts the upstream URL of a PURGE request from the named cache in
// X-Cache-Name, or from every cache of the active manifest.
type Handler struct {
	Cache    cache.Store
	Upstream *upstream.Client
	Manifest func() *worker.Manifest
	Logger   *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info := httpx.ClassifyRequest(&http.Request{Method: http.MethodGet, URL: r.URL, Header: http.Header{}})
	rawURL, err := h.Upstream.Resolve(info.Path, info.RawQuery)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	targets := h.targets(rawURL, strings.TrimSpace(r.Header.Get(cacheNameHeader)))
	for name, key := range targets {
		if err := h.Cache.Delete(r.Context(), name, key); err != nil {
			h.Logger.Error("purge failed", "cache", name, "url", rawURL, "error", err)
			http.Error(w, "purge failed", http.StatusBadGateway)
			return
		}
	}
	h.Logger.Info("purged", "url", rawURL, "caches", len(targets))
	w.WriteHeader(http.StatusNoContent)
}

// targets maps each cache to the key rawURL is stored under there.
func (h *Handler) targets(rawURL, only string) map[string]string {
	out := map[string]string{}
	m := h.Manifest()
	if m != nil {
		for _, route := range m.Routes {
			if only != "" && route.CacheName != only {
				continue
			}
			if only == "" && !route.Pattern.MatchString(rawURL) {
				continue
			}
			out[route.CacheName] = route.CacheKey(rawURL)
		}
		if len(m.Precache) > 0 && (only == "" || only == m.PrecacheName()) {
			out[m.PrecacheName()] = rawURL
		}
	}
	if only != "" {
		if _, ok := out[only]; !ok {
			out[only] = rawURL
		}
	}
	return out
}
