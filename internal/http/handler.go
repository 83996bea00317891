package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"github.com/52poke/hondana/internal/upstream"
	"github.com/52poke/hondana/internal/worker"
)

const cacheHeader = "X-Hondana-Cache"

// hopHeaders are not copied from cached or fetched responses to the client.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// Handler answers intercepted requests through the caching engine and streams
// everything else to the upstream.
type Handler struct {
	Engine   *worker.Engine
	Upstream *upstream.Client
	Manifest func() *worker.Manifest
	Proxy    *httputil.ReverseProxy
	Logger   *slog.Logger
}

func NewHandler(engine *worker.Engine, client *upstream.Client, manifest func() *worker.Manifest, logger *slog.Logger) (*Handler, error) {
	u, err := url.Parse(client.BaseURL())
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Host = u.Host
	}
	return &Handler{
		Engine:   engine,
		Upstream: client,
		Manifest: manifest,
		Proxy:    proxy,
		Logger:   logger.With("component", "proxy"),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	info := ClassifyRequest(r)
	if !info.Interceptable {
		h.passThrough(w, r)
		return
	}

	m := h.Manifest()
	rawURL, err := h.Upstream.Resolve(info.Path, info.RawQuery)
	if err != nil || !m.Intercepts(rawURL) {
		h.passThrough(w, r)
		return
	}

	resp, err := h.Engine.Handle(r.Context(), m, worker.Request{
		Method: r.Method,
		URL:    rawURL,
		Header: r.Header,
	})
	if err != nil {
		if errors.Is(err, worker.ErrNoResponse) {
			h.Logger.Warn("no response available", "url", rawURL, "error", err)
			w.Header().Set(cacheHeader, "MISS")
			http.Error(w, "upstream unavailable and no cached copy", http.StatusGatewayTimeout)
			return
		}
		// the client went away
		return
	}
	writeResponse(w, resp)
}

func (h *Handler) passThrough(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(cacheHeader, string(worker.OutcomeBypass))
	h.Proxy.ServeHTTP(w, r)
}

func writeResponse(w http.ResponseWriter, resp *worker.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		w.Header().Del(k)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.Header().Set(cacheHeader, string(resp.Outcome))

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}
