package httpx

import (
	"net/http"
	"net/url"
	"strings"
)

type RequestInfo struct {
	Interceptable bool
	Path          string
	RawQuery      string
	Reason        string
}

// ClassifyRequest decides whether a request may be answered by the caching
// engine. Everything else is streamed to the upstream as is.
func ClassifyRequest(r *http.Request) RequestInfo {
	if r.Method != http.MethodGet {
		return RequestInfo{Reason: "method-not-get"}
	}
	if strings.EqualFold(r.Header.Get("Connection"), "upgrade") || r.Header.Get("Upgrade") != "" {
		return RequestInfo{Reason: "upgrade"}
	}
	if r.Header.Get("Range") != "" {
		return RequestInfo{Reason: "range"}
	}
	if r.Header.Get("Authorization") != "" {
		return RequestInfo{Reason: "authorized"}
	}

	cleaned := stripUTMParams(r.URL)
	return RequestInfo{
		Interceptable: true,
		Path:          cleaned.Path,
		RawQuery:      cleaned.RawQuery,
	}
}

// stripUTMParams drops campaign tracking parameters so they do not split cache entries.
func stripUTMParams(u *url.URL) *url.URL {
	clone := *u
	if clone.RawQuery == "" {
		return &clone
	}
	q := clone.Query()
	removed := false
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
			removed = true
		}
	}
	if removed {
		clone.RawQuery = q.Encode()
	}
	return &clone
}
