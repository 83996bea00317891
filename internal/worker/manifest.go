package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

var ErrInvalidManifest = errors.New("invalid worker manifest")

type Strategy string

const (
	NetworkFirst Strategy = "NetworkFirst"
	CacheFirst   Strategy = "CacheFirst"
)

const precachePrefix = "precache-"

// Route is one manifest rule. Rules are evaluated in order and the first match wins.
type Route struct {
	Pattern        *regexp.Regexp
	Strategy       Strategy
	CacheName      string
	MaxEntries     int
	MaxAge         time.Duration
	NetworkTimeout time.Duration
	IgnoreQuery    bool
}

type Manifest struct {
	Version  string
	Routes   []Route
	Precache []string

	precache map[string]struct{}
}

type manifestFile struct {
	Version  string      `json:"version"`
	Precache []string    `json:"precache"`
	Routes   []routeFile `json:"routes"`
}

type routeFile struct {
	URLPattern            string  `json:"urlPattern"`
	Strategy              string  `json:"strategy"`
	CacheName             string  `json:"cacheName"`
	MaxEntries            int     `json:"maxEntries"`
	MaxAgeSeconds         int     `json:"maxAgeSeconds"`
	NetworkTimeoutSeconds float64 `json:"networkTimeoutSeconds"`
	IgnoreQuery           bool    `json:"ignoreQuery"`
}

// ParseManifest decodes and validates a JSON manifest. A manifest without an
// explicit version is versioned by the digest of its content.
func ParseManifest(data []byte) (*Manifest, error) {
	var f manifestFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	m := &Manifest{
		Version:  strings.TrimSpace(f.Version),
		precache: make(map[string]struct{}, len(f.Precache)),
	}
	if m.Version == "" {
		sum := sha256.Sum256(data)
		m.Version = hex.EncodeToString(sum[:])[:12]
	}

	limits := map[string]routeFile{}
	for i, rf := range f.Routes {
		route, err := parseRoute(rf)
		if err != nil {
			return nil, fmt.Errorf("%w: route %d: %v", ErrInvalidManifest, i, err)
		}
		if prev, ok := limits[rf.CacheName]; ok {
			if prev.MaxEntries != rf.MaxEntries || prev.MaxAgeSeconds != rf.MaxAgeSeconds {
				return nil, fmt.Errorf("%w: route %d: cache %q is declared with different limits", ErrInvalidManifest, i, rf.CacheName)
			}
		}
		limits[rf.CacheName] = rf
		m.Routes = append(m.Routes, route)
	}

	for _, raw := range f.Precache {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return nil, fmt.Errorf("%w: precache url %q must be absolute", ErrInvalidManifest, raw)
		}
		if _, dup := m.precache[raw]; dup {
			continue
		}
		m.precache[raw] = struct{}{}
		m.Precache = append(m.Precache, raw)
	}
	return m, nil
}

func parseRoute(rf routeFile) (Route, error) {
	if rf.URLPattern == "" {
		return Route{}, errors.New("urlPattern is required")
	}
	re, err := regexp.Compile(rf.URLPattern)
	if err != nil {
		return Route{}, fmt.Errorf("urlPattern: %v", err)
	}
	strategy, err := parseStrategy(rf.Strategy)
	if err != nil {
		return Route{}, err
	}
	if strings.TrimSpace(rf.CacheName) == "" {
		return Route{}, errors.New("cacheName is required")
	}
	if strings.HasPrefix(rf.CacheName, precachePrefix) {
		return Route{}, fmt.Errorf("cacheName %q uses the reserved %q prefix", rf.CacheName, precachePrefix)
	}
	if rf.MaxEntries < 0 || rf.MaxAgeSeconds < 0 || rf.NetworkTimeoutSeconds < 0 {
		return Route{}, errors.New("limits must not be negative")
	}
	return Route{
		Pattern:        re,
		Strategy:       strategy,
		CacheName:      rf.CacheName,
		MaxEntries:     rf.MaxEntries,
		MaxAge:         time.Duration(rf.MaxAgeSeconds) * time.Second,
		NetworkTimeout: time.Duration(rf.NetworkTimeoutSeconds * float64(time.Second)),
		IgnoreQuery:    rf.IgnoreQuery,
	}, nil
}

func parseStrategy(s string) (Strategy, error) {
	normalized := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(strings.TrimSpace(s)))
	switch normalized {
	case "networkfirst":
		return NetworkFirst, nil
	case "cachefirst":
		return CacheFirst, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

// Match returns the first route whose pattern matches rawURL.
func (m *Manifest) Match(rawURL string) (Route, bool) {
	if m == nil {
		return Route{}, false
	}
	for _, r := range m.Routes {
		if r.Pattern.MatchString(rawURL) {
			return r, true
		}
	}
	return Route{}, false
}

// Intercepts reports whether a GET for rawURL is answered by the engine
// rather than passed straight through.
func (m *Manifest) Intercepts(rawURL string) bool {
	if m == nil {
		return false
	}
	if m.isPrecached(rawURL) {
		return true
	}
	_, ok := m.Match(rawURL)
	return ok
}

func (m *Manifest) PrecacheName() string {
	return precachePrefix + m.Version
}

func (m *Manifest) isPrecached(rawURL string) bool {
	if m.precache == nil {
		for _, p := range m.Precache {
			if p == rawURL {
				return true
			}
		}
		return false
	}
	_, ok := m.precache[rawURL]
	return ok
}

// CacheNames lists every cache owned by the manifest, route caches first.
func (m *Manifest) CacheNames() []string {
	seen := map[string]struct{}{}
	var names []string
	for _, r := range m.Routes {
		if _, ok := seen[r.CacheName]; ok {
			continue
		}
		seen[r.CacheName] = struct{}{}
		names = append(names, r.CacheName)
	}
	if len(m.Precache) > 0 {
		names = append(names, m.PrecacheName())
	}
	return names
}

// CacheKey is the store key for rawURL under r.
func (r Route) CacheKey(rawURL string) string {
	if !r.IgnoreQuery {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.ForceQuery = false
	return u.String()
}
