package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/52poke/hondana/internal/cache"
	"github.com/52poke/hondana/internal/metrics"
)

// Install fills the precache cache of m. URLs already present are skipped, so
// repeating an install for the same version fetches nothing.
func (e *Engine) Install(ctx context.Context, m *Manifest) error {
	if m == nil {
		return fmt.Errorf("%w: nil manifest", ErrInvalidManifest)
	}
	ctx, span := e.tracer.Start(ctx, "worker.Install")
	defer span.End()

	name := m.PrecacheName()
	for _, rawURL := range m.Precache {
		if _, err := e.store.Get(ctx, name, rawURL); err == nil {
			continue
		} else if !errors.Is(err, cache.ErrNotFound) {
			return fmt.Errorf("precache %s: %w", rawURL, err)
		}

		resp, err := e.fetch(ctx, Request{Method: http.MethodGet, URL: rawURL})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("precache %s: %w", rawURL, err)
		}
		if !cacheable(resp.Status) {
			return fmt.Errorf("precache %s: upstream status %d", rawURL, resp.Status)
		}
		if err := e.store.Put(ctx, name, rawURL, cache.Entry{
			Status:   resp.Status,
			Header:   resp.Header,
			Body:     resp.Body,
			StoredAt: e.now(),
		}); err != nil {
			return fmt.Errorf("precache %s: %w", rawURL, err)
		}
	}
	e.logger.Info("manifest installed", "version", m.Version, "precached", len(m.Precache))
	return nil
}

// Activate drops every stored cache that m does not name and returns the
// dropped names.
func (e *Engine) Activate(ctx context.Context, m *Manifest) ([]string, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil manifest", ErrInvalidManifest)
	}
	names, err := e.store.Names(ctx)
	if err != nil {
		return nil, err
	}
	keep := m.CacheNames()
	var dropped []string
	for _, name := range names {
		if slices.Contains(keep, name) {
			continue
		}
		if err := e.store.Drop(ctx, name); err != nil {
			return dropped, fmt.Errorf("drop cache %s: %w", name, err)
		}
		dropped = append(dropped, name)
	}
	if len(dropped) > 0 {
		e.logger.Info("stale caches dropped", "version", m.Version, "caches", dropped)
	}
	return dropped, nil
}

// ExpireAll deletes expired entries from every route cache of m and returns
// how many were removed.
func (e *Engine) ExpireAll(ctx context.Context, m *Manifest) (int, error) {
	if m == nil {
		return 0, nil
	}
	seen := map[string]struct{}{}
	removed := 0
	now := e.now()
	for _, route := range m.Routes {
		if route.MaxAge <= 0 {
			continue
		}
		if _, ok := seen[route.CacheName]; ok {
			continue
		}
		seen[route.CacheName] = struct{}{}

		metas, err := e.store.List(ctx, route.CacheName)
		if err != nil {
			return removed, fmt.Errorf("list cache %s: %w", route.CacheName, err)
		}
		for _, meta := range metas {
			if !cache.Expired(meta.StoredAt, route.MaxAge, now) {
				continue
			}
			if err := e.store.Delete(ctx, route.CacheName, meta.Key); err != nil {
				return removed, fmt.Errorf("expire %s in %s: %w", meta.Key, route.CacheName, err)
			}
			metrics.CacheEvictions.WithLabelValues(route.CacheName, "max-age").Inc()
			removed++
		}
	}
	return removed, nil
}
