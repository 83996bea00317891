package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/52poke/hondana/internal/cache"
	"github.com/52poke/hondana/internal/metrics"
)

// ErrNoResponse means neither the network nor the cache could answer.
var ErrNoResponse = errors.New("no network or cached response")

var errNetworkTimeout = errors.New("network timeout")

type Outcome string

const (
	OutcomeHit      Outcome = "HIT"
	OutcomeMiss     Outcome = "MISS"
	OutcomeNetwork  Outcome = "NETWORK"
	OutcomeFallback Outcome = "FALLBACK"
	OutcomePrecache Outcome = "PRECACHE"
	OutcomeBypass   Outcome = "BYPASS"
)

type Request struct {
	Method string
	URL    string
	Header http.Header
}

type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	Outcome   Outcome
	CacheName string
}

// Fetcher performs the network leg of a request.
type Fetcher interface {
	Fetch(ctx context.Context, method, rawURL string, headers http.Header) (*http.Response, []byte, error)
}

// Engine applies a manifest to requests. It carries no state between calls
// besides the cache store; background cache writes are tracked so callers
// can wait for them.
type Engine struct {
	store   cache.Store
	fetcher Fetcher
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
	pending sync.WaitGroup
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store cache.Store, fetcher Fetcher, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		fetcher: fetcher,
		logger:  logger.With("component", "worker"),
		now:     time.Now,
		tracer:  otel.Tracer("hondana/worker"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying cache store.
func (e *Engine) Store() cache.Store {
	return e.store
}

// Wait blocks until in-flight network fetches have settled and written to the cache.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// Handle answers req according to m. Requests that are not GET or match no
// route are fetched from the network untouched.
func (e *Engine) Handle(ctx context.Context, m *Manifest, req Request) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "worker.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("http.url", req.URL))

	if req.Method != http.MethodGet || m == nil {
		return e.bypass(ctx, req)
	}

	if m.isPrecached(req.URL) {
		entry, err := e.store.Get(ctx, m.PrecacheName(), req.URL)
		if err == nil {
			metrics.CacheResults.WithLabelValues(m.PrecacheName(), string(OutcomePrecache)).Inc()
			return fromEntry(entry, OutcomePrecache, m.PrecacheName()), nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.Warn("precache read failed", "url", req.URL, "error", err)
		}
	}

	route, ok := m.Match(req.URL)
	if !ok {
		return e.bypass(ctx, req)
	}
	span.SetAttributes(attribute.String("cache.name", route.CacheName), attribute.String("cache.strategy", string(route.Strategy)))

	var (
		resp *Response
		err  error
	)
	switch route.Strategy {
	case CacheFirst:
		resp, err = e.cacheFirst(ctx, route, req)
	case NetworkFirst:
		resp, err = e.networkFirst(ctx, route, req)
	default:
		return e.bypass(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		metrics.CacheResults.WithLabelValues(route.CacheName, "ERROR").Inc()
		return nil, err
	}
	span.SetAttributes(attribute.String("cache.outcome", string(resp.Outcome)))
	metrics.CacheResults.WithLabelValues(route.CacheName, string(resp.Outcome)).Inc()
	return resp, nil
}

func (e *Engine) bypass(ctx context.Context, req Request) (*Response, error) {
	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	resp.Outcome = OutcomeBypass
	return resp, nil
}

func (e *Engine) cacheFirst(ctx context.Context, route Route, req Request) (*Response, error) {
	key := route.CacheKey(req.URL)
	if entry, err := e.lookup(ctx, route, key); err == nil {
		return fromEntry(entry, OutcomeHit, route.CacheName), nil
	}

	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	if cacheable(resp.Status) {
		e.save(ctx, route, key, resp)
	}
	resp.Outcome = OutcomeMiss
	resp.CacheName = route.CacheName
	return resp, nil
}

type fetchResult struct {
	resp *Response
	err  error
}

func (e *Engine) networkFirst(ctx context.Context, route Route, req Request) (*Response, error) {
	key := route.CacheKey(req.URL)

	// The fetch outlives an abandoned caller so a late response still lands in the cache.
	fetchCtx := context.WithoutCancel(ctx)
	results := make(chan fetchResult, 1)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		resp, err := e.fetch(fetchCtx, req)
		if err != nil || !cacheable(resp.Status) {
			results <- fetchResult{resp: resp, err: err}
			return
		}
		// the timeout bounds the network attempt only, the write happens after delivery
		entry := toEntry(resp, e.now())
		results <- fetchResult{resp: resp}
		e.persist(fetchCtx, route, key, entry)
	}()

	var deadline <-chan time.Time
	if route.NetworkTimeout > 0 {
		timer := time.NewTimer(route.NetworkTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var netErr error
	select {
	case r := <-results:
		if r.err == nil {
			r.resp.Outcome = OutcomeNetwork
			r.resp.CacheName = route.CacheName
			return r.resp, nil
		}
		netErr = r.err
	case <-deadline:
		netErr = errNetworkTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	entry, err := e.lookup(ctx, route, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, netErr)
	}
	e.logger.Debug("serving cached fallback", "url", req.URL, "cache", route.CacheName, "reason", netErr)
	return fromEntry(entry, OutcomeFallback, route.CacheName), nil
}

// lookup returns a fresh entry; an expired one is deleted and reported absent.
func (e *Engine) lookup(ctx context.Context, route Route, key string) (cache.Entry, error) {
	entry, err := e.store.Get(ctx, route.CacheName, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.Warn("cache read failed", "cache", route.CacheName, "key", key, "error", err)
		}
		return cache.Entry{}, err
	}
	if cache.Expired(entry.StoredAt, route.MaxAge, e.now()) {
		if err := e.store.Delete(ctx, route.CacheName, key); err != nil {
			e.logger.Warn("expired entry delete failed", "cache", route.CacheName, "key", key, "error", err)
		}
		metrics.CacheEvictions.WithLabelValues(route.CacheName, "max-age").Inc()
		return cache.Entry{}, cache.ErrNotFound
	}
	return entry, nil
}

func (e *Engine) fetch(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	resp, body, err := e.fetcher.Fetch(ctx, method, req.URL, req.Header)
	if err != nil {
		return nil, err
	}
	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

func (e *Engine) save(ctx context.Context, route Route, key string, resp *Response) {
	e.persist(ctx, route, key, toEntry(resp, e.now()))
}

func toEntry(resp *Response, storedAt time.Time) cache.Entry {
	return cache.Entry{
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     resp.Body,
		StoredAt: storedAt,
	}
}

func (e *Engine) persist(ctx context.Context, route Route, key string, entry cache.Entry) {
	if err := e.store.Put(ctx, route.CacheName, key, entry); err != nil {
		e.logger.Warn("cache write failed", "cache", route.CacheName, "key", key, "error", err)
		return
	}
	if err := e.enforce(ctx, route); err != nil {
		e.logger.Warn("cache eviction failed", "cache", route.CacheName, "error", err)
	}
}

// enforce drops expired entries, then the oldest ones beyond MaxEntries.
func (e *Engine) enforce(ctx context.Context, route Route) error {
	metas, err := e.store.List(ctx, route.CacheName)
	if err != nil {
		return err
	}
	now := e.now()
	live := make([]cache.Meta, 0, len(metas))
	for _, m := range metas {
		if route.MaxAge > 0 && cache.Expired(m.StoredAt, route.MaxAge, now) {
			if err := e.store.Delete(ctx, route.CacheName, m.Key); err != nil {
				return err
			}
			metrics.CacheEvictions.WithLabelValues(route.CacheName, "max-age").Inc()
			continue
		}
		live = append(live, m)
	}
	if route.MaxEntries <= 0 || len(live) <= route.MaxEntries {
		return nil
	}
	for _, m := range live[:len(live)-route.MaxEntries] {
		if err := e.store.Delete(ctx, route.CacheName, m.Key); err != nil {
			return err
		}
		metrics.CacheEvictions.WithLabelValues(route.CacheName, "max-entries").Inc()
	}
	return nil
}

// cacheable holds the statuses that may be stored: ok and opaque.
func cacheable(status int) bool {
	return status == http.StatusOK || status == cache.StatusOpaque
}

func fromEntry(entry cache.Entry, outcome Outcome, cacheName string) *Response {
	return &Response{
		Status:    entry.Status,
		Header:    entry.Header.Clone(),
		Body:      entry.Body,
		Outcome:   outcome,
		CacheName: cacheName,
	}
}
