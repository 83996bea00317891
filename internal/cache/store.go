package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var ErrNotFound = errors.New("cache entry not found")

// StatusOpaque marks a cross-origin response whose status is hidden from the caller.
const StatusOpaque = 0

type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Meta is the index record of one entry in a named cache.
type Meta struct {
	Key      string
	StoredAt time.Time
}

// Store holds named caches. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, cacheName, key string) (Entry, error)
	// Put inserts or replaces an entry; a replaced entry becomes the newest.
	Put(ctx context.Context, cacheName, key string, entry Entry) error
	Delete(ctx context.Context, cacheName, key string) error
	// List returns the index of a named cache, oldest insertion first.
	List(ctx context.Context, cacheName string) ([]Meta, error)
	Names(ctx context.Context) ([]string, error)
	// Drop removes a named cache with all of its entries.
	Drop(ctx context.Context, cacheName string) error
}

// Expired reports whether an entry stored at storedAt is older than maxAge.
// A non-positive maxAge never expires.
func Expired(storedAt time.Time, maxAge time.Duration, now time.Time) bool {
	if storedAt.IsZero() {
		return true
	}
	if maxAge <= 0 {
		return false
	}
	return storedAt.Add(maxAge).Before(now)
}
