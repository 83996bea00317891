package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	StatusAvailable = "available"

	defaultWindow = 24 * time.Hour
	defaultLimit  = 10
)

type Book struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Digest is the answer to a new-content check. CheckedAt is what the client
// stores as its next lastCheckDate.
type Digest struct {
	NewItems  []Book    `json:"newBooks"`
	Count     int       `json:"count"`
	CheckedAt time.Time `json:"lastCheck"`
}

// Source returns books with the given status created after since, newest first.
type Source interface {
	PublishedSince(ctx context.Context, since time.Time, status string, limit int) ([]Book, error)
}

type Poller struct {
	source Source
	logger *slog.Logger
	now    func() time.Time
	window time.Duration
	limit  int
}

func NewPoller(source Source, logger *slog.Logger) *Poller {
	return &Poller{
		source: source,
		logger: logger.With("component", "catalog"),
		now:    time.Now,
		window: defaultWindow,
		limit:  defaultLimit,
	}
}

// CheckNewItems lists books published after since. A nil since looks back one day.
func (p *Poller) CheckNewItems(ctx context.Context, since *time.Time) (Digest, error) {
	now := p.now()
	from := now.Add(-p.window)
	if since != nil {
		from = *since
	}

	books, err := p.source.PublishedSince(ctx, from, StatusAvailable, p.limit)
	if err != nil {
		return Digest{}, fmt.Errorf("query new books: %w", err)
	}
	if books == nil {
		books = []Book{}
	}
	p.logger.Debug("new books checked", "since", from, "count", len(books))
	return Digest{NewItems: books, Count: len(books), CheckedAt: now}, nil
}
