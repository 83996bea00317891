package catalog

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads the storefront's books table.
type PostgresSource struct {
	db *pgxpool.Pool
}

func NewPostgresSource(db *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) PublishedSince(ctx context.Context, since time.Time, status string, limit int) ([]Book, error) {
	query := `
		SELECT id::text, title, author, status, created_at
		FROM books
		WHERE status = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := s.db.Query(ctx, query, status, since, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Book, error) {
		var b Book
		err := row.Scan(&b.ID, &b.Title, &b.Author, &b.Status, &b.CreatedAt)
		return b, err
	})
}
