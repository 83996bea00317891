package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	postgresTable       = "push_subscriptions"
	pgUndefinedTable    = "42P01"
	selectSubscriptions = `SELECT endpoint, keys::text, created_at, updated_at FROM push_subscriptions`
)

// PostgresStore expects:
//
//	CREATE TABLE push_subscriptions (
//	    endpoint   TEXT PRIMARY KEY,
//	    keys       JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Probe(ctx context.Context) error {
	var name *string
	if err := s.db.QueryRow(ctx, `SELECT to_regclass($1)::text`, postgresTable).Scan(&name); err != nil {
		return err
	}
	if name == nil {
		return fmt.Errorf("%w: table %s does not exist", ErrSchemaMissing, postgresTable)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, sub Subscription) error {
	keys, err := json.Marshal(sub.Keys)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO push_subscriptions (endpoint, keys, created_at, updated_at)
		VALUES ($1, $2::jsonb, $3, $4)
		ON CONFLICT (endpoint) DO UPDATE
		SET keys = EXCLUDED.keys, updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.Exec(ctx, query, sub.Endpoint, string(keys), sub.CreatedAt, sub.UpdatedAt)
	return mapPgError(err)
}

func (s *PostgresStore) Delete(ctx context.Context, endpoint string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	return mapPgError(err)
}

func (s *PostgresStore) Get(ctx context.Context, endpoint string) (Subscription, error) {
	row := s.db.QueryRow(ctx, selectSubscriptions+` WHERE endpoint = $1`, endpoint)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	return sub, mapPgError(err)
}

// All streams rows from a single query; nothing is buffered beyond the driver.
func (s *PostgresStore) All(ctx context.Context) iter.Seq2[Subscription, error] {
	return func(yield func(Subscription, error) bool) {
		rows, err := s.db.Query(ctx, selectSubscriptions+` ORDER BY endpoint`)
		if err != nil {
			yield(Subscription{}, mapPgError(err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			sub, err := scanSubscription(rows)
			if err != nil {
				yield(Subscription{}, err)
				return
			}
			if !yield(sub, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Subscription{}, mapPgError(err))
		}
	}
}

func scanSubscription(row pgx.Row) (Subscription, error) {
	var (
		sub  Subscription
		keys string
	)
	if err := row.Scan(&sub.Endpoint, &keys, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return Subscription{}, err
	}
	if err := json.Unmarshal([]byte(keys), &sub.Keys); err != nil {
		return Subscription{}, fmt.Errorf("decode keys of %s: %w", sub.Endpoint, err)
	}
	return sub, nil
}

// mapPgError reports a dropped table as ErrSchemaMissing.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return fmt.Errorf("%w: %s", ErrSchemaMissing, pgErr.Message)
	}
	return err
}
