// Package postgres is a durable cart backend for server deployments that
// keep cart blobs in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storefront/internal/storage"
)

const schema = `
	CREATE TABLE IF NOT EXISTS cart_blobs (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// Store keeps one row per key in cart_blobs.
type Store struct {
	db     *sql.DB
	tracer trace.Tracer
}

var _ storage.Backend = (*Store)(nil)

// Open connects to dsn and creates the table if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The caller owns db.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("storefront/storage/postgres"),
	}
}

// Migrate creates the cart_blobs table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.read",
		trace.WithAttributes(attribute.String("storage.key", key)),
	)
	defer span.End()

	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cart_blobs WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("storage.found", false))
		return nil, storage.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	span.SetAttributes(attribute.Int("storage.bytes", len(value)))
	return value, nil
}

func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	ctx, span := s.tracer.Start(ctx, "postgres.write",
		trace.WithAttributes(
			attribute.String("storage.key", key),
			attribute.Int("storage.bytes", len(value)),
		),
	)
	defer span.End()

	err := s.retry(ctx, span, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cart_blobs (key, value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE
			SET value = EXCLUDED.value,
			    updated_at = EXCLUDED.updated_at
		`, key, value)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	ctx, span := s.tracer.Start(ctx, "postgres.remove",
		trace.WithAttributes(attribute.String("storage.key", key)),
	)
	defer span.End()

	err := s.retry(ctx, span, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM cart_blobs WHERE key = $1`, key)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remove failed")
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// retry runs fn again once when PostgreSQL aborted it for a serialization
// failure or deadlock.
func (s *Store) retry(ctx context.Context, span trace.Span, fn func() error) error {
	err := fn()
	if !isRetryable(err) || ctx.Err() != nil {
		return err
	}
	span.AddEvent("storage.retry", trace.WithAttributes(attribute.String("error", err.Error())))
	return fn()
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return true
	}
	return false
}
