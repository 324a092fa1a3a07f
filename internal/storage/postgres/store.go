// Package postgres implements storage.Store for Postgres via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailscout/internal/model"
	"mailscout/internal/storage"
)

// Store implements storage.Store for Postgres. Documents are stored as JSONB;
// queryable columns (name, is_active, filter_id, timestamps) are lifted out.
type Store struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

const schema = `
CREATE TABLE IF NOT EXISTS filters (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	is_active  BOOLEAN NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	doc        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS emails (
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL,
	filter_id    TEXT,
	processed_at TIMESTAMPTZ,
	doc          JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_emails_filter_id ON emails (filter_id);
`

// New opens a Postgres store and ensures its schema. Startup is idempotent.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) SaveFilter(ctx context.Context, f *model.Filter) error {
	doc, err := storage.EncodeFilter(f)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO filters (id, name, is_active, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at,
			doc = EXCLUDED.doc`,
		f.ID, f.Name, f.IsActive, f.UpdatedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("postgres: save filter %s: %w", f.ID, err)
	}
	return nil
}

func (s *Store) GetFilter(ctx context.Context, id string) (*model.Filter, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM filters WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get filter %s: %w", id, err)
	}
	return storage.DecodeFilter(doc)
}

func (s *Store) ListFilters(ctx context.Context, activeOnly bool) ([]*model.Filter, error) {
	q := `SELECT doc FROM filters ORDER BY id`
	if activeOnly {
		q = `SELECT doc FROM filters WHERE is_active ORDER BY id`
	}

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: list filters: %w", err)
	}
	defer rows.Close()

	var out []*model.Filter
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		f, err := storage.DecodeFilter(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFilter(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM filters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete filter %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SaveEmail(ctx context.Context, e *model.EmailMessage) error {
	doc, err := storage.EncodeEmail(e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO emails (id, message_id, filter_id, processed_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			filter_id = EXCLUDED.filter_id,
			processed_at = EXCLUDED.processed_at,
			doc = EXCLUDED.doc`,
		e.ID, e.MessageID, e.FilterID, e.ProcessedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("postgres: save email %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) ListEmails(ctx context.Context, filterID string) ([]*model.EmailMessage, error) {
	q := `SELECT doc FROM emails ORDER BY id`
	args := []any{}
	if filterID != "" {
		q = `SELECT doc FROM emails WHERE filter_id = $1 ORDER BY id`
		args = append(args, filterID)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list emails: %w", err)
	}
	defer rows.Close()

	var out []*model.EmailMessage
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		e, err := storage.DecodeEmail(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
