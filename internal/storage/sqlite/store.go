// Package sqlite implements storage.Store for SQLite via modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"mailscout/internal/model"
	"mailscout/internal/storage"
)

// Store implements storage.Store for SQLite.
//
// SQLite has no native timestamp type; timestamps are stored as RFC3339Nano
// strings for reliable round-trip behavior and easy debugging. List-valued
// fields live inside the JSON document column.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

const schema = `
CREATE TABLE IF NOT EXISTS filters (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	is_active  INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	doc        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS emails (
	id           TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL,
	filter_id    TEXT,
	processed_at TEXT,
	doc          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_emails_filter_id ON emails (filter_id);
`

// New opens a SQLite store and ensures its schema. Startup is idempotent.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) SaveFilter(ctx context.Context, f *model.Filter) error {
	doc, err := storage.EncodeFilter(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO filters (id, name, is_active, updated_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at,
			doc = excluded.doc`,
		f.ID, f.Name, boolInt(f.IsActive), f.UpdatedAt.UTC().Format(time.RFC3339Nano), string(doc),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save filter %s: %w", f.ID, err)
	}
	return nil
}

func (s *Store) GetFilter(ctx context.Context, id string) (*model.Filter, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM filters WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get filter %s: %w", id, err)
	}
	return storage.DecodeFilter([]byte(doc))
}

func (s *Store) ListFilters(ctx context.Context, activeOnly bool) ([]*model.Filter, error) {
	q := `SELECT doc FROM filters ORDER BY id`
	if activeOnly {
		q = `SELECT doc FROM filters WHERE is_active = 1 ORDER BY id`
	}

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list filters: %w", err)
	}
	defer rows.Close()

	var out []*model.Filter
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		f, err := storage.DecodeFilter([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFilter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM filters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete filter %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SaveEmail(ctx context.Context, e *model.EmailMessage) error {
	doc, err := storage.EncodeEmail(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO emails (id, message_id, filter_id, processed_at, doc)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			message_id = excluded.message_id,
			filter_id = excluded.filter_id,
			processed_at = excluded.processed_at,
			doc = excluded.doc`,
		e.ID, e.MessageID, e.FilterID, e.ProcessedAt.UTC().Format(time.RFC3339Nano), string(doc),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save email %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) ListEmails(ctx context.Context, filterID string) ([]*model.EmailMessage, error) {
	q := `SELECT doc FROM emails ORDER BY id`
	args := []any{}
	if filterID != "" {
		q = `SELECT doc FROM emails WHERE filter_id = ? ORDER BY id`
		args = append(args, filterID)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list emails: %w", err)
	}
	defer rows.Close()

	var out []*model.EmailMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		e, err := storage.DecodeEmail([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
