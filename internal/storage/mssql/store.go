// Package mssql implements storage.Store for Microsoft SQL Server.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"

	"mailscout/internal/model"
	"mailscout/internal/storage"
)

// Store implements storage.Store for SQL Server using database/sql and the
// "sqlserver" driver. Upserts use MERGE so reprocessing stays idempotent.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

var schema = []string{
	`IF OBJECT_ID('filters', 'U') IS NULL
	CREATE TABLE filters (
		id         NVARCHAR(64) NOT NULL PRIMARY KEY,
		name       NVARCHAR(255) NOT NULL,
		is_active  BIT NOT NULL,
		updated_at DATETIMEOFFSET NOT NULL,
		doc        NVARCHAR(MAX) NOT NULL
	)`,
	`IF OBJECT_ID('emails', 'U') IS NULL
	CREATE TABLE emails (
		id           NVARCHAR(64) NOT NULL PRIMARY KEY,
		message_id   NVARCHAR(255) NOT NULL,
		filter_id    NVARCHAR(64) NULL,
		processed_at DATETIMEOFFSET NULL,
		doc          NVARCHAR(MAX) NOT NULL
	)`,
	`IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = 'idx_emails_filter_id')
	CREATE INDEX idx_emails_filter_id ON emails (filter_id)`,
}

// New opens a SQL Server store and ensures its schema. Startup is idempotent.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("mssql: ensure schema: %w", err)
		}
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
		MERGE filters AS t
		USING (SELECT @p1 AS id) AS src ON t.id = src.id
		WHEN MATCHED THEN UPDATE SET
			name = @p2, is_active = @p3, updated_at = @p4, doc = @p5
		WHEN NOT MATCHED THEN
			INSERT (id, name, is_active, updated_at, doc)
			VALUES (@p1, @p2, @p3, @p4, @p5);`,
		f.ID, f.Name, f.IsActive, f.UpdatedAt, string(doc),
	)
	if err != nil {
		return fmt.Errorf("mssql: save filter %s: %w", f.ID, err)
	}
	return nil
}

func (s *Store) GetFilter(ctx context.Context, id string) (*model.Filter, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM filters WHERE id = @p1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mssql: get filter %s: %w", id, err)
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
		return nil, fmt.Errorf("mssql: list filters: %w", err)
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM filters WHERE id = @p1`, id)
	if err != nil {
		return fmt.Errorf("mssql: delete filter %s: %w", id, err)
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
		MERGE emails AS t
		USING (SELECT @p1 AS id) AS src ON t.id = src.id
		WHEN MATCHED THEN UPDATE SET
			message_id = @p2, filter_id = @p3, processed_at = @p4, doc = @p5
		WHEN NOT MATCHED THEN
			INSERT (id, message_id, filter_id, processed_at, doc)
			VALUES (@p1, @p2, @p3, @p4, @p5);`,
		e.ID, e.MessageID, e.FilterID, e.ProcessedAt, string(doc),
	)
	if err != nil {
		return fmt.Errorf("mssql: save email %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) ListEmails(ctx context.Context, filterID string) ([]*model.EmailMessage, error) {
	q := `SELECT doc FROM emails ORDER BY id`
	args := []any{}
	if filterID != "" {
		q = `SELECT doc FROM emails WHERE filter_id = @p1 ORDER BY id`
		args = append(args, filterID)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("mssql: list emails: %w", err)
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
