// Package jsonfile implements storage.Store as JSON documents on disk.
//
// Layout: <dir>/filters.json and <dir>/emails.json, each a JSON array of
// documents. The whole file is rewritten on every mutation, atomically via a
// temp file and rename. Suitable for single-process deployments and tests;
// use a database backend for anything concurrent across processes.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"mailscout/internal/model"
	"mailscout/internal/storage"
)

const (
	filtersFile = "filters.json"
	emailsFile  = "emails.json"
)

func init() {
	storage.Register("jsonfile", New)
}

// Store keeps all documents in memory and mirrors mutations to disk.
type Store struct {
	dir string

	mu      sync.RWMutex
	filters map[string]*model.Filter
	emails  map[string]*model.EmailMessage
}

// New opens (and if needed creates) a jsonfile store rooted at cfg.DSN.
func New(_ context.Context, cfg storage.Config) (storage.Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("jsonfile: DSN must be a directory path")
	}
	if err := os.MkdirAll(cfg.DSN, 0o755); err != nil {
		return nil, fmt.Errorf("jsonfile: create dir: %w", err)
	}

	s := &Store{
		dir:     cfg.DSN,
		filters: make(map[string]*model.Filter),
		emails:  make(map[string]*model.EmailMessage),
	}

	if err := loadDocs(filepath.Join(s.dir, filtersFile), storage.DecodeFilter, func(f *model.Filter) {
		s.filters[f.ID] = f
	}); err != nil {
		return nil, err
	}
	if err := loadDocs(filepath.Join(s.dir, emailsFile), storage.DecodeEmail, func(e *model.EmailMessage) {
		s.emails[e.ID] = e
	}); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() {}

func (s *Store) SaveFilter(_ context.Context, f *model.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.filters[f.ID] = f
	return s.persistFilters()
}

func (s *Store) GetFilter(_ context.Context, id string) (*model.Filter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.filters[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return f, nil
}

func (s *Store) ListFilters(_ context.Context, activeOnly bool) ([]*model.Filter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Filter, 0, len(s.filters))
	for _, f := range s.filters {
		if activeOnly && !f.IsActive {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteFilter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.filters[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.filters, id)
	return s.persistFilters()
}

func (s *Store) SaveEmail(_ context.Context, e *model.EmailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.emails[e.ID] = e
	return s.persistEmails()
}

func (s *Store) ListEmails(_ context.Context, filterID string) ([]*model.EmailMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.EmailMessage, 0, len(s.emails))
	for _, e := range s.emails {
		if filterID != "" && e.FilterID != filterID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// persistFilters writes filters.json. Caller holds the write lock.
func (s *Store) persistFilters() error {
	docs := make([]json.RawMessage, 0, len(s.filters))
	ids := make([]string, 0, len(s.filters))
	for id := range s.filters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc, err := storage.EncodeFilter(s.filters[id])
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	return writeFileAtomic(filepath.Join(s.dir, filtersFile), docs)
}

// persistEmails writes emails.json. Caller holds the write lock.
func (s *Store) persistEmails() error {
	docs := make([]json.RawMessage, 0, len(s.emails))
	ids := make([]string, 0, len(s.emails))
	for id := range s.emails {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc, err := storage.EncodeEmail(s.emails[id])
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	return writeFileAtomic(filepath.Join(s.dir, emailsFile), docs)
}

// loadDocs reads a JSON array file and hands each decoded document to add.
// A missing file is an empty store, not an error.
func loadDocs[T any](path string, decode func([]byte) (T, error), add func(T)) error {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("jsonfile: read %s: %w", path, err)
	}

	var docs []json.RawMessage
	if err := json.Unmarshal(b, &docs); err != nil {
		return fmt.Errorf("jsonfile: parse %s: %w", path, err)
	}
	for _, doc := range docs {
		v, err := decode(doc)
		if err != nil {
			return fmt.Errorf("jsonfile: %s: %w", path, err)
		}
		add(v)
	}
	return nil
}

// writeFileAtomic writes the document array to a temp file in the same
// directory and renames it into place.
func writeFileAtomic(path string, docs []json.RawMessage) error {
	b, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mailscout-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(b)
	closeErr := tmp.Close()

	if writeErr != nil {
		_ = os.Remove(tmpName)
		return writeErr
	}
	if closeErr != nil {
		_ = os.Remove(tmpName)
		return closeErr
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
