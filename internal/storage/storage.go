// Package storage persists filters and processed emails behind a
// backend-agnostic Store interface.
//
// Backends register themselves under a kind string ("jsonfile", "sqlite",
// "postgres", "mssql") from an init() function; Open selects the backend by
// Config.Kind. The interface is intentionally minimal and focused on what the
// processing pipeline and the command surface need.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mailscout/internal/model"
)

// ErrNotFound is returned when a filter id does not exist.
var ErrNotFound = errors.New("storage: not found")

// Config is the minimal configuration needed to open a store.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific (for "jsonfile" it is a directory path).
type Config struct {
	Kind string
	DSN  string
}

// Store is a backend-agnostic filter/email store.
//
// Semantics shared by all backends:
//   - SaveFilter and SaveEmail are whole-document upserts keyed by id; filter
//     mutation is full-field replacement, never a partial edit.
//   - GetFilter and DeleteFilter return ErrNotFound for unknown ids.
//   - DeleteFilter does not cascade to stored emails; referential cleanup is
//     a caller concern.
type Store interface {
	// Close releases backend resources. Call once at process shutdown.
	Close()

	SaveFilter(ctx context.Context, f *model.Filter) error
	GetFilter(ctx context.Context, id string) (*model.Filter, error)
	// ListFilters returns all filters, or only active ones.
	ListFilters(ctx context.Context, activeOnly bool) ([]*model.Filter, error)
	DeleteFilter(ctx context.Context, id string) error

	SaveEmail(ctx context.Context, e *model.EmailMessage) error
	// ListEmails returns stored emails, restricted to one filter when
	// filterID is non-empty.
	ListEmails(ctx context.Context, filterID string) ([]*model.EmailMessage, error)
}

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind. Call from an init() function in
// a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Store using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
