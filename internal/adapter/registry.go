// Package adapter provides post-processing of extracted email fields.
//
// An Adapter derives secondary fields from an already-extracted field mapping
// (for example, the transaction direction). Adapters are registered per
// filter id in a Registry that is passed explicitly into the processing
// pipeline; there is no ambient global registry.
package adapter

import (
	"fmt"
	"sync"

	"mailscout/internal/model"
)

// Adapter enriches an extracted-field mapping for a specific filter.
//
// Contract:
//   - Process must not mutate fields; it operates on a copy.
//   - Process is deterministic: identical input always yields identical output.
//   - An adapter that cannot compute its enrichment returns the input
//     unchanged rather than failing.
type Adapter interface {
	Process(email *model.EmailMessage, fields map[string]string) map[string]string
}

// Registry maps filter ids to at most one adapter each.
//
// Concurrency:
//   - Lookups are safe for concurrent use.
//   - Registration is expected at startup only; it takes the write lock but is
//     not designed for mutation concurrent with request handling.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a filter id.
//
// Panics:
//   - If filterID is empty.
//   - If a is nil.
//   - If filterID is already registered. This is intentional to fail fast and
//     preserve the zero-or-one adapter per filter contract.
func (r *Registry) Register(filterID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if filterID == "" {
		panic("adapter: Register called with empty filter id")
	}
	if a == nil {
		panic("adapter: Register called with nil adapter")
	}
	if _, exists := r.adapters[filterID]; exists {
		panic(fmt.Sprintf("adapter: already registered for filter id %q", filterID))
	}

	r.adapters[filterID] = a
}

// Lookup returns the adapter registered for filterID, if any.
func (r *Registry) Lookup(filterID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[filterID]
	return a, ok
}

// Process runs the adapter registered for filterID over fields. The absence
// of a registered adapter is normal and is a pass-through.
func (r *Registry) Process(filterID string, email *model.EmailMessage, fields map[string]string) map[string]string {
	a, ok := r.Lookup(filterID)
	if !ok {
		return fields
	}
	return a.Process(email, fields)
}
