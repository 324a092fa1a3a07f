package adapter

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/search"

	"mailscout/internal/model"
)

// Canonical field keys consumed and produced by TransactionAdapter.
const (
	FieldOrigin          = "origin"
	FieldDestination     = "destination"
	FieldAmount          = "amount"
	FieldTransactionType = "transaction_type"

	// fallbackPrefix marks alternate extractions of the canonical fields
	// (e.g. "fallback_origin", captured by a secondary rule). A fallback key
	// is promoted only when the canonical key is absent, and is removed from
	// the output either way: the canonical key always wins.
	fallbackPrefix = "fallback_"
)

// promotable lists the canonical keys that accept fallback promotion.
var promotable = []string{FieldOrigin, FieldDestination, FieldAmount}

// TransactionAdapter derives the transaction direction from extracted
// origin/destination fields.
//
// Direction is decided by case-insensitive substring containment of any owner
// identifier: in the origin field it means an outgoing transaction, in the
// destination field an incoming one. When neither matches, the direction is
// "unknown". When the required origin/amount fields are absent altogether the
// input is returned untouched, with no direction field added at all.
type TransactionAdapter struct {
	owners  []string
	aliases map[string]string // source key -> canonical key
}

// NewTransactionAdapter constructs the generic owner-identifier adapter.
//
// Errors:
//   - At least one owner identifier is required; this is a configuration
//     error and fails at construction.
func NewTransactionAdapter(owners []string) (*TransactionAdapter, error) {
	cleaned := make([]string, 0, len(owners))
	for _, o := range owners {
		if o != "" {
			cleaned = append(cleaned, o)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("adapter: transaction adapter requires at least one owner identifier")
	}
	return &TransactionAdapter{owners: cleaned}, nil
}

// NewBanreservasAdapter constructs the Banreservas configuration of the
// transaction adapter: the same engine, with the bank's Spanish field names
// (origen/destino/monto) recognized as aliases of the canonical keys.
func NewBanreservasAdapter(owners []string) (*TransactionAdapter, error) {
	a, err := NewTransactionAdapter(owners)
	if err != nil {
		return nil, err
	}
	a.aliases = map[string]string{
		"origen":  FieldOrigin,
		"destino": FieldDestination,
		"monto":   FieldAmount,
	}
	return a, nil
}

// Process implements Adapter.
func (a *TransactionAdapter) Process(_ *model.EmailMessage, fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}

	// Alias promotion: bank-specific key names fill the canonical keys when
	// those are absent. Alias keys stay in the output; they are real
	// extractions, not fallbacks.
	for src, canonical := range a.aliases {
		if v, ok := out[src]; ok && out[canonical] == "" {
			out[canonical] = v
		}
	}

	// Fallback promotion: canonical key wins, fallback key is always removed.
	for _, canonical := range promotable {
		fb := fallbackPrefix + canonical
		if v, ok := out[fb]; ok {
			if out[canonical] == "" {
				out[canonical] = v
			}
			delete(out, fb)
		}
	}

	// Without the required fields there is nothing to classify: hand back the
	// caller's mapping exactly as received.
	if out[FieldOrigin] == "" || out[FieldAmount] == "" {
		return fields
	}

	direction := model.TransactionUnknown
	m := search.New(language.Und, search.IgnoreCase)
	for _, owner := range a.owners {
		pat := m.CompileString(owner)
		if indexIn(pat, out[FieldOrigin]) {
			direction = model.TransactionOutgoing
			break
		}
		if indexIn(pat, out[FieldDestination]) {
			direction = model.TransactionIncoming
			break
		}
	}

	out[FieldTransactionType] = string(direction)
	return out
}

func indexIn(pat *search.Pattern, s string) bool {
	if s == "" {
		return false
	}
	start, _ := pat.IndexString(s)
	return start >= 0
}
