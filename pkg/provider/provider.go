// Package provider defines the source-of-records contract that feeds the
// entry store, plus the built-in environment, file, and remote
// implementations.
package provider

import (
	"context"
	"encoding/json"
)

// Record is a single raw configuration entry as handed back by a Provider,
// not yet compiled (predicates uncompiled, secret usages unscanned).
type Record struct {
	Name     string
	Priority int64
	Filter   map[string]string
	Value    json.RawMessage
}

// Deletion identifies an entry to remove from a name's sequence.
type Deletion struct {
	Name     string
	Priority int64
}

// Provider is a source of configuration records. Load is called once per
// refresh cycle; lastVersion is whatever version string this provider
// returned on its previous call (empty on the first call), letting a
// provider return only the delta since then. The returned version is
// persisted and passed back on the next call. DefaultPriority is used by
// the compiler when a raw record omits its own priority field.
type Provider interface {
	Name() string
	DefaultPriority() int64
	Load(ctx context.Context, lastVersion string) (adds []Record, dels []Deletion, version string, err error)
}
