package sis

import (
	"context"
	"fmt"
	"io"
)

// Handler consumes the upload stream for one import format. It reports
// whether the import finished and may append errors, warnings, log entries,
// and progress through the run as side effects. A returned error is treated
// the same as a panic inside the handler: the processor records it and
// finalizes the batch as failed.
type Handler interface {
	Consume(ctx context.Context, run *Run, upload io.Reader) (finished bool, err error)
}

// RegistryEntry binds an import format identifier to its handler.
type RegistryEntry struct {
	Key     string
	Name    string
	Default bool
	Handler Handler
}

// Registry maps import format identifiers to handlers. It is built once at
// startup and never mutated afterward; consumers get lookup only.
type Registry struct {
	entries    map[string]RegistryEntry
	defaultKey string
}

// NewRegistry builds a registry from entries. Exactly one entry must be
// flagged default; duplicate keys and zero or multiple defaults are
// programmer errors and panic at startup.
func NewRegistry(entries ...RegistryEntry) *Registry {
	r := &Registry{entries: make(map[string]RegistryEntry, len(entries))}
	for _, e := range entries {
		if e.Key == "" {
			panic("registry entry with empty key")
		}
		if e.Handler == nil {
			panic(fmt.Sprintf("registry entry %q has no handler", e.Key))
		}
		if _, exists := r.entries[e.Key]; exists {
			panic(fmt.Sprintf("import type already registered: %s", e.Key))
		}
		r.entries[e.Key] = e
		if e.Default {
			if r.defaultKey != "" {
				panic(fmt.Sprintf("multiple default import types: %s and %s", r.defaultKey, e.Key))
			}
			r.defaultKey = e.Key
		}
	}
	if r.defaultKey == "" {
		panic("no default import type registered")
	}
	return r
}

// Lookup returns the entry for key. Unknown keys report ok=false rather
// than failing.
func (r *Registry) Lookup(key string) (RegistryEntry, bool) {
	e, ok := r.entries[key]
	return e, ok
}

// Default returns the entry used when a submission omits an import type.
func (r *Registry) Default() RegistryEntry {
	return r.entries[r.defaultKey]
}

// Keys returns the registered format identifiers, default first.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	keys = append(keys, r.defaultKey)
	for k := range r.entries {
		if k != r.defaultKey {
			keys = append(keys, k)
		}
	}
	return keys
}
