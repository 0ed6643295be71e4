package sis

import (
	"context"
	"io"
	"testing"
)

type nopHandler struct{}

func (nopHandler) Consume(ctx context.Context, run *Run, upload io.Reader) (bool, error) {
	return true, nil
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry(
		RegistryEntry{Key: "instructure_csv", Name: "CSV", Default: true, Handler: nopHandler{}},
		RegistryEntry{Key: "alt_format", Name: "Alt", Handler: nopHandler{}},
	)

	if _, ok := r.Lookup("instructure_csv"); !ok {
		t.Error("Lookup(instructure_csv) not found")
	}
	if _, ok := r.Lookup("alt_format"); !ok {
		t.Error("Lookup(alt_format) not found")
	}
	if _, ok := r.Lookup("unknown-format"); ok {
		t.Error("Lookup(unknown-format) found, want not found")
	}
	if def := r.Default(); def.Key != "instructure_csv" {
		t.Errorf("Default().Key = %q, want instructure_csv", def.Key)
	}
}

func TestRegistry_KeysDefaultFirst(t *testing.T) {
	r := NewRegistry(
		RegistryEntry{Key: "alt_format", Name: "Alt", Handler: nopHandler{}},
		RegistryEntry{Key: "instructure_csv", Name: "CSV", Default: true, Handler: nopHandler{}},
	)
	keys := r.Keys()
	if len(keys) != 2 || keys[0] != "instructure_csv" {
		t.Errorf("Keys() = %v, want default first", keys)
	}
}

func TestNewRegistry_Panics(t *testing.T) {
	tests := []struct {
		name    string
		entries []RegistryEntry
	}{
		{
			name:    "no default",
			entries: []RegistryEntry{{Key: "a", Handler: nopHandler{}}},
		},
		{
			name: "multiple defaults",
			entries: []RegistryEntry{
				{Key: "a", Default: true, Handler: nopHandler{}},
				{Key: "b", Default: true, Handler: nopHandler{}},
			},
		},
		{
			name: "duplicate key",
			entries: []RegistryEntry{
				{Key: "a", Default: true, Handler: nopHandler{}},
				{Key: "a", Handler: nopHandler{}},
			},
		},
		{
			name:    "missing handler",
			entries: []RegistryEntry{{Key: "a", Default: true}},
		},
		{
			name:    "empty key",
			entries: []RegistryEntry{{Default: true, Handler: nopHandler{}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("NewRegistry did not panic")
				}
			}()
			NewRegistry(tt.entries...)
		})
	}
}
