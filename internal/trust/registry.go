// Trust-type registry: process-wide read-mostly. Writers take a global
// lock; readers go lock-free via immutable snapshots. Loads
// built-ins at construction and custom types from the system bucket.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/jmerrifield20/actingweb-core/internal/storage"
)

const systemBucketTrustTypes = "trust_types"

// Registry holds the process-wide trust-type catalog.
type Registry struct {
	backend storage.Backend
	// snapshot is an atomically-swapped immutable map(name -> Type); readers
	// load it without locking, matching the "immutable snapshot" design note.
	snapshot atomic.Pointer[map[string]Type]
}

// NewRegistry creates a Registry pre-populated with the six built-in types.
func NewRegistry(backend storage.Backend) *Registry {
	r := &Registry{backend: backend}
	m := make(map[string]Type)
	for _, t := range BuiltinTypes() {
		t.Version = 1
		m[t.Name] = t
	}
	r.snapshot.Store(&m)
	return r
}

// Load reads custom trust types from the system bucket and merges them into
// the snapshot (custom types may not override built-in names).
func (r *Registry) Load(ctx context.Context) error {
	items, err := r.backend.BucketList(ctx, storage.ActorIDSystem, systemBucketTrustTypes)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return fmt.Errorf("load custom trust types: %w", err)
	}

	current := *r.snapshot.Load()
	next := make(map[string]Type, len(current))
	for k, v := range current {
		next[k] = v
	}
	builtins := make(map[string]bool)
	for _, b := range BuiltinTypes() {
		builtins[b.Name] = true
	}
	for _, item := range items {
		var t Type
		if err := json.Unmarshal(item.Data, &t); err != nil {
			continue
		}
		if builtins[t.Name] {
			continue
		}
		t.Version = 1
		next[t.Name] = t
	}
	r.snapshot.Store(&next)
	return nil
}

// Get returns the named trust type.
func (r *Registry) Get(name string) (Type, bool) {
	m := *r.snapshot.Load()
	t, ok := m[name]
	return t, ok
}

// PutCustom persists a new or updated custom trust type to the system
// bucket and updates the in-memory snapshot. Built-in names are rejected.
func (r *Registry) PutCustom(ctx context.Context, t Type) error {
	if _, builtin := (func() (Type, bool) {
		for _, b := range BuiltinTypes() {
			if b.Name == t.Name {
				return b, true
			}
		}
		return Type{}, false
	})(); builtin {
		return fmt.Errorf("trust type %q is a built-in name", t.Name)
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trust type: %w", err)
	}
	if err := r.backend.BucketPut(ctx, storage.ActorIDSystem, &storage.BucketItem{
		Bucket: systemBucketTrustTypes, Name: t.Name, Data: raw,
	}); err != nil {
		return err
	}
	return r.Load(ctx)
}
