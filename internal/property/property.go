// Package property implements the nested-path property store: typed
// get/set/delete over a storage.Backend, property-hook evaluation, and diff
// registration into the subscription engine on successful mutation.
package property

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/hooks"
	"github.com/jmerrifield20/actingweb-core/internal/storage"
)

// DiffNotifier registers a property mutation with the subscription engine.
// Implemented by internal/subscription to avoid a storage/subscription
// import cycle (property depends on subscription behaviorally, not on its
// types).
type DiffNotifier interface {
	NotifyPropertyChange(ctx context.Context, actorID string, target, subtarget string, blob []byte)
}

// ListOperation identifies the kind of mutation carried in a list diff.
type ListOperation string

const (
	ListAppend ListOperation = "append"
	ListUpdate ListOperation = "update"
	ListDelete ListOperation = "delete"
)

// ListDiff is the blob shape for list-typed property diffs.
type ListDiff struct {
	Operation ListOperation `json:"operation"`
	ItemID    string        `json:"item_id"`
	Item      json.RawMessage `json:"item,omitempty"`
}

// ErrRejected is returned when a property hook returns None on a
// put/post/delete (the caller should surface 403).
var ErrRejected = fmt.Errorf("property: rejected by hook")

// ErrHidden is returned when a property hook returns None on a get (the
// caller should surface 404).
var ErrHidden = fmt.Errorf("property: hidden by hook")

// Store is the property store for one application instance.
type Store struct {
	backend  storage.Backend
	hooks    *hooks.Dispatcher
	notifier DiffNotifier
	logger   *zap.Logger
}

// NewStore creates a property Store.
func NewStore(backend storage.Backend, dispatcher *hooks.Dispatcher, notifier DiffNotifier, logger *zap.Logger) *Store {
	return &Store{backend: backend, hooks: dispatcher, notifier: notifier, logger: logger}
}

// Get reads a scalar property, running property hooks. A hook returning
// None hides the value (ErrHidden, surfaced as 404).
func (s *Store) Get(ctx context.Context, actorID string, path []string) (json.RawMessage, error) {
	v, err := s.backend.GetProperty(ctx, actorID, path)
	if err != nil {
		return nil, err
	}
	out, rejected := s.hooks.DispatchProperty(ctx, actorID, path, hooks.ActionGet, v.Blob)
	if rejected {
		return nil, ErrHidden
	}
	return out, nil
}

// List returns every top-level property for an actor, each already run through get hooks; hidden entries are
// dropped from the result.
func (s *Store) List(ctx context.Context, actorID string) (map[string]json.RawMessage, error) {
	values, err := s.backend.ListProperties(ctx, actorID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(values))
	for _, v := range values {
		if len(v.Path) == 0 {
			continue
		}
		result, rejected := s.hooks.DispatchProperty(ctx, actorID, v.Path, hooks.ActionGet, v.Blob)
		if rejected {
			continue
		}
		out[v.Path[0]] = result
	}
	return out, nil
}

// Set writes a scalar property (PUT semantics: full replace). The hook
// chain may transform the incoming value; a None return rejects the write
// with ErrRejected (403). On success, registers a diff with the
// subscription engine.
func (s *Store) Set(ctx context.Context, actorID string, path []string, value json.RawMessage) error {
	transformed, rejected := s.hooks.DispatchProperty(ctx, actorID, path, hooks.ActionPut, value)
	if rejected {
		return ErrRejected
	}
	if err := s.backend.SetProperty(ctx, actorID, &storage.PropertyValue{Path: path, Blob: transformed}); err != nil {
		return err
	}
	s.notify(ctx, actorID, path, transformed)
	return nil
}

// Post applies POST semantics (create/update children) — identical storage
// behavior to Set at the property-store layer; the distinction (merging
// into a parent object vs. full replace) is a caller/httpapi-layer concern.
func (s *Store) Post(ctx context.Context, actorID string, path []string, value json.RawMessage) error {
	transformed, rejected := s.hooks.DispatchProperty(ctx, actorID, path, hooks.ActionPost, value)
	if rejected {
		return ErrRejected
	}
	if err := s.backend.SetProperty(ctx, actorID, &storage.PropertyValue{Path: path, Blob: transformed}); err != nil {
		return err
	}
	s.notify(ctx, actorID, path, transformed)
	return nil
}

// Delete removes a property after confirming the delete hook does not
// reject it.
func (s *Store) Delete(ctx context.Context, actorID string, path []string) error {
	if _, rejected := s.hooks.DispatchProperty(ctx, actorID, path, hooks.ActionDelete, nil); rejected {
		return ErrRejected
	}
	if err := s.backend.DeleteProperty(ctx, actorID, path); err != nil {
		return err
	}
	s.notify(ctx, actorID, path, nil)
	return nil
}

// IsList reports whether the property at path exists and is list-typed,
// letting the HTTP layer route POST/PUT/DELETE on list properties to the
// item-level operations below.
func (s *Store) IsList(ctx context.Context, actorID string, path []string) bool {
	v, err := s.backend.GetProperty(ctx, actorID, path)
	return err == nil && v.IsList
}

// ListAppend appends itemID/item to a list-typed property and registers an
// append diff.
func (s *Store) ListAppend(ctx context.Context, actorID string, path []string, item json.RawMessage) (string, error) {
	itemID := uuid.New().String()
	if err := s.backend.ListAppend(ctx, actorID, path, itemID, item); err != nil {
		return "", err
	}
	diff := ListDiff{Operation: ListAppend, ItemID: itemID, Item: item}
	s.notifyList(ctx, actorID, path, diff)
	return itemID, nil
}

// ListUpdate updates one item of a list-typed property by ID and registers
// an update diff.
func (s *Store) ListUpdate(ctx context.Context, actorID string, path []string, itemID string, item json.RawMessage) error {
	if err := s.backend.ListUpdate(ctx, actorID, path, itemID, item); err != nil {
		return err
	}
	diff := ListDiff{Operation: ListUpdate, ItemID: itemID, Item: item}
	s.notifyList(ctx, actorID, path, diff)
	return nil
}

// ListDelete removes one item of a list-typed property by ID and registers
// a delete diff.
func (s *Store) ListDelete(ctx context.Context, actorID string, path []string, itemID string) error {
	if err := s.backend.ListDelete(ctx, actorID, path, itemID); err != nil {
		return err
	}
	diff := ListDiff{Operation: ListDelete, ItemID: itemID}
	s.notifyList(ctx, actorID, path, diff)
	return nil
}

func (s *Store) notify(ctx context.Context, actorID string, path []string, value json.RawMessage) {
	if s.notifier == nil || len(path) == 0 {
		return
	}
	subtarget := path[0]
	s.notifier.NotifyPropertyChange(ctx, actorID, "properties", subtarget, value)
}

func (s *Store) notifyList(ctx context.Context, actorID string, path []string, diff ListDiff) {
	if s.notifier == nil || len(path) == 0 {
		return
	}
	blob, err := json.Marshal(diff)
	if err != nil {
		s.logger.Warn("marshal list diff failed", zap.Error(err))
		return
	}
	s.notifier.NotifyPropertyChange(ctx, actorID, "properties", path[0], blob)
}
