// Package memory is an in-process implementation of storage.Backend backed
// by plain maps guarded by a single mutex. It is intended for tests and
// single-process development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmerrifield20/actingweb-core/internal/storage"
)

// Backend is a thread-safe, in-memory storage.Backend.
type Backend struct {
	mu sync.RWMutex

	actors        map[string]*storage.Actor
	properties    map[string]map[string]*storage.PropertyValue // actorID -> pathKey -> value
	trusts        map[string]map[string]*storage.Trust         // actorID -> peerID -> trust
	overrides     map[string]map[string]*storage.PermissionOverride
	subscriptions map[string]map[string]*storage.Subscription // actorID -> subID -> sub
	diffs         map[string][]*storage.Diff                  // subID -> diffs
	procState     map[string]*storage.ProcessorState          // subID -> state
	buckets       map[string]map[string]map[string]*storage.BucketItem // actorID -> bucket -> name -> item
}

// New returns an empty in-memory backend.
func New() *Backend {
	return &Backend{
		actors:        make(map[string]*storage.Actor),
		properties:    make(map[string]map[string]*storage.PropertyValue),
		trusts:        make(map[string]map[string]*storage.Trust),
		overrides:     make(map[string]map[string]*storage.PermissionOverride),
		subscriptions: make(map[string]map[string]*storage.Subscription),
		diffs:         make(map[string][]*storage.Diff),
		procState:     make(map[string]*storage.ProcessorState),
		buckets:       make(map[string]map[string]map[string]*storage.BucketItem),
	}
}

func pathKey(path []string) string {
	key := ""
	for i, p := range path {
		if i > 0 {
			key += "\x00"
		}
		key += p
	}
	return key
}

// --- Actors ---

func (b *Backend) GetActor(_ context.Context, id string) (*storage.Actor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.actors[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (b *Backend) GetActorByCreator(_ context.Context, creator string) (*storage.Actor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, a := range b.actors {
		if a.Creator == creator {
			cp := *a
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (b *Backend) CreateActor(_ context.Context, a *storage.Actor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.actors[a.ID]; ok {
		return storage.ErrConflict
	}
	for _, existing := range b.actors {
		if existing.Creator == a.Creator {
			return fmt.Errorf("duplicate creator: %w", storage.ErrConflict)
		}
	}
	cp := *a
	b.actors[a.ID] = &cp
	return nil
}

func (b *Backend) DeleteActor(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.actors[id]; !ok {
		return storage.ErrNotFound
	}
	// The cascade includes per-subscription diff queues and processor state,
	// which are keyed by sub_id rather than actor_id.
	for subID := range b.subscriptions[id] {
		delete(b.diffs, subID)
		delete(b.procState, subID)
	}
	delete(b.actors, id)
	delete(b.properties, id)
	delete(b.trusts, id)
	delete(b.overrides, id)
	delete(b.subscriptions, id)
	delete(b.buckets, id)
	return nil
}

// --- Properties ---

func (b *Backend) GetProperty(_ context.Context, actorID string, path []string) (*storage.PropertyValue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.properties[actorID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	v, ok := m[pathKey(path)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (b *Backend) SetProperty(_ context.Context, actorID string, v *storage.PropertyValue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.properties[actorID]
	if !ok {
		m = make(map[string]*storage.PropertyValue)
		b.properties[actorID] = m
	}
	cp := *v
	m[pathKey(v.Path)] = &cp
	return nil
}

func (b *Backend) DeleteProperty(_ context.Context, actorID string, path []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.properties[actorID]
	if !ok {
		return storage.ErrNotFound
	}
	key := pathKey(path)
	if _, ok := m[key]; !ok {
		return storage.ErrNotFound
	}
	delete(m, key)
	return nil
}

func (b *Backend) ListProperties(_ context.Context, actorID string) ([]*storage.PropertyValue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.properties[actorID]
	out := make([]*storage.PropertyValue, 0, len(m))
	for _, v := range m {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (b *Backend) DeleteAllProperties(_ context.Context, actorID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.properties, actorID)
	return nil
}

// decodeListBlob parses a list-typed property's blob, a JSON object keyed
// by item ID. Both backends persist lists in this one shape so a read-back
// via GetProperty/ListProperties returns exactly what the list ops built.
func decodeListBlob(blob []byte) (map[string]json.RawMessage, error) {
	items := make(map[string]json.RawMessage)
	if len(blob) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(blob, &items); err != nil {
		return nil, fmt.Errorf("decode list property blob: %w", err)
	}
	return items, nil
}

func (b *Backend) ListAppend(_ context.Context, actorID string, path []string, itemID string, item []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.properties[actorID]
	if !ok {
		m = make(map[string]*storage.PropertyValue)
		b.properties[actorID] = m
	}
	key := pathKey(path)
	v, ok := m[key]
	if !ok {
		v = &storage.PropertyValue{Path: path, IsList: true}
		m[key] = v
	}
	if !v.IsList {
		return storage.ErrConflict
	}
	items, err := decodeListBlob(v.Blob)
	if err != nil {
		return err
	}
	items[itemID] = json.RawMessage(item)
	blob, err := json.Marshal(items)
	if err != nil {
		return err
	}
	v.Blob = blob
	v.ItemIDs = append(v.ItemIDs, itemID)
	return nil
}

func (b *Backend) ListUpdate(_ context.Context, actorID string, path []string, itemID string, item []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.properties[actorID]
	if !ok {
		return storage.ErrNotFound
	}
	v, ok := m[pathKey(path)]
	if !ok || !v.IsList {
		return storage.ErrNotFound
	}
	for _, id := range v.ItemIDs {
		if id == itemID {
			items, err := decodeListBlob(v.Blob)
			if err != nil {
				return err
			}
			items[itemID] = json.RawMessage(item)
			blob, err := json.Marshal(items)
			if err != nil {
				return err
			}
			v.Blob = blob
			return nil
		}
	}
	return storage.ErrNotFound
}

func (b *Backend) ListDelete(_ context.Context, actorID string, path []string, itemID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.properties[actorID]
	if !ok {
		return storage.ErrNotFound
	}
	v, ok := m[pathKey(path)]
	if !ok || !v.IsList {
		return storage.ErrNotFound
	}
	for i, id := range v.ItemIDs {
		if id == itemID {
			items, err := decodeListBlob(v.Blob)
			if err != nil {
				return err
			}
			delete(items, itemID)
			blob, err := json.Marshal(items)
			if err != nil {
				return err
			}
			v.Blob = blob
			v.ItemIDs = append(v.ItemIDs[:i], v.ItemIDs[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

// --- Trust ---

func (b *Backend) CreateTrust(_ context.Context, t *storage.Trust) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.trusts[t.ActorID]
	if !ok {
		m = make(map[string]*storage.Trust)
		b.trusts[t.ActorID] = m
	}
	if _, exists := m[t.PeerID]; exists {
		return storage.ErrConflict
	}
	cp := *t
	cp.Version = 1
	m[t.PeerID] = &cp
	return nil
}

func (b *Backend) GetTrust(_ context.Context, actorID, peerID string) (*storage.Trust, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.trusts[actorID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	t, ok := m[peerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (b *Backend) UpdateTrust(_ context.Context, t *storage.Trust) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.trusts[t.ActorID]
	if !ok {
		return storage.ErrNotFound
	}
	existing, ok := m[t.PeerID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Version != t.Version {
		return storage.ErrConflict
	}
	cp := *t
	cp.Version = existing.Version + 1
	m[t.PeerID] = &cp
	return nil
}

func (b *Backend) DeleteTrust(_ context.Context, actorID, peerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.trusts[actorID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := m[peerID]; !ok {
		return storage.ErrNotFound
	}
	delete(m, peerID)
	return nil
}

func (b *Backend) ListTrusts(_ context.Context, actorID string) ([]*storage.Trust, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.trusts[actorID]
	out := make([]*storage.Trust, 0, len(m))
	for _, t := range m {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (b *Backend) GetOverride(_ context.Context, actorID, peerID string) (*storage.PermissionOverride, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.overrides[actorID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	o, ok := m[peerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (b *Backend) PutOverride(_ context.Context, o *storage.PermissionOverride) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.overrides[o.ActorID]
	if !ok {
		m = make(map[string]*storage.PermissionOverride)
		b.overrides[o.ActorID] = m
	}
	if existing, ok := m[o.PeerID]; ok && o.Version != 0 && existing.Version != o.Version {
		return storage.ErrConflict
	}
	cp := *o
	if existing, ok := m[o.PeerID]; ok {
		cp.Version = existing.Version + 1
	} else {
		cp.Version = 1
	}
	m[o.PeerID] = &cp
	return nil
}

func (b *Backend) DeleteOverride(_ context.Context, actorID, peerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.overrides[actorID]
	if !ok {
		return storage.ErrNotFound
	}
	delete(m, peerID)
	return nil
}

// --- Subscriptions ---

func (b *Backend) CreateSubscription(_ context.Context, s *storage.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subscriptions[s.ActorID]
	if !ok {
		m = make(map[string]*storage.Subscription)
		b.subscriptions[s.ActorID] = m
	}
	if _, exists := m[s.SubID]; exists {
		return storage.ErrConflict
	}
	cp := *s
	cp.Version = 1
	m[s.SubID] = &cp
	return nil
}

func (b *Backend) GetSubscription(_ context.Context, actorID, peerID, subID string) (*storage.Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.subscriptions[actorID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	s, ok := m[subID]
	if !ok || (peerID != "" && s.PeerID != peerID) {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (b *Backend) UpdateSubscription(_ context.Context, s *storage.Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subscriptions[s.ActorID]
	if !ok {
		return storage.ErrNotFound
	}
	existing, ok := m[s.SubID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Version != s.Version {
		return storage.ErrConflict
	}
	cp := *s
	cp.Version = existing.Version + 1
	m[s.SubID] = &cp
	return nil
}

func (b *Backend) DeleteSubscription(_ context.Context, actorID, peerID, subID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subscriptions[actorID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := m[subID]; !ok {
		return storage.ErrNotFound
	}
	delete(m, subID)
	delete(b.diffs, subID)
	delete(b.procState, subID)
	return nil
}

func (b *Backend) ListSubscriptions(_ context.Context, actorID string, filter storage.SubscriptionFilter) ([]*storage.Subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.subscriptions[actorID]
	out := make([]*storage.Subscription, 0, len(m))
	for _, s := range m {
		if filter.PeerID != "" && s.PeerID != filter.PeerID {
			continue
		}
		if filter.Target != "" && s.Target != filter.Target {
			continue
		}
		if filter.Callback != nil && s.Callback != *filter.Callback {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (b *Backend) IncreaseSeq(_ context.Context, actorID, peerID, subID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subscriptions[actorID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	s, ok := m[subID]
	if !ok || (peerID != "" && s.PeerID != peerID) {
		return 0, storage.ErrNotFound
	}
	s.Sequence++
	return s.Sequence, nil
}

func (b *Backend) AddDiff(_ context.Context, d *storage.Diff) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *d
	b.diffs[d.SubID] = append(b.diffs[d.SubID], &cp)
	return nil
}

func (b *Backend) GetDiffs(_ context.Context, subID string, sinceSeq int64) ([]*storage.Diff, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*storage.Diff
	for _, d := range b.diffs[subID] {
		if d.Sequence > sinceSeq {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (b *Backend) PruneDiffs(_ context.Context, subID string, throughSeq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var kept []*storage.Diff
	for _, d := range b.diffs[subID] {
		if d.Sequence > throughSeq {
			kept = append(kept, d)
		}
	}
	b.diffs[subID] = kept
	return nil
}

// --- Callback processor state ---

func (b *Backend) GetProcessorState(_ context.Context, subID string) (*storage.ProcessorState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.procState[subID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (b *Backend) CreateProcessorState(_ context.Context, p *storage.ProcessorState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.procState[p.SubID]; ok {
		return storage.ErrConflict
	}
	cp := *p
	cp.Version = 1
	b.procState[p.SubID] = &cp
	return nil
}

func (b *Backend) CompareAndSwapProcessorState(_ context.Context, version int64, p *storage.ProcessorState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	existing, ok := b.procState[p.SubID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Version != version {
		return storage.ErrConflict
	}
	cp := *p
	cp.Version = existing.Version + 1
	b.procState[p.SubID] = &cp
	return nil
}

// --- Attribute buckets ---

func (b *Backend) BucketGet(_ context.Context, actorID, bucket, name string) (*storage.BucketItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	buckets, ok := b.buckets[actorID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	items, ok := buckets[bucket]
	if !ok {
		return nil, storage.ErrNotFound
	}
	item, ok := items[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (b *Backend) BucketPut(_ context.Context, actorID string, item *storage.BucketItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buckets, ok := b.buckets[actorID]
	if !ok {
		buckets = make(map[string]map[string]*storage.BucketItem)
		b.buckets[actorID] = buckets
	}
	items, ok := buckets[item.Bucket]
	if !ok {
		items = make(map[string]*storage.BucketItem)
		buckets[item.Bucket] = items
	}
	cp := *item
	items[item.Name] = &cp
	return nil
}

func (b *Backend) BucketDelete(_ context.Context, actorID, bucket, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	buckets, ok := b.buckets[actorID]
	if !ok {
		return storage.ErrNotFound
	}
	items, ok := buckets[bucket]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := items[name]; !ok {
		return storage.ErrNotFound
	}
	delete(items, name)
	return nil
}

func (b *Backend) BucketList(_ context.Context, actorID, bucket string) ([]*storage.BucketItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	items := b.buckets[actorID][bucket]
	out := make([]*storage.BucketItem, 0, len(items))
	for _, item := range items {
		cp := *item
		out = append(out, &cp)
	}
	return out, nil
}

func (b *Backend) BucketDeleteAll(_ context.Context, actorID, bucket string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buckets, ok := b.buckets[actorID]; ok {
		delete(buckets, bucket)
	}
	return nil
}

var _ storage.Backend = (*Backend)(nil)
