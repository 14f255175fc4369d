package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory, thread-safe Store implementation. It is
// primarily useful for testing and for single-process deployments that do
// not require durable persistence across restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	closed   bool
	actors   map[string]*Actor
	creators map[string][]string // creator -> actor IDs in creation order
	props    map[string]map[string]json.RawMessage
	trusts   map[string]map[string]*Trust
	subs     map[string]map[string]*Subscription
	diffs    map[string]map[string][]*Diff
	buckets  map[string]map[string]map[string]*BucketItem
	states   map[string]map[string]*CallbackState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors:   make(map[string]*Actor),
		creators: make(map[string][]string),
		props:    make(map[string]map[string]json.RawMessage),
		trusts:   make(map[string]map[string]*Trust),
		subs:     make(map[string]map[string]*Subscription),
		diffs:    make(map[string]map[string][]*Diff),
		buckets:  make(map[string]map[string]map[string]*BucketItem),
		states:   make(map[string]map[string]*CallbackState),
	}
}

// Close implements Store. Subsequent calls fail with ErrUnavailable.
func (m *MemoryStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *MemoryStore) available() error {
	if m.closed {
		return ErrUnavailable
	}
	return nil
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	out := make(json.RawMessage, len(v))
	copy(out, v)
	return out
}

// CreateActor implements Store.
func (m *MemoryStore) CreateActor(_ context.Context, a *Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if _, ok := m.actors[a.ID]; ok {
		return fmt.Errorf("actor %s: %w", a.ID, ErrConflict)
	}
	cp := *a
	m.actors[a.ID] = &cp
	m.creators[a.Creator] = append(m.creators[a.Creator], a.ID)
	return nil
}

// GetActor implements Store.
func (m *MemoryStore) GetActor(_ context.Context, actorID string) (*Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	a, ok := m.actors[actorID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// GetActorByCreator implements Store.
func (m *MemoryStore) GetActorByCreator(_ context.Context, creator string) (*Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	ids := m.creators[creator]
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	cp := *m.actors[ids[0]]
	return &cp, nil
}

// DeleteActor implements Store.
func (m *MemoryStore) DeleteActor(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	a, ok := m.actors[actorID]
	if !ok {
		return ErrNotFound
	}
	ids := m.creators[a.Creator]
	for i, id := range ids {
		if id == actorID {
			m.creators[a.Creator] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.creators[a.Creator]) == 0 {
		delete(m.creators, a.Creator)
	}
	delete(m.actors, actorID)
	delete(m.props, actorID)
	delete(m.trusts, actorID)
	delete(m.subs, actorID)
	delete(m.diffs, actorID)
	delete(m.buckets, actorID)
	delete(m.states, actorID)
	return nil
}

// GetProperty implements Store.
func (m *MemoryStore) GetProperty(_ context.Context, actorID, name string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	v, ok := m.props[actorID][name]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRaw(v), nil
}

// SetProperty implements Store.
func (m *MemoryStore) SetProperty(_ context.Context, actorID, name string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if m.props[actorID] == nil {
		m.props[actorID] = make(map[string]json.RawMessage)
	}
	m.props[actorID][name] = cloneRaw(value)
	return nil
}

// DeleteProperty implements Store.
func (m *MemoryStore) DeleteProperty(_ context.Context, actorID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if _, ok := m.props[actorID][name]; !ok {
		return ErrNotFound
	}
	delete(m.props[actorID], name)
	return nil
}

// ListProperties implements Store.
func (m *MemoryStore) ListProperties(_ context.Context, actorID string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(m.props[actorID]))
	for k, v := range m.props[actorID] {
		out[k] = cloneRaw(v)
	}
	return out, nil
}

func decodeList(name string, raw json.RawMessage) ([]ListItem, error) {
	var items []ListItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("property %s is not a list: %w", name, ErrConflict)
	}
	return items, nil
}

// ListAppend implements Store.
func (m *MemoryStore) ListAppend(_ context.Context, actorID, name string, item ListItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if m.props[actorID] == nil {
		m.props[actorID] = make(map[string]json.RawMessage)
	}
	items := []ListItem{}
	if raw, ok := m.props[actorID][name]; ok {
		var err error
		if items, err = decodeList(name, raw); err != nil {
			return err
		}
	}
	item.Data = cloneRaw(item.Data)
	items = append(items, item)
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode list %s: %w", name, err)
	}
	m.props[actorID][name] = raw
	return nil
}

// ListUpdate implements Store.
func (m *MemoryStore) ListUpdate(_ context.Context, actorID, name, itemID string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	raw, ok := m.props[actorID][name]
	if !ok {
		return ErrNotFound
	}
	items, err := decodeList(name, raw)
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].ID == itemID {
			items[i].Data = cloneRaw(data)
			updated, err := json.Marshal(items)
			if err != nil {
				return fmt.Errorf("encode list %s: %w", name, err)
			}
			m.props[actorID][name] = updated
			return nil
		}
	}
	return ErrNotFound
}

// ListDelete implements Store.
func (m *MemoryStore) ListDelete(_ context.Context, actorID, name, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	raw, ok := m.props[actorID][name]
	if !ok {
		return ErrNotFound
	}
	items, err := decodeList(name, raw)
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].ID == itemID {
			items = append(items[:i], items[i+1:]...)
			updated, err := json.Marshal(items)
			if err != nil {
				return fmt.Errorf("encode list %s: %w", name, err)
			}
			m.props[actorID][name] = updated
			return nil
		}
	}
	return ErrNotFound
}

// CreateTrust implements Store.
func (m *MemoryStore) CreateTrust(_ context.Context, t *Trust) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if _, ok := m.trusts[t.ActorID][t.PeerID]; ok {
		return fmt.Errorf("trust with peer %s: %w", t.PeerID, ErrConflict)
	}
	if m.trusts[t.ActorID] == nil {
		m.trusts[t.ActorID] = make(map[string]*Trust)
	}
	cp := *t
	m.trusts[t.ActorID][t.PeerID] = &cp
	return nil
}

// GetTrust implements Store.
func (m *MemoryStore) GetTrust(_ context.Context, actorID, peerID string) (*Trust, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	t, ok := m.trusts[actorID][peerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// GetTrustBySecret implements Store.
func (m *MemoryStore) GetTrustBySecret(_ context.Context, actorID, secret string) (*Trust, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, ErrNotFound
	}
	for _, t := range m.trusts[actorID] {
		if t.Secret == secret {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListTrusts implements Store.
func (m *MemoryStore) ListTrusts(_ context.Context, actorID string) ([]*Trust, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	out := make([]*Trust, 0, len(m.trusts[actorID]))
	for _, t := range m.trusts[actorID] {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateTrust implements Store.
func (m *MemoryStore) UpdateTrust(_ context.Context, t *Trust) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if _, ok := m.trusts[t.ActorID][t.PeerID]; !ok {
		return ErrNotFound
	}
	cp := *t
	m.trusts[t.ActorID][t.PeerID] = &cp
	return nil
}

// DeleteTrust implements Store.
func (m *MemoryStore) DeleteTrust(_ context.Context, actorID, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if _, ok := m.trusts[actorID][peerID]; !ok {
		return ErrNotFound
	}
	delete(m.trusts[actorID], peerID)
	return nil
}

// CreateSubscription implements Store.
func (m *MemoryStore) CreateSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if _, ok := m.subs[s.ActorID][s.ID]; ok {
		return fmt.Errorf("subscription %s: %w", s.ID, ErrConflict)
	}
	if m.subs[s.ActorID] == nil {
		m.subs[s.ActorID] = make(map[string]*Subscription)
	}
	cp := *s
	m.subs[s.ActorID][s.ID] = &cp
	return nil
}

// GetSubscription implements Store.
func (m *MemoryStore) GetSubscription(_ context.Context, actorID, peerID, subID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	s, ok := m.subs[actorID][subID]
	if !ok || s.PeerID != peerID {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f SubscriptionFilter) matches(s *Subscription) bool {
	if f.PeerID != "" && s.PeerID != f.PeerID {
		return false
	}
	if f.Target != "" && s.Target != f.Target {
		return false
	}
	if f.Subtarget != "" && s.Subtarget != f.Subtarget {
		return false
	}
	if f.Callback != nil && s.Callback != *f.Callback {
		return false
	}
	return true
}

// ListSubscriptions implements Store.
func (m *MemoryStore) ListSubscriptions(_ context.Context, actorID string, f SubscriptionFilter) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	out := []*Subscription{}
	for _, s := range m.subs[actorID] {
		if f.matches(s) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteSubscription implements Store.
func (m *MemoryStore) DeleteSubscription(_ context.Context, actorID, peerID, subID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	s, ok := m.subs[actorID][subID]
	if !ok || s.PeerID != peerID {
		return ErrNotFound
	}
	delete(m.subs[actorID], subID)
	delete(m.diffs[actorID], subID)
	delete(m.states[actorID], subID)
	return nil
}

// IncreaseSeq implements Store.
func (m *MemoryStore) IncreaseSeq(_ context.Context, actorID, subID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return 0, err
	}
	s, ok := m.subs[actorID][subID]
	if !ok {
		return 0, ErrNotFound
	}
	s.Sequence++
	return s.Sequence, nil
}

// AddDiff implements Store.
func (m *MemoryStore) AddDiff(_ context.Context, actorID, subID, target, subtarget string, blob json.RawMessage) (*Diff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	s, ok := m.subs[actorID][subID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Sequence++
	d := &Diff{
		ActorID:        actorID,
		SubscriptionID: subID,
		Sequence:       s.Sequence,
		Target:         target,
		Subtarget:      subtarget,
		Blob:           cloneRaw(blob),
		Timestamp:      time.Now().UTC(),
	}
	if m.diffs[actorID] == nil {
		m.diffs[actorID] = make(map[string][]*Diff)
	}
	m.diffs[actorID][subID] = append(m.diffs[actorID][subID], d)
	cp := *d
	return &cp, nil
}

// GetDiffs implements Store.
func (m *MemoryStore) GetDiffs(_ context.Context, actorID, subID string, sinceSeq int) ([]*Diff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	if _, ok := m.subs[actorID][subID]; !ok {
		return nil, ErrNotFound
	}
	out := []*Diff{}
	for _, d := range m.diffs[actorID][subID] {
		if d.Sequence > sinceSeq {
			cp := *d
			cp.Blob = cloneRaw(d.Blob)
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PruneDiffs implements Store.
func (m *MemoryStore) PruneDiffs(_ context.Context, actorID, subID string, upToSeq int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if _, ok := m.subs[actorID][subID]; !ok {
		return ErrNotFound
	}
	kept := m.diffs[actorID][subID][:0]
	for _, d := range m.diffs[actorID][subID] {
		if d.Sequence > upToSeq {
			kept = append(kept, d)
		}
	}
	m.diffs[actorID][subID] = kept
	return nil
}

// PutBucketItem implements Store.
func (m *MemoryStore) PutBucketItem(_ context.Context, actorID, bucket, name string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if m.buckets[actorID] == nil {
		m.buckets[actorID] = make(map[string]map[string]*BucketItem)
	}
	if m.buckets[actorID][bucket] == nil {
		m.buckets[actorID][bucket] = make(map[string]*BucketItem)
	}
	m.buckets[actorID][bucket][name] = &BucketItem{
		ActorID:   actorID,
		Bucket:    bucket,
		Name:      name,
		Data:      cloneRaw(data),
		Timestamp: time.Now().UTC(),
	}
	return nil
}

// GetBucketItem implements Store.
func (m *MemoryStore) GetBucketItem(_ context.Context, actorID, bucket, name string) (*BucketItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	it, ok := m.buckets[actorID][bucket][name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *it
	cp.Data = cloneRaw(it.Data)
	return &cp, nil
}

// ListBucket implements Store.
func (m *MemoryStore) ListBucket(_ context.Context, actorID, bucket string) ([]*BucketItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	out := make([]*BucketItem, 0, len(m.buckets[actorID][bucket]))
	for _, it := range m.buckets[actorID][bucket] {
		cp := *it
		cp.Data = cloneRaw(it.Data)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteBucketItem implements Store.
func (m *MemoryStore) DeleteBucketItem(_ context.Context, actorID, bucket, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if _, ok := m.buckets[actorID][bucket][name]; !ok {
		return ErrNotFound
	}
	delete(m.buckets[actorID][bucket], name)
	return nil
}

// DeleteBucket implements Store.
func (m *MemoryStore) DeleteBucket(_ context.Context, actorID, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	delete(m.buckets[actorID], bucket)
	return nil
}

func cloneState(s *CallbackState) *CallbackState {
	cp := *s
	if s.Pending != nil {
		cp.Pending = make([]PendingCallback, len(s.Pending))
		for i, p := range s.Pending {
			cp.Pending[i] = p
			cp.Pending[i].Payload = cloneRaw(p.Payload)
		}
	}
	return &cp
}

// CreateState implements Store.
func (m *MemoryStore) CreateState(_ context.Context, s *CallbackState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if _, ok := m.states[s.ActorID][s.SubscriptionID]; ok {
		return fmt.Errorf("state for subscription %s: %w", s.SubscriptionID, ErrConflict)
	}
	if m.states[s.ActorID] == nil {
		m.states[s.ActorID] = make(map[string]*CallbackState)
	}
	s.Version = 1
	m.states[s.ActorID][s.SubscriptionID] = cloneState(s)
	return nil
}

// GetState implements Store.
func (m *MemoryStore) GetState(_ context.Context, actorID, subID string) (*CallbackState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.available(); err != nil {
		return nil, err
	}
	s, ok := m.states[actorID][subID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneState(s), nil
}

// CompareAndSwapState implements Store.
func (m *MemoryStore) CompareAndSwapState(_ context.Context, s *CallbackState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	cur, ok := m.states[s.ActorID][s.SubscriptionID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != s.Version {
		return fmt.Errorf("state for subscription %s at version %d: %w", s.SubscriptionID, cur.Version, ErrConflict)
	}
	s.Version++
	m.states[s.ActorID][s.SubscriptionID] = cloneState(s)
	return nil
}

// DeleteState implements Store.
func (m *MemoryStore) DeleteState(_ context.Context, actorID, subID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.available(); err != nil {
		return err
	}
	if _, ok := m.states[actorID][subID]; !ok {
		return ErrNotFound
	}
	delete(m.states[actorID], subID)
	return nil
}
