package rumor

import (
	"sync"
	"sync/atomic"
)

// Rumor is the capability every storable rumor kind provides. T is the
// concrete pointer type, so Merge can mutate the receiver in place.
type Rumor[T any] interface {
	Keyed
	// Merge folds other into the receiver and reports whether anything changed.
	// It must not touch anything but the receiver.
	Merge(other T) bool
}

// EncodeFunc serializes a single rumor to wire bytes.
type EncodeFunc[T any] func(T) ([]byte, error)

// Recorder receives insert outcomes, labelled by rumor kind.
type Recorder interface {
	RumorInserted(kind string)
	RumorIgnored(kind string)
}

type nopRecorder struct{}

func (nopRecorder) RumorInserted(string) {}
func (nopRecorder) RumorIgnored(string)  {}

// Store holds every rumor of one kind, grouped by Key() and then by ID().
// Mutations take the write lock over the whole map; reads share it.
type Store[T Rumor[T]] struct {
	mu     sync.RWMutex
	list   map[string]map[string]T
	update atomic.Uint64
	encode EncodeFunc[T]
	rec    Recorder
}

// NewStore returns an empty store. A nil rec discards insert outcomes.
func NewStore[T Rumor[T]](encode EncodeFunc[T], rec Recorder) *Store[T] {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Store[T]{
		list:   make(map[string]map[string]T),
		encode: encode,
		rec:    rec,
	}
}

// Insert stores r, merging it into any rumor already held for the same
// group and member. It reports whether the store's content changed; only
// a change advances the update counter.
func (s *Store[T]) Insert(r T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, id := r.Key(), r.ID()
	members, ok := s.list[group]
	if !ok {
		members = make(map[string]T)
		s.list[group] = members
	}

	changed := true
	if cur, ok := members[id]; ok {
		changed = cur.Merge(r)
	} else {
		members[id] = r
	}

	if changed {
		s.update.Add(1)
		s.rec.RumorInserted(r.Kind().String())
	} else {
		s.rec.RumorIgnored(r.Kind().String())
	}
	return changed
}

// Remove deletes the rumor if present. It does not advance the update counter.
func (s *Store[T]) Remove(group, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.list[group]; ok {
		delete(members, id)
	}
}

// UpdateCounter returns the number of content-changing inserts, modulo 2^64.
func (s *Store[T]) UpdateCounter() uint64 {
	return s.update.Load()
}

func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, members := range s.list {
		n += len(members)
	}
	return n
}

func (s *Store[T]) LenForKey(group string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list[group])
}

// WithRumor calls fn with the rumor for (group, id), or with the zero
// value and false if there is none. fn must not retain or mutate it.
func (s *Store[T]) WithRumor(group, id string, fn func(r T, ok bool)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.list[group][id]
	fn(r, ok)
}

// WithRumors calls fn for every rumor in group.
func (s *Store[T]) WithRumors(group string, fn func(T)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.list[group] {
		fn(r)
	}
}

// WithKeys calls fn once per group with that group's member map.
func (s *Store[T]) WithKeys(fn func(group string, members map[string]T)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for group, members := range s.list {
		fn(group, members)
	}
}

// Encode serializes the rumor stored for (group, id).
func (s *Store[T]) Encode(group, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.list[group][id]
	if !ok {
		return nil, &NonExistentRumorError{Group: group, ID: id}
	}
	return s.encode(r)
}

func (s *Store[T]) ContainsRumor(group, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.list[group][id]
	return ok
}

// ContainsGroupWithoutMember reports whether group exists but holds
// nothing for id.
func (s *Store[T]) ContainsGroupWithoutMember(group, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.list[group]
	if !ok {
		return false
	}
	_, has := members[id]
	return !has
}

// MinMemberIDWith returns the lexicographically smallest member id in
// group whose rumor satisfies pred. It is used on the service store to
// pick a canonical instance.
func (s *Store[T]) MinMemberIDWith(group string, pred func(T) bool) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  string
		found bool
	)
	for id, r := range s.list[group] {
		if !pred(r) {
			continue
		}
		if !found || id < best {
			best, found = id, true
		}
	}
	return best, found
}
