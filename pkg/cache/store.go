package cache

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/go-go-golems/storysync/pkg/snapshot"
)

// FieldChange describes a monotonic status field that moved during a merge.
type FieldChange struct {
	Field string
	From  any
	To    any
}

type MergeResult struct {
	Applied  bool
	Snapshot snapshot.Snapshot
	Advanced []FieldChange
}

// Store is the in-memory snapshot table for one story and its segments.
// It keeps per-field source timestamps so that merges commute: status fields
// only move forward and other fields only accept writes at least as recent as
// the one that last touched them.
type Store struct {
	mu         sync.Mutex
	entries    map[snapshot.Key]*entry
	pruned     map[snapshot.Key]*entry
	statuses   map[string]struct{}
	dependents map[string]string
	ignore     []string
	lastWrite  time.Time
	now        func() time.Time
}

type entry struct {
	value  snapshot.Snapshot
	stamps map[string]time.Time
}

type Option func(*Store)

func WithPipelines(pipelines []snapshot.Pipeline) Option {
	return func(s *Store) {
		s.statuses = map[string]struct{}{}
		s.dependents = map[string]string{}
		for _, p := range pipelines {
			if p.StatusField == "" {
				continue
			}
			s.statuses[p.StatusField] = struct{}{}
			for _, d := range p.Dependents {
				s.dependents[d] = p.StatusField
			}
		}
	}
}

func WithIgnoredFields(fields []string) Option {
	return func(s *Store) {
		s.ignore = append([]string(nil), fields...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: map[snapshot.Key]*entry{},
		pruned:  map[snapshot.Key]*entry{},
		ignore:  append([]string(nil), snapshot.DefaultIgnoredFields...),
		now:     time.Now,
	}
	WithPipelines(snapshot.DefaultPipelines)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(key snapshot.Key) (snapshot.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.value.Clone(), true
}

// Merge folds incoming into the cached entry for key. stamp is the source
// timestamp of the change; a zero stamp marks an authoritative full pull.
// Nothing is mutated when the merged result equals the cached value.
//
// A key removed by Prune merges against its last known value, so a lagging
// pull cannot bring it back at a lower status.
func (s *Store) Merge(key snapshot.Key, incoming snapshot.Snapshot, stamp time.Time) MergeResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming = incoming.Clone()
	cur, live := s.entries[key]
	if !live {
		cur = s.pruned[key]
	}
	var curValue snapshot.Snapshot
	if cur != nil {
		curValue = cur.value
	}

	regressed := map[string]struct{}{}
	advancing := map[string]struct{}{}
	for field := range s.statuses {
		v, ok := incoming[field]
		if !ok {
			continue
		}
		old, had := curValue[field]
		switch {
		case !had || snapshot.Rank(v) > snapshot.Rank(old):
			advancing[field] = struct{}{}
		case snapshot.Rank(v) < snapshot.Rank(old):
			regressed[field] = struct{}{}
		}
	}

	next := curValue.Clone()
	if next == nil {
		next = snapshot.Snapshot{}
	}
	stamps := map[string]time.Time{}
	if cur != nil {
		for k, v := range cur.stamps {
			stamps[k] = v
		}
	}

	for field, v := range incoming {
		if _, ok := regressed[field]; ok {
			continue
		}
		if status, ok := s.dependents[field]; ok {
			if _, bad := regressed[status]; bad {
				continue
			}
			// dependents travel with an advancing status
			if _, up := advancing[status]; up {
				next[field] = v
				stamps[field] = stamp
				continue
			}
		}
		if !stamp.IsZero() && !newer(field, v, curValue, stamps[field], stamp) {
			if _, isStatus := s.statuses[field]; !isStatus || snapshot.Rank(v) == snapshot.Rank(curValue[field]) {
				continue
			}
		}
		next[field] = v
		if stamp.After(stamps[field]) {
			stamps[field] = stamp
		}
	}
	if _, ok := next["id"]; !ok && key.ID != "" {
		next["id"] = key.ID
	}

	if live && snapshot.Equal(next, curValue, s.ignore) {
		return MergeResult{Applied: false, Snapshot: curValue.Clone()}
	}

	var advanced []FieldChange
	for field := range s.statuses {
		nv, ok := next[field]
		if !ok {
			continue
		}
		ov, had := curValue[field]
		if had && reflect.DeepEqual(ov, nv) {
			continue
		}
		advanced = append(advanced, FieldChange{Field: field, From: ov, To: nv})
	}

	delete(s.pruned, key)
	s.entries[key] = &entry{value: next, stamps: stamps}
	s.lastWrite = s.now()
	return MergeResult{Applied: true, Snapshot: next.Clone(), Advanced: advanced}
}

// newer reports whether a write of v at stamp wins over the write that last
// touched field at last. Equal stamps are broken on the value so the outcome
// does not depend on arrival order.
func newer(field string, v any, cur snapshot.Snapshot, last, stamp time.Time) bool {
	if stamp.After(last) {
		return true
	}
	if stamp.Before(last) {
		return false
	}
	old, had := cur[field]
	if !had {
		return true
	}
	return fmt.Sprint(v) >= fmt.Sprint(old)
}

// Delete removes key and reports whether anything was removed. A removal
// counts as a write for LastWrite. Deletes are authoritative: the key's
// history is forgotten too.
func (s *Store) Delete(key snapshot.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pruned, key)
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	s.lastWrite = s.now()
	return true
}

// Prune removes key from the view but remembers its last value and stamps.
// A later merge for the same key starts from that value, so statuses never
// move backwards across a prune.
func (s *Store) Prune(key snapshot.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	s.pruned[key] = e
	s.lastWrite = s.now()
	return true
}

// Invalidate drops key so the next read treats it as absent until refilled.
func (s *Store) Invalidate(key snapshot.Key) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *Store) LastWrite() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWrite
}

func (s *Store) Keys(t snapshot.SubjectType) []snapshot.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]snapshot.Key, 0, len(s.entries))
	for k := range s.entries {
		if k.Type == t {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// View returns the cached story and its segments in display order.
func (s *Store) View(resourceID string) snapshot.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := snapshot.View{ResourceID: resourceID, Segments: []snapshot.Snapshot{}}
	if e, ok := s.entries[snapshot.ResourceKey(resourceID)]; ok {
		v.Resource = e.value.Clone()
	}
	for k, e := range s.entries {
		if k.Type != snapshot.SubjectSubResource {
			continue
		}
		v.Segments = append(v.Segments, e.value.Clone())
	}
	snapshot.SortSegments(v.Segments)
	return v
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = map[snapshot.Key]*entry{}
	s.pruned = map[snapshot.Key]*entry{}
	s.mu.Unlock()
}
