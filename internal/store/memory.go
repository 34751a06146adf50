package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/entsync/internal/query"
)

type memRow struct {
	item Item
	seq  int64
}

// MemoryStore is a map-backed DataStore.
// Items are deep-copied on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	sets     map[string]map[string]*memRow
	seq      int64
	resolver Resolver
}

var (
	_ DataStore      = (*MemoryStore)(nil)
	_ ResolverSetter = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]map[string]*memRow)}
}

// SetResolver enables $expand.
func (s *MemoryStore) SetResolver(r Resolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = make(map[string]map[string]*memRow)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// GetAll returns the set's items matching q in insertion order (or q's
// ordering), paged and projected.
func (s *MemoryStore) GetAll(ctx context.Context, setName string, q *query.Query) ([]Item, error) {
	s.mu.RLock()
	rows := make([]*memRow, 0, len(s.sets[setName]))
	for _, r := range s.sets[setName] {
		rows = append(rows, r)
	}
	resolver := s.resolver
	s.mu.RUnlock()

	slices.SortFunc(rows, func(a, b *memRow) int { return cmp.Compare(a.seq, b.seq) })
	items := make([]Item, len(rows))
	for i, r := range rows {
		items[i] = copyItem(r.item)
	}

	matched, err := query.Apply(q, items, false)
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", setName, err)
	}
	return Project(ctx, s, resolver, setName, matched, q)
}

// GetOne returns one item by key. Only q's $select and $expand apply.
func (s *MemoryStore) GetOne(ctx context.Context, setName, key string, q *query.Query) (Item, error) {
	s.mu.RLock()
	r, ok := s.sets[setName][key]
	resolver := s.resolver
	var item Item
	if ok {
		item = copyItem(r.item)
	}
	s.mu.RUnlock()

	if !ok {
		return Item{}, fmt.Errorf("get %s/%s: %w", setName, key, ErrNotFound)
	}
	projected, err := Project(ctx, s, resolver, setName, []Item{item}, q)
	if err != nil {
		return Item{}, err
	}
	return projected[0], nil
}

func (s *MemoryStore) Add(ctx context.Context, setName string, item Item) error {
	return s.AddRange(ctx, setName, []Item{item})
}

func (s *MemoryStore) AddRange(ctx context.Context, setName string, items []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[setName]
	if set == nil {
		set = make(map[string]*memRow)
		s.sets[setName] = set
	}
	for _, item := range items {
		if r, ok := set[item.Key]; ok {
			r.item = copyItem(item)
			continue
		}
		s.seq++
		set[item.Key] = &memRow{item: copyItem(item), seq: s.seq}
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, setName string, item Item) error {
	return s.UpdateRange(ctx, setName, []Item{item})
}

// UpdateRange replaces existing items. It fails without writing anything
// when any key is missing.
func (s *MemoryStore) UpdateRange(ctx context.Context, setName string, items []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[setName]
	for _, item := range items {
		if _, ok := set[item.Key]; !ok {
			return fmt.Errorf("update %s/%s: %w", setName, item.Key, ErrNotFound)
		}
	}
	for _, item := range items {
		set[item.Key].item = copyItem(item)
	}
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, setName, key string) error {
	return s.RemoveRange(ctx, setName, []string{key})
}

func (s *MemoryStore) RemoveRange(ctx context.Context, setName string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.sets[setName], k)
	}
	return nil
}

func copyItem(i Item) Item {
	return Item{Key: i.Key, State: i.State, Data: i.Data.Clone()}
}
