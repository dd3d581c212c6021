package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// NewMemoryStore 返回进程内缓存实现，主要用于测试或无需持久化的场景。
func NewMemoryStore() Storage {
	return &memoryStore{caches: make(map[string]map[string]*Snapshot)}
}

type memoryStore struct {
	mu     sync.RWMutex
	caches map[string]map[string]*Snapshot
}

type memoryCache struct {
	store *memoryStore
	name  string
}

func (s *memoryStore) Open(ctx context.Context, name string) (Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}
	return &memoryCache{store: s, name: name}, nil
}

func (s *memoryStore) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	delete(s.caches, name)
	return ok, nil
}

func (s *memoryStore) Names(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Commit(ctx context.Context, name string, entries []*Snapshot) error {
	if err := ValidateName(name); err != nil {
		return fmt.Errorf("%w: %q", err, name)
	}
	staged := make(map[string]*Snapshot, len(entries))
	for _, entry := range entries {
		if entry == nil {
			return fmt.Errorf("commit %s: nil snapshot", name)
		}
		staged[entry.Key.String()] = entry.clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.caches[name]
	if !ok {
		s.caches[name] = staged
		return nil
	}
	for k, v := range staged {
		current[k] = v
	}
	return nil
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(ctx context.Context, key Key) (*Snapshot, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	entries, ok := c.store.caches[c.name]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot, ok := entries[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot.clone(), nil
}

func (c *memoryCache) Put(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("nil snapshot")
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	entries, ok := c.store.caches[c.name]
	if !ok {
		return fmt.Errorf("put %s: %w", c.name, ErrNotFound)
	}
	entries[snapshot.Key.String()] = snapshot.clone()
	return nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]Key, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	entries := c.store.caches[c.name]
	keys := make([]Key, 0, len(entries))
	for _, snapshot := range entries {
		keys = append(keys, snapshot.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
