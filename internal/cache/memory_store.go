package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内缓存，语义与磁盘实现一致，进程退出即丢失。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		store = &memoryStore{name: name, entries: make(map[string]memoryEntry)}
		s.stores[name] = store
	}
	return store, nil
}

func (s *memoryStorage) Lookup(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	store, ok := s.stores[name]
	if !ok {
		return nil, ErrStoreDeleted
	}
	return store, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, err
	}
	s.mu.Lock()
	store, ok := s.stores[name]
	delete(s.stores, name)
	s.mu.Unlock()
	if ok {
		store.markDeleted()
	}
	return ok, nil
}

func (s *memoryStorage) Match(ctx context.Context, id Identity) (*http.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		s.mu.RLock()
		store := s.stores[name]
		s.mu.RUnlock()
		if store == nil {
			continue
		}
		if resp, err := store.Match(ctx, id); err == nil {
			return resp, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

type memoryEntry struct {
	meta snapshotMeta
	body []byte
}

type memoryStore struct {
	name string

	mu      sync.RWMutex
	deleted bool
	entries map[string]memoryEntry
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Match(ctx context.Context, id Identity) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entry, ok := s.entries[id.key()]
	s.mu.RUnlock()
	if !ok || entry.meta.Identity != id {
		return nil, ErrNotFound
	}
	body := io.NopCloser(bytes.NewReader(entry.body))
	return buildResponse(entry.meta, body, int64(len(entry.body))), nil
}

func (s *memoryStore) Put(ctx context.Context, id Identity, resp *http.Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if !id.Cacheable() {
		return ErrUnsupportedMethod
	}

	var buf bytes.Buffer
	if resp.Body != nil {
		if _, err := copyWithContext(ctx, &buf, resp.Body); err != nil {
			return err
		}
	}
	meta := newSnapshotMeta(id, resp)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrStoreDeleted
	}
	s.entries[id.key()] = memoryEntry{meta: meta, body: buf.Bytes()}
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, id Identity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := id.key()
	if _, ok := s.entries[key]; !ok {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := make([]Identity, 0, len(s.entries))
	for _, entry := range s.entries {
		ids = append(ids, entry.meta.Identity)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids, nil
}

func (s *memoryStore) markDeleted() {
	s.mu.Lock()
	s.deleted = true
	s.entries = make(map[string]memoryEntry)
	s.mu.Unlock()
}
