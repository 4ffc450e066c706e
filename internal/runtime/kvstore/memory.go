package kvstore

import (
	"context"
	"sync"
)

// MemoryOpener is an in-process Opener backed by maps. It is the default for
// the channel bus and for tests.
type MemoryOpener struct {
	mu         sync.Mutex
	namespaces map[string]*memoryStore
}

func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{namespaces: make(map[string]*memoryStore)}
}

func (o *MemoryOpener) Open(namespace string) (Store, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.namespaces[namespace]
	if !ok {
		st = &memoryStore{data: make(map[string][]byte)}
		o.namespaces[namespace] = st
	}
	return st, nil
}

func (o *MemoryOpener) Close() error { return nil }

type memoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[key] = stored
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryStore) Drop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}
