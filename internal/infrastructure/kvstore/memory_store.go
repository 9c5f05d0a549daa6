package kvstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"civicsync/internal/errs"
	"civicsync/internal/ports"
)

// MemoryStore is a goroutine-safe in-process KVStore. Nothing survives a restart;
// it backs the "memory" driver and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

var _ ports.KVStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := checkContext(ctx); err != nil {
		return "", false, err
	}
	trimmedKey, err := requireKey(key)
	if err != nil {
		return "", false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[trimmedKey]
	return v, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	trimmedKey, err := requireKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[trimmedKey] = value
	return nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key string, value string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	trimmedKey, err := requireKey(key)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[trimmedKey]; exists {
		return false, nil
	}
	s.data[trimmedKey] = value
	return true, nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	trimmedKey, err := requireKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, trimmedKey)
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	return errs.Wrap(ctx.Err(), "check context")
}
