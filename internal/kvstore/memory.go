package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is a process-local Store used by tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string][]byte)}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	if err := validateKey(bucket, key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(value), nil
}

func (m *Memory) Put(_ context.Context, bucket, key string, value []byte) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(bucket, key, nonNil(value))
	return nil
}

func (m *Memory) Delete(_ context.Context, bucket, key string) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

func (m *Memory) Keys(_ context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Update(_ context.Context, bucket, key string, fn UpdateFunc) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.buckets[bucket][key]
	next, err := fn(clone(current), exists)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.buckets[bucket], key)
		return nil
	}
	m.put(bucket, key, next)
	return nil
}

func (m *Memory) put(bucket, key string, value []byte) {
	entries, ok := m.buckets[bucket]
	if !ok {
		entries = make(map[string][]byte)
		m.buckets[bucket] = entries
	}
	entries[key] = clone(value)
}

func clone(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
