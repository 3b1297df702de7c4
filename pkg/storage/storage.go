// Package storage defines the durable key-value store the decision engine
// persists its state in, with an in-memory implementation and a quota
// wrapper.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrQuotaExceeded is returned by Set when a write would exceed the
// store's size limit.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrCorrupt is returned by GetJSON when a stored value does not decode.
var ErrCorrupt = errors.New("corrupt stored value")

// Store is an asynchronous, size-limited key-value namespace with no
// transactions across calls. Values are JSON documents.
type Store interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, items map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
	GetAll(ctx context.Context) (map[string][]byte, error)
	BytesInUse(ctx context.Context) (int64, error)
}

// GetJSON reads key and decodes it into v. It reports false when the key
// is absent.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	items, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	data, ok := items[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w: %w", key, ErrCorrupt, err)
	}
	return true, nil
}

// SetJSON encodes v and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, map[string][]byte{key: data})
}

// Memory is a Store held in process memory. The zero value is not usable;
// call NewMemory.
type Memory struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := m.items[k]; ok {
			out[k] = clone(v)
		}
	}
	return out, nil
}

func (m *Memory) Set(ctx context.Context, items map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range items {
		m.items[k] = clone(v)
	}
	return nil
}

func (m *Memory) Remove(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *Memory) GetAll(ctx context.Context) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]byte, len(m.items))
	for k, v := range m.items {
		out[k] = clone(v)
	}
	return out, nil
}

func (m *Memory) BytesInUse(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for k, v := range m.items {
		total += int64(len(k) + len(v))
	}
	return total, nil
}

// Keys returns the sorted keys of a map returned by Get or GetAll.
func Keys(items map[string][]byte) []string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
