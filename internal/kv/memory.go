package kv

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is a process-local Store backed by a mutex-guarded map. It is
// the default backend for single-node deployments; writes to distinct
// keys still serialize through one lock, matching §5's requirement
// that per-key writes be serialized without needing per-key locks at
// this scale (fleet counts and document volume are small enough that
// a single RWMutex does not become a bottleneck).
type Memory struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.docs[key] = cp
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.docs[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}

func (m *Memory) ListKeys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0)
	for k := range m.docs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) ListDocuments(_ context.Context, prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range m.docs {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

// PutIfMatch implements CompareAndSwap. Because all mutations already
// serialize through mu, the compare and the write happen atomically
// under a single critical section.
func (m *Memory) PutIfMatch(_ context.Context, key string, expected, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.docs[key]
	switch {
	case expected == nil && exists:
		return false, nil
	case expected != nil && !exists:
		return false, nil
	case expected != nil && exists && !bytes.Equal(current, expected):
		return false, nil
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	m.docs[key] = cp
	return true, nil
}

var (
	_ Store          = (*Memory)(nil)
	_ CompareAndSwap = (*Memory)(nil)
)
