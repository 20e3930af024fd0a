package store

import (
	"context"
	"fmt"
	"sync"
)

// Backend is a synchronous key/value store for persisted client state,
// the equivalent of a browser profile's local storage.
type Backend interface {
	// Get returns the stored value and whether the key exists.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	// Delete removes keys; missing keys are not an error.
	Delete(keys ...string) error
}

// Watcher is implemented by backends shared between processes.
// Watch blocks until ctx is done, calling onChange with the key written by another process.
type Watcher interface {
	Watch(ctx context.Context, onChange func(key string)) error
}

// Variant selects how credentials are carried
type Variant string

const (
	// VariantSession carries credentials as server-held session cookies
	VariantSession Variant = "session"
	// VariantToken carries a bearer access token backed by a refresh token
	VariantToken Variant = "token"
)

// ParseVariant parses a variant name from configuration
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantSession, VariantToken:
		return Variant(s), nil
	default:
		return "", fmt.Errorf("unknown credential variant %q (want session or token)", s)
	}
}

// MemoryBackend keeps state in process memory
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]string)}
}

func (m *MemoryBackend) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryBackend) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryBackend) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}
