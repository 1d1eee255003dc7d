package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryProvider is a secret provider that stores secrets in memory.
// Not recommended for production use, made for testing purposes.
type MemoryProvider struct {
	mu      sync.Mutex
	secrets map[string]string
}

// NewMemoryProvider creates a new MemoryProvider with the given secrets.
func NewMemoryProvider(secrets map[string]string) *MemoryProvider {
	m := &MemoryProvider{secrets: make(map[string]string, len(secrets))}
	for k, v := range secrets {
		m.secrets[k] = v
	}
	return m
}

// Get returns the secret for the given key.
func (m *MemoryProvider) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if val, ok := m.secrets[key]; ok {
		return val, nil
	}
	return "", fmt.Errorf("%s: %w", key, ErrNotFound)
}

// Set stores the secret, replacing an existing one.
func (m *MemoryProvider) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = value
	return nil
}

// Delete removes the secret.
func (m *MemoryProvider) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[key]; !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	delete(m.secrets, key)
	return nil
}

// List returns sorted keys starting with prefix. Empty prefix or "*" lists all keys.
func (m *MemoryProvider) List(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.secrets {
		if prefix == "" || prefix == "*" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
