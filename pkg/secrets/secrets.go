// Package secrets provides persistence for the small secret collections owned
// by the token engine: the signing key, refresh-token records, and the revoked
// client set. Each value is stored as an opaque string under a stable key.
//
// The preferred backend is the operating system keyring. A file backend exists
// for headless hosts without a keyring daemon, and a memory backend for tests.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

// ErrNotFound is returned when no value exists for a key.
var ErrNotFound = errors.New("secret not found")

// Store persists small secret values keyed by a stable name.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) (string, error)

	// Set stores the value for key, overwriting any previous value.
	Set(key, value string) error

	// Delete removes the value for key. Deleting an absent key is not an error.
	Delete(key string) error
}

// KeyringStore stores secrets in the OS keyring under a service name.
type KeyringStore struct {
	// Service is the keyring service name, e.g. "mcp-host-bridge".
	Service string
}

// NewKeyringStore creates a keyring-backed store.
func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{Service: service}
}

// Get returns the value for key from the OS keyring.
func (s *KeyringStore) Get(key string) (string, error) {
	value, err := keyring.Get(s.Service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %q: %w", key, err)
	}
	return value, nil
}

// Set stores the value for key in the OS keyring.
func (s *KeyringStore) Set(key, value string) error {
	if err := keyring.Set(s.Service, key, value); err != nil {
		return fmt.Errorf("keyring set %q: %w", key, err)
	}
	return nil
}

// Delete removes the value for key from the OS keyring.
func (s *KeyringStore) Delete(key string) error {
	err := keyring.Delete(s.Service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %q: %w", key, err)
	}
	return nil
}

// FileStore stores each secret in its own file under a directory, mode 0600.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating secrets dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Get returns the value for key from its file.
func (s *FileStore) Get(key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading secret %q: %w", key, err)
	}
	return string(data), nil
}

// Set writes the value for key to its file with owner-only permissions.
func (s *FileStore) Set(key, value string) error {
	if err := os.WriteFile(s.path(key), []byte(value), 0o600); err != nil {
		return fmt.Errorf("writing secret %q: %w", key, err)
	}
	return nil
}

// Delete removes the file for key.
func (s *FileStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting secret %q: %w", key, err)
	}
	return nil
}

// path maps a key to a filename, replacing separators so keys cannot escape dir.
func (s *FileStore) path(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(s.dir, safe)
}

// MemoryStore is an in-memory store for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get returns the value for key.
func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores the value for key.
func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}

// Delete removes the value for key.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}

// Verify interface compliance.
var (
	_ Store = (*KeyringStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
