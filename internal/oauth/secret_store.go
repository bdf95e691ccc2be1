// Package oauth holds outbound authentication for remote MCP servers: the
// secret store backends, the OAuth token model and its persistence, the auth
// providers consumed by HTTP transports, and the interactive login flow.
package oauth

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by a SecretStore when the key has no value.
var ErrNotFound = errors.New("secret not found")

// SecretStore is a flat key/value store for credentials.
type SecretStore interface {
	Read(key string) (string, error)
	Store(key, value string) error
	Remove(key string) error
}

// StoreMode selects the SecretStore backend.
type StoreMode string

const (
	// StoreModeAuto uses the system keyring when it answers, else the file store.
	StoreModeAuto StoreMode = "auto"

	// StoreModeKeyring uses the system keychain.
	StoreModeKeyring StoreMode = "keyring"

	// StoreModeFile uses a JSON file with 0600 permissions.
	StoreModeFile StoreMode = "file"

	// StoreModeMemory keeps secrets for the life of the process.
	StoreModeMemory StoreMode = "memory"
)

// ParseStoreMode maps a config string to a StoreMode. Blank means auto.
func ParseStoreMode(s string) (StoreMode, error) {
	switch StoreMode(s) {
	case "", StoreModeAuto:
		return StoreModeAuto, nil
	case StoreModeKeyring, StoreModeFile, StoreModeMemory:
		return StoreMode(s), nil
	}
	return "", fmt.Errorf("unknown secret store mode %q", s)
}

// NewSecretStore creates a store for the mode. filePath is used by the file
// backend and by auto when the keyring is unavailable; blank means the
// default path under the user's config directory.
func NewSecretStore(mode StoreMode, filePath string) (SecretStore, error) {
	switch mode {
	case StoreModeKeyring:
		return NewKeyringStore()
	case StoreModeFile:
		return newFileStoreOrDefault(filePath)
	case StoreModeMemory:
		return NewMemoryStore(), nil
	case StoreModeAuto, "":
		if ks, err := NewKeyringStore(); err == nil {
			return ks, nil
		}
		return newFileStoreOrDefault(filePath)
	}
	return nil, fmt.Errorf("unknown secret store mode %q", mode)
}

func newFileStoreOrDefault(path string) (SecretStore, error) {
	if path != "" {
		return NewFileStoreAt(path), nil
	}
	return NewFileStore()
}

// MemoryStore is an in-process SecretStore.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Read(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Store(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}
