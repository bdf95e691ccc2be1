package oauth

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the system keychain.
const keyringService = "mcpbridge"

// KeyringStore stores secrets in the system keychain, one item per key.
type KeyringStore struct {
	service string
}

// NewKeyringStore returns an error if the keyring is not reachable.
func NewKeyringStore() (*KeyringStore, error) {
	_, err := keyring.Get(keyringService, "_availability_check")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("keyring not available: %w", err)
	}
	return &KeyringStore{service: keyringService}, nil
}

func (s *KeyringStore) Read(key string) (string, error) {
	v, err := keyring.Get(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", key, err)
	}
	return v, nil
}

func (s *KeyringStore) Store(key, value string) error {
	if err := keyring.Set(s.service, key, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", key, err)
	}
	return nil
}

// Remove is a no-op for missing keys.
func (s *KeyringStore) Remove(key string) error {
	err := keyring.Delete(s.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", key, err)
	}
	return nil
}
