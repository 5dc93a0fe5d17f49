// Package secrets stores the credentials used to push backup branches.
package secrets

import (
	"errors"
	"fmt"

	"commitpal/internal/config"
	"commitpal/internal/pal"
)

// Keys under which credentials are stored.
const (
	KeySSHKeyPath = "ssh_key_path"
	KeyToken      = "personal_access_token"
)

// ErrNotFound is returned when a secret has not been set.
var ErrNotFound = errors.New("secret not found")

// Store is a small key/value store for credentials.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	pal.Credentials
}

// NewStoreFromConfig creates a Store based on the configuration type.
func NewStoreFromConfig(cfg config.SecretsConfig) (Store, error) {
	switch cfg.Type {
	case "age", "":
		return NewAgeStore(cfg), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown secrets type: %q", cfg.Type)
	}
}

// KeyFor returns the secret key that holds the credential for mode.
// AuthNone has no key.
func KeyFor(mode pal.AuthMode) (string, bool) {
	switch mode {
	case pal.AuthSSH:
		return KeySSHKeyPath, true
	case pal.AuthToken:
		return KeyToken, true
	default:
		return "", false
	}
}

func lookup(get func(string) (string, error), mode pal.AuthMode) (string, error) {
	key, ok := KeyFor(mode)
	if !ok {
		return "", nil
	}
	v, err := get(key)
	if err != nil {
		return "", fmt.Errorf("looking up %s credential: %w", mode, err)
	}
	return v, nil
}
