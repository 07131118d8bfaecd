package secretstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrReadOnly is returned by Write on backends that cannot be written.
var ErrReadOnly = errors.New("secret storage is read-only")

// Store reads and writes one client secret.
type Store interface {
	// Read returns the stored secret. Returns error if it is missing or empty.
	Read(ctx context.Context) (string, error)

	// Write persists the secret, replacing any previous value.
	Write(ctx context.Context, secret string) error
}

// Type names a storage backend.
type Type string

const (
	TypeFile    Type = "file"
	TypeEnv     Type = "env"
	TypeKeyring Type = "keyring"
	TypeNone    Type = "none"
)

// Settings describes where one provider's secret lives.
type Settings struct {
	Storage Type `json:"storage" validate:"omitempty,oneof=file env keyring none"`

	File        string `json:"file,omitempty"`         // file storage: path to secret file
	EnvKey      string `json:"env_key,omitempty"`      // env storage: variable name
	KeyringUser string `json:"keyring_user,omitempty"` // keyring storage: account name
}

// KeyringService is the keyring service name for a provider's secret.
func KeyringService(provider string) string {
	return "keysync-" + provider + "-client-secret"
}

// Open returns the Store described by s for the named provider.
func (s Settings) Open(provider string) (Store, error) {
	switch s.Storage {
	case TypeFile:
		return NewFileStore(s.File)
	case TypeEnv:
		return NewEnvStore(s.EnvKey)
	case TypeKeyring:
		return NewKeyringStore(KeyringService(provider), s.KeyringUser)
	case TypeNone, "":
		return None{}, nil
	default:
		return nil, fmt.Errorf("unsupported secret storage: %s", s.Storage)
	}
}

// None is the store of public clients: it holds an empty secret.
type None struct{}

// Compile-time check to ensure None implements Store
var _ Store = None{}

// Read returns "".
func (None) Read(ctx context.Context) (string, error) {
	return "", ctx.Err()
}

// Write fails; there is nowhere to put the secret.
func (None) Write(context.Context, string) error {
	return fmt.Errorf("%w: no storage configured", ErrReadOnly)
}
