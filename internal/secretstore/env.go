package secretstore

import (
	"context"
	"fmt"
	"os"
)

// EnvStore reads a secret from an environment variable.
type EnvStore struct {
	envKey string
}

// Compile-time check to ensure EnvStore implements Store
var _ Store = (*EnvStore)(nil)

// NewEnvStore creates an EnvStore for the given variable. The variable is
// looked up on every Read, so it does not have to be set yet.
func NewEnvStore(envKey string) (*EnvStore, error) {
	if envKey == "" {
		return nil, fmt.Errorf("environment key cannot be empty")
	}
	return &EnvStore{envKey: envKey}, nil
}

// Read returns the variable's value. Returns error if unset or empty.
func (e *EnvStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	secret := os.Getenv(e.envKey)
	if secret == "" {
		return "", fmt.Errorf("environment variable %s is empty", e.envKey)
	}
	return secret, nil
}

// Write always fails.
func (e *EnvStore) Write(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: environment variable %s", ErrReadOnly, e.envKey)
}
