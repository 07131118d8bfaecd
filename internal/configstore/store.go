package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrConfigReadFailed is returned when the document cannot be read or decoded.
	ErrConfigReadFailed = errors.New("config read failed")
	// ErrConfigWriteFailed is returned when the document cannot be encoded or written.
	ErrConfigWriteFailed = errors.New("config write failed")
)

const fileName = "config.json"

// Store reads and writes the config document. Every read goes to disk and
// every write replaces the whole file atomically.
//
// Update is the only way to modify the document based on its current content;
// all Update and Save calls on one Store are serialized, so concurrent
// read-modify-write sequences cannot lose each other's changes. Use a single
// Store per file.
type Store struct {
	path string
	mu   sync.RWMutex
}

// DefaultPath returns the per-user config file location:
// ~/.keysync/config.json, or ~/.keysync-dev/config.json in debug builds.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, dirName, fileName), nil
}

// New creates a Store for the given path, creating parent directories
// with 0700 permissions if they don't exist.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	return &Store{path: path}, nil
}

// Path returns the file location.
func (s *Store) Path() string {
	return s.path
}

// EnsureExists writes the default document if the file is missing and
// reports whether it did (first launch).
func (s *Store) EnsureExists(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
	}

	if err := s.write(ctx, Default()); err != nil {
		return false, err
	}
	return true, nil
}

// Load reads the document. A missing file yields the default document.
func (s *Store) Load(ctx context.Context) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(ctx)
}

// Save replaces the document with cfg.
func (s *Store) Save(ctx context.Context, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, cfg)
}

// Update loads the document, applies fn and writes the result, holding the
// store lock throughout. If fn returns an error nothing is written.
func (s *Store) Update(ctx context.Context, fn func(*Config) error) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	if err := s.write(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Store) read(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigReadFailed, err)
	}

	if info, err := os.Stat(s.path); err == nil && info.Mode().Perm() != 0600 {
		slog.WarnContext(ctx, "config file has insecure permissions",
			"path", s.path, "mode", fmt.Sprintf("%04o", info.Mode().Perm()))
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrConfigReadFailed, s.path, err)
	}
	if cfg.UserProfiles == nil {
		cfg.UserProfiles = []UserProfile{}
	}
	return cfg, nil
}

// write atomically saves the document using temp file + rename for crash safety.
// Sets file permissions to 0600 (owner read/write only).
func (s *Store) write(ctx context.Context, cfg *Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding: %w", ErrConfigWriteFailed, err)
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigWriteFailed, err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	// Create secure temp file in same directory for atomic rename
	tempFile, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := tempFile.Sync(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	// Set secure file permissions (0600 = rw-------) before it becomes visible
	if err := os.Chmod(tempName, 0600); err != nil {
		return err
	}

	return os.Rename(tempName, path)
}
