package secretstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps a secret in a file readable only by its owner.
type FileStore struct {
	filePath string
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore, creating parent directories with 0700.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return nil, err
	}
	return &FileStore{filePath: filePath}, nil
}

// Read returns the trimmed file content. A file other processes can read is
// rejected.
func (f *FileStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	info, err := os.Stat(f.filePath)
	if err != nil {
		return "", err
	}
	if info.Mode().Perm() != 0600 {
		return "", fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm())
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("empty secret file %s", f.filePath)
	}
	return secret, nil
}

// Write replaces the file through a temp file and rename.
func (f *FileStore) Write(ctx context.Context, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.filePath), "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	defer func() { _ = tmp.Close() }()

	if err := tmp.Chmod(0600); err != nil {
		return err
	}
	if _, err := tmp.WriteString(strings.TrimSpace(secret) + "\n"); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, f.filePath)
}
