package secretstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets", "github")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	if err := store.Write(ctx, "  s3cret \n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %04o, want 0600", perm)
	}

	got, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Read() = %q, want s3cret", got)
	}
}

func TestFileStoreRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		perm    os.FileMode
	}{
		{name: "insecure permissions", content: "s3cret", perm: 0644},
		{name: "empty file", content: "  \n", perm: 0600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "secret")
			if err := os.WriteFile(path, []byte(tt.content), tt.perm); err != nil {
				t.Fatal(err)
			}
			if err := os.Chmod(path, tt.perm); err != nil {
				t.Fatal(err)
			}
			store, err := NewFileStore(path)
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			if _, err := store.Read(context.Background()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEnvStore(t *testing.T) {
	t.Setenv("KEYSYNC_TEST_SECRET", "from-env")

	store, err := NewEnvStore("KEYSYNC_TEST_SECRET")
	if err != nil {
		t.Fatalf("NewEnvStore: %v", err)
	}
	got, err := store.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "from-env" {
		t.Errorf("Read() = %q", got)
	}
	if err := store.Write(context.Background(), "x"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Write: expected ErrReadOnly, got %v", err)
	}

	t.Setenv("KEYSYNC_TEST_SECRET", "")
	if _, err := store.Read(context.Background()); err == nil {
		t.Error("expected error for empty variable")
	}

	if _, err := NewEnvStore(""); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()

	store, err := NewKeyringStore(KeyringService("discord"), "alice")
	if err != nil {
		t.Fatalf("NewKeyringStore: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Read(ctx); err == nil {
		t.Error("expected error before Write")
	}
	if err := store.Write(ctx, "kr-secret"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := store.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "kr-secret" {
		t.Errorf("Read() = %q", got)
	}
}

func TestSettingsOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		settings Settings
		wantType Store
		wantErr  bool
	}{
		{name: "default is none", settings: Settings{}, wantType: None{}},
		{name: "none", settings: Settings{Storage: TypeNone}, wantType: None{}},
		{name: "file", settings: Settings{Storage: TypeFile, File: filepath.Join(dir, "s")}, wantType: &FileStore{}},
		{name: "env", settings: Settings{Storage: TypeEnv, EnvKey: "X"}, wantType: &EnvStore{}},
		{name: "keyring", settings: Settings{Storage: TypeKeyring, KeyringUser: "u"}, wantType: &KeyringStore{}},
		{name: "file without path", settings: Settings{Storage: TypeFile}, wantErr: true},
		{name: "unknown", settings: Settings{Storage: "vault"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := tt.settings.Open("github")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			switch tt.wantType.(type) {
			case None:
				if _, ok := store.(None); !ok {
					t.Errorf("got %T", store)
				}
			case *FileStore:
				if _, ok := store.(*FileStore); !ok {
					t.Errorf("got %T", store)
				}
			case *EnvStore:
				if _, ok := store.(*EnvStore); !ok {
					t.Errorf("got %T", store)
				}
			case *KeyringStore:
				if _, ok := store.(*KeyringStore); !ok {
					t.Errorf("got %T", store)
				}
			}
		})
	}
}

func TestNoneStore(t *testing.T) {
	got, err := None{}.Read(context.Background())
	if err != nil || got != "" {
		t.Errorf("Read() = %q, %v", got, err)
	}
	if err := (None{}).Write(context.Background(), "x"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Write: expected ErrReadOnly, got %v", err)
	}
}
