package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	cliproxyauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
)

// FileStore is the default credential Store: one JSON file per auth record
// under a directory, written via a temp-file-then-rename so a crash mid-write
// never leaves a half-written auth file behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates (if needed) dir and returns a FileStore rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("file store: directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("file store: resolve directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("file store: create directory: %w", err)
	}
	return &FileStore{dir: abs}, nil
}

func (s *FileStore) pathFor(id string) string {
	safe := strings.ReplaceAll(id, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, safe+".json")
}

// Save persists the auth record either via its Storage implementation (when
// set, for provider-native token formats) or as a plain JSON marshal of the
// record itself.
func (s *FileStore) Save(_ context.Context, a *cliproxyauth.Auth) (string, error) {
	if a == nil {
		return "", fmt.Errorf("file store: auth is nil")
	}
	if strings.TrimSpace(a.ID) == "" {
		return "", fmt.Errorf("file store: auth id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(a.ID)
	tmp := path + ".tmp"

	if a.Storage != nil {
		if err := a.Storage.SaveTokenToFile(tmp); err != nil {
			return "", fmt.Errorf("file store: save token: %w", err)
		}
	} else {
		data, err := json.MarshalIndent(a, "", "  ")
		if err != nil {
			return "", fmt.Errorf("file store: marshal: %w", err)
		}
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return "", fmt.Errorf("file store: write temp file: %w", err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("file store: rename: %w", err)
	}
	return path, nil
}

// List enumerates every auth record in the store directory.
func (s *FileStore) List(_ context.Context) ([]*cliproxyauth.Auth, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("file store: read directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]*cliproxyauth.Auth, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		a := &cliproxyauth.Auth{}
		if err := json.Unmarshal(data, a); err != nil {
			continue
		}
		if strings.TrimSpace(a.ID) == "" {
			a.ID = strings.TrimSuffix(name, ".json")
		}
		out = append(out, a)
	}
	return out, nil
}

// Delete removes the auth record identified by id.
func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.pathFor(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("file store: delete: %w", err)
	}
	return nil
}
