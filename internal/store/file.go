package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileStore keeps one JSON blob per session id under a storage directory.
// Writes go through a temp file and an os.Rename so a concurrent reader
// either sees the old blob or the new one, never a torn write.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the storage directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the on-disk location for a session id. Exposed so the
// watcher and CLI can point at the same file.
func (fs *FileStore) Path(id string) string {
	return filepath.Join(fs.dir, id+".json")
}

// Load reads and decodes the blob for id. Accepts both the native format
// and a raw browser cookie export dropped in by an operator.
func (fs *FileStore) Load(id string) (*State, error) {
	data, err := os.ReadFile(fs.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return DecodeState(data)
}

// Save atomically rewrites the blob for id.
func (fs *FileStore) Save(id string, state *State) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state.SavedAt = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}

	// Write-then-rename keeps the swap atomic on the same filesystem.
	tmp, err := os.CreateTemp(fs.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("temp file for session %s: %w", id, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close session %s: %w", id, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod session %s: %w", id, err)
	}
	if err := os.Rename(tmpName, fs.Path(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename session %s: %w", id, err)
	}
	return nil
}

// List returns the known session ids, sorted.
func (fs *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the blob for id. Deleting a missing session is not an
// error.
func (fs *FileStore) Delete(id string) error {
	if err := os.Remove(fs.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}
