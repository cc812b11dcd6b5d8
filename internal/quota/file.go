package quota

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore persists one JSON file per identity namespace under a state
// directory. Writes are synchronous. Thread-safe for concurrent use.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a FileStore rooted at dir, creating the directory if
// needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("quota: create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Load reads the identity's state file. A missing file yields a zero State.
func (fs *FileStore) Load(_ context.Context, identity string) (State, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path(identity))
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("quota: read state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupt record is replaced rather than blocking the session; the
		// compiled-in cap makes tampering here pointless anyway.
		return State{}, nil
	}
	return st, nil
}

// Save writes the identity's state file synchronously, via a temp file and
// rename so a crash mid-write cannot truncate the record.
func (fs *FileStore) Save(_ context.Context, identity string, st State) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("quota: marshal state: %w", err)
	}

	path := fs.path(identity)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("quota: write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("quota: replace state: %w", err)
	}
	return nil
}

// path maps an identity to a filename. Identities are hex-encoded so user
// ids can never escape the state directory.
func (fs *FileStore) path(identity string) string {
	return filepath.Join(fs.dir, hex.EncodeToString([]byte(identity))+".json")
}
