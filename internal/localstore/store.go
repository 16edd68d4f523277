// Package localstore is the durable key-value store the client caches persist
// through. Keys are stable string names and values are whole-structure JSON
// blobs written as one file per key; there are no partial updates.
package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("localstore: key not found")

// Store persists JSON blobs under a directory, one file per key.
type Store struct {
	dir string
}

// Open creates (if needed) and opens a store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Put marshals v and durably replaces the value stored under key. The write
// goes through a temporary file and a rename so readers never observe a
// partially written blob.
func (s *Store) Put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("localstore: marshal %q: %w", key, err)
	}

	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("localstore: write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("localstore: replace %q: %w", key, err)
	}
	return nil
}

// Get unmarshals the value stored under key into v. It returns ErrNotFound
// when the key has never been written or has been deleted.
func (s *Store) Get(key string, v interface{}) error {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("localstore: read %q: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("localstore: unmarshal %q: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key. Deleting a missing key is a
// no-op.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localstore: delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}
