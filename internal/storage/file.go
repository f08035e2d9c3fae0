package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore persists state as a single JSON file at a configurable path.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store. The parent directory is created
// on the first Save, not here, so constructing a store never touches disk.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the JSON document into v. A missing file returns (false, nil).
func (s *FileStore) Load(v interface{}) (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	return true, nil
}

// Save writes v as indented JSON, creating the parent directory if needed.
func (s *FileStore) Save(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", s.path, err)
	}
	return nil
}

// Reset removes the backing file. Missing files are not an error.
func (s *FileStore) Reset() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file %s: %w", s.path, err)
	}
	return nil
}
