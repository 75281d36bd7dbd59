package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// PersistentStore keeps a single JSON record in a file. Each write replaces
// the whole record atomically.
type PersistentStore struct {
	filePath string
}

func NewPersistentStore(filePath string) *PersistentStore {
	return &PersistentStore{
		filePath: filePath,
	}
}

// Read decodes the record into value and returns false if the file does not
// exist. An existing file which is empty or cannot be decoded is an error:
// treating it as absent would silently reset the record.
func (s *PersistentStore) Read(value interface{}) (bool, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("cannot read %q: %w", s.filePath, err)
	}

	if len(data) == 0 {
		return false, fmt.Errorf("empty file %q", s.filePath)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("cannot decode json data from %q: %w",
			s.filePath, err)
	}

	return true, nil
}

func (s *PersistentStore) Write(value interface{}) error {
	return writeFileAtomically(s.filePath, value)
}

// writeFileAtomically replaces the content of a file so that a crash leaves
// either the previous or the new content.
func writeFileAtomically(filePath string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cannot encode json data: %w", err)
	}

	dirPath := filepath.Dir(filePath)

	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return fmt.Errorf("cannot create directory %q: %w", dirPath, err)
	}

	file, err := os.CreateTemp(dirPath, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("cannot create temporary file in %q: %w",
			dirPath, err)
	}
	tmpPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cannot write %q: %w", tmpPath, err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("cannot sync %q: %w", tmpPath, err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cannot close %q: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("cannot rename %q to %q: %w", tmpPath, filePath, err)
	}

	// The rename is only durable once the directory entry is.
	if err := syncDirectory(dirPath); err != nil {
		return err
	}

	return nil
}

func syncDirectory(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return fmt.Errorf("cannot open directory %q: %w", dirPath, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("cannot sync directory %q: %w", dirPath, err)
	}

	return nil
}
