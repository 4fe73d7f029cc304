package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ErrNotFound is returned (wrapped) when a path does not exist
var ErrNotFound = errors.New("storage: not found")

// Storage is a flat key/blob store used for snapshots and shared defaults
type Storage interface {
	// Write writes data to a path, replacing any previous content
	Write(path string, data []byte) error

	// Read reads data from a path
	Read(path string) ([]byte, error)

	// ReadSeeker returns a ReadSeeker for the path (useful for http.ServeContent)
	ReadSeeker(path string) (io.ReadSeeker, error)

	// Delete deletes a path. Deleting a missing path is not an error.
	Delete(path string) error

	// Exists checks if a path exists
	Exists(path string) (bool, error)

	// List lists the file names in a directory, sorted
	List(dir string) ([]string, error)
}

// LocalStorage implements Storage using the local filesystem. Writes go
// through a temporary file and a rename, so a concurrent reader in another
// process sees either the old or the new content.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		baseDir: baseDir,
	}, nil
}

// Write atomically replaces the file at path
func (s *LocalStorage) Write(path string, data []byte) error {
	fullPath := s.FullPath(path)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace file: %w", err)
	}

	return nil
}

// Read reads data from a file
func (s *LocalStorage) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(s.FullPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", notFound(err))
	}

	return data, nil
}

// ReadSeeker returns the opened file
func (s *LocalStorage) ReadSeeker(path string) (io.ReadSeeker, error) {
	file, err := os.Open(s.FullPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", notFound(err))
	}

	return file, nil
}

// Delete deletes a file
func (s *LocalStorage) Delete(path string) error {
	if err := os.Remove(s.FullPath(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// Exists checks if a file exists
func (s *LocalStorage) Exists(path string) (bool, error) {
	_, err := os.Stat(s.FullPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// List lists regular files in a directory, skipping in-progress temp files.
// A missing directory lists as empty.
func (s *LocalStorage) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(s.FullPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	return files, nil
}

// FullPath returns the filesystem path for a relative path
func (s *LocalStorage) FullPath(path string) string {
	return filepath.Join(s.baseDir, path)
}

func notFound(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
