// Package blob stores archived sounding files as individual gzip blobs
// in a flat directory. Blob names are derived from a file's natural key
// by the caller; the store treats them as opaque.
package blob

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrExists   = errors.New("blob already exists")
	ErrNotFound = errors.New("blob not found")
	ErrCorrupt  = errors.New("blob corrupt")
)

type Store struct {
	dir string
}

// New opens the blob directory, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Store compresses data and writes it under name. The blob is written to
// a temporary file first and renamed into place so a crash never leaves
// a half-written blob under its final name. Returns ErrExists if a blob
// with this name is already present.
func (s *Store) Store(name string, data []byte) error {
	dst := s.path(name)
	if _, err := os.Stat(dst); err == nil {
		return ErrExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking blob %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name)
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	if _, err := gz.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("compressing blob %s: %w", name, err)
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("compressing blob %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing blob %s: %w", name, err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("storing blob %s: %w", name, err)
	}
	return nil
}

// Load reads and decompresses the named blob. Returns ErrNotFound if no
// such blob exists and ErrCorrupt if it cannot be decompressed.
func (s *Store) Load(name string) ([]byte, error) {
	f, err := os.Open(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", name, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w: %v", name, ErrCorrupt, err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w: %v", name, ErrCorrupt, err)
	}
	return data, nil
}

// Remove deletes the named blob. Removing a blob that does not exist is
// not an error.
func (s *Store) Remove(name string) error {
	err := os.Remove(s.path(name))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("removing blob %s: %w", name, err)
}

func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// List returns the names of all blobs in the store, skipping temp files
// left behind by interrupted writes.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
