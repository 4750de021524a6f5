// Package filestore provides a Store backed by one file per key in a
// directory, written atomically via rename. This is the default durable
// store for long-running processes without a database.
package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/faultline-io/faultline-go/pkg/faultline"
)

// Store maps keys to files under a directory.
type Store struct {
	dir string
}

// New creates the directory if needed and returns the store.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: creating %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Get implements faultline.Store.
func (s *Store) Get(key string) (string, error) {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", faultline.ErrNotFound
		}
		return "", fmt.Errorf("filestore: reading %s: %w", key, err)
	}
	return string(raw), nil
}

// Set implements faultline.Store. The value is written to a temp file
// and renamed into place so a crash never leaves a torn value. A full
// disk maps to faultline.ErrQuotaExceeded.
func (s *Store) Set(key, value string) error {
	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return s.classify(fmt.Errorf("filestore: temp file for %s: %w", key, err))
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return s.classify(fmt.Errorf("filestore: writing %s: %w", key, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return s.classify(fmt.Errorf("filestore: closing %s: %w", key, err))
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return s.classify(fmt.Errorf("filestore: renaming %s: %w", key, err))
	}
	return nil
}

// Delete implements faultline.Store.
func (s *Store) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filestore: deleting %s: %w", key, err)
	}
	return nil
}

// path maps a key to a file name, replacing anything outside the
// filename-safe set.
func (s *Store) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, key)
	return filepath.Join(s.dir, safe)
}

func (s *Store) classify(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return faultline.ErrQuotaExceeded
	}
	return err
}
