package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"chatbloom/internal/models"
)

// LocalFileStore implements FileStore using the local filesystem.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

func (s *LocalFileStore) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

func (s *LocalFileStore) Put(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.root, "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	hash := hex.EncodeToString(h.Sum(nil))
	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, size, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, fmt.Errorf("failed to rename file: %w", err)
	}

	return hash, size, nil
}

func (s *LocalFileStore) Get(hash string) (io.ReadCloser, error) {
	if raw, err := hex.DecodeString(hash); err != nil || len(raw) != sha256.Size {
		return nil, fmt.Errorf("file %q: %w", hash, models.ErrNotFound)
	}
	f, err := os.Open(s.path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("file %s: %w", hash, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", hash, err)
	}
	return f, nil
}
