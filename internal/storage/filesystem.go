/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// FilesystemStore implements ObjectStore on a local directory. With an empty
// root, keys are plain filesystem paths.
type FilesystemStore struct {
	root   string
	logger zerolog.Logger
}

// NewFilesystemStore creates a filesystem-based store.
func NewFilesystemStore(root string, logger zerolog.Logger) *FilesystemStore {
	return &FilesystemStore{root: root, logger: logger}
}

func (s *FilesystemStore) path(key string) (string, error) {
	if s.root == "" {
		return key, nil
	}
	full := filepath.Join(s.root, filepath.Clean("/"+key))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes storage root", key)
	}
	return full, nil
}

// Get reads a file.
func (s *FilesystemStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Put writes a file, creating parent directories.
func (s *FilesystemStore) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.logger.Debug().Str("path", path).Msg("filesystem storage: file stored")
	return nil
}
