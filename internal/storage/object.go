/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package storage fetches playlist documents from the filesystem or from
// S3-compatible object storage.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore abstracts object storage operations.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}
