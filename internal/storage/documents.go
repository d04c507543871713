/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// Documents resolves playlist references. "s3://bucket/key" references are
// fetched from object storage; anything else is read from the filesystem.
type Documents struct {
	files  ObjectStore
	s3cfg  *S3Config
	logger zerolog.Logger

	mu     sync.Mutex
	client *s3.Client
	stores map[string]ObjectStore
}

// NewDocuments creates a resolver. s3cfg may be nil when object storage is
// not configured.
func NewDocuments(files ObjectStore, s3cfg *S3Config, logger zerolog.Logger) *Documents {
	return &Documents{
		files:  files,
		s3cfg:  s3cfg,
		logger: logger.With().Str("component", "storage").Logger(),
		stores: make(map[string]ObjectStore),
	}
}

// ParseS3Ref splits "s3://bucket/key".
func ParseS3Ref(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Load fetches the document named by ref.
func (d *Documents) Load(ctx context.Context, ref string) ([]byte, error) {
	if !strings.HasPrefix(ref, "s3://") {
		return d.files.Get(ctx, ref)
	}

	bucket, key, ok := ParseS3Ref(ref)
	if !ok {
		return nil, fmt.Errorf("invalid s3 reference %q", ref)
	}
	store, err := d.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, key)
}

// SetBucketStore overrides the store used for bucket.
func (d *Documents) SetBucketStore(bucket string, store ObjectStore) {
	d.mu.Lock()
	d.stores[bucket] = store
	d.mu.Unlock()
}

func (d *Documents) bucket(ctx context.Context, bucket string) (ObjectStore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if store, ok := d.stores[bucket]; ok {
		return store, nil
	}
	if d.s3cfg == nil {
		return nil, fmt.Errorf("s3 storage is not configured")
	}
	if d.client == nil {
		client, err := NewS3Client(ctx, *d.s3cfg)
		if err != nil {
			return nil, err
		}
		d.client = client
	}
	store := NewS3Store(d.client, bucket, d.logger)
	d.stores[bucket] = store
	return store, nil
}
