package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

// Mirror uploads saved outputs to an object store.
type Mirror interface {
	Upload(ctx context.Context, key string, data []byte) error
	URI(key string) string
	Close() error
}

// BucketMirror uploads to any gocloud bucket URL.
type BucketMirror struct {
	bucket *blob.Bucket
	url    string
	prefix string
}

// OpenMirror opens a bucket by URL, e.g. "file:///data/mirror",
// "s3://bucket?region=us-east-1" or "gs://bucket". Keys are written under
// prefix.
func OpenMirror(ctx context.Context, bucketURL, prefix string) (*BucketMirror, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return &BucketMirror{
		bucket: bucket,
		url:    strings.TrimRight(bucketURL, "/"),
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (m *BucketMirror) key(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// Upload writes data under key.
func (m *BucketMirror) Upload(ctx context.Context, key string, data []byte) error {
	full := m.key(key)

	w, err := m.bucket.NewWriter(ctx, full, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", full, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", full, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", full, err)
	}
	return nil
}

// Exists checks if key is present.
func (m *BucketMirror) Exists(ctx context.Context, key string) (bool, error) {
	return m.bucket.Exists(ctx, m.key(key))
}

// URI returns the canonical URI for the given key.
func (m *BucketMirror) URI(key string) string {
	return m.url + "/" + m.key(key)
}

// Close releases the bucket.
func (m *BucketMirror) Close() error {
	if m.bucket != nil {
		return m.bucket.Close()
	}
	return nil
}
