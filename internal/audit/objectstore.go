// Package audit buffers audit entries and flushes them in batches, offloading
// large request/response bodies to an object store so the relational audit
// table stays cheap to query.
package audit

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore persists an opaque blob under key and returns the URL it can
// later be retrieved from.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (url string, err error)
}

// fileStore implements ObjectStore against a local directory, used for
// development and single-node deployments. Keys become nested paths under
// root so they remain human-browsable.
type fileStore struct {
	root string
}

// NewFileStore returns an ObjectStore rooted at dir.
func NewFileStore(dir string) ObjectStore {
	return &fileStore{root: dir}
}

func (f *fileStore) Put(_ context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(f.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("audit: create object dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("audit: write object: %w", err)
	}
	return "file://" + path, nil
}

// s3Store implements ObjectStore against an S3-compatible bucket.
type s3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store returns an ObjectStore writing to bucket via client.
func NewS3Store(client *s3.Client, bucket string) ObjectStore {
	return &s3Store{client: client, bucket: bucket}
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("audit: s3 put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// NewObjectStoreFromURL builds the right ObjectStore implementation from a
// configured URL: "file:///var/data/audit" or "s3://bucket?region=...".
// s3Client is used as-is for the s3 scheme; callers construct it from the
// surrounding AWS config since region/credentials are already resolved there.
func NewObjectStoreFromURL(raw string, s3Client *s3.Client) (ObjectStore, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("audit: parse object store url: %w", err)
	}
	switch u.Scheme {
	case "file":
		return NewFileStore(u.Path), nil
	case "s3":
		if s3Client == nil {
			return nil, fmt.Errorf("audit: s3 object store configured but no s3 client provided")
		}
		return NewS3Store(s3Client, strings.TrimPrefix(u.Host+u.Path, "/")), nil
	default:
		return nil, fmt.Errorf("audit: unsupported object store scheme %q", u.Scheme)
	}
}
