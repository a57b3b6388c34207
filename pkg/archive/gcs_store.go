//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps blobs in a Cloud Storage bucket under an optional prefix.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore uses application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("archive: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) object(digest string) (*storage.ObjectHandle, error) {
	name, err := blobName(digest)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucket).Object(joinKey(s.prefix, name)), nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	digest, name, err := contentAddress(data)
	if err != nil {
		return "", err
	}
	obj := s.client.Bucket(s.bucket).Object(joinKey(s.prefix, name))

	// Only the first writer of a digest creates the object.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		if exists, herr := s.Exists(ctx, digest); herr == nil && exists {
			return digest, nil
		}
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return digest, nil
}

func (s *GCSStore) Get(ctx context.Context, digest string) ([]byte, error) {
	obj, err := s.object(digest)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound.WithDetail("%s", digest)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", digest, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSStore) Exists(ctx context.Context, digest string) (bool, error) {
	obj, err := s.object(digest)
	if err != nil {
		return false, err
	}
	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs failed for %s: %w", digest, err)
	}
	return true, nil
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
