// Package archive exports verified ledger segments to content-addressed
// storage: a local directory, S3, or GCS when built with the gcp tag.
package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kenhuangus/agent-payment-platform/pkg/canonicalize"
	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

var (
	// ErrNotFound is returned for a digest with no stored blob.
	ErrNotFound = errorir.New(errorir.CodeNotFound, "segment_not_found", "")
	// ErrInvalidDigest is returned for a digest not of the form sha256:<hex>.
	ErrInvalidDigest = errorir.New(errorir.CodeInvalidRequest, "invalid_digest", "")
)

// Store is content-addressed blob storage. Put is idempotent: storing the
// same bytes twice yields the same digest and one object.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
}

// blobName validates digest and returns the object name for it.
func blobName(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, canonicalize.HashPrefix)
	if !ok {
		return "", ErrInvalidDigest.WithDetail("%q lacks the %s prefix", digest, canonicalize.HashPrefix)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != 32 {
		return "", ErrInvalidDigest.WithDetail("%q is not a sha256 digest", digest)
	}
	return raw + ".json", nil
}

// contentAddress digests data and returns the digest with its object name.
func contentAddress(data []byte) (string, string, error) {
	digest := canonicalize.HashBytes(data)
	name, err := blobName(digest)
	if err != nil {
		return "", "", err
	}
	return digest, name, nil
}

func joinKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// FileStore keeps blobs under a local directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // archive directory is shared with operators
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	digest, name, err := contentAddress(data)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.baseDir, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // archived segments are meant to be readable
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write segment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit segment: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(_ context.Context, digest string) ([]byte, error) {
	name, err := blobName(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(filepath.Join(s.baseDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound.WithDetail("%s", digest)
		}
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return io.ReadAll(f)
}

func (s *FileStore) Exists(_ context.Context, digest string) (bool, error) {
	name, err := blobName(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, name))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat segment: %w", err)
	}
}
