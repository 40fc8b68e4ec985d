package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/fruitsalade/resources/internal/metrics"
	"github.com/fruitsalade/resources/internal/resource"
)

// ContentStore stores file content keyed by resource identity.
type ContentStore struct {
	backend Backend
}

// NewContentStore wraps backend.
func NewContentStore(backend Backend) *ContentStore {
	return &ContentStore{backend: backend}
}

// Backend returns the underlying backend.
func (s *ContentStore) Backend() Backend {
	return s.backend
}

// Key is the object key of the current content of id.
func Key(id resource.Identity) string {
	return fmt.Sprintf("content/%016x", uint64(id))
}

// HistoryKey is the object key of the content of id as it was at stamp.
func HistoryKey(id resource.Identity, stamp int64) string {
	return fmt.Sprintf("history/%016x/%d", uint64(id), stamp)
}

// Hash returns the hex BLAKE2b-256 digest of data.
func Hash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *ContentStore) observe(op string, start time.Time, err error) {
	metrics.RecordContentOperation(s.backend.Type(), op, time.Since(start), err == nil)
}

// Put stores data as the content of id and returns its hash.
func (s *ContentStore) Put(ctx context.Context, id resource.Identity, data []byte) (hash string, err error) {
	start := time.Now()
	defer func() { s.observe("put", start, err) }()
	if err := s.backend.PutObject(ctx, Key(id), bytes.NewReader(data), int64(len(data))); err != nil {
		return "", fmt.Errorf("store content of %d: %w", id, err)
	}
	return Hash(data), nil
}

// Get returns the content of id. Missing content yields
// resource.ErrContentMissing.
func (s *ContentStore) Get(ctx context.Context, id resource.Identity) (data []byte, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()
	return s.read(ctx, Key(id))
}

func (s *ContentStore) read(ctx context.Context, key string) ([]byte, error) {
	rc, _, err := s.backend.GetObject(ctx, key, 0, 0)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %v", resource.ErrContentMissing, err)
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Delete drops the content of id.
func (s *ContentStore) Delete(ctx context.Context, id resource.Identity) (err error) {
	start := time.Now()
	defer func() { s.observe("delete", start, err) }()
	return s.backend.DeleteObject(ctx, Key(id))
}

// Copy duplicates the content of src as the content of dst. Missing
// source content is not an error: dst is left without content.
func (s *ContentStore) Copy(ctx context.Context, src, dst resource.Identity) (err error) {
	start := time.Now()
	defer func() { s.observe("copy", start, err) }()
	ok, err := s.backend.ObjectExists(ctx, Key(src))
	if err != nil || !ok {
		return err
	}
	return s.backend.CopyObject(ctx, Key(src), Key(dst))
}

// Keep saves the current content of id in the history under stamp.
func (s *ContentStore) Keep(ctx context.Context, id resource.Identity, stamp int64) (err error) {
	start := time.Now()
	defer func() { s.observe("keep", start, err) }()
	ok, err := s.backend.ObjectExists(ctx, Key(id))
	if err != nil || !ok {
		return err
	}
	return s.backend.CopyObject(ctx, Key(id), HistoryKey(id, stamp))
}

// History returns the content of id saved at stamp.
func (s *ContentStore) History(ctx context.Context, id resource.Identity, stamp int64) (data []byte, err error) {
	start := time.Now()
	defer func() { s.observe("history", start, err) }()
	return s.read(ctx, HistoryKey(id, stamp))
}

// Close closes the backend.
func (s *ContentStore) Close() error {
	return s.backend.Close()
}
