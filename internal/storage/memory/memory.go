// Package memory provides an in-process storage backend.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fruitsalade/resources/internal/storage"
)

// MemoryBackend implements storage.Backend with a map.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New returns an empty backend.
func New() *MemoryBackend {
	return &MemoryBackend{objects: make(map[string][]byte)}
}

// GetObject returns a copy of the object with range support.
func (b *MemoryBackend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	b.mu.RLock()
	data, ok := b.objects[key]
	b.mu.RUnlock()
	if !ok {
		return nil, 0, storage.NotFound(key)
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	data = data[offset:]
	if length > 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), int64(len(data)), nil
}

// PutObject stores the whole body under key.
func (b *MemoryBackend) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body for %s: %w", key, err)
	}
	b.mu.Lock()
	b.objects[key] = data
	b.mu.Unlock()
	return nil
}

// DeleteObject removes key.
func (b *MemoryBackend) DeleteObject(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.objects, key)
	b.mu.Unlock()
	return nil
}

// CopyObject copies srcKey to dstKey.
func (b *MemoryBackend) CopyObject(_ context.Context, srcKey, dstKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[srcKey]
	if !ok {
		return storage.NotFound(srcKey)
	}
	b.objects[dstKey] = bytes.Clone(data)
	return nil
}

// ObjectExists reports whether key is stored.
func (b *MemoryBackend) ObjectExists(_ context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[key]
	return ok, nil
}

// Len returns the number of stored objects.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}

// Type returns "memory".
func (b *MemoryBackend) Type() string { return "memory" }

// Close is a no-op.
func (b *MemoryBackend) Close() error { return nil }
