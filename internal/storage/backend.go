// Package storage holds file content outside the resource tree.
//
// Content is addressed by the creation identity of the file it belongs
// to, so a move keeps its content without copying bytes. Backends deal
// only in opaque object keys.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrObjectNotFound is returned by backends for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// Backend is the interface for content storage backends.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Missing keys are not an error.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies an object from srcKey to dstKey.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("memory", "local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// NotFound wraps ErrObjectNotFound with the key.
func NotFound(key string) error {
	return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
}
