// Package local stores content objects as files below a directory.
//
// Object keys map to slash-separated relative paths. With Compress set,
// objects are written zstd-compressed under the key plus ".zst"; reads
// accept both forms so a store can switch modes without migration.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/fruitsalade/resources/internal/storage"
)

const compressedSuffix = ".zst"

// Config holds local backend settings.
type Config struct {
	RootPath   string `yaml:"root_path" json:"root_path"`
	CreateDirs bool   `yaml:"create_dirs" json:"create_dirs"`
	// Compress writes new objects zstd-compressed.
	Compress bool `yaml:"compress" json:"compress"`
}

// Backend implements storage.Backend on the local file system.
type Backend struct {
	root     string
	compress bool
}

// New opens the object directory at cfg.RootPath, creating it when
// CreateDirs is set.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	info, err := os.Stat(cfg.RootPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) && cfg.CreateDirs:
		if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
			return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
	case !info.IsDir():
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}
	return &Backend{root: cfg.RootPath, compress: cfg.Compress}, nil
}

// file returns the file of key. Keys must be relative and stay
// inside the root.
func (b *Backend) file(key string) (string, error) {
	clean := path.Clean(key)
	if key == "" || path.IsAbs(key) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(b.root, filepath.FromSlash(clean)), nil
}

// open returns the stored object of key and whether it is compressed.
func (b *Backend) open(key string) (*os.File, bool, error) {
	name, err := b.file(key)
	if err != nil {
		return nil, false, err
	}
	for _, compressed := range []bool{b.compress, !b.compress} {
		candidate := name
		if compressed {
			candidate += compressedSuffix
		}
		f, err := os.Open(candidate)
		if err == nil {
			return f, compressed, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("open %s: %w", key, err)
		}
	}
	return nil, false, storage.NotFound(key)
}

// GetObject reads length bytes of key starting at offset. A length of
// zero reads to the end.
func (b *Backend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	f, compressed, err := b.open(key)
	if err != nil {
		return nil, 0, err
	}
	if compressed {
		return readCompressed(f, key, offset, length)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	size := max(info.Size()-offset, 0)
	if length > 0 {
		size = min(size, length)
	}
	return &sectionReadCloser{Reader: io.NewSectionReader(f, offset, size), Closer: f}, size, nil
}

func readCompressed(f *os.File, key string, offset, length int64) (io.ReadCloser, int64, error) {
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	offset = min(offset, int64(len(data)))
	data = data[offset:]
	if length > 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// PutObject replaces the object of key. The previous object stays
// readable until the new one is complete.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	name, err := b.file(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}
	if err := b.write(name, body); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// write stores body at name in the configured form and removes the
// object's other form.
func (b *Backend) write(name string, body io.Reader) error {
	target, stale := name, name+compressedSuffix
	if b.compress {
		target, stale = stale, target
	}
	tmp, err := os.CreateTemp(filepath.Dir(name), ".resources-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var w io.WriteCloser = tmp
	if b.compress {
		if w, err = zstd.NewWriter(tmp); err != nil {
			tmp.Close()
			return err
		}
	}
	if _, err := io.Copy(w, body); err != nil {
		tmp.Close()
		return err
	}
	if b.compress {
		if err := w.Close(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return err
	}
	if err := os.Remove(stale); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// DeleteObject removes key in either form. Missing keys are not an error.
func (b *Backend) DeleteObject(_ context.Context, key string) error {
	name, err := b.file(key)
	if err != nil {
		return err
	}
	for _, candidate := range []string{name, name + compressedSuffix} {
		if err := os.Remove(candidate); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// CopyObject copies srcKey to dstKey, decoding and re-encoding as
// needed.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	rc, size, err := b.GetObject(ctx, srcKey, 0, 0)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := b.PutObject(ctx, dstKey, rc, size); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// ObjectExists reports whether key is stored in either form.
func (b *Backend) ObjectExists(_ context.Context, key string) (bool, error) {
	f, _, err := b.open(key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	f.Close()
	return true, nil
}

func (b *Backend) Type() string { return "local" }

func (b *Backend) Close() error { return nil }

type sectionReadCloser struct {
	io.Reader
	io.Closer
}
