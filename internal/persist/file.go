package persist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/fruitsalade/resources/internal/metrics"
)

// FilePersister keeps the state in a single zstd-compressed CBOR file.
type FilePersister struct {
	path string
}

// NewFilePersister stores the state at path, creating its directory.
func NewFilePersister(path string) (*FilePersister, error) {
	if path == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FilePersister{path: path}, nil
}

// Path returns the state file location.
func (p *FilePersister) Path() string { return p.path }

// Load reads the state file. A missing file yields ErrNoState.
func (p *FilePersister) Load(_ context.Context) (*State, error) {
	f, err := os.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("open state: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open state decoder: %w", err)
	}
	defer zr.Close()

	var st State
	if err := cbor.NewDecoder(zr).Decode(&st); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// Save replaces the state file atomically.
func (p *FilePersister) Save(_ context.Context, st *State) error {
	start := time.Now()
	defer func() { metrics.RecordSave(p.Type(), time.Since(start)) }()

	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".resources-state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		return fail(fmt.Errorf("open state encoder: %w", err))
	}
	if err := cbor.NewEncoder(zw).Encode(st); err != nil {
		zw.Close()
		return fail(fmt.Errorf("encode state: %w", err))
	}
	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("flush state: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync state: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Type returns "file".
func (p *FilePersister) Type() string { return "file" }

// Close is a no-op.
func (p *FilePersister) Close() error { return nil }
