// Package localfs reads and writes the local file system on behalf of the
// workspace. Locations are slash-separated absolute paths.
package localfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/fruitsalade/resources/internal/resource"
)

// Entry describes one file system object.
type Entry struct {
	Name string
	Kind resource.Kind
	// Stamp is the modification time in nanoseconds.
	Stamp int64
	Size  int64
}

// FileSystem accesses the real file system.
type FileSystem struct{}

func osPath(location string) string {
	return filepath.FromSlash(location)
}

func entryOf(info fs.FileInfo) Entry {
	e := Entry{Name: info.Name(), Kind: resource.File, Stamp: info.ModTime().UnixNano(), Size: info.Size()}
	if info.IsDir() {
		e.Kind = resource.Folder
		e.Size = 0
	}
	return e
}

// Stat reports location, and false when it does not exist.
func (FileSystem) Stat(location string) (Entry, bool, error) {
	info, err := os.Stat(osPath(location))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("stat %s: %w", location, err)
	}
	return entryOf(info), true, nil
}

// List returns the members of a directory in byte-wise name order. A
// missing directory has no members.
func (FileSystem) List(location string) ([]Entry, error) {
	dirents, err := os.ReadDir(osPath(location))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", location, err)
	}
	out := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		out = append(out, entryOf(info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Read returns the content of a file.
func (FileSystem) Read(location string) ([]byte, error) {
	data, err := os.ReadFile(osPath(location))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", resource.ErrLocalMissing, location)
		}
		return nil, fmt.Errorf("read %s: %w", location, err)
	}
	return data, nil
}

// Write replaces the content of a file through a temp file and returns
// the new stamp. The parent directory must exist.
func (FileSystem) Write(location string, data []byte) (int64, error) {
	path := osPath(location)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".resources-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", location, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, fmt.Errorf("write %s: %w", location, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("write %s: %w", location, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("write %s: %w", location, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", location, err)
	}
	return info.ModTime().UnixNano(), nil
}

// Mkdir creates a directory and its parents.
func (FileSystem) Mkdir(location string) error {
	if err := os.MkdirAll(osPath(location), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", location, err)
	}
	return nil
}

// Remove deletes location and everything below it. A missing location
// is not an error.
func (FileSystem) Remove(location string) error {
	if err := os.RemoveAll(osPath(location)); err != nil {
		return fmt.Errorf("remove %s: %w", location, err)
	}
	return nil
}

// Rename moves src to dst, creating the parent of dst.
func (FileSystem) Rename(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(osPath(dst)), 0755); err != nil {
		return fmt.Errorf("rename %s: %w", src, err)
	}
	if err := os.Rename(osPath(src), osPath(dst)); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", src, dst, err)
	}
	return nil
}
