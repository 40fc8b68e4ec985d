package localfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fruitsalade/resources/internal/resource"
)

func TestFileSystem_WriteStatList(t *testing.T) {
	var fsys FileSystem
	root := filepath.ToSlash(t.TempDir())

	if err := fsys.Mkdir(root + "/dir"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	stamp, err := fsys.Write(root+"/b1.txt", []byte("hi"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := fsys.Write(root+"/B2.txt", nil); err != nil {
		t.Fatalf("Write: %v", err)
	}

	e, ok, err := fsys.Stat(root + "/b1.txt")
	if err != nil || !ok {
		t.Fatalf("Stat = %v, %v", ok, err)
	}
	if e.Kind != resource.File || e.Stamp != stamp || e.Size != 2 {
		t.Errorf("unexpected entry %+v (stamp %d)", e, stamp)
	}

	entries, err := fsys.List(root)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{"B2.txt", "b1.txt", "dir"}
	if len(names) != len(want) {
		t.Fatalf("List = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, names[i], want[i])
		}
	}
	if entries[2].Kind != resource.Folder {
		t.Errorf("dir kind = %v", entries[2].Kind)
	}
}

func TestFileSystem_Missing(t *testing.T) {
	var fsys FileSystem
	root := filepath.ToSlash(t.TempDir())

	if _, ok, err := fsys.Stat(root + "/none"); ok || err != nil {
		t.Errorf("Stat missing = %v, %v", ok, err)
	}
	if entries, err := fsys.List(root + "/none"); err != nil || len(entries) != 0 {
		t.Errorf("List missing = %v, %v", entries, err)
	}
	if _, err := fsys.Read(root + "/none"); !errors.Is(err, resource.ErrLocalMissing) {
		t.Errorf("Read missing: expected ErrLocalMissing, got %v", err)
	}
	if err := fsys.Remove(root + "/none"); err != nil {
		t.Errorf("Remove missing: %v", err)
	}
}

func TestFileSystem_Rename(t *testing.T) {
	var fsys FileSystem
	root := filepath.ToSlash(t.TempDir())
	if _, err := fsys.Write(root+"/a.txt", []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fsys.Rename(root+"/a.txt", root+"/sub/b.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	data, err := fsys.Read(root + "/sub/b.txt")
	if err != nil || string(data) != "x" {
		t.Errorf("Read after rename = %q, %v", data, err)
	}
}

func TestWatcher_PollReportsChanges(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "keep.txt"), []byte("1"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "gone.txt"), []byte("1"), 0644); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(time.Hour)
	w.Add(filepath.ToSlash(root))
	ch := w.Subscribe()
	defer w.Unsubscribe(ch)

	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("1"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, "gone.txt")); err != nil {
		t.Fatal(err)
	}
	w.Poll()

	got := make(map[string]string)
	for len(ch) > 0 {
		ev := <-ch
		got[filepath.Base(ev.Location)] = ev.Type
	}
	if got["new.txt"] != EventCreate {
		t.Errorf("new.txt: got %q", got["new.txt"])
	}
	if got["gone.txt"] != EventDelete {
		t.Errorf("gone.txt: got %q", got["gone.txt"])
	}
	if _, ok := got["keep.txt"]; ok {
		t.Errorf("unchanged file reported: %v", got)
	}
}
