package tree

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fruitsalade/resources/internal/resource"
)

func mustCreate(t *testing.T, s *Store, p string, kind resource.Kind) *Snapshot {
	t.Helper()
	snap, err := s.Create(resource.MustPath(p), kind, resource.NewInfo())
	if err != nil {
		t.Fatalf("Create(%s): %v", p, err)
	}
	return snap
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(Options{})
	mustCreate(t, s, "/P1", resource.Project)
	mustCreate(t, s, "/P1/folder", resource.Folder)
	mustCreate(t, s, "/P1/folder/a.txt", resource.File)
	return s
}

func TestStore_CreateAndLookup(t *testing.T) {
	s := newTestStore(t)

	n, ok := s.Lookup("/P1/folder/a.txt")
	if !ok {
		t.Fatal("expected /P1/folder/a.txt to exist")
	}
	if n.Kind() != resource.File {
		t.Errorf("expected file kind, got %v", n.Kind())
	}
	if n.Identity() == resource.NoIdentity {
		t.Error("expected an assigned identity")
	}
	if _, ok := s.Lookup("/P1/missing"); ok {
		t.Error("unexpected lookup hit for /P1/missing")
	}
}

func TestStore_CreateErrors(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Create("/P1/folder", resource.Folder, nil)
	if !errors.Is(err, resource.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	_, err = s.Create("/P2/x", resource.Folder, nil)
	if !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing parent, got %v", err)
	}
	_, err = s.Create("/P1/folder/a.txt/x", resource.File, nil)
	if !errors.Is(err, resource.ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind under a file, got %v", err)
	}
	_, err = s.Delete("/P1/nope")
	if !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("expected ErrNotFound on delete, got %v", err)
	}
	_, err = s.SetInfo("/P1/nope", resource.NewInfo())
	if !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("expected ErrNotFound on set info, got %v", err)
	}
	_, err = s.Move("/P1/nope", "/P1/other")
	if !errors.Is(err, resource.ErrNotFound) {
		t.Errorf("expected ErrNotFound on move, got %v", err)
	}
}

func TestStore_OldSnapshotUntouched(t *testing.T) {
	s := newTestStore(t)
	before := s.Current()

	if _, err := s.Delete("/P1/folder"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	info := resource.NewInfo()
	info.Charset = "UTF-8"
	if _, err := s.SetInfo("/P1", info); err != nil {
		t.Fatalf("SetInfo: %v", err)
	}

	if !before.Exists("/P1/folder/a.txt") {
		t.Error("old snapshot lost /P1/folder/a.txt")
	}
	if n, _ := before.Lookup("/P1"); n.Info().Charset != "" {
		t.Error("old snapshot sees the new payload")
	}
	if s.Current().Exists("/P1/folder") {
		t.Error("current snapshot still has /P1/folder")
	}
	if s.Current().Generation() <= before.Generation() {
		t.Error("generation should advance")
	}
}

func TestStore_MovePreservesIdentity(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "/P2", resource.Project)
	before := s.Current()
	id, _ := before.IdentityOf("/P1/folder/a.txt")
	folderID, _ := before.IdentityOf("/P1/folder")

	after, err := s.Move("/P1/folder", "/P2/renamed")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	got, ok := after.IdentityOf("/P2/renamed/a.txt")
	if !ok || got != id {
		t.Errorf("moved file identity = %v, want %v", got, id)
	}
	if got, _ := after.IdentityOf("/P2/renamed"); got != folderID {
		t.Errorf("moved folder identity = %v, want %v", got, folderID)
	}
	if after.Exists("/P1/folder") {
		t.Error("source still exists after move")
	}
}

func TestStore_MoveCostIndependentOfSubtreeSize(t *testing.T) {
	s := NewStore(Options{})
	mustCreate(t, s, "/P1", resource.Project)
	mustCreate(t, s, "/P1/big", resource.Folder)
	for i := 0; i < 200; i++ {
		mustCreate(t, s, fmt.Sprintf("/P1/big/f%03d", i), resource.File)
	}
	sizeBefore := s.ArenaSize()
	if _, err := s.Move("/P1/big", "/P1/moved"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if grown := s.ArenaSize() - sizeBefore; grown > 6 {
		t.Errorf("move allocated %d nodes, expected only the two rebuilt paths", grown)
	}
	if s.Current().Count() != 203 {
		t.Errorf("expected 203 nodes, got %d", s.Current().Count())
	}
}

func TestStore_CopyShallowAndDeep(t *testing.T) {
	s := newTestStore(t)
	src, _ := s.Current().IdentityOf("/P1/folder/a.txt")

	if _, err := s.Copy("/P1/folder", "/P1/shallow", false); err != nil {
		t.Fatalf("shallow Copy: %v", err)
	}
	if got, _ := s.Current().IdentityOf("/P1/shallow/a.txt"); got != src {
		t.Errorf("shallow copy identity = %v, want %v", got, src)
	}

	if _, err := s.Copy("/P1/folder", "/P1/deep", true); err != nil {
		t.Fatalf("deep Copy: %v", err)
	}
	got, ok := s.Current().IdentityOf("/P1/deep/a.txt")
	if !ok || got == src {
		t.Errorf("deep copy should assign a new identity, got %v", got)
	}
	if !s.Current().Exists("/P1/folder/a.txt") {
		t.Error("copy removed the source")
	}
}

func TestStore_RecreateGetsNewIdentity(t *testing.T) {
	s := newTestStore(t)
	old, _ := s.Current().IdentityOf("/P1/folder/a.txt")
	if _, err := s.Delete("/P1/folder/a.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	mustCreate(t, s, "/P1/folder/a.txt", resource.File)
	if got, _ := s.Current().IdentityOf("/P1/folder/a.txt"); got == old {
		t.Error("recreated resource reused its identity")
	}
}

func TestSnapshot_WalkOrderIsByteWise(t *testing.T) {
	s := NewStore(Options{})
	mustCreate(t, s, "/P1", resource.Project)
	for _, name := range []string{"b1.txt", "B2.txt", "a", ".project", "Z"} {
		mustCreate(t, s, "/P1/"+name, resource.File)
	}

	var got []string
	s.Current().Walk("/P1", resource.DepthOne, func(p resource.Path, n Node) bool {
		if p != "/P1" {
			got = append(got, p.Name())
		}
		return true
	})
	want := []string{".project", "B2.txt", "Z", "a", "b1.txt"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("walk order mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_CollapseIsTransparent(t *testing.T) {
	s := NewStore(Options{CollapseThreshold: 3})
	mustCreate(t, s, "/P1", resource.Project)
	mustCreate(t, s, "/P1/a", resource.Folder)
	mustCreate(t, s, "/P1/a/x", resource.File)
	if _, err := s.Delete("/P1/a/x"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	before := s.Current()
	wantRecords := Records(before)

	if !s.MaybeCollapse() {
		t.Fatal("expected a collapse past the threshold")
	}
	if s.Collapses() != 1 {
		t.Errorf("expected 1 collapse, got %d", s.Collapses())
	}
	if diff := cmp.Diff(wantRecords, Records(s.Current())); diff != "" {
		t.Errorf("collapse changed content (-want +got):\n%s", diff)
	}
	if s.ArenaSize() != before.Count() {
		t.Errorf("collapsed arena holds %d nodes, want %d", s.ArenaSize(), before.Count())
	}
	if !before.Exists("/P1/a") {
		t.Error("pre-collapse snapshot became unreadable")
	}
	if s.MaybeCollapse() {
		t.Error("collapse should reset the mutation counter")
	}
}

func TestRestoreStore(t *testing.T) {
	s := newTestStore(t)
	records := Records(s.Current())

	restored, err := RestoreStore(records, Options{})
	if err != nil {
		t.Fatalf("RestoreStore: %v", err)
	}
	if diff := cmp.Diff(records, Records(restored.Current())); diff != "" {
		t.Errorf("restored tree differs (-want +got):\n%s", diff)
	}
	next := restored.Identities().Next()
	for _, r := range records {
		if r.Identity >= next {
			t.Errorf("identity %d would be reused", r.Identity)
		}
	}

	if _, err := RestoreStore(records[1:], Options{}); err == nil {
		t.Error("expected an error without the root record")
	}
}
