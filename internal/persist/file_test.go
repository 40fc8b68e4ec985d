package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/tree"
)

func TestFilePersister_MissingState(t *testing.T) {
	p, err := NewFilePersister(filepath.Join(t.TempDir(), "meta", "state.bin"))
	if err != nil {
		t.Fatalf("NewFilePersister: %v", err)
	}
	if _, err := p.Load(context.Background()); !errors.Is(err, ErrNoState) {
		t.Errorf("expected ErrNoState, got %v", err)
	}
}

func TestFilePersister_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := tree.NewStore(tree.Options{})
	info := resource.NewInfo()
	info.Charset = "ISO-8859-1"
	info.Markers = []resource.Marker{{ID: 3, Type: "problem", Attributes: map[string]string{"line": "4"}}}
	if _, err := s.Create(resource.MustPath("/P"), resource.Project, info); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create(resource.MustPath("/P/a.txt"), resource.File, resource.NewInfo()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := &State{
		Nodes:  tree.Records(s.Current()),
		Links:  map[resource.Path]string{"/P": "/ws/P"},
		NextID: s.Identities().Peek(),
		Stamp:  42,
		Marker: 3,
	}

	dir := t.TempDir()
	p, err := NewFilePersister(filepath.Join(dir, "state.bin"))
	if err != nil {
		t.Fatalf("NewFilePersister: %v", err)
	}
	if err := p.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the state file, found %d entries", len(entries))
	}
}
