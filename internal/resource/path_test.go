package resource

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		in      string
		want    Path
		wantErr bool
	}{
		{"/", RootPath, false},
		{"/P1//f.txt", "/P1/f.txt", false},
		{"/P1/a/../b", "/P1/b", false},
		{"relative", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePath(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPath) {
				t.Errorf("ParsePath(%q): expected ErrInvalidPath, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParsePath(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParsePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPath_Navigation(t *testing.T) {
	p := MustPath("/P1/folder/file.txt")
	if p.Name() != "file.txt" {
		t.Errorf("Name = %q", p.Name())
	}
	if p.Parent() != "/P1/folder" {
		t.Errorf("Parent = %q", p.Parent())
	}
	if p.Depth() != 3 {
		t.Errorf("Depth = %d", p.Depth())
	}
	if p.Project() != "/P1" {
		t.Errorf("Project = %q", p.Project())
	}
	if RootPath.Parent() != RootPath {
		t.Error("parent of root should be root")
	}
	if diff := cmp.Diff([]Path{"/", "/P1", "/P1/folder", "/P1/folder/file.txt"}, p.Lineage()); diff != "" {
		t.Errorf("Lineage mismatch (-want +got):\n%s", diff)
	}
}

func TestPath_IsPrefixOf(t *testing.T) {
	if !MustPath("/P1").IsPrefixOf("/P1/a") {
		t.Error("/P1 should prefix /P1/a")
	}
	if MustPath("/P1").IsPrefixOf("/P10") {
		t.Error("/P1 must not prefix /P10")
	}
	if !RootPath.IsPrefixOf("/anything") {
		t.Error("root prefixes everything")
	}
	rel, ok := MustPath("/P1").Rel("/P1/a/b")
	if !ok || rel != "a/b" {
		t.Errorf("Rel = %q, %v", rel, ok)
	}
	if got := MustPath("/P1/a/b").Rebase("/P1/a", "/P2/c"); got != "/P2/c/b" {
		t.Errorf("Rebase = %q", got)
	}
}

func TestCollector_Aggregates(t *testing.T) {
	c := NewCollector("delete")
	if c.Err() != nil {
		t.Fatal("empty collector should report nil")
	}
	c.Add(NewError("delete", "/P1/a", ErrOutOfSync))
	c.Add(nil)
	c.Add(NewError("delete", "/P1/b", ErrNotFound))

	err := c.Err()
	var status *Status
	if !errors.As(err, &status) {
		t.Fatalf("expected *Status, got %T", err)
	}
	if len(status.Failures()) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(status.Failures()))
	}
	if !errors.Is(err, ErrOutOfSync) || !errors.Is(err, ErrNotFound) {
		t.Error("status should match both failure kinds")
	}
	var re *ResourceError
	if !errors.As(err, &re) || re.Path != "/P1/a" {
		t.Errorf("expected first resource error for /P1/a, got %v", re)
	}
}

func TestCanceled_WrapsContextError(t *testing.T) {
	cause := fmt.Errorf("context canceled")
	err := Canceled(cause)
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, cause) {
		t.Errorf("Canceled should wrap both, got %v", err)
	}
	if Canceled(err) != err {
		t.Error("Canceled should not double wrap")
	}
}
