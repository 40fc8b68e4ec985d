package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/fruitsalade/resources/internal/delta"
	"github.com/fruitsalade/resources/internal/resource"
)

type recorder struct {
	events []EventType
	phases []EventType
	err    error
}

func (r *recorder) ResourceChanged(ctx context.Context, ev *Event) error {
	r.events = append(r.events, ev.Type)
	if p, ok := PhaseFrom(ctx); ok {
		r.phases = append(r.phases, p)
	}
	return r.err
}

func fileDelta() *delta.Node {
	return delta.Build([]delta.Entry{{Path: "/P1/a.txt", Kind: delta.Added, ResourceKind: resource.File}})
}

func TestBroker_DispatchRespectsMask(t *testing.T) {
	b := NewBroker()
	post := &recorder{}
	build := &recorder{}
	b.Add(post, PostChange, 0)
	b.Add(build, PreBuild|PostBuild, 0)

	ctx := context.Background()
	for _, typ := range []EventType{PreBuild, PostBuild, PostChange} {
		if err := b.Dispatch(ctx, &Event{Type: typ, Source: resource.RootPath, Delta: fileDelta()}); err != nil {
			t.Fatalf("Dispatch(%v): %v", typ, err)
		}
	}

	if len(post.events) != 1 || post.events[0] != PostChange {
		t.Errorf("post-change listener got %v", post.events)
	}
	if len(build.events) != 2 || build.events[0] != PreBuild || build.events[1] != PostBuild {
		t.Errorf("build listener got %v", build.events)
	}
	if len(post.phases) != 1 || post.phases[0] != PostChange {
		t.Errorf("listener context not marked with its phase: %v", post.phases)
	}
}

func TestBroker_FailingListenerIsIsolated(t *testing.T) {
	b := NewBroker()
	failing := &recorder{err: errors.New("boom")}
	panicking := ListenerFunc(func(context.Context, *Event) error { panic("bad listener") })
	after := &recorder{}
	b.Add(failing, PostChange, 0)
	b.Add(panicking, PostChange, 0)
	b.Add(after, PostChange, 0)

	err := b.Dispatch(context.Background(), &Event{Type: PostChange, Source: resource.RootPath, Delta: fileDelta()})
	if err == nil {
		t.Fatal("expected an aggregated error")
	}
	var status *resource.Status
	if !errors.As(err, &status) || len(status.Failures()) != 2 {
		t.Errorf("expected 2 failures, got %v", err)
	}
	if len(after.events) != 1 {
		t.Error("listener after the failing ones was not notified")
	}
}

func TestRegistry_Lifecycle(t *testing.T) {
	b := NewBroker()
	rec := &recorder{}
	var reg *Registration
	reg = b.Add(ListenerFunc(func(ctx context.Context, ev *Event) error {
		if reg.State() != Notified {
			t.Errorf("state during callback = %v, want notified", reg.State())
		}
		return nil
	}), PostChange, 0)
	b.Add(rec, PostChange, 0)

	if reg.State() != Registered {
		t.Fatalf("new registration state = %v", reg.State())
	}
	b.Dispatch(context.Background(), &Event{Type: PostChange, Source: resource.RootPath})
	if reg.State() != Registered {
		t.Errorf("state after dispatch = %v, want registered", reg.State())
	}

	b.Remove(reg)
	if reg.State() != Unregistered {
		t.Errorf("state after remove = %v", reg.State())
	}
	b.RemoveListener(rec)
	if b.Len() != 0 {
		t.Errorf("expected no registrations, got %d", b.Len())
	}
	if again := b.Add(rec, PostChange, 0); again == reg {
		t.Error("re-adding returned a dead registration")
	}
}

func TestRegistry_AddTwiceUpdatesMask(t *testing.T) {
	b := NewBroker()
	rec := &recorder{}
	first := b.Add(rec, PostChange, 0)
	second := b.Add(rec, PreBuild, 0)
	if first != second || b.Len() != 1 {
		t.Fatalf("expected a single registration, got %d", b.Len())
	}
	b.Dispatch(context.Background(), &Event{Type: PostChange, Source: resource.RootPath})
	if len(rec.events) != 0 {
		t.Error("old mask still in effect")
	}
}

func TestBroker_KindMask(t *testing.T) {
	b := NewBroker()
	projects := &recorder{}
	files := &recorder{}
	b.Add(projects, PostChange|PreClose, resource.Project)
	b.Add(files, PostChange, resource.File)

	ctx := context.Background()
	b.Dispatch(ctx, &Event{Type: PostChange, Source: resource.RootPath, Delta: fileDelta()})
	b.Dispatch(ctx, &Event{Type: PreClose, Source: "/P1"})

	if len(files.events) != 1 {
		t.Errorf("file listener got %v", files.events)
	}
	if len(projects.events) != 1 || projects.events[0] != PreClose {
		t.Errorf("project listener got %v", projects.events)
	}
}

func TestLocked(t *testing.T) {
	for typ, want := range map[EventType]bool{
		PostChange: true, PreClose: true, PreDelete: true,
		PreBuild: false, PostBuild: false, PreRefresh: false,
	} {
		if got := Locked(typ); got != want {
			t.Errorf("Locked(%v) = %v, want %v", typ, got, want)
		}
	}
}
