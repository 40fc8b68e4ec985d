// Package notify delivers workspace change events to listeners.
package notify

import (
	"context"
	"fmt"

	"github.com/fruitsalade/resources/internal/delta"
	"github.com/fruitsalade/resources/internal/resource"
)

// EventType is a notification phase. Values are bit flags so listeners
// can subscribe to several phases at once.
type EventType int

const (
	PostChange EventType = 1
	PreClose   EventType = 2
	PreDelete  EventType = 4
	PreBuild   EventType = 8
	PostBuild  EventType = 16
	PreRefresh EventType = 32

	AllEvents = PostChange | PreClose | PreDelete | PreBuild | PostBuild | PreRefresh
)

func (t EventType) String() string {
	switch t {
	case PostChange:
		return "POST_CHANGE"
	case PreClose:
		return "PRE_CLOSE"
	case PreDelete:
		return "PRE_DELETE"
	case PreBuild:
		return "PRE_BUILD"
	case PostBuild:
		return "POST_BUILD"
	case PreRefresh:
		return "PRE_REFRESH"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// BuildKind tags build events.
type BuildKind int

const (
	NoBuild          BuildKind = 0
	FullBuild        BuildKind = 6
	AutoBuild        BuildKind = 9
	IncrementalBuild BuildKind = 10
	CleanBuild       BuildKind = 15
)

func (k BuildKind) String() string {
	switch k {
	case FullBuild:
		return "full"
	case AutoBuild:
		return "auto"
	case IncrementalBuild:
		return "incremental"
	case CleanBuild:
		return "clean"
	default:
		return "none"
	}
}

// Event is what listeners receive.
type Event struct {
	Type EventType
	// Source is the workspace root for workspace-wide events, or the
	// project a close, delete, build or refresh is scoped to.
	Source    resource.Path
	Delta     *delta.Node
	BuildKind BuildKind
}

// Listener reacts to workspace events. Returned errors are logged and
// never interrupt dispatch.
type Listener interface {
	ResourceChanged(ctx context.Context, ev *Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev *Event) error

func (f ListenerFunc) ResourceChanged(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}

type phaseKey struct{}

// WithPhase marks ctx as running inside a listener for phase t.
func WithPhase(ctx context.Context, t EventType) context.Context {
	return context.WithValue(ctx, phaseKey{}, t)
}

// PhaseFrom returns the listener phase ctx runs in.
func PhaseFrom(ctx context.Context) (EventType, bool) {
	t, ok := ctx.Value(phaseKey{}).(EventType)
	return t, ok
}

// Locked reports whether mutations are forbidden in phase t.
func Locked(t EventType) bool {
	return t == PostChange || t == PreClose || t == PreDelete
}
