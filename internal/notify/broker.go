package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/delta"
	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/metrics"
	"github.com/fruitsalade/resources/internal/resource"
)

// State is the lifecycle state of a registration.
type State int

const (
	Registered State = iota
	Notified
	Unregistered
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case Notified:
		return "notified"
	default:
		return "unregistered"
	}
}

// Registration binds a listener to the phases and resource kinds it
// wants to hear about.
type Registration struct {
	ID       string
	listener Listener
	mask     EventType
	kinds    resource.Kind

	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (r *Registration) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// begin moves the registration to Notified unless it was removed.
func (r *Registration) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Unregistered {
		return false
	}
	r.state = Notified
	return true
}

func (r *Registration) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Notified {
		r.state = Registered
	}
}

func (r *Registration) wants(ev *Event) bool {
	r.mu.Lock()
	mask, kinds := r.mask, r.kinds
	r.mu.Unlock()
	if mask&ev.Type == 0 {
		return false
	}
	if kinds == 0 || kinds == resource.AnyKind {
		return true
	}
	if ev.Delta == nil {
		kind := resource.Project
		if ev.Source.IsRoot() {
			kind = resource.Root
		}
		return kind.Matches(kinds)
	}
	found := false
	ev.Delta.Accept(func(n *delta.Node) (bool, error) {
		if n.ResourceKind().Matches(kinds) && !(n.Kind() == delta.Changed && n.Flags() == 0) {
			found = true
		}
		return !found, nil
	}, resource.IncludeHidden|resource.IncludeTeamPrivate)
	return found
}

// Registry holds the listener registrations of one workspace.
type Registry struct {
	mu   sync.RWMutex
	regs []*Registration
}

// Add registers l for the phases in mask. A zero kinds mask accepts
// every resource kind. Adding a listener that is already registered
// replaces its masks.
func (g *Registry) Add(l Listener, mask EventType, kinds resource.Kind) *Registration {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.regs {
		if sameListener(r.listener, l) {
			r.mu.Lock()
			r.mask, r.kinds = mask, kinds
			r.mu.Unlock()
			return r
		}
	}
	r := &Registration{
		ID:       ulid.Make().String(),
		listener: l,
		mask:     mask,
		kinds:    kinds,
		state:    Registered,
	}
	g.regs = append(g.regs, r)
	return r
}

// Remove unregisters r. It is a no-op for unknown registrations.
func (g *Registry) Remove(r *Registration) {
	if r == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, cur := range g.regs {
		if cur == r {
			g.regs = append(g.regs[:i:i], g.regs[i+1:]...)
			break
		}
	}
	r.mu.Lock()
	r.state = Unregistered
	r.mu.Unlock()
}

// RemoveListener unregisters every registration of l.
func (g *Registry) RemoveListener(l Listener) {
	g.mu.RLock()
	var found []*Registration
	for _, r := range g.regs {
		if sameListener(r.listener, l) {
			found = append(found, r)
		}
	}
	g.mu.RUnlock()
	for _, r := range found {
		g.Remove(r)
	}
}

// Len returns the number of registrations.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.regs)
}

func (g *Registry) snapshot() []*Registration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Registration, len(g.regs))
	copy(out, g.regs)
	return out
}

// sameListener compares listeners that are comparable. Function
// adapters are not, so each registration of one is distinct.
func sameListener(a, b Listener) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// Broker dispatches events to the listeners of a registry in
// registration order.
type Broker struct {
	Registry
}

// NewBroker returns a broker with no listeners.
func NewBroker() *Broker {
	return &Broker{}
}

// Dispatch delivers ev synchronously to every interested listener.
// Listener failures and panics are isolated: they are logged and
// returned as one aggregated error once all listeners ran.
func (b *Broker) Dispatch(ctx context.Context, ev *Event) error {
	if ev.Delta == nil && (ev.Type == PostChange || ev.Type == PreBuild || ev.Type == PostBuild) {
		ev.Delta = delta.Empty()
	}
	phase := ev.Type.String()
	lctx := WithPhase(ctx, ev.Type)
	errs := resource.NewCollector("notify " + phase)
	for _, r := range b.snapshot() {
		if !r.wants(ev) || !r.begin() {
			continue
		}
		metrics.RecordNotification(phase)
		if err := b.call(lctx, r, ev); err != nil {
			metrics.RecordListenerFailure(phase)
			logging.WithContext(ctx).Error("listener failed",
				zap.String("listener", r.ID),
				zap.String("phase", phase),
				zap.Error(err))
			errs.Add(err)
		}
		r.end()
	}
	return errs.Err()
}

func (b *Broker) call(ctx context.Context, r *Registration, ev *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener %s panicked: %v", r.ID, p)
		}
	}()
	return r.listener.ResourceChanged(ctx, ev)
}
