// Package rules implements scheduling rules: path-shaped tokens that
// keep conflicting operations from running at the same time.
package rules

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/fruitsalade/resources/internal/resource"
)

// Rule is a mutual-exclusion token.
type Rule interface {
	// Contains reports whether every resource guarded by o is also
	// guarded by the rule.
	Contains(o Rule) bool
	// Conflicts reports whether the rule and o may not be held by two
	// operations at once.
	Conflicts(o Rule) bool
	String() string
}

// PathRule guards a resource and its whole subtree.
type PathRule resource.Path

// Root guards the whole workspace.
const Root = PathRule(resource.RootPath)

// Path builds the rule of p.
func Path(p resource.Path) PathRule { return PathRule(p) }

func (r PathRule) Contains(o Rule) bool {
	switch o := o.(type) {
	case PathRule:
		return resource.Path(r).IsPrefixOf(resource.Path(o))
	case MultiRule:
		for _, c := range o {
			if !r.Contains(c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (r PathRule) Conflicts(o Rule) bool {
	switch o := o.(type) {
	case PathRule:
		a, b := resource.Path(r), resource.Path(o)
		return a.IsPrefixOf(b) || b.IsPrefixOf(a)
	case MultiRule:
		return o.Conflicts(r)
	default:
		return o != nil && o.Conflicts(r)
	}
}

func (r PathRule) String() string { return string(r) }

// MultiRule guards the union of its members.
type MultiRule []Rule

// Combine merges rules into one, dropping nils and members contained in
// another member. It returns nil when nothing is left.
func Combine(rs ...Rule) Rule {
	var flat []Rule
	for _, r := range rs {
		switch r := r.(type) {
		case nil:
		case MultiRule:
			flat = append(flat, r...)
		default:
			flat = append(flat, r)
		}
	}
	var out MultiRule
	for i, r := range flat {
		redundant := false
		for j, o := range flat {
			if i != j && o.Contains(r) && (!r.Contains(o) || j < i) {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, r)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
		return out
	}
}

func (m MultiRule) Contains(o Rule) bool {
	if om, ok := o.(MultiRule); ok {
		for _, c := range om {
			if !m.Contains(c) {
				return false
			}
		}
		return true
	}
	for _, r := range m {
		if r.Contains(o) {
			return true
		}
	}
	return false
}

func (m MultiRule) Conflicts(o Rule) bool {
	for _, r := range m {
		if r.Conflicts(o) {
			return true
		}
	}
	return false
}

func (m MultiRule) String() string {
	parts := make([]string, len(m))
	for i, r := range m {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Manager hands out rules to operations. Acquire blocks while a
// conflicting rule is held.
type Manager struct {
	mu     sync.Mutex
	active map[*hold]struct{}
	wake   chan struct{}
}

type hold struct {
	rule Rule
	once sync.Once
}

// NewManager returns a manager with no rule held.
func NewManager() *Manager {
	return &Manager{
		active: make(map[*hold]struct{}),
		wake:   make(chan struct{}),
	}
}

// Acquire waits until r conflicts with no held rule, then holds it. The
// returned function releases the rule; calling it more than once is
// harmless.
func (m *Manager) Acquire(ctx context.Context, r Rule) (func(), error) {
	for {
		m.mu.Lock()
		if !m.conflictsLocked(r) {
			h := &hold{rule: r}
			m.active[h] = struct{}{}
			m.mu.Unlock()
			return func() { h.once.Do(func() { m.release(h) }) }, nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, resource.Canceled(ctx.Err())
		case <-wake:
		}
	}
}

// TryAcquire holds r if that is possible without waiting.
func (m *Manager) TryAcquire(r Rule) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictsLocked(r) {
		return nil, false
	}
	h := &hold{rule: r}
	m.active[h] = struct{}{}
	return func() { h.once.Do(func() { m.release(h) }) }, true
}

// Held returns the number of rules currently held.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) conflictsLocked(r Rule) bool {
	for h := range m.active {
		if h.rule.Conflicts(r) {
			return true
		}
	}
	return false
}

func (m *Manager) release(h *hold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, h)
	close(m.wake)
	m.wake = make(chan struct{})
}
