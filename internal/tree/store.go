// Package tree implements the copy-on-write resource tree.
//
// Nodes live in an append-only arena and are addressed by small integer
// handles. Every mutation rebuilds only the nodes on the path from the
// root to the mutated node; everything else is shared with the previous
// snapshot. Moving a subtree relinks its handle under the new parent, so
// its cost depends on the depth of the two paths and not on the size of
// the subtree.
package tree

import (
	"fmt"
	"sync"

	"github.com/fruitsalade/resources/internal/resource"
)

// DefaultCollapseThreshold is the number of mutations after which
// MaybeCollapse rebuilds the arena.
const DefaultCollapseThreshold = 512

// Options configures a Store.
type Options struct {
	CollapseThreshold int
	Identities        *IdentityTable
}

// Store owns every node of every live snapshot and publishes the current
// one. Mutations are serialized; reads of any snapshot need no locking.
type Store struct {
	mu            sync.Mutex
	arena         *arena
	current       *Snapshot
	ids           *IdentityTable
	gen           uint64
	sinceCollapse int
	threshold     int
	collapses     int
}

// NewStore returns a store holding only the workspace root.
func NewStore(opts Options) *Store {
	s := newStore(opts)
	root := s.arena.alloc(node{id: s.ids.Next(), kind: resource.Root, info: resource.NewInfo()})
	s.current = &Snapshot{arena: s.arena, root: root}
	return s
}

func newStore(opts Options) *Store {
	if opts.CollapseThreshold <= 0 {
		opts.CollapseThreshold = DefaultCollapseThreshold
	}
	if opts.Identities == nil {
		opts.Identities = NewIdentityTable()
	}
	return &Store{
		arena:     newArena(0),
		ids:       opts.Identities,
		threshold: opts.CollapseThreshold,
	}
}

// Current returns the latest snapshot.
func (s *Store) Current() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Identities returns the identity table used for new nodes.
func (s *Store) Identities() *IdentityTable {
	return s.ids
}

// Lookup resolves p in the current snapshot.
func (s *Store) Lookup(p resource.Path) (Node, bool) {
	return s.Current().Lookup(p)
}

// Collapses returns how many times the arena was rebuilt.
func (s *Store) Collapses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collapses
}

// Create adds a node at p with a fresh identity.
func (s *Store) Create(p resource.Path, kind resource.Kind, info *resource.ElementInfo) (*Snapshot, error) {
	return s.CreateWithIdentity(p, kind, info, resource.NoIdentity)
}

// CreateWithIdentity adds a node at p carrying id, or a fresh identity
// when id is NoIdentity.
func (s *Store) CreateWithIdentity(p resource.Path, kind resource.Kind, info *resource.ElementInfo, id resource.Identity) (*Snapshot, error) {
	if p.IsRoot() {
		return nil, resource.NewError("create", p, resource.ErrAlreadyExists)
	}
	if info == nil {
		info = resource.NewInfo()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkParent("create", p); err != nil {
		return nil, err
	}
	root, err := s.apply(s.current.root, p.Segments(), func(cur Handle) (Handle, error) {
		if cur != 0 {
			return 0, resource.NewError("create", p, resource.ErrAlreadyExists)
		}
		if id == resource.NoIdentity {
			id = s.ids.Next()
		}
		return s.arena.alloc(node{id: id, kind: kind, info: info}), nil
	})
	if err != nil {
		return nil, err
	}
	return s.publish(root), nil
}

// Delete drops the node at p and its whole subtree.
func (s *Store) Delete(p resource.Path) (*Snapshot, error) {
	if p.IsRoot() {
		return nil, resource.Errorf("delete", p, resource.ErrInvalidOperation, "the root cannot be deleted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.resolve(p) == 0 {
		return nil, resource.NewError("delete", p, resource.ErrNotFound)
	}
	root, err := s.apply(s.current.root, p.Segments(), func(Handle) (Handle, error) { return 0, nil })
	if err != nil {
		return nil, err
	}
	return s.publish(root), nil
}

// SetInfo replaces the payload of the node at p. The node keeps its
// identity, kind and members.
func (s *Store) SetInfo(p resource.Path, info *resource.ElementInfo) (*Snapshot, error) {
	return s.replace("set info", p, func(n *node) node {
		return node{id: n.id, kind: n.kind, info: info, children: n.children}
	})
}

// SetKind changes the kind of the node at p, keeping its identity.
func (s *Store) SetKind(p resource.Path, kind resource.Kind) (*Snapshot, error) {
	return s.replace("set kind", p, func(n *node) node {
		return node{id: n.id, kind: kind, info: n.info, children: n.children}
	})
}

func (s *Store) replace(op string, p resource.Path, fn func(*node) node) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.resolve(p) == 0 {
		return nil, resource.NewError(op, p, resource.ErrNotFound)
	}
	root, err := s.apply(s.current.root, p.Segments(), func(cur Handle) (Handle, error) {
		return s.arena.alloc(fn(s.arena.get(cur))), nil
	})
	if err != nil {
		return nil, err
	}
	return s.publish(root), nil
}

// Move relinks the subtree at src under dst. Every moved node keeps its
// identity.
func (s *Store) Move(src, dst resource.Path) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.checkRelocation("move", src, dst)
	if err != nil {
		return nil, err
	}
	root, err := s.apply(s.current.root, src.Segments(), func(Handle) (Handle, error) { return 0, nil })
	if err != nil {
		return nil, err
	}
	root, err = s.apply(root, dst.Segments(), func(Handle) (Handle, error) { return h, nil })
	if err != nil {
		return nil, err
	}
	return s.publish(root), nil
}

// Copy duplicates the subtree at src at dst. A shallow copy shares the
// source nodes, identities included; a deep copy allocates fresh nodes
// with fresh identities.
func (s *Store) Copy(src, dst resource.Path, deep bool) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.checkRelocation("copy", src, dst)
	if err != nil {
		return nil, err
	}
	if deep {
		h = s.deepCopy(s.arena, h, true)
	}
	root, err := s.apply(s.current.root, dst.Segments(), func(Handle) (Handle, error) { return h, nil })
	if err != nil {
		return nil, err
	}
	return s.publish(root), nil
}

func (s *Store) checkRelocation(op string, src, dst resource.Path) (Handle, error) {
	if src.IsRoot() || dst.IsRoot() {
		return 0, resource.Errorf(op, src, resource.ErrInvalidOperation, "the root cannot be relocated")
	}
	if src.IsPrefixOf(dst) {
		return 0, resource.Errorf(op, dst, resource.ErrInvalidPath, "destination is inside %s", src)
	}
	h := s.current.resolve(src)
	if h == 0 {
		return 0, resource.NewError(op, src, resource.ErrNotFound)
	}
	if s.current.resolve(dst) != 0 {
		return 0, resource.NewError(op, dst, resource.ErrAlreadyExists)
	}
	if err := s.checkParent(op, dst); err != nil {
		return 0, err
	}
	return h, nil
}

func (s *Store) checkParent(op string, p resource.Path) error {
	parent := s.arena.get(s.current.resolve(p.Parent()))
	if parent == nil {
		return resource.NewError(op, p.Parent(), resource.ErrNotFound)
	}
	if !parent.kind.IsContainer() {
		return resource.Errorf(op, p.Parent(), resource.ErrInvalidKind, "%s cannot have members", parent.kind)
	}
	return nil
}

// apply rebuilds the path from h down to segs, replacing the handle at
// the end of the path with fn's result. Unchanged paths return h itself.
func (s *Store) apply(h Handle, segs []string, fn func(Handle) (Handle, error)) (Handle, error) {
	if len(segs) == 0 {
		return fn(h)
	}
	n := s.arena.get(h)
	if n == nil {
		return 0, fmt.Errorf("%w: missing ancestor", resource.ErrNotFound)
	}
	cur := n.lookup(segs[0])
	if cur == 0 && len(segs) > 1 {
		return 0, fmt.Errorf("%w: missing ancestor %q", resource.ErrNotFound, segs[0])
	}
	next, err := s.apply(cur, segs[1:], fn)
	if err != nil {
		return 0, err
	}
	if next == cur {
		return h, nil
	}
	return s.arena.alloc(node{id: n.id, kind: n.kind, info: n.info, children: n.withChild(segs[0], next)}), nil
}

func (s *Store) deepCopy(from *arena, h Handle, fresh bool) Handle {
	n := from.get(h)
	out := node{id: n.id, kind: n.kind, info: n.info}
	if fresh {
		out.id = s.ids.Next()
	}
	if len(n.children) > 0 {
		out.children = make([]child, len(n.children))
		for i, c := range n.children {
			out.children[i] = child{name: c.name, h: s.deepCopy(from, c.h, fresh)}
		}
	}
	return s.arena.alloc(out)
}

func (s *Store) publish(root Handle) *Snapshot {
	s.gen++
	s.sinceCollapse++
	s.current = &Snapshot{arena: s.arena, root: root, gen: s.gen}
	return s.current
}

// MaybeCollapse rebuilds the arena once enough mutations accumulated
// since the last collapse. It reports whether a collapse happened.
func (s *Store) MaybeCollapse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinceCollapse < s.threshold {
		return false
	}
	s.collapseLocked()
	return true
}

// Collapse rebuilds the arena so that it only holds the nodes reachable
// from the current snapshot. Content, identities and the generation are
// unchanged; older snapshots keep the previous arena.
func (s *Store) Collapse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collapseLocked()
}

func (s *Store) collapseLocked() {
	old := s.arena
	s.arena = newArena(old.gen + 1)
	root := s.deepCopy(old, s.current.root, false)
	s.current = &Snapshot{arena: s.arena, root: root, gen: s.gen}
	s.sinceCollapse = 0
	s.collapses++
}

// ArenaSize returns the number of nodes held by the current arena,
// including unreachable ones.
func (s *Store) ArenaSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arena.size()
}
