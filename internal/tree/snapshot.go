package tree

import (
	"github.com/fruitsalade/resources/internal/resource"
)

// Snapshot is an immutable version of the whole resource tree. Snapshots
// stay readable for as long as they are referenced, independently of
// later mutations or collapses of the store that produced them.
type Snapshot struct {
	arena *arena
	root  Handle
	gen   uint64
}

// Generation is the store generation that produced the snapshot.
func (s *Snapshot) Generation() uint64 {
	return s.gen
}

// Root returns the workspace root node.
func (s *Snapshot) Root() Node {
	return Node{snap: s, h: s.root}
}

// Lookup resolves p with one member lookup per segment.
func (s *Snapshot) Lookup(p resource.Path) (Node, bool) {
	h := s.resolve(p)
	if h == 0 {
		return Node{}, false
	}
	return Node{snap: s, h: h}, true
}

// Exists reports whether p is present.
func (s *Snapshot) Exists(p resource.Path) bool {
	return s.resolve(p) != 0
}

// IdentityOf returns the identity of the node at p.
func (s *Snapshot) IdentityOf(p resource.Path) (resource.Identity, bool) {
	n, ok := s.Lookup(p)
	if !ok {
		return resource.NoIdentity, false
	}
	return n.Identity(), true
}

func (s *Snapshot) resolve(p resource.Path) Handle {
	h := s.root
	for _, seg := range p.Segments() {
		n := s.arena.get(h)
		if n == nil {
			return 0
		}
		h = n.lookup(seg)
		if h == 0 {
			return 0
		}
	}
	return h
}

// VisitFunc is called for every visited node. Returning false skips the
// node's members.
type VisitFunc func(p resource.Path, n Node) bool

// Walk visits p and its members down to depth, in pre-order. Members are
// visited in ascending byte-wise name order.
func (s *Snapshot) Walk(p resource.Path, depth resource.Depth, fn VisitFunc) bool {
	n, ok := s.Lookup(p)
	if !ok {
		return false
	}
	walk(p, n, depth, fn)
	return true
}

// Walk visits n, taken to live at p, and its members down to depth.
func (n Node) Walk(p resource.Path, depth resource.Depth, fn VisitFunc) {
	if n.Valid() {
		walk(p, n, depth, fn)
	}
}

func walk(p resource.Path, n Node, depth resource.Depth, fn VisitFunc) {
	if !fn(p, n) {
		return
	}
	next, ok := depth.Next()
	if !ok {
		return
	}
	for _, c := range n.raw().children {
		walk(p.Append(c.name), Node{snap: n.snap, h: c.h}, next, fn)
	}
}

// Count returns the number of nodes reachable from the root, root included.
func (s *Snapshot) Count() int {
	count := 0
	s.Walk(resource.RootPath, resource.DepthInfinite, func(resource.Path, Node) bool {
		count++
		return true
	})
	return count
}

// Node is a read-only view of one node in a snapshot.
type Node struct {
	snap *Snapshot
	h    Handle
}

func (n Node) raw() *node {
	return n.snap.arena.get(n.h)
}

// Valid reports whether n refers to a node.
func (n Node) Valid() bool {
	return n.snap != nil && n.h != 0
}

// Identity returns the creation identity.
func (n Node) Identity() resource.Identity {
	return n.raw().id
}

// Kind returns the resource kind.
func (n Node) Kind() resource.Kind {
	return n.raw().kind
}

// Info returns the payload. It is shared with the snapshot and must not
// be modified.
func (n Node) Info() *resource.ElementInfo {
	return n.raw().info
}

// Names returns member names in ascending byte-wise order.
func (n Node) Names() []string {
	cs := n.raw().children
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.name
	}
	return out
}

// NumChildren returns the member count.
func (n Node) NumChildren() int {
	return len(n.raw().children)
}

// Child returns the member called name.
func (n Node) Child(name string) (Node, bool) {
	h := n.raw().lookup(name)
	if h == 0 {
		return Node{}, false
	}
	return Node{snap: n.snap, h: h}, true
}

// Children returns members in ascending byte-wise name order.
func (n Node) Children() []NamedNode {
	cs := n.raw().children
	out := make([]NamedNode, len(cs))
	for i, c := range cs {
		out[i] = NamedNode{Name: c.name, Node: Node{snap: n.snap, h: c.h}}
	}
	return out
}

// Same reports whether n and o are the very same stored node, which
// implies identical subtrees. Different nodes may still hold equal content.
func (n Node) Same(o Node) bool {
	return n.snap != nil && o.snap != nil && n.snap.arena == o.snap.arena && n.h == o.h
}

// NamedNode pairs a member with its name.
type NamedNode struct {
	Name string
	Node Node
}
