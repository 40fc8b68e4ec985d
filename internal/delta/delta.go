// Package delta describes the changes between two tree snapshots.
//
// A delta is a tree of Nodes rooted at the workspace root. It only holds
// the resources that changed and the ancestors needed to reach them.
// Kind and flag values are part of the listener contract and must not
// change.
package delta

import (
	"sort"

	"github.com/fruitsalade/resources/internal/resource"
)

// Kind is the change kind of a delta node.
type Kind int

const (
	NoChange Kind = 0x0
	Added    Kind = 0x1
	Removed  Kind = 0x2
	Changed  Kind = 0x4

	// AllKinds matches every kind except NoChange.
	AllKinds = Added | Removed | Changed
)

// Flags describe how a changed resource changed.
type Flags int

const (
	Content        Flags = 0x100
	MovedFrom      Flags = 0x1000
	MovedTo        Flags = 0x2000
	Open           Flags = 0x4000
	Type           Flags = 0x8000
	Sync           Flags = 0x10000
	Markers        Flags = 0x20000
	Replaced       Flags = 0x40000
	Description    Flags = 0x80000
	Encoding       Flags = 0x100000
	LocalChanged   Flags = 0x200000
	DerivedChanged Flags = 0x400000
)

// Has reports whether every bit of f2 is set in f.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Node is one resource in a delta. Nodes are immutable once returned.
type Node struct {
	path         resource.Path
	kind         Kind
	flags        Flags
	movedFrom    resource.Path
	movedTo      resource.Path
	resourceKind resource.Kind
	hidden       bool
	teamPrivate  bool
	children     []*Node // ascending byte-wise by name
}

func (n *Node) Path() resource.Path          { return n.path }
func (n *Node) Kind() Kind                   { return n.kind }
func (n *Node) Flags() Flags                 { return n.flags }
func (n *Node) ResourceKind() resource.Kind  { return n.resourceKind }
func (n *Node) MovedFromPath() resource.Path { return n.movedFrom }
func (n *Node) MovedToPath() resource.Path   { return n.movedTo }

// IsEmpty reports whether the delta records no change at all.
func (n *Node) IsEmpty() bool {
	return n == nil || (n.kind == NoChange && len(n.children) == 0)
}

func (n *Node) visible(flags resource.MemberFlag) bool {
	if n.hidden && flags&resource.IncludeHidden == 0 {
		return false
	}
	if n.teamPrivate && flags&resource.IncludeTeamPrivate == 0 {
		return false
	}
	return true
}

// AffectedChildren returns the direct members whose kind is in
// kindMask. A zero mask means AllKinds. Hidden and team-private members
// are only included when requested by memberFlags.
func (n *Node) AffectedChildren(kindMask Kind, memberFlags resource.MemberFlag) []*Node {
	if n == nil {
		return nil
	}
	if kindMask == 0 {
		kindMask = AllKinds
	}
	var out []*Node
	for _, c := range n.children {
		if c.kind&kindMask != 0 && c.visible(memberFlags) {
			out = append(out, c)
		}
	}
	return out
}

// FindMember returns the node for the slash-separated path rel below n,
// or nil if that resource is not part of the delta.
func (n *Node) FindMember(rel string) *Node {
	cur := n
	for _, seg := range resource.RootPath.Join(rel).Segments() {
		if cur == nil {
			return nil
		}
		cur = cur.child(seg)
	}
	return cur
}

func (n *Node) child(name string) *Node {
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].path.Name() >= name })
	if i < len(n.children) && n.children[i].path.Name() == name {
		return n.children[i]
	}
	return nil
}

// VisitFunc is called for each visited node. Returning false skips the
// node's members; returning an error stops the traversal.
type VisitFunc func(n *Node) (bool, error)

// Accept visits n and its members in pre-order, skipping hidden and
// team-private members unless memberFlags includes them.
func (n *Node) Accept(fn VisitFunc, memberFlags resource.MemberFlag) error {
	if n == nil {
		return nil
	}
	more, err := fn(n)
	if err != nil || !more {
		return err
	}
	for _, c := range n.children {
		if !c.visible(memberFlags) {
			continue
		}
		if err := c.Accept(fn, memberFlags); err != nil {
			return err
		}
	}
	return nil
}

// Entry is the flat form of one delta node.
type Entry struct {
	Path         resource.Path `json:"path"`
	Kind         Kind          `json:"kind"`
	Flags        Flags         `json:"flags"`
	MovedFrom    resource.Path `json:"movedFrom,omitempty"`
	MovedTo      resource.Path `json:"movedTo,omitempty"`
	ResourceKind resource.Kind `json:"resourceKind"`
	Hidden       bool          `json:"hidden,omitempty"`
	TeamPrivate  bool          `json:"teamPrivate,omitempty"`
}

// Entry returns the flat form of n.
func (n *Node) Entry() Entry {
	return Entry{
		Path:         n.path,
		Kind:         n.kind,
		Flags:        n.flags,
		MovedFrom:    n.movedFrom,
		MovedTo:      n.movedTo,
		ResourceKind: n.resourceKind,
		Hidden:       n.hidden,
		TeamPrivate:  n.teamPrivate,
	}
}

// Flatten lists every node of the delta in pre-order, hidden and
// team-private members included.
func (n *Node) Flatten() []Entry {
	var out []Entry
	n.Accept(func(c *Node) (bool, error) {
		out = append(out, c.Entry())
		return true, nil
	}, resource.IncludeHidden|resource.IncludeTeamPrivate)
	return out
}

// Changes is Flatten without the connecting ancestors that carry no
// change of their own.
func (n *Node) Changes() []Entry {
	var out []Entry
	for _, e := range n.Flatten() {
		if e.Kind == Changed && e.Flags == 0 || e.Kind == NoChange {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Empty returns a delta recording no change.
func Empty() *Node {
	return &Node{path: resource.RootPath, kind: NoChange, resourceKind: resource.Root}
}

// Build assembles a delta tree from entries. Ancestors missing from
// entries are added as Changed with no flags. When a path appears more
// than once, an entry without flags yields to one that has them and
// flags of the others are merged into the first.
func Build(entries []Entry) *Node {
	byPath := make(map[resource.Path]*Node, len(entries)+1)
	root := Empty()
	byPath[resource.RootPath] = root

	var ensure func(p resource.Path) *Node
	ensure = func(p resource.Path) *Node {
		if n, ok := byPath[p]; ok {
			return n
		}
		parent := ensure(p.Parent())
		n := &Node{path: p, kind: Changed, resourceKind: containerKind(p)}
		parent.children = append(parent.children, n)
		if parent.kind == NoChange {
			parent.kind = Changed
		}
		byPath[p] = n
		return n
	}

	for _, e := range entries {
		n := ensure(e.Path)
		switch {
		case n.kind == NoChange || (n.kind == Changed && n.flags == 0):
			n.kind = e.Kind
			n.flags = e.Flags
			n.movedFrom = e.MovedFrom
			n.movedTo = e.MovedTo
			n.resourceKind = e.ResourceKind
			n.hidden = e.Hidden
			n.teamPrivate = e.TeamPrivate
		default:
			n.flags |= e.Flags
			if n.movedFrom == "" {
				n.movedFrom = e.MovedFrom
			}
			if n.movedTo == "" {
				n.movedTo = e.MovedTo
			}
		}
		if n.kind == NoChange && n.path.IsRoot() && len(n.children) > 0 {
			n.kind = Changed
		}
	}
	if root.resourceKind == 0 {
		root.resourceKind = resource.Root
	}
	for _, n := range byPath {
		sort.Slice(n.children, func(i, j int) bool { return n.children[i].path.Name() < n.children[j].path.Name() })
	}
	return root
}

// Merge returns a new delta holding the entries of n and extra.
func Merge(n *Node, extra []Entry) *Node {
	if len(extra) == 0 {
		return n
	}
	return Build(append(n.Flatten(), extra...))
}

// containerKind guesses the kind of an ancestor that is not part of the
// entries being assembled.
func containerKind(p resource.Path) resource.Kind {
	switch p.Depth() {
	case 0:
		return resource.Root
	case 1:
		return resource.Project
	default:
		return resource.Folder
	}
}
