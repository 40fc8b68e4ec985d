package delta

import (
	"maps"
	"sort"

	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/tree"
)

// Options tunes Compute.
type Options struct {
	// DefaultCharset is the effective charset of resources that neither
	// set one nor inherit one from an ancestor.
	DefaultCharset string
}

// Compute diffs before against after. Only the subtrees rooted at the
// touched paths are compared; a nil touched set compares everything.
// Subtrees that are physically shared by both snapshots are skipped.
func Compute(before, after *tree.Snapshot, touched []resource.Path, opts Options) *Node {
	b := &builder{
		before:    before,
		after:     after,
		opts:      opts,
		entries:   make(map[resource.Path]*Entry),
		removedID: make(map[resource.Identity]resource.Path),
		addedID:   make(map[resource.Identity]resource.Path),
		oldID:     make(map[resource.Path]resource.Identity),
		newID:     make(map[resource.Path]resource.Identity),
	}
	for _, root := range b.roots(touched) {
		bn, _ := before.Lookup(root)
		an, _ := after.Lookup(root)
		b.diff(root, bn, an, b.inherited(before, root), b.inherited(after, root))
	}
	b.correlateMoves()
	return b.result()
}

type builder struct {
	before, after *tree.Snapshot
	opts          Options

	entries map[resource.Path]*Entry
	// Identities vacated and occupied by this diff.
	removedID map[resource.Identity]resource.Path
	addedID   map[resource.Identity]resource.Path
	// Identities that left and arrived at each recorded path.
	oldID map[resource.Path]resource.Identity
	newID map[resource.Path]resource.Identity
}

// roots reduces touched to the minimal set of subtree roots, each lifted
// to the nearest ancestor whose parent exists in both snapshots so that
// the root itself can be classified.
func (b *builder) roots(touched []resource.Path) []resource.Path {
	if touched == nil {
		return []resource.Path{resource.RootPath}
	}
	lifted := make([]resource.Path, 0, len(touched))
	for _, p := range touched {
		for !p.IsRoot() {
			parent := p.Parent()
			if b.before.Exists(parent) && b.after.Exists(parent) {
				break
			}
			p = parent
		}
		lifted = append(lifted, p)
	}
	return minimal(lifted)
}

// minimal drops every path that has an ancestor in paths.
func minimal(paths []resource.Path) []resource.Path {
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	var out []resource.Path
	for _, p := range paths {
		if len(out) > 0 && out[len(out)-1].IsPrefixOf(p) {
			continue
		}
		dup := false
		for _, q := range out {
			if q.IsPrefixOf(p) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}

// inherited returns the charset the parent of p hands down in snap.
func (b *builder) inherited(snap *tree.Snapshot, p resource.Path) string {
	if p.IsRoot() {
		return b.opts.DefaultCharset
	}
	lineage := p.Parent().Lineage()
	for i := len(lineage) - 1; i >= 0; i-- {
		if n, ok := snap.Lookup(lineage[i]); ok && n.Info().Charset != "" {
			return n.Info().Charset
		}
	}
	return b.opts.DefaultCharset
}

func effective(n tree.Node, inherited string) string {
	if cs := n.Info().Charset; cs != "" {
		return cs
	}
	return inherited
}

func (b *builder) diff(p resource.Path, bn, an tree.Node, inhB, inhA string) {
	switch {
	case !bn.Valid() && !an.Valid():
		return
	case !bn.Valid():
		b.subtree(p, an, Added)
		return
	case !an.Valid():
		b.subtree(p, bn, Removed)
		return
	case bn.Same(an) && inhB == inhA:
		return
	}

	effB, effA := effective(bn, inhB), effective(an, inhA)
	flags := compare(bn, an)
	if effB != effA {
		flags |= Encoding
	}
	if bn.Identity() != an.Identity() {
		flags |= Replaced | Content
		b.oldID[p] = bn.Identity()
		b.newID[p] = an.Identity()
		b.removedID[bn.Identity()] = p
		b.addedID[an.Identity()] = p
	}
	if flags != 0 {
		b.record(p, an, Changed, flags)
	}

	bc, ac := bn.Children(), an.Children()
	i, j := 0, 0
	for i < len(bc) || j < len(ac) {
		switch {
		case j == len(ac) || (i < len(bc) && bc[i].Name < ac[j].Name):
			b.diff(p.Append(bc[i].Name), bc[i].Node, tree.Node{}, effB, effA)
			i++
		case i == len(bc) || ac[j].Name < bc[i].Name:
			b.diff(p.Append(ac[j].Name), tree.Node{}, ac[j].Node, effB, effA)
			j++
		default:
			b.diff(p.Append(bc[i].Name), bc[i].Node, ac[j].Node, effB, effA)
			i++
			j++
		}
	}
}

// compare reports the field-wise differences of two nodes at one path.
func compare(bn, an tree.Node) Flags {
	var f Flags
	bi, ai := bn.Info(), an.Info()
	if bn.Kind() != an.Kind() {
		f |= Type
	}
	if bi.ContentStamp != ai.ContentStamp || bi.ContentHash != ai.ContentHash {
		f |= Content
	}
	if !maps.Equal(bi.SyncInfo, ai.SyncInfo) {
		f |= Sync
	}
	if bi.Has(resource.FlagDerived) != ai.Has(resource.FlagDerived) {
		f |= DerivedChanged
	}
	if bi.Has(resource.FlagLocalExists) != ai.Has(resource.FlagLocalExists) {
		f |= LocalChanged
	}
	if bi.IsOpen(bn.Kind()) != ai.IsOpen(an.Kind()) {
		f |= Open
	}
	if !bi.Description.Equal(ai.Description) {
		f |= Description
	}
	if !resource.MarkersEqual(bi.Markers, ai.Markers) {
		f |= Markers
	}
	return f
}

// subtree records n and every descendant with kind.
func (b *builder) subtree(p resource.Path, n tree.Node, kind Kind) {
	n.Walk(p, resource.DepthInfinite, func(cp resource.Path, c tree.Node) bool {
		b.record(cp, c, kind, 0)
		if kind == Added {
			b.newID[cp] = c.Identity()
			b.addedID[c.Identity()] = cp
		} else {
			b.oldID[cp] = c.Identity()
			b.removedID[c.Identity()] = cp
		}
		return true
	})
}

func (b *builder) record(p resource.Path, n tree.Node, kind Kind, flags Flags) {
	info := n.Info()
	b.entries[p] = &Entry{
		Path:         p,
		Kind:         kind,
		Flags:        flags,
		ResourceKind: n.Kind(),
		Hidden:       info.Has(resource.FlagHidden),
		TeamPrivate:  info.Has(resource.FlagTeamPrivate),
	}
}

// correlateMoves links identities that left one path and arrived at
// another. A replaced path can be both the target and the source of a
// move, which is how a cyclic rename is reported.
func (b *builder) correlateMoves() {
	for p, e := range b.entries {
		if e.Kind == Changed && !e.Flags.Has(Replaced) {
			continue
		}
		if id, ok := b.oldID[p]; ok {
			if dst, ok := b.addedID[id]; ok && dst != p {
				e.Flags |= MovedTo
				e.MovedTo = dst
			}
		}
		if id, ok := b.newID[p]; ok {
			if src, ok := b.removedID[id]; ok && src != p {
				e.Flags |= MovedFrom
				e.MovedFrom = src
			}
		}
	}
}

func (b *builder) result() *Node {
	if len(b.entries) == 0 {
		return Empty()
	}
	entries := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	root := Build(entries)
	b.fillAncestorKinds(root)
	return root
}

// fillAncestorKinds sets the resource kind of connecting ancestors from
// the snapshots, which Build can only guess.
func (b *builder) fillAncestorKinds(n *Node) {
	if n.kind == Changed && n.flags == 0 {
		if tn, ok := b.after.Lookup(n.path); ok {
			n.resourceKind = tn.Kind()
		} else if tn, ok := b.before.Lookup(n.path); ok {
			n.resourceKind = tn.Kind()
		}
	}
	for _, c := range n.children {
		b.fillAncestorKinds(c)
	}
}
