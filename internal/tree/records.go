package tree

import (
	"fmt"
	"sort"

	"github.com/fruitsalade/resources/internal/resource"
)

// Record is the flat form of one node, used to persist a snapshot.
type Record struct {
	Path     resource.Path         `cbor:"path" json:"path"`
	Identity resource.Identity     `cbor:"id" json:"id"`
	Kind     resource.Kind         `cbor:"kind" json:"kind"`
	Info     *resource.ElementInfo `cbor:"info" json:"info"`
}

// Records flattens snap in pre-order, root first.
func Records(snap *Snapshot) []Record {
	var out []Record
	snap.Walk(resource.RootPath, resource.DepthInfinite, func(p resource.Path, n Node) bool {
		out = append(out, Record{Path: p, Identity: n.Identity(), Kind: n.Kind(), Info: n.Info()})
		return true
	})
	return out
}

// RestoreStore rebuilds a store from records. The records may come in
// any order but must include the root and every ancestor of every node.
// The identity table is seeded past the highest restored identity.
func RestoreStore(records []Record, opts Options) (*Store, error) {
	s := newStore(opts)

	byPath := make(map[resource.Path]*Record, len(records))
	members := make(map[resource.Path][]string)
	var maxID resource.Identity
	for i := range records {
		r := &records[i]
		if _, dup := byPath[r.Path]; dup {
			return nil, fmt.Errorf("restore: duplicate record for %s", r.Path)
		}
		byPath[r.Path] = r
		if r.Identity > maxID {
			maxID = r.Identity
		}
		if !r.Path.IsRoot() {
			parent := r.Path.Parent()
			members[parent] = append(members[parent], r.Path.Name())
		}
	}
	rootRec, ok := byPath[resource.RootPath]
	if !ok {
		return nil, fmt.Errorf("restore: missing root record")
	}
	for parent := range members {
		if _, ok := byPath[parent]; !ok {
			return nil, fmt.Errorf("restore: missing record for %s", parent)
		}
	}

	var build func(p resource.Path, r *Record) Handle
	build = func(p resource.Path, r *Record) Handle {
		n := node{id: r.Identity, kind: r.Kind, info: r.Info}
		if n.info == nil {
			n.info = resource.NewInfo()
		}
		names := members[p]
		sort.Strings(names)
		for _, name := range names {
			cp := p.Append(name)
			n.children = append(n.children, child{name: name, h: build(cp, byPath[cp])})
		}
		return s.arena.alloc(n)
	}
	root := build(resource.RootPath, rootRec)
	s.current = &Snapshot{arena: s.arena, root: root}
	s.ids.Seed(uint64(maxID) + 1)
	return s, nil
}
