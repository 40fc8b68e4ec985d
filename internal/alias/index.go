// Package alias tracks resource paths that denote the same storage
// location.
//
// Every project and every linked resource is a root: a resource path
// bound to a canonical location on the local file system. A location
// inside a root is reachable through that root, so a location that lies
// below several roots has several aliases.
package alias

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fruitsalade/resources/internal/delta"
	"github.com/fruitsalade/resources/internal/resource"
)

// Index maps roots to locations and locations back to roots.
type Index struct {
	mu         sync.RWMutex
	roots      map[resource.Path]string
	byLocation map[string]map[resource.Path]struct{}
}

// New returns an empty index.
func New() *Index {
	return &Index{
		roots:      make(map[resource.Path]string),
		byLocation: make(map[string]map[resource.Path]struct{}),
	}
}

// Canonical cleans a location so that equal locations compare equal.
func Canonical(location string) string {
	if location == "" {
		return ""
	}
	return filepath.ToSlash(filepath.Clean(location))
}

// within reports whether loc is base or lies below it.
func within(base, loc string) bool {
	if base == loc {
		return true
	}
	if base == "/" {
		return strings.HasPrefix(loc, "/")
	}
	return strings.HasPrefix(loc, base) && loc[len(base)] == '/'
}

// Add binds root p to location. A previous binding of p is replaced.
func (x *Index) Add(p resource.Path, location string) {
	location = Canonical(location)
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(p)
	x.roots[p] = location
	set := x.byLocation[location]
	if set == nil {
		set = make(map[resource.Path]struct{})
		x.byLocation[location] = set
	}
	set[p] = struct{}{}
}

// OnLinkCreated records a new linked resource.
func (x *Index) OnLinkCreated(p resource.Path, location string) {
	x.Add(p, location)
}

// OnLinkRemoved forgets p and every root below it.
func (x *Index) OnLinkRemoved(p resource.Path) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for r := range x.roots {
		if p.IsPrefixOf(r) {
			x.removeLocked(r)
		}
	}
}

// OnMoved rebases every root at or below src to dst.
func (x *Index) OnMoved(src, dst resource.Path) {
	x.mu.Lock()
	defer x.mu.Unlock()
	moved := make(map[resource.Path]string)
	for r, loc := range x.roots {
		if src.IsPrefixOf(r) {
			moved[r.Rebase(src, dst)] = loc
			x.removeLocked(r)
		}
	}
	for r, loc := range moved {
		x.roots[r] = loc
		set := x.byLocation[loc]
		if set == nil {
			set = make(map[resource.Path]struct{})
			x.byLocation[loc] = set
		}
		set[r] = struct{}{}
	}
}

func (x *Index) removeLocked(p resource.Path) {
	loc, ok := x.roots[p]
	if !ok {
		return
	}
	delete(x.roots, p)
	if set := x.byLocation[loc]; set != nil {
		delete(set, p)
		if len(set) == 0 {
			delete(x.byLocation, loc)
		}
	}
}

// IsRoot reports whether p is bound to a location of its own.
func (x *Index) IsRoot(p resource.Path) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.roots[p]
	return ok
}

// Len returns the number of roots.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.roots)
}

// Locations returns the number of distinct root locations.
func (x *Index) Locations() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byLocation)
}

// LocationOf resolves p through its nearest root.
func (x *Index) LocationOf(p resource.Path) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, loc, ok := x.nearestLocked(p)
	return loc, ok
}

// RootOf returns the nearest root at or above p.
func (x *Index) RootOf(p resource.Path) (resource.Path, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	r, _, ok := x.nearestLocked(p)
	return r, ok
}

func (x *Index) nearestLocked(p resource.Path) (resource.Path, string, bool) {
	lineage := p.Lineage()
	for i := len(lineage) - 1; i >= 0; i-- {
		r := lineage[i]
		if loc, ok := x.roots[r]; ok {
			rel, _ := r.Rel(p)
			if rel == "" {
				return r, loc, true
			}
			return r, loc + "/" + rel, true
		}
	}
	return "", "", false
}

// AliasesOf returns every resource path that currently denotes
// location, in ascending order.
func (x *Index) AliasesOf(location string) []resource.Path {
	location = Canonical(location)
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []resource.Path
	for base, set := range x.byLocation {
		if !within(base, location) {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(location, base), "/")
		for r := range set {
			p := r.Join(rel)
			// A deeper root binds p elsewhere.
			if nearest, _, _ := x.nearestLocked(p); nearest != r {
				continue
			}
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckOverlap rejects a link location that contains, or is contained
// in, the location of the project owning the link.
func CheckOverlap(link resource.Path, linkLocation, projectLocation string) error {
	a, b := Canonical(linkLocation), Canonical(projectLocation)
	if a == "" || b == "" {
		return nil
	}
	if within(a, b) || within(b, a) {
		return resource.Errorf("create link", link, resource.ErrOverlap, "%s overlaps project location %s", a, b)
	}
	return nil
}

// Roots returns a copy of every root binding.
func (x *Index) Roots() map[resource.Path]string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[resource.Path]string, len(x.roots))
	for r, loc := range x.roots {
		out[r] = loc
	}
	return out
}

// Restore replaces the index content with roots.
func (x *Index) Restore(roots map[resource.Path]string) {
	x.mu.Lock()
	x.roots = make(map[resource.Path]string)
	x.byLocation = make(map[string]map[resource.Path]struct{})
	x.mu.Unlock()
	for r, loc := range roots {
		x.Add(r, loc)
	}
}

// Mirror asks the owner of the tree to replay the change at Source onto
// the alias at Target. Entry is the change reported for Target.
type Mirror struct {
	Kind   delta.Kind
	Flags  delta.Flags
	Source resource.Path
	Target resource.Path
	Entry  delta.Entry
}

const aliasLocal = delta.Open | delta.Description

// Expand adds an entry for every other alias of every changed resource
// and returns the merged delta together with the tree updates that make
// the aliases reflect the change.
func (x *Index) Expand(d *delta.Node) (*delta.Node, []Mirror) {
	mirrors := x.Mirrors(d)
	return delta.Merge(d, Entries(mirrors)), mirrors
}

// Mirrors lists the alias updates implied by d. Roots themselves are
// not expanded: creating or removing a link only affects the link.
func (x *Index) Mirrors(d *delta.Node) []Mirror {
	if d.IsEmpty() || x.Len() == 0 {
		return nil
	}
	changes := d.Changes()
	present := make(map[resource.Path]bool, len(changes))
	for _, e := range changes {
		present[e.Path] = true
	}

	var mirrors []Mirror
	for _, e := range changes {
		if x.IsRoot(e.Path) {
			continue
		}
		srcRoot, ok := x.RootOf(e.Path)
		if !ok {
			continue
		}
		loc, _ := x.LocationOf(e.Path)
		for _, alias := range x.AliasesOf(loc) {
			if alias == e.Path || present[alias] || x.IsRoot(alias) {
				continue
			}
			aliasRoot, _ := x.RootOf(alias)
			se := delta.Entry{
				Path:         alias,
				Kind:         e.Kind,
				Flags:        e.Flags &^ aliasLocal,
				ResourceKind: e.ResourceKind,
				Hidden:       e.Hidden,
				TeamPrivate:  e.TeamPrivate,
			}
			se.MovedFrom, se.Flags = translate(e.MovedFrom, srcRoot, aliasRoot, se.Flags, delta.MovedFrom)
			se.MovedTo, se.Flags = translate(e.MovedTo, srcRoot, aliasRoot, se.Flags, delta.MovedTo)
			present[alias] = true
			mirrors = append(mirrors, Mirror{Kind: e.Kind, Flags: e.Flags, Source: e.Path, Target: alias, Entry: se})
		}
	}
	return mirrors
}

// Entries returns the delta entries reported for mirrors.
func Entries(mirrors []Mirror) []delta.Entry {
	out := make([]delta.Entry, len(mirrors))
	for i, m := range mirrors {
		out[i] = m.Entry
	}
	return out
}

// translate carries a move endpoint from one root to another, clearing
// flag when the endpoint lies outside the source root.
func translate(p, from, to resource.Path, flags, flag delta.Flags) (resource.Path, delta.Flags) {
	if p == "" {
		return "", flags
	}
	if !from.IsPrefixOf(p) {
		return "", flags &^ flag
	}
	return p.Rebase(from, to), flags
}
