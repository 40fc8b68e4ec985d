// Package resource contains the types shared by every layer of the
// workspace: resource paths, kinds, element payloads, option flags and
// the error kinds reported by the public API.
package resource

import (
	"fmt"
	"path"
	"strings"
)

// Path is an absolute, slash-separated resource path. The workspace root
// is "/". Paths are always kept in cleaned form; use ParsePath to build
// one from user input.
type Path string

// RootPath is the path of the workspace root.
const RootPath Path = "/"

// ParsePath validates and cleans s.
func ParsePath(s string) (Path, error) {
	if s == "" || !strings.HasPrefix(s, "/") {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, s)
	}
	clean := path.Clean(s)
	for _, seg := range strings.Split(clean[1:], "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidPath, s)
		}
	}
	return Path(clean), nil
}

// MustPath is ParsePath for literals; it panics on invalid input.
func MustPath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsRoot reports whether p is the workspace root.
func (p Path) IsRoot() bool {
	return p == RootPath
}

// Segments returns the name segments of p. The root has none.
func (p Path) Segments() []string {
	if p.IsRoot() || p == "" {
		return nil
	}
	return strings.Split(string(p)[1:], "/")
}

// Depth is the number of segments in p.
func (p Path) Depth() int {
	if p.IsRoot() || p == "" {
		return 0
	}
	return strings.Count(string(p), "/")
}

// Name returns the last segment, or "" for the root.
func (p Path) Name() string {
	if p.IsRoot() {
		return ""
	}
	return string(p)[strings.LastIndexByte(string(p), '/')+1:]
}

// Parent returns the parent path. The parent of the root is the root.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return p
	}
	i := strings.LastIndexByte(string(p), '/')
	if i == 0 {
		return RootPath
	}
	return p[:i]
}

// Append returns the path of the child called name.
func (p Path) Append(name string) Path {
	if p.IsRoot() {
		return Path("/" + name)
	}
	return Path(string(p) + "/" + name)
}

// Join appends a relative, slash-separated suffix.
func (p Path) Join(rel string) Path {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return p
	}
	return p.Append(rel)
}

// IsPrefixOf reports whether p is q or an ancestor of q.
func (p Path) IsPrefixOf(q Path) bool {
	if p.IsRoot() {
		return true
	}
	if !strings.HasPrefix(string(q), string(p)) {
		return false
	}
	return len(q) == len(p) || q[len(p)] == '/'
}

// Rel returns q relative to p ("" when equal). ok is false when p is
// not a prefix of q.
func (p Path) Rel(q Path) (rel string, ok bool) {
	if !p.IsPrefixOf(q) {
		return "", false
	}
	if p.IsRoot() {
		return strings.TrimPrefix(string(q), "/"), true
	}
	return strings.TrimPrefix(string(q)[len(p):], "/"), true
}

// Rebase moves q from under from to under to. It returns q unchanged if
// from is not a prefix of q.
func (p Path) Rebase(from, to Path) Path {
	rel, ok := from.Rel(p)
	if !ok {
		return p
	}
	return to.Join(rel)
}

// Project returns the project segment of p, or the root for the root.
func (p Path) Project() Path {
	segs := p.Segments()
	if len(segs) == 0 {
		return RootPath
	}
	return Path("/" + segs[0])
}

// Lineage returns the ancestors of p from the root down to p inclusive.
func (p Path) Lineage() []Path {
	out := []Path{RootPath}
	cur := RootPath
	for _, seg := range p.Segments() {
		cur = cur.Append(seg)
		out = append(out, cur)
	}
	return out
}

func (p Path) String() string {
	return string(p)
}
