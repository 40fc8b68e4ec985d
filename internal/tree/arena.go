package tree

import (
	"sort"
	"sync"

	"github.com/fruitsalade/resources/internal/resource"
)

// Handle addresses a node inside an arena. The zero handle is nil.
type Handle uint32

const chunkSize = 1024

// child is one entry of a node's member list. Names are held by the
// parent so that a subtree can be relinked under a new name without
// copying it.
type child struct {
	name string
	h    Handle
}

// node is immutable once allocated.
type node struct {
	id       resource.Identity
	kind     resource.Kind
	info     *resource.ElementInfo
	children []child // sorted by byte-wise name order
}

// arena is an append-only node store. Allocated nodes never move, so
// handles and node pointers stay valid for the arena's lifetime. A
// collapse starts a new arena; snapshots of the old one keep it alive.
type arena struct {
	mu     sync.RWMutex
	chunks [][]node
	n      int
	gen    uint64
}

func newArena(gen uint64) *arena {
	a := &arena{gen: gen}
	// Reserve handle 0.
	a.alloc(node{})
	return a
}

func (a *arena) alloc(n node) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.n
	if idx/chunkSize == len(a.chunks) {
		a.chunks = append(a.chunks, make([]node, chunkSize))
	}
	a.chunks[idx/chunkSize][idx%chunkSize] = n
	a.n++
	return Handle(idx)
}

func (a *arena) get(h Handle) *node {
	if h == 0 {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return &a.chunks[int(h)/chunkSize][int(h)%chunkSize]
}

// size is the number of allocated nodes, reachable or not.
func (a *arena) size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.n - 1
}

func (n *node) find(name string) (int, bool) {
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].name >= name })
	return i, i < len(n.children) && n.children[i].name == name
}

func (n *node) lookup(name string) Handle {
	if i, ok := n.find(name); ok {
		return n.children[i].h
	}
	return 0
}

// withChild returns a copy of n's member list with name bound to h, or
// removed when h is zero.
func (n *node) withChild(name string, h Handle) []child {
	i, ok := n.find(name)
	switch {
	case ok && h == 0:
		out := make([]child, 0, len(n.children)-1)
		out = append(out, n.children[:i]...)
		return append(out, n.children[i+1:]...)
	case ok:
		out := make([]child, len(n.children))
		copy(out, n.children)
		out[i].h = h
		return out
	case h == 0:
		return n.children
	default:
		out := make([]child, 0, len(n.children)+1)
		out = append(out, n.children[:i]...)
		out = append(out, child{name: name, h: h})
		return append(out, n.children[i:]...)
	}
}
