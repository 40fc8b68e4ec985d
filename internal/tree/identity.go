package tree

import (
	"sync/atomic"

	"github.com/fruitsalade/resources/internal/resource"
)

// IdentityTable hands out creation identities. Identities increase
// monotonically and are never reused, including across a save and
// restore of the workspace.
type IdentityTable struct {
	next atomic.Uint64
}

// NewIdentityTable starts assigning at 1.
func NewIdentityTable() *IdentityTable {
	t := &IdentityTable{}
	t.next.Store(1)
	return t
}

// Next assigns a fresh identity.
func (t *IdentityTable) Next() resource.Identity {
	return resource.Identity(t.next.Add(1) - 1)
}

// Peek returns the identity the next call to Next will assign.
func (t *IdentityTable) Peek() uint64 {
	return t.next.Load()
}

// Seed makes sure no identity below n is assigned again.
func (t *IdentityTable) Seed(n uint64) {
	for {
		cur := t.next.Load()
		if cur >= n || t.next.CompareAndSwap(cur, n) {
			return
		}
	}
}

// IdentityOf returns the identity at p in snap.
func IdentityOf(snap *Snapshot, p resource.Path) (resource.Identity, bool) {
	return snap.IdentityOf(p)
}
