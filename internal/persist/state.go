// Package persist saves and restores the committed workspace state: the
// resource tree, the alias roots and the counters that must survive a
// restart.
package persist

import (
	"context"
	"errors"

	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/tree"
)

// ErrNoState is returned by Load when nothing was saved yet.
var ErrNoState = errors.New("no saved workspace state")

// State is everything needed to reopen a workspace.
type State struct {
	Nodes []tree.Record `cbor:"nodes"`
	// Links maps every root (projects and linked resources) to its location.
	Links map[resource.Path]string `cbor:"links"`
	// NextID is the next identity to assign.
	NextID uint64 `cbor:"next_id"`
	// Stamp is the last modification stamp handed out.
	Stamp int64 `cbor:"stamp"`
	// Marker is the last marker id handed out.
	Marker int64 `cbor:"marker"`
}

// Persister stores State.
type Persister interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, st *State) error
	Type() string
	Close() error
}
