package resource

import (
	"maps"
	"slices"
)

// Identity is the creation identity of a resource. Identities are
// assigned once and never reused; a resource keeps its identity when it
// is moved but a resource recreated at the same path gets a new one.
type Identity uint64

// NoIdentity is the zero identity, never assigned to a node.
const NoIdentity Identity = 0

// NullStamp marks a stamp that has never been set.
const NullStamp int64 = -1

// ElementFlag is a bitset of per-resource state bits.
type ElementFlag uint32

const (
	FlagDerived ElementFlag = 1 << iota
	FlagTeamPrivate
	FlagHidden
	FlagLinked
	// FlagLocalExists is set while the resource's storage location
	// exists on the local file system.
	FlagLocalExists
	FlagOpen
)

// MarkerID identifies a marker within the workspace.
type MarkerID int64

// Marker is an annotation attached to a resource.
type Marker struct {
	ID         MarkerID          `cbor:"id" json:"id"`
	Type       string            `cbor:"type" json:"type"`
	Attributes map[string]string `cbor:"attrs,omitempty" json:"attrs,omitempty"`
}

// Description is the metadata of a project.
type Description struct {
	Comment    string   `cbor:"comment,omitempty" json:"comment,omitempty"`
	Natures    []string `cbor:"natures,omitempty" json:"natures,omitempty"`
	References []string `cbor:"refs,omitempty" json:"refs,omitempty"`
	// Location overrides the default location under the workspace root.
	Location string `cbor:"location,omitempty" json:"location,omitempty"`
}

// Equal reports whether d and o describe the same project metadata.
func (d *Description) Equal(o *Description) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.Comment == o.Comment && d.Location == o.Location &&
		slices.Equal(d.Natures, o.Natures) && slices.Equal(d.References, o.References)
}

// Clone returns a deep copy of d.
func (d *Description) Clone() *Description {
	if d == nil {
		return nil
	}
	c := *d
	c.Natures = slices.Clone(d.Natures)
	c.References = slices.Clone(d.References)
	return &c
}

// ElementInfo is the payload of a resource node. Values stored in a
// snapshot are immutable; mutate a Clone and store it with SetInfo.
type ElementInfo struct {
	// ModStamp changes on every modification of the resource.
	ModStamp int64 `cbor:"mod" json:"mod"`
	// ContentStamp changes whenever the content of a file changes.
	ContentStamp int64 `cbor:"content" json:"content"`
	// ContentHash is the hash of the content held by the content store.
	ContentHash string `cbor:"hash,omitempty" json:"hash,omitempty"`
	// LocalStamp is the local file system stamp observed at last sync.
	LocalStamp int64 `cbor:"local" json:"local"`

	Flags ElementFlag `cbor:"flags" json:"flags"`

	// Charset is the explicit charset of a file, or the default charset
	// of a container. Empty means inherited.
	Charset string `cbor:"charset,omitempty" json:"charset,omitempty"`

	// Location is the storage location of a linked resource.
	Location string `cbor:"location,omitempty" json:"location,omitempty"`

	// SyncInfo holds opaque synchronization state, keyed by partner.
	SyncInfo map[string]string `cbor:"sync,omitempty" json:"sync,omitempty"`

	Markers    []Marker          `cbor:"markers,omitempty" json:"markers,omitempty"`
	Properties map[string]string `cbor:"props,omitempty" json:"props,omitempty"`

	// Description is only set for projects.
	Description *Description `cbor:"desc,omitempty" json:"desc,omitempty"`
}

// NewInfo returns a fresh payload with unset stamps.
func NewInfo() *ElementInfo {
	return &ElementInfo{
		ModStamp:     NullStamp,
		ContentStamp: NullStamp,
		LocalStamp:   NullStamp,
	}
}

// Clone returns a deep copy.
func (i *ElementInfo) Clone() *ElementInfo {
	if i == nil {
		return NewInfo()
	}
	c := *i
	c.SyncInfo = maps.Clone(i.SyncInfo)
	c.Properties = maps.Clone(i.Properties)
	c.Description = i.Description.Clone()
	if i.Markers != nil {
		c.Markers = make([]Marker, len(i.Markers))
		for n, m := range i.Markers {
			m.Attributes = maps.Clone(m.Attributes)
			c.Markers[n] = m
		}
	}
	return &c
}

// Has reports whether flag f is set.
func (i *ElementInfo) Has(f ElementFlag) bool {
	return i != nil && i.Flags&f != 0
}

// Set sets or clears flag f.
func (i *ElementInfo) Set(f ElementFlag, on bool) {
	if on {
		i.Flags |= f
	} else {
		i.Flags &^= f
	}
}

// IsOpen reports whether a project is open. Other kinds are always open.
func (i *ElementInfo) IsOpen(k Kind) bool {
	if k != Project {
		return true
	}
	return i.Has(FlagOpen)
}

// MarkersEqual reports whether a and b carry the same marker set.
func MarkersEqual(a, b []Marker) bool {
	if len(a) != len(b) {
		return false
	}
	for n := range a {
		if a[n].ID != b[n].ID || a[n].Type != b[n].Type || !maps.Equal(a[n].Attributes, b[n].Attributes) {
			return false
		}
	}
	return true
}

// Equal reports whether two payloads are indistinguishable.
func (i *ElementInfo) Equal(o *ElementInfo) bool {
	if i == nil || o == nil {
		return i == o
	}
	return i.ModStamp == o.ModStamp &&
		i.ContentStamp == o.ContentStamp &&
		i.ContentHash == o.ContentHash &&
		i.LocalStamp == o.LocalStamp &&
		i.Flags == o.Flags &&
		i.Charset == o.Charset &&
		i.Location == o.Location &&
		maps.Equal(i.SyncInfo, o.SyncInfo) &&
		maps.Equal(i.Properties, o.Properties) &&
		MarkersEqual(i.Markers, o.Markers) &&
		i.Description.Equal(o.Description)
}
