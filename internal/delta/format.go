package delta

import (
	"fmt"
	"strings"
)

func (k Kind) String() string {
	switch k {
	case NoChange:
		return "NO_CHANGE"
	case Added:
		return "ADDED"
	case Removed:
		return "REMOVED"
	case Changed:
		return "CHANGED"
	default:
		return fmt.Sprintf("Kind(%#x)", int(k))
	}
}

// Symbol is the one-character marker used in delta listings.
func (k Kind) Symbol() string {
	switch k {
	case Added:
		return "+"
	case Removed:
		return "-"
	case Changed:
		return "*"
	default:
		return "~"
	}
}

var flagNames = []struct {
	f    Flags
	name string
}{
	{Content, "CONTENT"},
	{Encoding, "ENCODING"},
	{Description, "DESCRIPTION"},
	{MovedFrom, "MOVED_FROM"},
	{MovedTo, "MOVED_TO"},
	{Open, "OPEN"},
	{Type, "TYPE"},
	{Sync, "SYNC"},
	{Markers, "MARKERS"},
	{Replaced, "REPLACED"},
	{LocalChanged, "LOCAL_CHANGED"},
	{DerivedChanged, "DERIVED_CHANGED"},
}

func (f Flags) String() string {
	if f == 0 {
		return ""
	}
	var names []string
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			names = append(names, fn.name)
			f &^= fn.f
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("%#x", int(f)))
	}
	return strings.Join(names, " | ")
}

func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s]", e.Path, e.Kind.Symbol())
	if e.Flags == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, ": {%s}", e.Flags)
	if e.MovedFrom != "" {
		fmt.Fprintf(&b, " from %s", e.MovedFrom)
	}
	if e.MovedTo != "" {
		fmt.Fprintf(&b, " to %s", e.MovedTo)
	}
	return b.String()
}

// String renders the delta one node per line, indented by depth.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	var b strings.Builder
	for _, e := range n.Flatten() {
		b.WriteString(strings.Repeat("  ", e.Path.Depth()))
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
