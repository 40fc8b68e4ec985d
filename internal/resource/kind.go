package resource

// Kind is the resource type. Values are bit flags so that masks such as
// "any container" can be expressed as Folder|Project|Root.
type Kind int

const (
	File    Kind = 0x1
	Folder  Kind = 0x2
	Project Kind = 0x4
	Root    Kind = 0x8

	// Container matches every kind that can have members.
	Container = Folder | Project | Root
	// AnyKind matches every kind.
	AnyKind = File | Container
)

// Matches reports whether k is included in mask.
func (k Kind) Matches(mask Kind) bool {
	return k&mask != 0
}

// IsContainer reports whether resources of kind k can have members.
func (k Kind) IsContainer() bool {
	return k.Matches(Container)
}

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Folder:
		return "folder"
	case Project:
		return "project"
	case Root:
		return "root"
	default:
		return "unknown"
	}
}

// Depth controls how far a traversal descends.
type Depth int

const (
	DepthZero     Depth = 0
	DepthOne      Depth = 1
	DepthInfinite Depth = 2
)

// Next returns the depth to use for the members of a resource visited
// at depth d, and false when members must not be visited.
func (d Depth) Next() (Depth, bool) {
	switch d {
	case DepthZero:
		return DepthZero, false
	case DepthOne:
		return DepthZero, true
	default:
		return DepthInfinite, true
	}
}

// Option is a bitset of mutation options accepted by create, delete,
// move and copy.
type Option int

const (
	None                       Option = 0
	Force                      Option = 0x1
	KeepHistory                Option = 0x2
	AlwaysDeleteProjectContent Option = 0x4
	NeverDeleteProjectContent  Option = 0x8
	AllowMissingLocal          Option = 0x10
	Shallow                    Option = 0x20
	BackgroundRefresh          Option = 0x80
	Replace                    Option = 0x100
)

// Has reports whether every bit of o2 is set in o.
func (o Option) Has(o2 Option) bool {
	return o&o2 == o2
}

// MemberFlag selects special members during traversals. By default
// hidden and team-private members are skipped.
type MemberFlag int

const (
	IncludeTeamPrivate MemberFlag = 0x2
	IncludeHidden      MemberFlag = 0x8
)
