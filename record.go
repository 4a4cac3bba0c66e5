package meshdb

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SimpleVersion is a (major, minor) schema version, used for both the
// serialization-runtime version stamped on RecordMeta and for the evolution
// of a record's data (see TypeCollection).
type SimpleVersion struct {
	Major uint32
	Minor uint32
}

// Less reports whether v sorts strictly before o: a smaller major wins,
// then a smaller minor.
func (v SimpleVersion) Less(o SimpleVersion) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// AtLeast reports whether v >= o.
func (v SimpleVersion) AtLeast(o SimpleVersion) bool {
	return !v.Less(o)
}

func (v SimpleVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// MarshalText/UnmarshalText let a SimpleVersion serve as a JSON object key,
// which is how TreeDescriptor stores its evolutions.
func (v SimpleVersion) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *SimpleVersion) UnmarshalText(b []byte) error {
	var major, minor uint32
	if _, err := fmt.Sscanf(string(b), "%d.%d", &major, &minor); err != nil {
		return fmt.Errorf("parsing version %q: %v", b, err)
	}
	v.Major, v.Minor = major, minor
	return nil
}

// VersionKind discriminates the three states a record's versioning field
// can be in: see Version.
type VersionKind int

const (
	// NonVersioned is the only state a record in an un-versioned tree
	// ever has.
	NonVersioned VersionKind = iota
	// Draft is a mutable revision; its payload carries the draft's
	// ordinal (almost always 0 — a tree keeps at most one open draft per
	// id at a time).
	Draft
	// Released is an immutable revision; its payload is the released
	// ordinal matching GenericKey.Revision.
	Released
)

func (k VersionKind) String() string {
	switch k {
	case NonVersioned:
		return "NonVersioned"
	case Draft:
		return "Draft"
	case Released:
		return "Released"
	default:
		return "Version(?)"
	}
}

// Version is the per-record versioning state. A tree's versioning flag, set
// at creation, determines which constructor is ever used for its records:
// NewNonVersioned for un-versioned trees, NewDraft/NewReleased for versioned
// ones.
type Version struct {
	Kind VersionKind
	N    uint32
}

func NewNonVersioned() Version       { return Version{Kind: NonVersioned} }
func NewDraft(n uint32) Version      { return Version{Kind: Draft, N: n} }
func NewReleased(n uint32) Version   { return Version{Kind: Released, N: n} }
func (v Version) IsReleased() bool   { return v.Kind == Released }
func (v Version) IsDraft() bool      { return v.Kind == Draft }
func (v Version) IsNonVersion() bool { return v.Kind == NonVersioned }

// RecordMeta is the fixed-shape metadata block carried by every record.
type RecordMeta struct {
	Key               GenericKey
	Version           Version
	ModifiedBy        string // username of the node that last wrote the record
	ModifierNode      uuid.UUID
	Created           time.Time // millisecond precision, UTC
	Modified          time.Time // millisecond precision, UTC
	SerializerRuntime SimpleVersion
}

// truncMilli truncates t to millisecond precision in UTC, the precision
// RecordMeta timestamps are kept at.
func truncMilli(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Record is the envelope stored for every key: meta plus the opaque,
// versioned payload.
type Record struct {
	MetaIteration uint32
	Meta          RecordMeta
	DataIteration uint32
	DataEvolution SimpleVersion
	Data          []byte
}
