package meshdb

import "encoding/binary"

// GenericKey is the untyped (id, revision) key shared by every tree. Id is
// allocated from a server-issued range (see DB.TakeID); revision starts at 0
// and increases by one for each new released-then-redrafted version of the
// same id, in versioned trees only.
type GenericKey struct {
	ID       uint32
	Revision uint32
}

// Bytes returns the 8-byte big-endian wire/disk form of k, id first.
func (k GenericKey) Bytes() [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], k.ID)
	binary.BigEndian.PutUint32(b[4:8], k.Revision)
	return b
}

// ParseGenericKey parses the 8-byte big-endian form produced by Bytes. It
// returns false if b is not exactly 8 bytes long.
func ParseGenericKey(b []byte) (GenericKey, bool) {
	if len(b) != 8 {
		return GenericKey{}, false
	}
	return GenericKey{
		ID:       binary.BigEndian.Uint32(b[0:4]),
		Revision: binary.BigEndian.Uint32(b[4:8]),
	}, true
}

// PreviousRevision returns (k.id, k.revision-1) and true, unless k is
// already at revision 0.
func (k GenericKey) PreviousRevision() (GenericKey, bool) {
	if k.Revision == 0 {
		return GenericKey{}, false
	}
	return GenericKey{ID: k.ID, Revision: k.Revision - 1}, true
}

// Key is GenericKey bound at compile time to one tree via the phantom Tag
// type parameter. Tag never has a value; its only job is to keep keys that
// belong to one tree out of another tree's API. Two trees that happen to
// use the same Go value type V still get distinct key types as long as they
// are opened with distinct Tag types.
type Key[Tag any] struct {
	GenericKey
}

// NewKey builds a Key[Tag] from an id and revision. Tree.Insert is the usual
// way to obtain one; this constructor is for tests and for keys parsed back
// off the wire.
func NewKey[Tag any](id, revision uint32) Key[Tag] {
	return Key[Tag]{GenericKey{ID: id, Revision: revision}}
}
