package meshdb

import (
	"encoding/json"
	"fmt"
)

// OpaqueTree is the type-erased view of a Tree[Tag, V]: the sync workers
// and the inspection tool (cmd/meshctl) operate on a table of these, keyed
// by tree name, without ever naming a tree's Go value type.
type OpaqueTree interface {
	Name() string
	Versioning() bool
	Evolution() SimpleVersion

	AllKeys() ([]GenericKey, error)
	Meta(key GenericKey) (metaIteration uint32, meta RecordMeta, dataIteration uint32, evolution SimpleVersion, err error)
	RawData(key GenericKey) (data []byte, evolution SimpleVersion, ok bool, err error)
	// SerializePretty renders a record's data as indented JSON, for tools;
	// it does not require knowing V, only that the bytes are JSON (true of
	// every record this package writes).
	SerializePretty(key GenericKey) (string, error)

	CheckOut(key GenericKey) error
	ReleaseCheckOut(key GenericKey) error
	State(key GenericKey) CheckOutState

	ApplyMetaChanged(key GenericKey, meta RecordMeta, metaIteration uint32) (bool, error)
	ApplyCreatedOrChanged(key GenericKey, meta RecordMeta, metaIteration uint32, data []byte, evolution SimpleVersion, dataIteration uint32) (bool, error)
	ApplyRemoved(key GenericKey) (bool, error)
}

// Opaque returns t behind the OpaqueTree interface.
func (t *Tree[Tag, V]) Opaque() OpaqueTree { return opaqueTree[Tag, V]{t} }

type opaqueTree[Tag any, V any] struct{ t *Tree[Tag, V] }

func (o opaqueTree[Tag, V]) Name() string            { return o.t.name }
func (o opaqueTree[Tag, V]) Versioning() bool         { return o.t.versioning }
func (o opaqueTree[Tag, V]) Evolution() SimpleVersion { return o.t.evolution }

func (o opaqueTree[Tag, V]) AllKeys() ([]GenericKey, error) { return o.t.AllKeys() }

func (o opaqueTree[Tag, V]) Meta(key GenericKey) (uint32, RecordMeta, uint32, SimpleVersion, error) {
	return o.t.Meta(Key[Tag]{key})
}

func (o opaqueTree[Tag, V]) RawData(key GenericKey) ([]byte, SimpleVersion, bool, error) {
	rec, ok, err := o.t.db.txGetRecord(o.t.name, key)
	if err != nil || !ok {
		return nil, SimpleVersion{}, ok, err
	}
	return rec.Data, rec.DataEvolution, true, nil
}

func (o opaqueTree[Tag, V]) SerializePretty(key GenericKey) (string, error) {
	rec, ok, err := o.t.db.txGetRecord(o.t.name, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	var v any
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return "", fmt.Errorf("%w: unmarshaling %v for pretty-print: %v", ErrStore, key, err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	return string(b), nil
}

func (o opaqueTree[Tag, V]) CheckOut(key GenericKey) error {
	return o.t.CheckOut(Key[Tag]{key})
}

func (o opaqueTree[Tag, V]) ReleaseCheckOut(key GenericKey) error {
	return o.t.ReleaseCheckOut(Key[Tag]{key})
}

func (o opaqueTree[Tag, V]) State(key GenericKey) CheckOutState {
	return o.t.State(Key[Tag]{key})
}

func (o opaqueTree[Tag, V]) ApplyMetaChanged(key GenericKey, meta RecordMeta, metaIteration uint32) (bool, error) {
	return o.t.ApplyMetaChanged(key, meta, metaIteration)
}

func (o opaqueTree[Tag, V]) ApplyCreatedOrChanged(key GenericKey, meta RecordMeta, metaIteration uint32, data []byte, evolution SimpleVersion, dataIteration uint32) (bool, error) {
	return o.t.ApplyCreatedOrChanged(key, meta, metaIteration, data, evolution, dataIteration)
}

func (o opaqueTree[Tag, V]) ApplyRemoved(key GenericKey) (bool, error) {
	return o.t.ApplyRemoved(key)
}
