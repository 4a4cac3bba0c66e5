package meshdb

import (
	"encoding/json"
	"fmt"
)

// RawTree is a reflection-free OpaqueTree: it reads and writes the same
// JSON-encoded Record bytes a Tree[Tag, V] would, but without ever
// needing to know V. This is what the relay and the inspection tool use:
// neither one is a participant with its own schema for a tree, so neither
// can reflect a V for it. They only ever move bytes and meta around,
// decoding data as map[string]any when a human needs to read it.
type RawTree struct {
	db   *DB
	name string
}

// OpenRawTree wraps tree name for byte-level access, creating its bucket
// if this is the first time this store has seen it. A RawTree needs no
// descriptor: it has no schema of its own to register, so it works
// equally for a tree another participant already typed and for one the
// relay is only now learning about from a peer's TreeOverview.
func OpenRawTree(db *DB, name string) (*RawTree, error) {
	if err := db.EnsureTreeBucket(name); err != nil {
		return nil, err
	}
	return &RawTree{db: db, name: name}, nil
}

var _ OpaqueTree = (*RawTree)(nil)

func (t *RawTree) Name() string { return t.name }

func (t *RawTree) Versioning() bool {
	d, ok := t.db.Descriptor(t.name)
	return ok && d.Versioning
}

// Evolution returns the tree's current evolution as recorded by whichever
// participant most recently wrote its schema; a RawTree has no Go type of
// its own to reconcile against.
func (t *RawTree) Evolution() SimpleVersion {
	d, ok := t.db.Descriptor(t.name)
	if !ok {
		return SimpleVersion{}
	}
	cur, _ := d.currentEvolution()
	return cur
}

func (t *RawTree) AllKeys() ([]GenericKey, error) { return t.db.txAllKeys(t.name) }

func (t *RawTree) Meta(key GenericKey) (uint32, RecordMeta, uint32, SimpleVersion, error) {
	rec, ok, err := t.db.txGetRecord(t.name, key)
	if err != nil {
		return 0, RecordMeta{}, 0, SimpleVersion{}, err
	}
	if !ok {
		return 0, RecordMeta{}, 0, SimpleVersion{}, fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	return rec.MetaIteration, rec.Meta, rec.DataIteration, rec.DataEvolution, nil
}

func (t *RawTree) RawData(key GenericKey) ([]byte, SimpleVersion, bool, error) {
	rec, ok, err := t.db.txGetRecord(t.name, key)
	if err != nil || !ok {
		return nil, SimpleVersion{}, ok, err
	}
	return rec.Data, rec.DataEvolution, true, nil
}

// SerializePretty renders a record's data as indented JSON; every record
// this package writes is JSON, so this needs no knowledge of V.
func (t *RawTree) SerializePretty(key GenericKey) (string, error) {
	rec, ok, err := t.db.txGetRecord(t.name, key)
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

// CheckOut, ReleaseCheckOut, and State let a RawTree sit behind the same
// OpaqueTree check-out surface a typed Tree does, using the local store's
// own identity; the relay never calls these (it manipulates the
// authoritative CheckoutMirror directly), but a RawTree used by
// cmd/meshctl against a client's database behaves like any other peer.
func (t *RawTree) CheckOut(key GenericKey) error {
	return t.db.outbox.Send(Change{Tree: t.name, Key: key, Kind: ChangeCheckOutRequested})
}

func (t *RawTree) ReleaseCheckOut(key GenericKey) error {
	return t.db.outbox.Send(Change{Tree: t.name, Key: key, Kind: ChangeReleaseRequested})
}

func (t *RawTree) State(key GenericKey) CheckOutState {
	return t.db.checkout.State(t.name, key, t.db.SelfUUID())
}

// ApplyMetaChanged mirrors Tree[Tag, V].ApplyMetaChanged exactly; neither
// runs indexers, since the data is unchanged. A RawTree has no indexers at
// all, since indexers are declared against a Go type.
func (t *RawTree) ApplyMetaChanged(key GenericKey, meta RecordMeta, metaIteration uint32) (bool, error) {
	existing, ok, err := t.db.txGetRecord(t.name, key)
	if err != nil || !ok {
		return false, err
	}
	if metaIteration <= existing.MetaIteration {
		return false, nil
	}
	rec := *existing
	rec.MetaIteration = metaIteration
	rec.Meta = meta
	if err := t.db.txPutRecord(t.name, &rec); err != nil {
		return false, err
	}
	t.db.notify.emit(Change{Tree: t.name, Key: key, Kind: ChangeMetaChanged})
	return true, nil
}

func (t *RawTree) ApplyCreatedOrChanged(key GenericKey, meta RecordMeta, metaIteration uint32, data []byte, evolution SimpleVersion, dataIteration uint32) (bool, error) {
	existing, ok, err := t.db.txGetRecord(t.name, key)
	if err != nil {
		return false, err
	}
	kind := ChangeInserted
	if ok {
		if metaIteration <= existing.MetaIteration || dataIteration <= existing.DataIteration {
			return false, nil
		}
		kind = ChangeUpdated
	}
	rec := Record{
		MetaIteration: metaIteration,
		Meta:          meta,
		DataIteration: dataIteration,
		DataEvolution: evolution,
		Data:          data,
	}
	if err := t.db.txPutRecord(t.name, &rec); err != nil {
		return false, err
	}
	t.db.notify.emit(Change{Tree: t.name, Key: key, Kind: kind})
	return true, nil
}

func (t *RawTree) ApplyRemoved(key GenericKey) (bool, error) {
	_, ok, err := t.db.txGetRecord(t.name, key)
	if err != nil || !ok {
		return false, err
	}
	if err := t.db.txDeleteRecord(t.name, key); err != nil {
		return false, err
	}
	t.db.notify.emit(Change{Tree: t.name, Key: key, Kind: ChangeRemoved})
	return true, nil
}
