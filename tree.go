package meshdb

import (
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

// SerializerRuntime is the version stamped on every record meta written
// by this package. It exists so a future rewrite of the on-disk encoding
// can tell old records apart from new ones; meshdb itself never branches
// on it.
var SerializerRuntime = SimpleVersion{Major: 1, Minor: 0}

// Tree is the fixed public surface for one (Key[Tag], V) pair: the tree
// name, a versioning flag fixed at first creation, the evolution the
// current Go type V maps to, and any indexers registered
// against it. It owns no state beyond references into its DB; all the data
// lives in bbolt and in the DB-wide checkout mirror, outbox, and notifier.
type Tree[Tag any, V any] struct {
	db         *DB
	name       string
	versioning bool
	evolution  SimpleVersion
	indexers   []Indexer
}

// OpenTree opens or creates tree name for value type V, reflecting V into
// a TypeCollection and reconciling it against any evolutions already
// recorded. versioning must match whatever the tree was first created
// with; the flag can never change afterwards.
func OpenTree[Tag any, V any](db *DB, name string, versioning bool) (*Tree[Tag, V], error) {
	tc, err := Reflect[V]()
	if err != nil {
		return nil, err
	}
	evolution, err := db.registerTree(name, versioning, tc)
	if err != nil {
		return nil, err
	}
	return &Tree[Tag, V]{db: db, name: name, versioning: versioning, evolution: evolution}, nil
}

// Name returns the tree's name, as registered with the local store.
func (t *Tree[Tag, V]) Name() string { return t.name }

// Versioning reports the tree's immutable versioning flag.
func (t *Tree[Tag, V]) Versioning() bool { return t.versioning }

// Evolution returns the schema evolution the tree's Go type V currently maps
// to.
func (t *Tree[Tag, V]) Evolution() SimpleVersion { return t.evolution }

// AddIndexer registers ix against the tree and immediately rebuilds it
// from whatever records already exist. Every later Insert/Update/Remove
// runs ix alongside any previously registered indexer.
func (t *Tree[Tag, V]) AddIndexer(ix Indexer) error {
	if err := ix.Rebuild(t); err != nil {
		return err
	}
	t.indexers = append(t.indexers, ix)
	return nil
}

// AllKeys implements IndexSource, used both by AddIndexer's initial rebuild
// and by the opaque tree facade.
func (t *Tree[Tag, V]) AllKeys() ([]GenericKey, error) { return t.db.txAllKeys(t.name) }

// RawData implements IndexSource: the still-serialized bytes for key, for an
// indexer's extractor to read without knowing V.
func (t *Tree[Tag, V]) RawData(key GenericKey) ([]byte, bool, error) {
	rec, ok, err := t.db.txGetRecord(t.name, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	return rec.Data, true, nil
}

func (t *Tree[Tag, V]) runIndexers(key GenericKey, data []byte, action Action) error {
	for _, ix := range t.indexers {
		if err := ix.Apply(key, data, action); err != nil {
			return err
		}
	}
	return nil
}

// Insert takes a fresh id from the tree's key pool, writes value at
// revision 0, runs every indexer, and enqueues a local change for the
// sync worker. It fails with ErrOutOfKeys if the pool is empty, or with
// ErrIndex if any indexer rejects the value.
func (t *Tree[Tag, V]) Insert(value V) (Key[Tag], error) {
	id, err := t.db.TakeID(t.name)
	if err != nil {
		return Key[Tag]{}, err
	}
	key := GenericKey{ID: id, Revision: 0}

	data, err := json.Marshal(value)
	if err != nil {
		return Key[Tag]{}, fmt.Errorf("%w: marshaling value for %v: %v", ErrStore, key, err)
	}
	if err := t.runIndexers(key, data, ActionInsert); err != nil {
		return Key[Tag]{}, err
	}

	var ver Version
	if t.versioning {
		ver = NewDraft(0)
	} else {
		ver = NewNonVersioned()
	}
	now := truncMilli(time.Now())
	rec := &Record{
		MetaIteration: 0,
		Meta: RecordMeta{
			Key:               key,
			Version:           ver,
			ModifiedBy:        t.db.ReadableName(),
			ModifierNode:      t.db.SelfUUID(),
			Created:           now,
			Modified:          now,
			SerializerRuntime: SerializerRuntime,
		},
		DataIteration: 0,
		DataEvolution: t.evolution,
		Data:          data,
	}
	if err := t.db.txPutRecord(t.name, rec); err != nil {
		return Key[Tag]{}, err
	}

	k := Key[Tag]{key}
	if err := t.db.outbox.Send(Change{Tree: t.name, Key: key, Kind: ChangeInserted}); err != nil {
		return k, err
	}
	t.db.notify.emit(Change{Tree: t.name, Key: key, Kind: ChangeInserted})
	return k, nil
}

// InsertRevision opens the next draft of a released record: it writes
// value at key, which must name a revision > 0 whose predecessor exists
// and is Released. The new record starts over as Draft(0) with both
// iterations at zero. The id needs no fresh pool entry, it is already
// owned by whoever inserted revision 0.
func (t *Tree[Tag, V]) InsertRevision(key Key[Tag], value V) error {
	if !t.versioning {
		return fmt.Errorf("%w: tree %q is not versioned, revisions do not apply", ErrVersioning, t.name)
	}
	prev, ok := key.PreviousRevision()
	if !ok {
		return fmt.Errorf("%w: revision 0 of %v is created by Insert", ErrUsage, key.ID)
	}
	prevRec, found, err := t.db.txGetRecord(t.name, prev)
	if err != nil {
		return err
	}
	if !found || !prevRec.Meta.Version.IsReleased() {
		return fmt.Errorf("%w: revision %d of %v requires revision %d to exist and be released", ErrVersioning, key.Revision, key.ID, prev.Revision)
	}
	if _, exists, err := t.db.txGetRecord(t.name, key.GenericKey); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("%w: revision %d of %v already exists", ErrVersioning, key.Revision, key.ID)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: marshaling value for %v: %v", ErrStore, key.GenericKey, err)
	}
	if err := t.runIndexers(key.GenericKey, data, ActionInsert); err != nil {
		return err
	}

	now := truncMilli(time.Now())
	rec := &Record{
		MetaIteration: 0,
		Meta: RecordMeta{
			Key:               key.GenericKey,
			Version:           NewDraft(0),
			ModifiedBy:        t.db.ReadableName(),
			ModifierNode:      t.db.SelfUUID(),
			Created:           now,
			Modified:          now,
			SerializerRuntime: SerializerRuntime,
		},
		DataIteration: 0,
		DataEvolution: t.evolution,
		Data:          data,
	}
	if err := t.db.txPutRecord(t.name, rec); err != nil {
		return err
	}

	if err := t.db.outbox.Send(Change{Tree: t.name, Key: key.GenericKey, Kind: ChangeInserted}); err != nil {
		return err
	}
	t.db.notify.emit(Change{Tree: t.name, Key: key.GenericKey, Kind: ChangeInserted})
	return nil
}

// Update overwrites key's data with value. The caller must hold the
// check-out; the tree's versioning flag must agree with key.Revision; and
// the existing record must not be Released. Both iterations are
// incremented; Created is preserved and Modified is refreshed.
func (t *Tree[Tag, V]) Update(key Key[Tag], value V) error {
	if st := t.db.checkout.State(t.name, key.GenericKey, t.db.SelfUUID()); st.Kind != CheckedOut {
		return fmt.Errorf("%w: update of %v requires check-out (state: %v)", ErrUsage, key.GenericKey, st.Kind)
	}
	if !t.versioning && key.Revision != 0 {
		return fmt.Errorf("%w: un-versioned tree %q requires revision 0, got %v", ErrVersioning, t.name, key.GenericKey)
	}
	if prev, ok := key.PreviousRevision(); ok {
		prevRec, found, err := t.db.txGetRecord(t.name, prev)
		if err != nil {
			return err
		}
		if !found || !prevRec.Meta.Version.IsReleased() {
			return fmt.Errorf("%w: revision %d of %v requires revision %d to exist and be released", ErrVersioning, key.Revision, key.ID, prev.Revision)
		}
	}
	existing, ok, err := t.db.txGetRecord(t.name, key.GenericKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, key.GenericKey)
	}
	if existing.Meta.Version.IsReleased() {
		return fmt.Errorf("%w: %v is released and immutable", ErrVersioning, key.GenericKey)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: marshaling value for %v: %v", ErrStore, key.GenericKey, err)
	}
	if err := t.runIndexers(key.GenericKey, data, ActionUpdate); err != nil {
		return err
	}

	rec := *existing
	rec.MetaIteration++
	rec.DataIteration++
	rec.DataEvolution = t.evolution
	rec.Data = data
	rec.Meta.ModifiedBy = t.db.ReadableName()
	rec.Meta.ModifierNode = t.db.SelfUUID()
	rec.Meta.Modified = truncMilli(time.Now())
	if err := t.db.txPutRecord(t.name, &rec); err != nil {
		return err
	}

	if err := t.db.outbox.Send(Change{Tree: t.name, Key: key.GenericKey, Kind: ChangeUpdated}); err != nil {
		return err
	}
	t.db.notify.emit(Change{Tree: t.name, Key: key.GenericKey, Kind: ChangeUpdated})
	return nil
}

// Release flips a Draft record to Released, bumping only the meta
// iteration: the data and data iteration are untouched. It requires the
// caller's check-out and a versioned tree.
func (t *Tree[Tag, V]) Release(key Key[Tag]) error {
	if !t.versioning {
		return fmt.Errorf("%w: tree %q is not versioned, nothing to release", ErrVersioning, t.name)
	}
	if st := t.db.checkout.State(t.name, key.GenericKey, t.db.SelfUUID()); st.Kind != CheckedOut {
		return fmt.Errorf("%w: release of %v requires check-out (state: %v)", ErrUsage, key.GenericKey, st.Kind)
	}
	existing, ok, err := t.db.txGetRecord(t.name, key.GenericKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, key.GenericKey)
	}
	if existing.Meta.Version.IsReleased() {
		return fmt.Errorf("%w: %v is already released", ErrVersioning, key.GenericKey)
	}

	rec := *existing
	rec.MetaIteration++
	rec.Meta.Version = NewReleased(key.Revision)
	rec.Meta.ModifiedBy = t.db.ReadableName()
	rec.Meta.ModifierNode = t.db.SelfUUID()
	rec.Meta.Modified = truncMilli(time.Now())
	if err := t.db.txPutRecord(t.name, &rec); err != nil {
		return err
	}

	if err := t.db.outbox.Send(Change{Tree: t.name, Key: key.GenericKey, Kind: ChangeMetaChanged}); err != nil {
		return err
	}
	t.db.notify.emit(Change{Tree: t.name, Key: key.GenericKey, Kind: ChangeMetaChanged})
	return nil
}

// Remove deletes key, requiring the caller's check-out. It reports false
// if key was already absent, and fails if the record is Released:
// released records can never be removed.
func (t *Tree[Tag, V]) Remove(key Key[Tag]) (bool, error) {
	if st := t.db.checkout.State(t.name, key.GenericKey, t.db.SelfUUID()); st.Kind != CheckedOut {
		return false, fmt.Errorf("%w: remove of %v requires check-out (state: %v)", ErrUsage, key.GenericKey, st.Kind)
	}
	existing, ok, err := t.db.txGetRecord(t.name, key.GenericKey)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if existing.Meta.Version.IsReleased() {
		return false, fmt.Errorf("%w: %v is released and cannot be removed", ErrVersioning, key.GenericKey)
	}
	if err := t.runIndexers(key.GenericKey, existing.Data, ActionRemove); err != nil {
		return false, err
	}
	if err := t.db.txDeleteRecord(t.name, key.GenericKey); err != nil {
		return false, err
	}

	if err := t.db.outbox.Send(Change{Tree: t.name, Key: key.GenericKey, Kind: ChangeRemoved}); err != nil {
		return true, err
	}
	t.db.notify.emit(Change{Tree: t.name, Key: key.GenericKey, Kind: ChangeRemoved})
	return true, nil
}

// Get deserializes key's data as V. It fails with ErrEvolution if the
// stored data evolution differs from V's current evolution, and with
// ErrNotFound if key is absent.
func (t *Tree[Tag, V]) Get(key Key[Tag]) (V, error) {
	var zero V
	rec, ok, err := t.db.txGetRecord(t.name, key.GenericKey)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, fmt.Errorf("%w: %v", ErrNotFound, key.GenericKey)
	}
	if rec.DataEvolution != t.evolution {
		return zero, fmt.Errorf("%w: record %v has evolution %v, code has %v", ErrEvolution, key.GenericKey, rec.DataEvolution, t.evolution)
	}
	var v V
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return zero, fmt.Errorf("%w: unmarshaling %v: %v", ErrStore, key.GenericKey, err)
	}
	return v, nil
}

// Meta returns key's meta iteration, meta block, data iteration, and data
// evolution.
func (t *Tree[Tag, V]) Meta(key Key[Tag]) (metaIteration uint32, meta RecordMeta, dataIteration uint32, evolution SimpleVersion, err error) {
	rec, ok, err := t.db.txGetRecord(t.name, key.GenericKey)
	if err != nil {
		return 0, RecordMeta{}, 0, SimpleVersion{}, err
	}
	if !ok {
		return 0, RecordMeta{}, 0, SimpleVersion{}, fmt.Errorf("%w: %v", ErrNotFound, key.GenericKey)
	}
	return rec.MetaIteration, rec.Meta, rec.DataIteration, rec.DataEvolution, nil
}

// AllRevisions returns a lazy, byte-ordered sequence of every key in the
// tree, skipping the reserved key-pool entry.
func (t *Tree[Tag, V]) AllRevisions() iter.Seq[Key[Tag]] {
	return func(yield func(Key[Tag]) bool) {
		_ = t.db.streamKeys(t.name, func(gk GenericKey) bool {
			return yield(Key[Tag]{gk})
		})
	}
}

// CheckOut asks the sync worker to enqueue the local node on key's
// check-out queue. It is fire-and-forget: the queue itself is only updated
// once the worker's CheckedOut reply arrives.
func (t *Tree[Tag, V]) CheckOut(key Key[Tag]) error {
	return t.db.outbox.Send(Change{Tree: t.name, Key: key.GenericKey, Kind: ChangeCheckOutRequested})
}

// ReleaseCheckOut asks the sync worker to dequeue the local node from key's
// check-out queue.
func (t *Tree[Tag, V]) ReleaseCheckOut(key Key[Tag]) error {
	return t.db.outbox.Send(Change{Tree: t.name, Key: key.GenericKey, Kind: ChangeReleaseRequested})
}

// State returns the local node's view of key's check-out queue.
func (t *Tree[Tag, V]) State(key Key[Tag]) CheckOutState {
	return t.db.checkout.State(t.name, key.GenericKey, t.db.SelfUUID())
}

// IsCheckedOut reports whether the local node is at the head of key's
// check-out queue, i.e. the unique node allowed to mutate it right now.
func (t *Tree[Tag, V]) IsCheckedOut(key Key[Tag]) bool {
	return t.State(key).Kind == CheckedOut
}

// CheckedOutBy returns the uuid at the head of key's check-out queue, and
// whether the local node is absent from that queue (CheckOutKind
// CheckedOutBy).
func (t *Tree[Tag, V]) CheckedOutBy(key Key[Tag]) (uuid.UUID, bool) {
	st := t.State(key)
	if st.Kind == CheckedOutBy {
		return st.Who, true
	}
	return uuid.UUID{}, false
}

// --- common record application, shared by both sync workers
// via the OpaqueTree facade in opaque.go ------------------------------------

// ApplyMetaChanged applies an inbound HotSyncEventKind.MetaChanged: the
// arm that leaves data and data_iteration untouched. It reports false (no
// error) if the key is absent locally, or if metaIteration is not strictly
// greater than the stored meta_iteration. Both are drop cases and are not
// logged: a meta-only update never implicitly creates a record.
func (t *Tree[Tag, V]) ApplyMetaChanged(key GenericKey, meta RecordMeta, metaIteration uint32) (bool, error) {
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

// ApplyCreatedOrChanged applies an inbound
// HotSyncEventKind.CreatedOrChanged. A first-ever local record runs
// indexers with ActionInsert; an existing one is dropped unless both
// incoming iterations strictly exceed the stored ones, and otherwise runs
// indexers with ActionUpdate.
func (t *Tree[Tag, V]) ApplyCreatedOrChanged(key GenericKey, meta RecordMeta, metaIteration uint32, data []byte, evolution SimpleVersion, dataIteration uint32) (bool, error) {
	existing, ok, err := t.db.txGetRecord(t.name, key)
	if err != nil {
		return false, err
	}
	action := ActionInsert
	if ok {
		if metaIteration <= existing.MetaIteration || dataIteration <= existing.DataIteration {
			return false, nil
		}
		action = ActionUpdate
	}
	if err := t.runIndexers(key, data, action); err != nil {
		return false, err
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
	kind := ChangeInserted
	if action == ActionUpdate {
		kind = ChangeUpdated
	}
	t.db.notify.emit(Change{Tree: t.name, Key: key, Kind: kind})
	return true, nil
}

// ApplyRemoved applies an inbound HotSyncEventKind.Removed. It reports
// false (no error) if the key was already absent locally, making the
// operation idempotent on the receiver.
func (t *Tree[Tag, V]) ApplyRemoved(key GenericKey) (bool, error) {
	existing, ok, err := t.db.txGetRecord(t.name, key)
	if err != nil || !ok {
		return false, err
	}
	if err := t.runIndexers(key, existing.Data, ActionRemove); err != nil {
		return false, err
	}
	if err := t.db.txDeleteRecord(t.name, key); err != nil {
		return false, err
	}
	t.db.notify.emit(Change{Tree: t.name, Key: key, Kind: ChangeRemoved})
	return true, nil
}

// Subscribe returns a channel of every future Change on this tree (other
// trees' changes are filtered out) and an id to later Unsubscribe with.
func (t *Tree[Tag, V]) Subscribe(buffer int) (id int, ch <-chan Change) {
	id, raw := t.db.notify.Subscribe(buffer)
	filtered := make(chan Change, buffer)
	go func() {
		defer close(filtered)
		for c := range raw {
			if c.Tree == t.name {
				filtered <- c
			}
		}
	}()
	return id, filtered
}

// Unsubscribe stops and closes the channel returned by a prior Subscribe.
func (t *Tree[Tag, V]) Unsubscribe(id int) { t.db.notify.Unsubscribe(id) }
