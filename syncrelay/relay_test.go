package syncrelay

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nilsson/meshdb"
	"github.com/nilsson/meshdb/wire"
)

func testRelay(t *testing.T) *Relay {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	db, err := meshdb.Open(path, "relay")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	registry, err := meshdb.NewRawRegistry(db)
	if err != nil {
		t.Fatal(err)
	}
	log := logrus.New()
	log.SetOutput(testWriter{t})
	return New(db, registry, log)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestConn(uu uuid.UUID) *connState {
	return &connState{out: make(chan wire.Event, 16), info: &ClientInfo{UUID: uu, KeyRanges: map[string][]KeyRange{}}}
}

func drain(cs *connState) []wire.Event {
	var out []wire.Event
	for {
		select {
		case e := <-cs.out:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestOwnsIDRespectsIssuedRanges(t *testing.T) {
	ci := &ClientInfo{KeyRanges: map[string][]KeyRange{"items": {{Start: 10, End: 20}}}}
	if ci.ownsID("items", 9) {
		t.Fatalf("id 9 should not be owned")
	}
	if !ci.ownsID("items", 10) || !ci.ownsID("items", 19) {
		t.Fatalf("range bounds should be owned")
	}
	if ci.ownsID("items", 20) {
		t.Fatalf("end is exclusive, should not be owned")
	}
	if ci.ownsID("other", 15) {
		t.Fatalf("id must not leak across trees")
	}
}

func TestHandleGetKeySetAllocatesAndRecords(t *testing.T) {
	r := testRelay(t)
	cs := newTestConn(uuid.New())
	r.handleGetKeySet(cs, wire.GetKeySet{Tree: "items"})

	events := drain(cs)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ks, ok := events[0].(wire.KeySet)
	if !ok || ks.Tree != "items" || ks.End-ks.Start != KeysPerRequest {
		t.Fatalf("got %+v", events[0])
	}
	if !cs.info.ownsID("items", ks.Start) {
		t.Fatalf("client record should now own the allocated range")
	}
}

func TestHandleHotSyncDropsUnownedCreate(t *testing.T) {
	r := testRelay(t)
	cs := newTestConn(uuid.New())
	key := meshdb.GenericKey{ID: 5, Revision: 0}
	ev := wire.HotSyncEvent{Tree: "items", Key: key, Kind: wire.CreatedOrChanged{
		Meta:          meshdb.RecordMeta{Key: key},
		MetaIteration: 0,
		Data:          []byte(`{}`),
	}}
	r.handleHotSync(cs, ev)

	t2, ok := r.registry.Get("items")
	if ok {
		if _, meta, _, _, err := t2.Meta(key); err == nil {
			t.Fatalf("unowned create should have been dropped, got meta %+v", meta)
		}
	}
}

func TestHandleHotSyncAppliesOwnedCreateAndBroadcastsExceptSource(t *testing.T) {
	r := testRelay(t)
	source := newTestConn(uuid.New())
	other := newTestConn(uuid.New())
	r.addConn(source)
	r.addConn(other)
	other.subscribe("items")

	start, end, err := r.db.AllocateKeyRange("items", 10)
	if err != nil {
		t.Fatal(err)
	}
	source.info.KeyRanges["items"] = []KeyRange{{Start: start, End: end}}

	key := meshdb.GenericKey{ID: start, Revision: 0}
	ev := wire.HotSyncEvent{Tree: "items", Key: key, Kind: wire.CreatedOrChanged{
		Meta:          meshdb.RecordMeta{Key: key},
		MetaIteration: 0,
		Data:          []byte(`{"Name":"gear"}`),
	}}
	r.handleHotSync(source, ev)

	if events := drain(source); len(events) != 0 {
		t.Fatalf("source should not see its own event back: %v", events)
	}
	events := drain(other)
	if len(events) != 1 {
		t.Fatalf("got %d events on other, want 1", len(events))
	}
	hse, ok := events[0].(wire.HotSyncEvent)
	if !ok || hse.Key != key {
		t.Fatalf("got %+v", events[0])
	}

	tr, ok := r.registry.Get("items")
	if !ok {
		t.Fatalf("tree should have been onboarded")
	}
	if _, _, _, _, err := tr.Meta(key); err != nil {
		t.Fatalf("record should be applied: %v", err)
	}
}

func TestRemovedEventTombstonesAndBlocksRecreate(t *testing.T) {
	r := testRelay(t)
	cs := newTestConn(uuid.New())

	start, end, err := r.db.AllocateKeyRange("items", 10)
	if err != nil {
		t.Fatal(err)
	}
	cs.info.KeyRanges["items"] = []KeyRange{{Start: start, End: end}}
	key := meshdb.GenericKey{ID: start, Revision: 0}

	r.handleHotSync(cs, wire.HotSyncEvent{Tree: "items", Key: key, Kind: wire.CreatedOrChanged{
		Meta: meshdb.RecordMeta{Key: key}, MetaIteration: 0, Data: []byte(`{}`),
	}})
	r.handleHotSync(cs, wire.HotSyncEvent{Tree: "items", Key: key, Kind: wire.Removed{}})

	tomb, err := r.db.IsTombstoned("items", key)
	if err != nil || !tomb {
		t.Fatalf("got tomb=%v, err=%v, want tombstoned", tomb, err)
	}

	drain(cs)
	r.handleHotSync(cs, wire.HotSyncEvent{Tree: "items", Key: key, Kind: wire.CreatedOrChanged{
		Meta: meshdb.RecordMeta{Key: key}, MetaIteration: 0, Data: []byte(`{}`),
	}})
	tr, _ := r.registry.Get("items")
	if _, _, _, _, err := tr.Meta(key); err == nil {
		t.Fatalf("re-creation of a tombstoned key should have been dropped")
	}
}

func TestTreeOverviewReplaysTombstonesToLatePeer(t *testing.T) {
	r := testRelay(t)
	key := meshdb.GenericKey{ID: 4, Revision: 0}
	if err := r.db.Tombstone("items", key); err != nil {
		t.Fatal(err)
	}

	// The late peer never saw the record: its overview is empty. It still
	// has to learn the removal so a future re-create is impossible.
	cs := newTestConn(uuid.New())
	r.handleTreeOverview(cs, wire.TreeOverview{Tree: "items", Records: map[meshdb.GenericKey]wire.IterationPair{}})

	events := drain(cs)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	hse, ok := events[0].(wire.HotSyncEvent)
	if !ok || hse.Key != key {
		t.Fatalf("got %+v", events[0])
	}
	if _, ok := hse.Kind.(wire.Removed); !ok {
		t.Fatalf("got kind %T, want Removed", hse.Kind)
	}
}

func TestCheckOutAndReturnBroadcastToAllIncludingSource(t *testing.T) {
	r := testRelay(t)
	a := newTestConn(uuid.New())
	b := newTestConn(uuid.New())
	r.addConn(a)
	r.addConn(b)

	key := meshdb.GenericKey{ID: 1}
	r.handleCheckOut(a, wire.CheckOut{Tree: "items", Keys: []meshdb.GenericKey{key}})

	for _, cs := range []*connState{a, b} {
		events := drain(cs)
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1 (checkout broadcasts to all including source)", len(events))
		}
		co, ok := events[0].(wire.CheckedOut)
		if !ok || len(co.Queue) != 1 || co.Queue[0] != a.info.UUID {
			t.Fatalf("got %+v", events[0])
		}
	}

	r.handleReturn(a, wire.Return{Tree: "items", Keys: []meshdb.GenericKey{key}})
	for _, cs := range []*connState{a, b} {
		events := drain(cs)
		if len(events) != 1 {
			t.Fatalf("got %d events after return, want 1", len(events))
		}
		co := events[0].(wire.CheckedOut)
		if len(co.Queue) != 0 {
			t.Fatalf("queue should be empty after return, got %v", co.Queue)
		}
	}
}
