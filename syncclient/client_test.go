package syncclient

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nilsson/meshdb"
	"github.com/nilsson/meshdb/wire"
)

type item struct{ Name string }
type itemTag struct{}

func testClient(t *testing.T) (*Client, *meshdb.Tree[itemTag, item]) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.db")
	db, err := meshdb.Open(path, "node-a")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	tree, err := meshdb.OpenTree[itemTag, item](db, "items", false)
	if err != nil {
		t.Fatal(err)
	}
	registry := meshdb.NewRegistry()
	registry.Add(tree.Opaque())

	log := logrus.New()
	log.SetOutput(discard{})
	return New(db, registry, "ws://unused", log), tree
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestStateStringsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range []State{Disconnected, Connecting, Presenting, Syncing} {
		str := s.String()
		if seen[str] {
			t.Fatalf("duplicate state string %q", str)
		}
		seen[str] = true
	}
}

func TestNewClientStartsDisconnected(t *testing.T) {
	c, _ := testClient(t)
	if c.State() != Disconnected {
		t.Fatalf("got %v, want Disconnected", c.State())
	}
	if stats := c.Stats(); stats.BacklogCount != 0 {
		t.Fatalf("got %+v, want zero backlog", stats)
	}
}

func TestApplyHotSyncCreatesRecordLocally(t *testing.T) {
	c, tree := testClient(t)
	key := meshdb.GenericKey{ID: 1, Revision: 0}
	c.applyHotSync(wire.HotSyncEvent{Tree: "items", Key: key, Kind: wire.CreatedOrChanged{
		Meta:          meshdb.RecordMeta{Key: key},
		MetaIteration: 0,
		Data:          []byte(`{"Name":"gear"}`),
		DataIteration: 0,
	}})
	v, err := tree.Get(meshdb.Key[itemTag]{GenericKey: key})
	if err != nil {
		t.Fatal(err)
	}
	if v.Name != "gear" {
		t.Fatalf("got %+v", v)
	}
}

func TestApplyHotSyncRemovedDeletesRecord(t *testing.T) {
	c, tree := testClient(t)
	key := meshdb.GenericKey{ID: 1, Revision: 0}
	c.applyHotSync(wire.HotSyncEvent{Tree: "items", Key: key, Kind: wire.CreatedOrChanged{
		Meta: meshdb.RecordMeta{Key: key}, Data: []byte(`{"Name":"gear"}`),
	}})
	c.applyHotSync(wire.HotSyncEvent{Tree: "items", Key: key, Kind: wire.Removed{}})

	if _, err := tree.Get(meshdb.Key[itemTag]{GenericKey: key}); err == nil {
		t.Fatalf("expected record to be removed")
	}
}

func TestForwardWithoutConnectionRecordsBacklog(t *testing.T) {
	c, _ := testClient(t)
	change := meshdb.Change{Tree: "items", Key: meshdb.GenericKey{ID: 1}, Kind: meshdb.ChangeInserted}
	if err := c.forward(change); err == nil {
		t.Fatalf("expected forward to fail while disconnected")
	}
	if stats := c.Stats(); stats.BacklogCount == 0 {
		t.Fatalf("expected backlog to be recorded")
	}
}
