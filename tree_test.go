package meshdb

import (
	"errors"
	"testing"
)

type widget struct {
	Name string
}

type widgetTag struct{}

func openWidgets(t *testing.T, versioning bool) *Tree[widgetTag, widget] {
	t.Helper()
	db := openTestDB(t)
	if err := db.FeedKeyRange("widgets", 1, 100); err != nil {
		t.Fatal(err)
	}
	tree, err := OpenTree[widgetTag, widget](db, "widgets", versioning)
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

func TestInsertGetRoundTrip(t *testing.T) {
	tree := openWidgets(t, false)
	key, err := tree.Insert(widget{Name: "gear"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := tree.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "gear" {
		t.Fatalf("got %+v", got)
	}
}

func TestFreshInsertMetaShape(t *testing.T) {
	tree := openWidgets(t, false)
	key, err := tree.Insert(widget{Name: "gear"})
	if err != nil {
		t.Fatal(err)
	}
	if key.Revision != 0 {
		t.Fatalf("fresh insert revision = %d, want 0", key.Revision)
	}
	metaIt, meta, dataIt, evolution, err := tree.Meta(key)
	if err != nil {
		t.Fatal(err)
	}
	if metaIt != 0 || dataIt != 0 {
		t.Fatalf("iterations = %d, %d, want 0, 0", metaIt, dataIt)
	}
	if evolution != (SimpleVersion{}) {
		t.Fatalf("first evolution = %v, want 0.0", evolution)
	}
	if meta.Key != key.GenericKey {
		t.Fatalf("meta key = %v, want %v", meta.Key, key.GenericKey)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	tree := openWidgets(t, false)
	if _, err := tree.Get(NewKey[widgetTag](1, 0)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateRequiresCheckOut(t *testing.T) {
	tree := openWidgets(t, false)
	key, err := tree.Insert(widget{Name: "gear"})
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.Update(key, widget{Name: "cog"}); !errors.Is(err, ErrUsage) {
		t.Fatalf("got %v, want ErrUsage without check-out", err)
	}

	self := tree.db.SelfUUID()
	tree.db.checkout.PushCheckOut(tree.name, key.GenericKey, self)
	if err := tree.Update(key, widget{Name: "cog"}); err != nil {
		t.Fatal(err)
	}
	got, err := tree.Get(key)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "cog" {
		t.Fatalf("got %+v", got)
	}

	_, meta, dataIt, _, err := tree.Meta(key)
	if err != nil {
		t.Fatal(err)
	}
	if dataIt != 1 {
		t.Fatalf("data iteration = %d, want 1", dataIt)
	}
	if meta.ModifierNode != self {
		t.Fatalf("modifier node = %v, want %v", meta.ModifierNode, self)
	}
}

func TestReleaseBumpsOnlyMetaIteration(t *testing.T) {
	tree := openWidgets(t, true)
	key, err := tree.Insert(widget{Name: "gear"})
	if err != nil {
		t.Fatal(err)
	}
	self := tree.db.SelfUUID()
	tree.db.checkout.PushCheckOut(tree.name, key.GenericKey, self)

	if err := tree.Release(key); err != nil {
		t.Fatal(err)
	}
	metaIt, meta, dataIt, _, err := tree.Meta(key)
	if err != nil {
		t.Fatal(err)
	}
	if metaIt != 1 {
		t.Fatalf("meta iteration = %d, want 1", metaIt)
	}
	if dataIt != 0 {
		t.Fatalf("data iteration = %d, want unchanged 0", dataIt)
	}
	if !meta.Version.IsReleased() {
		t.Fatalf("version = %+v, want released", meta.Version)
	}

	if err := tree.Release(key); !errors.Is(err, ErrVersioning) {
		t.Fatalf("got %v, want ErrVersioning on double release", err)
	}
}

func TestInsertRevisionRequiresReleasedPredecessor(t *testing.T) {
	tree := openWidgets(t, true)
	key, err := tree.Insert(widget{Name: "v0"})
	if err != nil {
		t.Fatal(err)
	}

	// The draft is not released yet: no follow-up revision can exist.
	rev1 := NewKey[widgetTag](key.ID, 1)
	if err := tree.InsertRevision(rev1, widget{Name: "v1"}); !errors.Is(err, ErrVersioning) {
		t.Fatalf("got %v, want ErrVersioning before release", err)
	}

	self := tree.db.SelfUUID()
	tree.db.checkout.PushCheckOut(tree.name, key.GenericKey, self)
	if err := tree.Release(key); err != nil {
		t.Fatal(err)
	}

	// Skipping a revision is rejected; the immediate successor works.
	rev2 := NewKey[widgetTag](key.ID, 2)
	if err := tree.InsertRevision(rev2, widget{Name: "v2"}); !errors.Is(err, ErrVersioning) {
		t.Fatalf("got %v, want ErrVersioning for a skipped revision", err)
	}
	if err := tree.InsertRevision(rev1, widget{Name: "v1"}); err != nil {
		t.Fatal(err)
	}
	_, meta, _, _, err := tree.Meta(rev1)
	if err != nil {
		t.Fatal(err)
	}
	if !meta.Version.IsDraft() || meta.Version.N != 0 {
		t.Fatalf("new revision version = %+v, want Draft(0)", meta.Version)
	}

	if err := tree.InsertRevision(rev1, widget{Name: "again"}); !errors.Is(err, ErrVersioning) {
		t.Fatalf("got %v, want ErrVersioning re-inserting an existing revision", err)
	}
}

func TestInsertRevisionRejectsUnversionedTree(t *testing.T) {
	tree := openWidgets(t, false)
	if err := tree.InsertRevision(NewKey[widgetTag](1, 1), widget{}); !errors.Is(err, ErrVersioning) {
		t.Fatalf("got %v, want ErrVersioning", err)
	}
}

func TestReleasedRecordIsImmutable(t *testing.T) {
	tree := openWidgets(t, true)
	key, err := tree.Insert(widget{Name: "gear"})
	if err != nil {
		t.Fatal(err)
	}
	self := tree.db.SelfUUID()
	tree.db.checkout.PushCheckOut(tree.name, key.GenericKey, self)
	if err := tree.Release(key); err != nil {
		t.Fatal(err)
	}

	if err := tree.Update(key, widget{Name: "cog"}); !errors.Is(err, ErrVersioning) {
		t.Fatalf("got %v, want ErrVersioning updating a released record", err)
	}
	if _, err := tree.Remove(key); !errors.Is(err, ErrVersioning) {
		t.Fatalf("got %v, want ErrVersioning removing a released record", err)
	}
}

func TestRemoveRequiresCheckOutAndIsIdempotent(t *testing.T) {
	tree := openWidgets(t, false)
	key, err := tree.Insert(widget{Name: "gear"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tree.Remove(key); !errors.Is(err, ErrUsage) {
		t.Fatalf("got %v, want ErrUsage without check-out", err)
	}

	self := tree.db.SelfUUID()
	tree.db.checkout.PushCheckOut(tree.name, key.GenericKey, self)
	removed, err := tree.Remove(key)
	if err != nil || !removed {
		t.Fatalf("got %v, %v, want true, nil", removed, err)
	}
	removedAgain, err := tree.Remove(key)
	if err != nil || removedAgain {
		t.Fatalf("second remove should report false, no error: got %v, %v", removedAgain, err)
	}
}

func TestApplyCreatedOrChangedDropsStaleIterations(t *testing.T) {
	tree := openWidgets(t, false)
	key := GenericKey{ID: 5, Revision: 0}
	meta := RecordMeta{Key: key}

	ok, err := tree.ApplyCreatedOrChanged(key, meta, 0, []byte(`{"Name":"a"}`), tree.evolution, 0)
	if err != nil || !ok {
		t.Fatalf("first apply: %v, %v", ok, err)
	}
	ok, err = tree.ApplyCreatedOrChanged(key, meta, 0, []byte(`{"Name":"b"}`), tree.evolution, 0)
	if err != nil || ok {
		t.Fatalf("non-advancing apply should be dropped: got %v, %v", ok, err)
	}
	ok, err = tree.ApplyCreatedOrChanged(key, meta, 1, []byte(`{"Name":"c"}`), tree.evolution, 1)
	if err != nil || !ok {
		t.Fatalf("advancing apply should succeed: %v, %v", ok, err)
	}
	v, err := tree.Get(Key[widgetTag]{key})
	if err != nil {
		t.Fatal(err)
	}
	if v.Name != "c" {
		t.Fatalf("got %+v, want Name=c", v)
	}
}

func TestApplyRemovedIsIdempotent(t *testing.T) {
	tree := openWidgets(t, false)
	key, err := tree.Insert(widget{Name: "gear"})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := tree.ApplyRemoved(key.GenericKey)
	if err != nil || !ok {
		t.Fatalf("first apply: %v, %v", ok, err)
	}
	ok, err = tree.ApplyRemoved(key.GenericKey)
	if err != nil || ok {
		t.Fatalf("second apply should report false: got %v, %v", ok, err)
	}
}

func TestAllRevisionsSkipsKeyPoolEntry(t *testing.T) {
	tree := openWidgets(t, false)
	want := map[GenericKey]bool{}
	for i := 0; i < 3; i++ {
		key, err := tree.Insert(widget{Name: "x"})
		if err != nil {
			t.Fatal(err)
		}
		want[key.GenericKey] = true
	}
	got := map[GenericKey]bool{}
	for k := range tree.AllRevisions() {
		got[k.GenericKey] = true
	}
	if len(got) != len(want) {
		t.Fatalf("got %d keys, want %d", len(got), len(want))
	}
	for k := range want {
		if !got[k] {
			t.Fatalf("missing key %v", k)
		}
	}
}

func TestCheckOutStateTransitions(t *testing.T) {
	tree := openWidgets(t, false)
	key, err := tree.Insert(widget{Name: "gear"})
	if err != nil {
		t.Fatal(err)
	}
	if st := tree.State(key); st.Kind != Empty {
		t.Fatalf("got %v, want Empty", st.Kind)
	}
	self := tree.db.SelfUUID()
	tree.db.checkout.PushCheckOut(tree.name, key.GenericKey, self)
	if !tree.IsCheckedOut(key) {
		t.Fatalf("expected self to be checked out")
	}
}
