package meshdb

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, "node-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAssignsSelfUUIDOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, "node-a")
	if err != nil {
		t.Fatal(err)
	}
	u1 := db.SelfUUID()
	db.Close()

	db2, err := Open(path, "node-a-renamed")
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	if db2.SelfUUID() != u1 {
		t.Fatalf("self uuid changed across reopen")
	}
	if db2.ReadableName() != "node-a" {
		t.Fatalf("readable name changed across reopen: got %q", db2.ReadableName())
	}
}

func TestBindRelayRejectsMismatch(t *testing.T) {
	db := openTestDB(t)
	first := mustUUID(t, 1)
	if err := db.BindRelay(first); err != nil {
		t.Fatal(err)
	}
	if err := db.BindRelay(first); err != nil {
		t.Fatalf("rebinding same uuid should be a no-op: %v", err)
	}
	other := mustUUID(t, 2)
	if err := db.BindRelay(other); !errors.Is(err, ErrUsage) {
		t.Fatalf("got %v, want ErrUsage", err)
	}
}

func TestRegisterTreeIdempotent(t *testing.T) {
	db := openTestDB(t)
	tc, err := Reflect[itemV1]()
	if err != nil {
		t.Fatal(err)
	}
	v1, err := db.registerTree("items", false, tc)
	if err != nil {
		t.Fatal(err)
	}
	v2, err := db.registerTree("items", false, tc)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Fatalf("re-registering the same schema changed evolution: %v -> %v", v1, v2)
	}
}

func TestRegisterTreeRejectsVersioningChange(t *testing.T) {
	db := openTestDB(t)
	tc, _ := Reflect[itemV1]()
	if _, err := db.registerTree("items", false, tc); err != nil {
		t.Fatal(err)
	}
	if _, err := db.registerTree("items", true, tc); !errors.Is(err, ErrVersioning) {
		t.Fatalf("got %v, want ErrVersioning", err)
	}
}

func TestRegisterTreeBumpsMinorOnCompatibleGrowth(t *testing.T) {
	db := openTestDB(t)
	v1tc, _ := Reflect[itemV1]()
	v1, err := db.registerTree("items", false, v1tc)
	if err != nil {
		t.Fatal(err)
	}
	v2tc, _ := Reflect[itemV2]()
	v2, err := db.registerTree("items", false, v2tc)
	if err != nil {
		t.Fatal(err)
	}
	if v2.Major != v1.Major || v2.Minor != v1.Minor+1 {
		t.Fatalf("got %v -> %v, want a minor bump", v1, v2)
	}
}

func TestRegisterTreeRejectsIncompatibleChange(t *testing.T) {
	db := openTestDB(t)
	v2tc, _ := Reflect[itemV2]()
	if _, err := db.registerTree("items", false, v2tc); err != nil {
		t.Fatal(err)
	}
	shrunkTC, _ := Reflect[itemShrunk]()
	if _, err := db.registerTree("items", false, shrunkTC); !errors.Is(err, ErrEvolution) {
		t.Fatalf("got %v, want ErrEvolution", err)
	}
}

func TestDescriptorPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, "node-a")
	if err != nil {
		t.Fatal(err)
	}
	v1tc, _ := Reflect[itemV1]()
	if _, err := db.registerTree("items", true, v1tc); err != nil {
		t.Fatal(err)
	}
	v2tc, _ := Reflect[itemV2]()
	want, err := db.registerTree("items", true, v2tc)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	db2, err := Open(path, "node-a")
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	desc, ok := db2.Descriptor("items")
	if !ok {
		t.Fatalf("descriptor lost across reopen")
	}
	if !desc.Versioning {
		t.Fatalf("versioning flag lost across reopen")
	}
	if len(desc.Evolutions) != 2 {
		t.Fatalf("got %d evolutions, want 2", len(desc.Evolutions))
	}
	cur, ok := desc.currentEvolution()
	if !ok || cur != want {
		t.Fatalf("current evolution = %v, %v, want %v", cur, ok, want)
	}
}

func TestTombstonesListsPerTree(t *testing.T) {
	db := openTestDB(t)
	k1 := GenericKey{ID: 1}
	k2 := GenericKey{ID: 2, Revision: 1}
	if err := db.Tombstone("items", k1); err != nil {
		t.Fatal(err)
	}
	if err := db.Tombstone("items", k2); err != nil {
		t.Fatal(err)
	}
	if err := db.Tombstone("docs", GenericKey{ID: 9}); err != nil {
		t.Fatal(err)
	}

	keys, err := db.Tombstones("items")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != k1 || keys[1] != k2 {
		t.Fatalf("got %v, want [%v %v]", keys, k1, k2)
	}
	if tomb, err := db.IsTombstoned("items", k1); err != nil || !tomb {
		t.Fatalf("got %v, %v, want tombstoned", tomb, err)
	}
	if tomb, _ := db.IsTombstoned("items", GenericKey{ID: 3}); tomb {
		t.Fatalf("unexpected tombstone for untouched key")
	}
}

func TestKeyPoolTakeAndFeed(t *testing.T) {
	db := openTestDB(t)
	tc, _ := Reflect[itemV1]()
	if _, err := db.registerTree("items", false, tc); err != nil {
		t.Fatal(err)
	}
	if _, err := db.TakeID("items"); !errors.Is(err, ErrOutOfKeys) {
		t.Fatalf("got %v, want ErrOutOfKeys on empty pool", err)
	}
	if err := db.FeedKeyRange("items", 10, 12); err != nil {
		t.Fatal(err)
	}
	id1, err := db.TakeID("items")
	if err != nil || id1 != 10 {
		t.Fatalf("got %d, %v, want 10, nil", id1, err)
	}
	id2, err := db.TakeID("items")
	if err != nil || id2 != 11 {
		t.Fatalf("got %d, %v, want 11, nil", id2, err)
	}
	if _, err := db.TakeID("items"); !errors.Is(err, ErrOutOfKeys) {
		t.Fatalf("pool should be exhausted again: %v", err)
	}
}

func mustUUID(t *testing.T, seed byte) (u [16]byte) {
	t.Helper()
	// deterministic, distinguishable values without importing crypto/rand
	// directly into the test.
	for i := range u {
		u[i] = seed + byte(i)
	}
	return u
}
