package meshdb

import "testing"

func TestRegistryAddGetNames(t *testing.T) {
	tree := openWidgets(t, false)
	reg := NewRegistry()
	reg.Add(tree.Opaque())

	got, ok := reg.Get("widgets")
	if !ok || got.Name() != "widgets" {
		t.Fatalf("got %v, %v", got, ok)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Fatalf("expected missing tree to be absent")
	}
	names := reg.Names()
	if len(names) != 1 || names[0] != "widgets" {
		t.Fatalf("got %v", names)
	}
}

func TestNewRawRegistryCoversManagedTrees(t *testing.T) {
	tree := openWidgets(t, false)
	if _, err := tree.Insert(widget{Name: "gear"}); err != nil {
		t.Fatal(err)
	}

	reg, err := NewRawRegistry(tree.db)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reg.Get("widgets")
	if !ok {
		t.Fatalf("expected widgets to be present")
	}
	keys, err := got.AllKeys()
	if err != nil || len(keys) != 1 {
		t.Fatalf("got %v, %v, want 1 key", keys, err)
	}
}
