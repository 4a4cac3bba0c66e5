package meshdb

import (
	"errors"
	"testing"
)

type nameTag struct{}

type fakeSource struct {
	keys []GenericKey
	data map[GenericKey][]byte
}

func (s *fakeSource) AllKeys() ([]GenericKey, error) { return s.keys, nil }
func (s *fakeSource) RawData(k GenericKey) ([]byte, bool, error) {
	d, ok := s.data[k]
	return d, ok, nil
}

func extractName(data []byte) (string, error) { return string(data), nil }

func TestNamedIndexInsertRejectsDuplicate(t *testing.T) {
	idx := NewNamedIndex[nameTag](extractName)
	ix := idx.Indexer()
	k1 := GenericKey{ID: 1}
	k2 := GenericKey{ID: 2}
	if err := ix.Apply(k1, []byte("alice"), ActionInsert); err != nil {
		t.Fatal(err)
	}
	if err := ix.Apply(k2, []byte("alice"), ActionInsert); !errors.Is(err, ErrIndex) {
		t.Fatalf("got %v, want ErrIndex", err)
	}
	got, ok := idx.Get("alice")
	if !ok || got.GenericKey != k1 {
		t.Fatalf("got %+v, %v", got, ok)
	}
}

func TestNamedIndexUpdateMovesName(t *testing.T) {
	idx := NewNamedIndex[nameTag](extractName)
	ix := idx.Indexer()
	k := GenericKey{ID: 1}
	if err := ix.Apply(k, []byte("alice"), ActionInsert); err != nil {
		t.Fatal(err)
	}
	if err := ix.Apply(k, []byte("alicia"), ActionUpdate); err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.Get("alice"); ok {
		t.Fatalf("old name should be gone")
	}
	if got, ok := idx.Get("alicia"); !ok || got.GenericKey != k {
		t.Fatalf("got %+v, %v", got, ok)
	}
}

func TestNamedIndexRemove(t *testing.T) {
	idx := NewNamedIndex[nameTag](extractName)
	ix := idx.Indexer()
	k := GenericKey{ID: 1}
	if err := ix.Apply(k, []byte("alice"), ActionInsert); err != nil {
		t.Fatal(err)
	}
	if err := ix.Apply(k, []byte("alice"), ActionRemove); err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.Get("alice"); ok {
		t.Fatalf("name should be gone after remove")
	}
}

func TestNamedIndexCaseFoldAndTrim(t *testing.T) {
	idx := NewNamedIndex[nameTag](extractName).CaseFold(true).TrimWhitespace(true)
	ix := idx.Indexer()
	k := GenericKey{ID: 1}
	if err := ix.Apply(k, []byte("  Alice  "), ActionInsert); err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.Get("alice"); !ok {
		t.Fatalf("expected case-folded, trimmed lookup to match")
	}
}

func TestNamedIndexLookupSimilarity(t *testing.T) {
	idx := NewNamedIndex[nameTag](extractName)
	ix := idx.Indexer()
	names := []string{"alice", "alicia", "bob", "alicenter"}
	for i, n := range names {
		if err := ix.Apply(GenericKey{ID: uint32(i) + 1}, []byte(n), ActionInsert); err != nil {
			t.Fatal(err)
		}
	}
	got := idx.Lookup("alic")
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3 (alice, alicenter, alicia)", len(got))
	}
}

func TestNamedIndexRebuildSkipsBadExtractor(t *testing.T) {
	failing := func(data []byte) (string, error) {
		if string(data) == "bad" {
			return "", errors.New("boom")
		}
		return string(data), nil
	}
	idx := NewNamedIndex[nameTag](failing)
	src := &fakeSource{
		keys: []GenericKey{{ID: 1}, {ID: 2}},
		data: map[GenericKey][]byte{
			{ID: 1}: []byte("good"),
			{ID: 2}: []byte("bad"),
		},
	}
	if err := idx.Indexer().Rebuild(src); err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.Get("good"); !ok {
		t.Fatalf("good entry should survive rebuild")
	}
}

func TestLatestRevisionIndexTracksHighest(t *testing.T) {
	idx := NewLatestRevisionIndex[nameTag]()
	ix := idx.Indexer()
	for rev := uint32(0); rev < 3; rev++ {
		if err := ix.Apply(GenericKey{ID: 7, Revision: rev}, nil, ActionInsert); err != nil {
			t.Fatal(err)
		}
	}
	latest, ok := idx.Latest(7)
	if !ok || latest.Revision != 2 {
		t.Fatalf("got %+v, %v, want revision 2", latest, ok)
	}
	if _, ok := idx.Latest(8); ok {
		t.Fatalf("unknown id should report no latest revision")
	}

	if err := ix.Apply(GenericKey{ID: 7, Revision: 2}, nil, ActionRemove); err != nil {
		t.Fatal(err)
	}
	latest, ok = idx.Latest(7)
	if !ok || latest.Revision != 1 {
		t.Fatalf("after remove: got %+v, %v, want revision 1", latest, ok)
	}
}

func TestLatestRevisionIndexRebuild(t *testing.T) {
	idx := NewLatestRevisionIndex[nameTag]()
	src := &fakeSource{
		keys: []GenericKey{{ID: 1, Revision: 0}, {ID: 1, Revision: 1}, {ID: 2, Revision: 0}},
		data: map[GenericKey][]byte{},
	}
	if err := idx.Indexer().Rebuild(src); err != nil {
		t.Fatal(err)
	}
	latest, ok := idx.Latest(1)
	if !ok || latest.Revision != 1 {
		t.Fatalf("got %+v, %v, want revision 1", latest, ok)
	}
	latest, ok = idx.Latest(2)
	if !ok || latest.Revision != 0 {
		t.Fatalf("got %+v, %v, want revision 0", latest, ok)
	}
}

func extractNames(data []byte) ([]string, error) {
	var out []string
	cur := ""
	for _, c := range string(data) {
		if c == ',' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(c)
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out, nil
}

func TestMultiNamedIndexSymmetricDifference(t *testing.T) {
	idx := NewMultiNamedIndex[nameTag](extractNames)
	ix := idx.Indexer()
	k := GenericKey{ID: 1}
	if err := ix.Apply(k, []byte("a,b,c"), ActionInsert); err != nil {
		t.Fatal(err)
	}
	if err := ix.Apply(k, []byte("b,c,d"), ActionUpdate); err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.Get("a"); ok {
		t.Fatalf("a should have been dropped")
	}
	if _, ok := idx.Get("d"); !ok {
		t.Fatalf("d should have been added")
	}
	if _, ok := idx.Get("b"); !ok {
		t.Fatalf("b should still be present")
	}
}

func TestMultiNamedIndexRejectsCrossKeyDuplicate(t *testing.T) {
	idx := NewMultiNamedIndex[nameTag](extractNames)
	ix := idx.Indexer()
	if err := ix.Apply(GenericKey{ID: 1}, []byte("a,b"), ActionInsert); err != nil {
		t.Fatal(err)
	}
	if err := ix.Apply(GenericKey{ID: 2}, []byte("b,c"), ActionInsert); !errors.Is(err, ErrIndex) {
		t.Fatalf("got %v, want ErrIndex", err)
	}
}
