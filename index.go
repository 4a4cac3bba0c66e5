package meshdb

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Action describes why an indexer's Apply is being called: the typed tree
// and the sync workers call it with the same three actions so both local
// writes and inbound hot-sync events keep indexes consistent.
type Action int

const (
	ActionInsert Action = iota
	ActionUpdate
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	case ActionRemove:
		return "remove"
	default:
		return "action(?)"
	}
}

// IndexSource is the minimal read surface an Indexer needs to rebuild
// itself from scratch: every key in a tree, and that key's raw (still
// serialized) data. It is satisfied by *Tree; OpaqueTree and RawTree do not
// satisfy it, as their RawData also returns the record's evolution.
type IndexSource interface {
	AllKeys() ([]GenericKey, error)
	RawData(key GenericKey) ([]byte, bool, error)
}

// Indexer is the type-erased handle the sync workers hold: they must apply
// index mutations without the typed tree's generic parameters. Every
// concrete index exposes one via its Indexer method; Tree keeps a slice of
// these and runs them on every mutation.
type Indexer interface {
	Rebuild(src IndexSource) error
	Apply(key GenericKey, data []byte, action Action) error
}

// namedOptions holds the shared post-processing knobs for NamedIndex and
// MultiNamedIndex: case folding, whitespace trimming, and a set of
// characters to drop, applied in that order.
type namedOptions struct {
	caseFold       bool
	ignoreChars    map[rune]bool
	trimWhitespace bool
}

func (o namedOptions) postProcess(s string) string {
	if o.caseFold {
		s = strings.ToLower(s)
	}
	if o.trimWhitespace {
		s = strings.TrimSpace(s)
	}
	if len(o.ignoreChars) > 0 {
		s = strings.Map(func(r rune) rune {
			if o.ignoreChars[r] {
				return -1
			}
			return r
		}, s)
	}
	return s
}

// --- NamedIndex --------------------------------------------------------------

// NamedIndex maps one post-processed string to one record key, enforcing
// global uniqueness. Tag binds it to the same tree as the
// Key[Tag] type it returns.
type NamedIndex[Tag any] struct {
	opts      namedOptions
	extractor func(data []byte) (string, error)

	mu  sync.RWMutex
	fwd map[string]Key[Tag]
}

// NewNamedIndex builds a NamedIndex using extractor to pull the indexed
// string out of a record's raw data.
func NewNamedIndex[Tag any](extractor func(data []byte) (string, error)) *NamedIndex[Tag] {
	return &NamedIndex[Tag]{
		extractor: extractor,
		fwd:       map[string]Key[Tag]{},
	}
}

func (idx *NamedIndex[Tag]) CaseFold(v bool) *NamedIndex[Tag] {
	idx.opts.caseFold = v
	return idx
}

func (idx *NamedIndex[Tag]) IgnoreChars(chars string) *NamedIndex[Tag] {
	m := map[rune]bool{}
	for _, r := range chars {
		m[r] = true
	}
	idx.opts.ignoreChars = m
	return idx
}

func (idx *NamedIndex[Tag]) TrimWhitespace(v bool) *NamedIndex[Tag] {
	idx.opts.trimWhitespace = v
	return idx
}

// Get returns the exact match for name, if any.
func (idx *NamedIndex[Tag]) Get(name string) (Key[Tag], bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	k, ok := idx.fwd[idx.opts.postProcess(name)]
	return k, ok
}

// Lookup is the similarity lookup: the exact match (if any) first,
// followed by up to 20 entries whose post-processed name starts with or
// contains the post-processed query, in that preference order, sorted for
// determinism.
func (idx *NamedIndex[Tag]) Lookup(query string) []Key[Tag] {
	q := idx.opts.postProcess(query)
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []Key[Tag]
	seen := map[string]bool{}
	if k, ok := idx.fwd[q]; ok {
		out = append(out, k)
		seen[q] = true
	}

	var prefixNames, containsNames []string
	for name := range idx.fwd {
		if seen[name] {
			continue
		}
		if strings.HasPrefix(name, q) {
			prefixNames = append(prefixNames, name)
		} else if strings.Contains(name, q) {
			containsNames = append(containsNames, name)
		}
	}
	sort.Strings(prefixNames)
	sort.Strings(containsNames)
	limit := len(out) + 20
	for _, name := range append(prefixNames, containsNames...) {
		if len(out) >= limit {
			break
		}
		out = append(out, idx.fwd[name])
	}
	return out
}

func (idx *NamedIndex[Tag]) Indexer() Indexer {
	return &namedIndexer[Tag]{idx}
}

type namedIndexer[Tag any] struct {
	idx *NamedIndex[Tag]
}

func (n *namedIndexer[Tag]) Rebuild(src IndexSource) error {
	keys, err := src.AllKeys()
	if err != nil {
		return err
	}
	fwd := map[string]Key[Tag]{}
	for _, gk := range keys {
		data, ok, err := src.RawData(gk)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		s, err := n.idx.extractor(data)
		if err != nil {
			// A per-key extractor failure is skipped during rebuild, not
			// fatal; it is not logged.
			continue
		}
		s = n.idx.opts.postProcess(s)
		if _, dup := fwd[s]; dup {
			continue
		}
		fwd[s] = Key[Tag]{gk}
	}
	n.idx.mu.Lock()
	n.idx.fwd = fwd
	n.idx.mu.Unlock()
	return nil
}

func (n *namedIndexer[Tag]) Apply(key GenericKey, data []byte, action Action) error {
	idx := n.idx
	idx.mu.Lock()
	defer idx.mu.Unlock()
	switch action {
	case ActionInsert:
		s, err := idx.extractor(data)
		if err != nil {
			return fmt.Errorf("%w: extracting name: %v", ErrIndex, err)
		}
		s = idx.opts.postProcess(s)
		if _, dup := idx.fwd[s]; dup {
			return fmt.Errorf("%w: duplicate name %q", ErrIndex, s)
		}
		idx.fwd[s] = Key[Tag]{key}
	case ActionUpdate:
		var oldName string
		found := false
		for name, k := range idx.fwd {
			if k.GenericKey == key {
				oldName = name
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: old name not found for key %v", ErrIndex, key)
		}
		newName, err := idx.extractor(data)
		if err != nil {
			return fmt.Errorf("%w: extracting name: %v", ErrIndex, err)
		}
		newName = idx.opts.postProcess(newName)
		if newName != oldName {
			if _, dup := idx.fwd[newName]; dup {
				return fmt.Errorf("%w: duplicate name %q", ErrIndex, newName)
			}
			delete(idx.fwd, oldName)
			idx.fwd[newName] = Key[Tag]{key}
		}
	case ActionRemove:
		s, err := idx.extractor(data)
		if err != nil {
			return fmt.Errorf("%w: extracting name: %v", ErrIndex, err)
		}
		s = idx.opts.postProcess(s)
		delete(idx.fwd, s)
	}
	return nil
}

// --- LatestRevisionIndex -----------------------------------------------------

// LatestRevisionIndex tracks, per id, the highest revision present in a
// versioned tree, so callers can reach the newest revision of a record
// without scanning the whole tree. It never reads record data; only the
// keys matter.
type LatestRevisionIndex[Tag any] struct {
	mu        sync.RWMutex
	revisions map[uint32]map[uint32]bool
}

func NewLatestRevisionIndex[Tag any]() *LatestRevisionIndex[Tag] {
	return &LatestRevisionIndex[Tag]{revisions: map[uint32]map[uint32]bool{}}
}

// Latest returns the highest revision known for id, and false if no
// revision of id is present.
func (idx *LatestRevisionIndex[Tag]) Latest(id uint32) (Key[Tag], bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	revs := idx.revisions[id]
	if len(revs) == 0 {
		return Key[Tag]{}, false
	}
	var best uint32
	for r := range revs {
		if r > best {
			best = r
		}
	}
	return Key[Tag]{GenericKey{ID: id, Revision: best}}, true
}

func (idx *LatestRevisionIndex[Tag]) Indexer() Indexer {
	return &latestRevisionIndexer[Tag]{idx}
}

type latestRevisionIndexer[Tag any] struct {
	idx *LatestRevisionIndex[Tag]
}

func (n *latestRevisionIndexer[Tag]) Rebuild(src IndexSource) error {
	keys, err := src.AllKeys()
	if err != nil {
		return err
	}
	revisions := map[uint32]map[uint32]bool{}
	for _, k := range keys {
		revs := revisions[k.ID]
		if revs == nil {
			revs = map[uint32]bool{}
			revisions[k.ID] = revs
		}
		revs[k.Revision] = true
	}
	n.idx.mu.Lock()
	n.idx.revisions = revisions
	n.idx.mu.Unlock()
	return nil
}

func (n *latestRevisionIndexer[Tag]) Apply(key GenericKey, data []byte, action Action) error {
	idx := n.idx
	idx.mu.Lock()
	defer idx.mu.Unlock()
	switch action {
	case ActionInsert, ActionUpdate:
		revs := idx.revisions[key.ID]
		if revs == nil {
			revs = map[uint32]bool{}
			idx.revisions[key.ID] = revs
		}
		revs[key.Revision] = true
	case ActionRemove:
		revs := idx.revisions[key.ID]
		delete(revs, key.Revision)
		if len(revs) == 0 {
			delete(idx.revisions, key.ID)
		}
	}
	return nil
}

// --- MultiNamedIndex ---------------------------------------------------------

// MultiNamedIndex maps one record key to many post-processed strings, all
// of which must be globally unique across the index.
type MultiNamedIndex[Tag any] struct {
	opts      namedOptions
	extractor func(data []byte) ([]string, error)

	mu    sync.RWMutex
	fwd   map[string]Key[Tag]
	names map[Key[Tag]]map[string]bool
}

func NewMultiNamedIndex[Tag any](extractor func(data []byte) ([]string, error)) *MultiNamedIndex[Tag] {
	return &MultiNamedIndex[Tag]{
		extractor: extractor,
		fwd:       map[string]Key[Tag]{},
		names:     map[Key[Tag]]map[string]bool{},
	}
}

func (idx *MultiNamedIndex[Tag]) CaseFold(v bool) *MultiNamedIndex[Tag] {
	idx.opts.caseFold = v
	return idx
}

func (idx *MultiNamedIndex[Tag]) IgnoreChars(chars string) *MultiNamedIndex[Tag] {
	m := map[rune]bool{}
	for _, r := range chars {
		m[r] = true
	}
	idx.opts.ignoreChars = m
	return idx
}

func (idx *MultiNamedIndex[Tag]) TrimWhitespace(v bool) *MultiNamedIndex[Tag] {
	idx.opts.trimWhitespace = v
	return idx
}

// Get returns the key that owns name, if any.
func (idx *MultiNamedIndex[Tag]) Get(name string) (Key[Tag], bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	k, ok := idx.fwd[idx.opts.postProcess(name)]
	return k, ok
}

// Names returns the set of names currently owned by key.
func (idx *MultiNamedIndex[Tag]) Names(key Key[Tag]) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.names[key]
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (idx *MultiNamedIndex[Tag]) Indexer() Indexer {
	return &multiNamedIndexer[Tag]{idx}
}

type multiNamedIndexer[Tag any] struct {
	idx *MultiNamedIndex[Tag]
}

func (n *multiNamedIndexer[Tag]) Rebuild(src IndexSource) error {
	keys, err := src.AllKeys()
	if err != nil {
		return err
	}
	fwd := map[string]Key[Tag]{}
	names := map[Key[Tag]]map[string]bool{}
	for _, gk := range keys {
		data, ok, err := src.RawData(gk)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		ns, err := n.idx.extractor(data)
		if err != nil {
			continue
		}
		k := Key[Tag]{gk}
		set := map[string]bool{}
		for _, raw := range ns {
			s := n.idx.opts.postProcess(raw)
			if _, dup := fwd[s]; dup {
				continue
			}
			fwd[s] = k
			set[s] = true
		}
		names[k] = set
	}
	n.idx.mu.Lock()
	n.idx.fwd = fwd
	n.idx.names = names
	n.idx.mu.Unlock()
	return nil
}

func (n *multiNamedIndexer[Tag]) Apply(key GenericKey, data []byte, action Action) error {
	idx := n.idx
	idx.mu.Lock()
	defer idx.mu.Unlock()
	k := Key[Tag]{key}

	extract := func() (map[string]bool, error) {
		ns, err := idx.extractor(data)
		if err != nil {
			return nil, fmt.Errorf("%w: extracting names: %v", ErrIndex, err)
		}
		set := map[string]bool{}
		for _, raw := range ns {
			set[idx.opts.postProcess(raw)] = true
		}
		return set, nil
	}

	switch action {
	case ActionInsert:
		newNames, err := extract()
		if err != nil {
			return err
		}
		for name := range newNames {
			if _, dup := idx.fwd[name]; dup {
				return fmt.Errorf("%w: duplicate name %q", ErrIndex, name)
			}
		}
		for name := range newNames {
			idx.fwd[name] = k
		}
		idx.names[k] = newNames
	case ActionUpdate:
		oldNames := idx.names[k]
		newNames, err := extract()
		if err != nil {
			return err
		}
		for name := range newNames {
			if oldNames[name] {
				continue
			}
			if _, dup := idx.fwd[name]; dup {
				return fmt.Errorf("%w: duplicate name %q", ErrIndex, name)
			}
		}
		for name := range oldNames {
			if !newNames[name] {
				delete(idx.fwd, name)
			}
		}
		for name := range newNames {
			idx.fwd[name] = k
		}
		idx.names[k] = newNames
	case ActionRemove:
		for name := range idx.names[k] {
			delete(idx.fwd, name)
		}
		delete(idx.names, k)
	}
	return nil
}
