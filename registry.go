package meshdb

import "sync"

// Registry is the table of managed trees behind their OpaqueTree facade,
// keyed by name. Both the client sync worker and the relay worker take a
// *Registry built by the application from every Tree it opened.
type Registry struct {
	mu    sync.RWMutex
	trees map[string]OpaqueTree
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{trees: map[string]OpaqueTree{}}
}

// Add registers t under t.Name(). A later Add under the same name replaces
// the previous entry.
func (r *Registry) Add(t OpaqueTree) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trees[t.Name()] = t
}

// Get returns the registered tree named name, if any.
func (r *Registry) Get(name string) (OpaqueTree, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trees[name]
	return t, ok
}

// Names returns every registered tree name, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.trees))
	for n := range r.trees {
		names = append(names, n)
	}
	return names
}

// NewRawRegistry builds a Registry of RawTree facades, one per tree
// already managed by db. This is how the relay gets its table of trees:
// it never compiles against any participant's Go value types, so it can
// only ever see trees the way RawTree does, by name and by bytes.
func NewRawRegistry(db *DB) (*Registry, error) {
	reg := NewRegistry()
	for _, name := range db.ManagedTrees() {
		t, err := OpenRawTree(db, name)
		if err != nil {
			return nil, err
		}
		reg.Add(t)
	}
	return reg, nil
}
