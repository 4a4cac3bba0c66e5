package meshdb

// TreeDescriptor is the per-tree record stored in the descriptors bucket:
// the tree's immutable versioning flag and every schema evolution ever
// seen for it, keyed by (major, minor).
type TreeDescriptor struct {
	Versioning bool
	Evolutions map[SimpleVersion]*TypeCollection
}

// currentEvolution returns the highest evolution recorded, and false if
// none has been recorded yet.
func (d *TreeDescriptor) currentEvolution() (SimpleVersion, bool) {
	var best SimpleVersion
	found := false
	for v := range d.Evolutions {
		if !found || best.Less(v) {
			best = v
			found = true
		}
	}
	return best, found
}
