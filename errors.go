package meshdb

import "errors"

// Error kinds surfaced to callers of the typed tree and local store. Callers
// should compare with errors.Is; the concrete error returned is always
// wrapped with additional context via fmt.Errorf("...: %w", ...).
var (
	// ErrStore indicates an I/O failure from the embedded bbolt store, or
	// malformed bytes read back from it.
	ErrStore = errors.New("store error")

	// ErrUsage indicates a call that violates a precondition: wrong
	// tree/key, missing check-out, releasing a draft out of order, and
	// similar caller mistakes.
	ErrUsage = errors.New("usage error")

	// ErrInternal indicates on-disk state that should be unreachable in
	// principle, e.g. a schema version that parses but references fields
	// that were never prepared.
	ErrInternal = errors.New("internal error")

	// ErrEvolution indicates a schema-compatibility failure: either the
	// compat predicate rejected a new type definition, or a stored
	// record's data_evolution differs from the caller's code.
	ErrEvolution = errors.New("evolution mismatch")

	// ErrVersioning indicates a violation of the per-tree versioning
	// invariant: the versioning flag changed, a released record was
	// mutated, or a revision was inserted/updated out of order.
	ErrVersioning = errors.New("versioning mismatch")

	// ErrNotFound indicates a record operation (Get, Meta, Update,
	// Release) was called on an absent key.
	ErrNotFound = errors.New("record not found")

	// ErrOutOfKeys indicates Insert was called while the tree's key pool
	// held no free ids.
	ErrOutOfKeys = errors.New("out of keys")

	// ErrIndex indicates a registered indexer rejected the operation:
	// duplicate value, or an extractor failure.
	ErrIndex = errors.New("index error")

	// ErrWrongKey indicates a key from one tree was used against another.
	ErrWrongKey = errors.New("wrong key for tree")

	// ErrWrongValue indicates a value of the wrong Go type was passed to
	// a tree operation.
	ErrWrongValue = errors.New("wrong value for tree")

	// ErrKeySpaceExhausted indicates a relay's next-id counter for a tree
	// would overflow uint32 on the next allocation.
	ErrKeySpaceExhausted = errors.New("tree key space exhausted")
)
