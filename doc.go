/*
Package meshdb is a replicated, schema-aware document store for small teams
of peer workstations coordinating through a central relay.

Each participant holds a full local copy of its data organized into named
trees (typed tables). Records carry both a
mutable draft revision and immutable released revisions, may be checked out
for exclusive editing, and are reconciled with a relay and other peers by a
bidirectional sync protocol.

# Trees

A Tree[Tag, V] binds a Go value type V to one on-disk bucket. Tag is a
phantom type parameter: it never has a value, it only keeps keys from one
tree out of another's API at compile time. Declare one Tag type per tree:

	type ItemsTag struct{}

	type Item struct {
		X int32
	}

	tree, err := meshdb.OpenTree[ItemsTag, Item](db, "items", false)

Insert, Update, Remove, Get and Meta are the core operations; see the
Tree type for the full surface and its versioning/check-out rules.

# Schema evolution

Every registered value type is reflected into a TypeCollection (struct or
enum shape, field types, nothing else) and stored next to the tree. A
record written by an older evolution of a type can be read by a newer one
exactly when the newer collection is a backward-compatible extension of the
old one: see Compatible.

# Replication

A DB is usually paired with a sync worker: syncclient.Client dials a relay
and keeps the local trees converged with it (and, indirectly, with every
other peer attached to that relay); syncrelay.Relay is the peer-facing side
that brokers between many clients, assigns id ranges, and remembers removed
records so they don't come back from a late sync partner. Both are wired
together through the wire package's event types.

# Storage

meshdb stores everything in a bbolt database, one bucket per managed tree
plus a handful of reserved entries (node identity, the relay binding, the
managed-tree set, and each tree's key pool and schema descriptors). See the
package-level constants in store.go for the exact on-disk layout.
*/
package meshdb
