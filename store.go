package meshdb

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// On-disk layout: reserved entries in the root bucket, one bucket per
// managed tree, and the relay-only clients/removed-records buckets.
const (
	bucketRoot        = "_root"
	bucketDescriptors = "descriptors"
	bucketClients     = "_clients"
	bucketRemoved     = "_removed_records"

	keySelfUUID     = "self_uuid"
	keyServerUUID   = "server_uuid"
	keyReadableName = "readable_name"
	keyManagedTrees = "managed_trees"

	keyPoolEntry = "_key_pool"
)

// DB is a single participant's local store: one bbolt file, the node's
// durable identity, the set of managed trees, and their schema descriptors.
// A DB is safe for concurrent use by multiple goroutines; bbolt serializes
// writers internally and DB additionally guards its own in-memory caches
// (relay binding, managed-tree set, descriptors) with mu.
type DB struct {
	bolt *bolt.DB

	mu           sync.Mutex
	selfUUID     uuid.UUID
	serverUUID   *uuid.UUID
	readableName string
	managed      map[string]bool
	descriptors  map[string]*TreeDescriptor

	// checkout is the in-memory check-out queue mirror shared by every
	// tree opened against this DB.
	checkout *CheckoutMirror
	// outbox carries local Change commands to whatever sync worker is
	// draining Outbox(); see notify.go.
	outbox *changeBus
	// notify is the best-effort local fan-out of Change events to
	// in-process observers.
	notify *notifier
}

// Open opens (creating if necessary) the database file at path. readableName
// is recorded once, on first creation; later opens ignore it and keep the
// name already on disk.
func Open(path, readableName string) (*DB, error) {
	bdb, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening store: %v", ErrStore, err)
	}
	db := &DB{
		bolt:        bdb,
		managed:     map[string]bool{},
		descriptors: map[string]*TreeDescriptor{},
		checkout:    NewCheckoutMirror(),
		outbox:      newChangeBus(256),
		notify:      newNotifier(),
	}
	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(bucketRoot))
		if err != nil {
			return fmt.Errorf("%w: creating root bucket: %v", ErrStore, err)
		}
		if v := root.Get([]byte(keySelfUUID)); v != nil {
			u, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("%w: parsing self uuid: %v", ErrStore, err)
			}
			db.selfUUID = u
		} else {
			db.selfUUID = uuid.New()
			if err := root.Put([]byte(keySelfUUID), db.selfUUID[:]); err != nil {
				return fmt.Errorf("%w: storing self uuid: %v", ErrStore, err)
			}
		}
		if v := root.Get([]byte(keyServerUUID)); v != nil {
			u, err := uuid.FromBytes(v)
			if err != nil {
				return fmt.Errorf("%w: parsing server uuid: %v", ErrStore, err)
			}
			db.serverUUID = &u
		}
		if v := root.Get([]byte(keyReadableName)); v != nil {
			db.readableName = string(v)
		} else {
			db.readableName = readableName
			if err := root.Put([]byte(keyReadableName), []byte(readableName)); err != nil {
				return fmt.Errorf("%w: storing readable name: %v", ErrStore, err)
			}
		}
		if v := root.Get([]byte(keyManagedTrees)); v != nil {
			var names []string
			if err := json.Unmarshal(v, &names); err != nil {
				return fmt.Errorf("%w: parsing managed trees: %v", ErrStore, err)
			}
			for _, n := range names {
				db.managed[n] = true
			}
		}

		descb, err := tx.CreateBucketIfNotExists([]byte(bucketDescriptors))
		if err != nil {
			return fmt.Errorf("%w: creating descriptors bucket: %v", ErrStore, err)
		}
		return descb.ForEach(func(k, v []byte) error {
			var d TreeDescriptor
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("%w: parsing descriptor for %q: %v", ErrStore, k, err)
			}
			db.descriptors[string(k)] = &d
			return nil
		})
	}); err != nil {
		bdb.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the outbox (so a draining sync worker sees it end) and then
// the underlying bbolt file.
func (db *DB) Close() error {
	db.outbox.Close()
	return db.bolt.Close()
}

// Outbox is drained by the client sync worker: one Change per local
// mutation or check-out command, turned into wire events.
func (db *DB) Outbox() <-chan Change { return db.outbox.Chan() }

// Checkout returns the check-out queue mirror shared by every tree opened
// against db. The client sync worker writes to it on inbound CheckedOut
// events; the relay worker writes to it directly, being the source of
// truth.
func (db *DB) Checkout() *CheckoutMirror { return db.checkout }

// Subscribe returns a channel of Change notifications covering every tree
// opened against db, and an id to later Unsubscribe with.
func (db *DB) Subscribe(buffer int) (id int, ch <-chan Change) { return db.notify.Subscribe(buffer) }

// Unsubscribe stops and closes the channel returned by a prior Subscribe.
func (db *DB) Unsubscribe(id int) { db.notify.Unsubscribe(id) }

func (db *DB) SelfUUID() uuid.UUID { return db.selfUUID }

func (db *DB) ReadableName() string { return db.readableName }

// ServerUUID returns the relay uuid bound on first successful handshake, and
// whether a binding exists yet.
func (db *DB) ServerUUID() (uuid.UUID, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.serverUUID == nil {
		return uuid.UUID{}, false
	}
	return *db.serverUUID, true
}

// BindRelay records u as the relay this database is bound to. A later call
// with a different uuid fails: a database stays bound to the first relay it
// ever completed a handshake with.
func (db *DB) BindRelay(u uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.serverUUID != nil {
		if *db.serverUUID != u {
			return fmt.Errorf("%w: relay uuid %s does not match bound uuid %s", ErrUsage, u, *db.serverUUID)
		}
		return nil
	}
	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(bucketRoot))
		return root.Put([]byte(keyServerUUID), u[:])
	}); err != nil {
		return fmt.Errorf("%w: storing relay uuid: %v", ErrStore, err)
	}
	db.serverUUID = &u
	return nil
}

// registerTree ensures a bucket exists for name, records it as managed, and
// reconciles tc against the tree's recorded evolutions. It returns the
// evolution the caller's Go type now maps to.
func (db *DB) registerTree(name string, versioning bool, tc *TypeCollection) (SimpleVersion, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	desc, exists := db.descriptors[name]
	if exists && desc.Versioning != versioning {
		return SimpleVersion{}, fmt.Errorf("%w: tree %q was created with versioning=%v, cannot reopen with versioning=%v", ErrVersioning, name, desc.Versioning, versioning)
	}

	var evolution SimpleVersion
	newDesc := false
	if !exists {
		desc = &TreeDescriptor{Versioning: versioning, Evolutions: map[SimpleVersion]*TypeCollection{}}
		desc.Evolutions[evolution] = tc
		newDesc = true
	} else {
		cur, ok := desc.currentEvolution()
		if !ok {
			desc.Evolutions[evolution] = tc
			newDesc = true
		} else if Equal(desc.Evolutions[cur], tc) {
			evolution = cur
		} else if Compatible(desc.Evolutions[cur], tc) {
			evolution = SimpleVersion{Major: cur.Major, Minor: cur.Minor + 1}
			desc.Evolutions[evolution] = tc
			newDesc = true
		} else {
			return SimpleVersion{}, fmt.Errorf("%w: new schema for tree %q is not a backward-compatible extension of evolution %s", ErrEvolution, name, cur)
		}
	}

	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("%w: creating bucket for tree %q: %v", ErrStore, name, err)
		}
		if !db.managed[name] {
			names := db.managedNamesLocked()
			names = append(names, name)
			sort.Strings(names)
			b, err := json.Marshal(names)
			if err != nil {
				return fmt.Errorf("%w: marshaling managed trees: %v", ErrStore, err)
			}
			root := tx.Bucket([]byte(bucketRoot))
			if err := root.Put([]byte(keyManagedTrees), b); err != nil {
				return fmt.Errorf("%w: storing managed trees: %v", ErrStore, err)
			}
		}
		if newDesc {
			descb := tx.Bucket([]byte(bucketDescriptors))
			b, err := json.Marshal(desc)
			if err != nil {
				return fmt.Errorf("%w: marshaling descriptor for %q: %v", ErrStore, name, err)
			}
			if err := descb.Put([]byte(name), b); err != nil {
				return fmt.Errorf("%w: storing descriptor for %q: %v", ErrStore, name, err)
			}
		}
		return nil
	}); err != nil {
		return SimpleVersion{}, err
	}

	db.managed[name] = true
	db.descriptors[name] = desc
	return evolution, nil
}

// EnsureTreeBucket creates name's bucket if it doesn't already exist,
// without touching the descriptors/managed-trees bookkeeping that
// registerTree does for a participant with a reflected Go type. This is
// how a RawTree (relay, inspection tool) onboards a tree it has no
// schema for.
func (db *DB) EnsureTreeBucket(name string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return fmt.Errorf("%w: creating bucket for tree %q: %v", ErrStore, name, err)
		}
		return nil
	})
}

func (db *DB) managedNamesLocked() []string {
	names := make([]string, 0, len(db.managed))
	for n := range db.managed {
		names = append(names, n)
	}
	return names
}

// ManagedTrees returns the names of every tree registered so far.
func (db *DB) ManagedTrees() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	names := db.managedNamesLocked()
	sort.Strings(names)
	return names
}

// Descriptor returns the recorded TreeDescriptor for name, if any.
func (db *DB) Descriptor(name string) (*TreeDescriptor, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	d, ok := db.descriptors[name]
	return d, ok
}

// --- key pool -------------------------------------------------------------

type keyRange struct {
	Start uint32
	End   uint32 // exclusive
}

type keyPool struct {
	Ranges []keyRange
}

func (p *keyPool) take() (uint32, bool) {
	if len(p.Ranges) == 0 {
		return 0, false
	}
	id := p.Ranges[0].Start
	if p.Ranges[0].Start+1 >= p.Ranges[0].End {
		p.Ranges = p.Ranges[1:]
	} else {
		p.Ranges[0].Start++
	}
	return id, true
}

func (p *keyPool) total() uint32 {
	var n uint32
	for _, r := range p.Ranges {
		n += r.End - r.Start
	}
	return n
}

func (db *DB) loadKeyPool(tx *bolt.Tx, tree string) (*keyPool, error) {
	b := tx.Bucket([]byte(tree))
	if b == nil {
		return nil, fmt.Errorf("%w: tree %q has no bucket", ErrInternal, tree)
	}
	v := b.Get([]byte(keyPoolEntry))
	pool := &keyPool{}
	if v != nil {
		if err := json.Unmarshal(v, pool); err != nil {
			return nil, fmt.Errorf("%w: parsing key pool for %q: %v", ErrStore, tree, err)
		}
	}
	return pool, nil
}

func (db *DB) storeKeyPool(tx *bolt.Tx, tree string, pool *keyPool) error {
	b := tx.Bucket([]byte(tree))
	v, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("%w: marshaling key pool for %q: %v", ErrStore, tree, err)
	}
	if err := b.Put([]byte(keyPoolEntry), v); err != nil {
		return fmt.Errorf("%w: storing key pool for %q: %v", ErrStore, tree, err)
	}
	return nil
}

// TakeID pops one id off tree's key pool under a single transaction. It
// returns ErrOutOfKeys if the pool is empty.
func (db *DB) TakeID(tree string) (uint32, error) {
	var id uint32
	err := db.bolt.Update(func(tx *bolt.Tx) error {
		pool, err := db.loadKeyPool(tx, tree)
		if err != nil {
			return err
		}
		var ok bool
		id, ok = pool.take()
		if !ok {
			return fmt.Errorf("%w: tree %q", ErrOutOfKeys, tree)
		}
		return db.storeKeyPool(tx, tree, pool)
	})
	return id, err
}

// FeedKeyRange appends [start, end) to tree's key pool under a single
// transaction, as a client does on receiving a KeySet event.
func (db *DB) FeedKeyRange(tree string, start, end uint32) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		pool, err := db.loadKeyPool(tx, tree)
		if err != nil {
			return err
		}
		pool.Ranges = append(pool.Ranges, keyRange{Start: start, End: end})
		return db.storeKeyPool(tx, tree, pool)
	})
}

// KeysAvailable reports how many unused ids remain in tree's key pool.
func (db *DB) KeysAvailable(tree string) (uint32, error) {
	var n uint32
	err := db.bolt.View(func(tx *bolt.Tx) error {
		pool, err := db.loadKeyPool(tx, tree)
		if err != nil {
			return err
		}
		n = pool.total()
		return nil
	})
	return n, err
}

// --- records ----------------------------------------------------------------

func (db *DB) getRecord(tx *bolt.Tx, tree string, k GenericKey) (*Record, bool, error) {
	b := tx.Bucket([]byte(tree))
	if b == nil {
		return nil, false, fmt.Errorf("%w: tree %q has no bucket", ErrInternal, tree)
	}
	kb := k.Bytes()
	v := b.Get(kb[:])
	if v == nil {
		return nil, false, nil
	}
	var r Record
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, false, fmt.Errorf("%w: parsing record %v in %q: %v", ErrStore, k, tree, err)
	}
	return &r, true, nil
}

func (db *DB) putRecord(tx *bolt.Tx, tree string, r *Record) error {
	b := tx.Bucket([]byte(tree))
	if b == nil {
		return fmt.Errorf("%w: tree %q has no bucket", ErrInternal, tree)
	}
	v, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: marshaling record %v in %q: %v", ErrStore, r.Meta.Key, tree, err)
	}
	kb := r.Meta.Key.Bytes()
	if err := b.Put(kb[:], v); err != nil {
		return fmt.Errorf("%w: storing record %v in %q: %v", ErrStore, r.Meta.Key, tree, err)
	}
	return nil
}

func (db *DB) deleteRecord(tx *bolt.Tx, tree string, k GenericKey) error {
	b := tx.Bucket([]byte(tree))
	if b == nil {
		return fmt.Errorf("%w: tree %q has no bucket", ErrInternal, tree)
	}
	kb := k.Bytes()
	if err := b.Delete(kb[:]); err != nil {
		return fmt.Errorf("%w: removing record %v in %q: %v", ErrStore, k, tree, err)
	}
	return nil
}

// allKeys returns every non-reserved key in tree, in byte order, as bbolt
// cursors naturally yield them.
func (db *DB) allKeys(tx *bolt.Tx, tree string) ([]GenericKey, error) {
	b := tx.Bucket([]byte(tree))
	if b == nil {
		return nil, fmt.Errorf("%w: tree %q has no bucket", ErrInternal, tree)
	}
	var keys []GenericKey
	c := b.Cursor()
	reserved := []byte(keyPoolEntry)
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if string(k) == string(reserved) {
			continue
		}
		gk, ok := ParseGenericKey(k)
		if !ok {
			continue
		}
		keys = append(keys, gk)
	}
	return keys, nil
}

// --- transaction wrappers, used by Tree and the opaque facade ---------------

func (db *DB) txGetRecord(tree string, k GenericKey) (*Record, bool, error) {
	var rec *Record
	var ok bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		r, found, err := db.getRecord(tx, tree, k)
		rec, ok = r, found
		return err
	})
	return rec, ok, err
}

func (db *DB) txPutRecord(tree string, r *Record) error {
	return db.bolt.Update(func(tx *bolt.Tx) error { return db.putRecord(tx, tree, r) })
}

func (db *DB) txDeleteRecord(tree string, k GenericKey) error {
	return db.bolt.Update(func(tx *bolt.Tx) error { return db.deleteRecord(tx, tree, k) })
}

func (db *DB) txAllKeys(tree string) ([]GenericKey, error) {
	var keys []GenericKey
	err := db.bolt.View(func(tx *bolt.Tx) error {
		ks, err := db.allKeys(tx, tree)
		keys = ks
		return err
	})
	return keys, err
}

// --- reserved-bucket storage for the relay (client records, tombstones,
// key-range counters) -------------------------------------------------------
//
// These are generic primitives on top of the same bbolt-bucket-plus-JSON
// discipline store.go already uses for descriptors, so the relay worker
// (package syncrelay) never needs to reach past DB's public API into bbolt
// itself.

// PutJSON marshals value as JSON and stores it under key in bucket,
// creating bucket if necessary.
func (db *DB) PutJSON(bucket, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: marshaling %s/%s: %v", ErrStore, bucket, key, err)
	}
	return db.bolt.Update(func(tx *bolt.Tx) error {
		bb, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("%w: creating bucket %q: %v", ErrStore, bucket, err)
		}
		if err := bb.Put([]byte(key), b); err != nil {
			return fmt.Errorf("%w: storing %s/%s: %v", ErrStore, bucket, key, err)
		}
		return nil
	})
}

// GetJSON loads and unmarshals key out of bucket into dest, reporting false
// if absent.
func (db *DB) GetJSON(bucket, key string, dest any) (bool, error) {
	var found bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		bb := tx.Bucket([]byte(bucket))
		if bb == nil {
			return nil
		}
		v := bb.Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, dest)
	})
	if err != nil {
		return false, fmt.Errorf("%w: loading %s/%s: %v", ErrStore, bucket, key, err)
	}
	return found, nil
}

// ForEachJSON visits every key/raw-value pair in bucket; fn unmarshals as
// needed. A missing bucket is treated as empty.
func (db *DB) ForEachJSON(bucket string, fn func(key string, raw []byte) error) error {
	return db.bolt.View(func(tx *bolt.Tx) error {
		bb := tx.Bucket([]byte(bucket))
		if bb == nil {
			return nil
		}
		return bb.ForEach(func(k, v []byte) error { return fn(string(k), v) })
	})
}

func tombstoneKey(tree string, key GenericKey) []byte {
	kb := key.Bytes()
	out := make([]byte, 0, len(tree)+len(kb))
	out = append(out, tree...)
	out = append(out, kb[:]...)
	return out
}

// Tombstone records tree/key in the removed-records set: a relay-only
// marker that blocks the key's re-creation and forces its removal on
// late-syncing peers.
func (db *DB) Tombstone(tree string, key GenericKey) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		bb, err := tx.CreateBucketIfNotExists([]byte(bucketRemoved))
		if err != nil {
			return fmt.Errorf("%w: creating removed-records bucket: %v", ErrStore, err)
		}
		return bb.Put(tombstoneKey(tree, key), nil)
	})
}

// IsTombstoned reports whether tree/key has been recorded as removed.
func (db *DB) IsTombstoned(tree string, key GenericKey) (bool, error) {
	var found bool
	err := db.bolt.View(func(tx *bolt.Tx) error {
		bb := tx.Bucket([]byte(bucketRemoved))
		if bb == nil {
			return nil
		}
		found = bb.Get(tombstoneKey(tree, key)) != nil
		return nil
	})
	return found, err
}

// Tombstones returns every removed key recorded for tree, in byte order.
// The relay replays these to a syncing peer so a record removed while that
// peer was away gets removed there too, even if the peer never saw it.
func (db *DB) Tombstones(tree string) ([]GenericKey, error) {
	var keys []GenericKey
	prefix := []byte(tree)
	err := db.bolt.View(func(tx *bolt.Tx) error {
		bb := tx.Bucket([]byte(bucketRemoved))
		if bb == nil {
			return nil
		}
		c := bb.Cursor()
		for k, _ := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == tree; k, _ = c.Next() {
			if len(k) != len(prefix)+8 {
				continue
			}
			gk, ok := ParseGenericKey(k[len(prefix):])
			if !ok {
				continue
			}
			keys = append(keys, gk)
		}
		return nil
	})
	return keys, err
}

// AllocateKeyRange advances tree's relay-side next-id counter by stride and
// returns the half-open range [start, end) just claimed. It returns
// ErrKeySpaceExhausted instead of wrapping on uint32 overflow; the tree is
// unrecoverable at that point.
func (db *DB) AllocateKeyRange(tree string, stride uint32) (start, end uint32, err error) {
	counterKey := tree + "_info"
	err = db.bolt.Update(func(tx *bolt.Tx) error {
		bb, err := tx.CreateBucketIfNotExists([]byte(bucketRoot))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		var state struct{ NextKey uint32 }
		if v := bb.Get([]byte(counterKey)); v != nil {
			if err := json.Unmarshal(v, &state); err != nil {
				return fmt.Errorf("%w: parsing %s: %v", ErrStore, counterKey, err)
			}
		}
		if uint64(state.NextKey)+uint64(stride) > uint64(^uint32(0)) {
			return fmt.Errorf("%w: tree %q", ErrKeySpaceExhausted, tree)
		}
		start = state.NextKey
		end = start + stride
		state.NextKey = end
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		return bb.Put([]byte(counterKey), b)
	})
	return start, end, err
}

// streamKeys calls yield for every non-reserved key in tree, in byte order,
// stopping early if yield returns false. It holds a single read
// transaction open for the duration, giving the sequence a consistent
// snapshot without materializing it as a slice first.
func (db *DB) streamKeys(tree string, yield func(GenericKey) bool) error {
	return db.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(tree))
		if b == nil {
			return fmt.Errorf("%w: tree %q has no bucket", ErrInternal, tree)
		}
		c := b.Cursor()
		reserved := []byte(keyPoolEntry)
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) == string(reserved) {
				continue
			}
			gk, ok := ParseGenericKey(k)
			if !ok {
				continue
			}
			if !yield(gk) {
				break
			}
		}
		return nil
	})
}
