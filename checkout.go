package meshdb

import (
	"sync"

	"github.com/google/uuid"
)

// CheckOutKind discriminates the four states a node can observe itself in
// with respect to a single key's check-out queue.
type CheckOutKind int

const (
	// Empty: nobody holds or waits for the key.
	Empty CheckOutKind = iota
	// CheckedOut: the local node is at the head of the queue, the unique
	// node allowed to mutate the key right now.
	CheckedOut
	// WaitingFor: the local node is in the queue, but not at the head.
	// Who is the node currently at the head.
	WaitingFor
	// CheckedOutBy: the local node holds no place in the queue. Who is
	// the node at the head.
	CheckedOutBy
)

// CheckOutState is the local view of a key's check-out queue, computed
// against the local node's own uuid.
type CheckOutState struct {
	Kind CheckOutKind
	Who  uuid.UUID // meaningful for WaitingFor and CheckedOutBy
}

type checkoutTreeKey struct {
	tree string
	key  GenericKey
}

// CheckoutMirror is the in-memory check-out queue view: a single
// reader-writer lock, written by the sync worker on inbound CheckedOut
// events (client) or local/peer check-out commands (relay), read by
// typed-tree operations.
type CheckoutMirror struct {
	mu     sync.RWMutex
	queues map[checkoutTreeKey][]uuid.UUID
}

func NewCheckoutMirror() *CheckoutMirror {
	return &CheckoutMirror{queues: map[checkoutTreeKey][]uuid.UUID{}}
}

// Queue returns a copy of the queue for (tree, key), head first.
func (m *CheckoutMirror) Queue(tree string, key GenericKey) []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := m.queues[checkoutTreeKey{tree, key}]
	out := make([]uuid.UUID, len(q))
	copy(out, q)
	return out
}

// SetQueue replaces the queue for (tree, key) wholesale, as done when a
// CheckedOut event arrives describing the relay's authoritative queue. An
// empty queue removes the entry.
func (m *CheckoutMirror) SetQueue(tree string, key GenericKey, queue []uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := checkoutTreeKey{tree, key}
	if len(queue) == 0 {
		delete(m.queues, k)
		return
	}
	cp := make([]uuid.UUID, len(queue))
	copy(cp, queue)
	m.queues[k] = cp
}

// State computes self's CheckOutState for (tree, key).
func (m *CheckoutMirror) State(tree string, key GenericKey, self uuid.UUID) CheckOutState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := m.queues[checkoutTreeKey{tree, key}]
	if len(q) == 0 {
		return CheckOutState{Kind: Empty}
	}
	if q[0] == self {
		return CheckOutState{Kind: CheckedOut}
	}
	for _, u := range q[1:] {
		if u == self {
			return CheckOutState{Kind: WaitingFor, Who: q[0]}
		}
	}
	return CheckOutState{Kind: CheckedOutBy, Who: q[0]}
}

// PushCheckOut appends self to the queue for (tree, key); a second
// check-out by a uuid already in the queue is a no-op. It returns the
// resulting queue.
func (m *CheckoutMirror) PushCheckOut(tree string, key GenericKey, self uuid.UUID) []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := checkoutTreeKey{tree, key}
	q := m.queues[k]
	for _, u := range q {
		if u == self {
			return append([]uuid.UUID(nil), q...)
		}
	}
	q = append(q, self)
	m.queues[k] = q
	return append([]uuid.UUID(nil), q...)
}

// PopReturn removes self from the head of the queue for (tree, key). It
// reports false (and leaves the queue untouched) if self is not at the
// head; only the current holder can return a key.
func (m *CheckoutMirror) PopReturn(tree string, key GenericKey, self uuid.UUID) (queue []uuid.UUID, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := checkoutTreeKey{tree, key}
	q := m.queues[k]
	if len(q) == 0 || q[0] != self {
		return append([]uuid.UUID(nil), q...), false
	}
	q = q[1:]
	if len(q) == 0 {
		delete(m.queues, k)
	} else {
		m.queues[k] = q
	}
	return append([]uuid.UUID(nil), q...), true
}

// QueueEntry names one non-empty queue, for enumeration by All.
type QueueEntry struct {
	Tree  string
	Key   GenericKey
	Queue []uuid.UUID
}

// All returns every non-empty queue currently held, used by the relay to
// replay check-out state to a newly (re)connected peer.
func (m *CheckoutMirror) All() []QueueEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]QueueEntry, 0, len(m.queues))
	for k, q := range m.queues {
		cp := make([]uuid.UUID, len(q))
		copy(cp, q)
		out = append(out, QueueEntry{Tree: k.tree, Key: k.key, Queue: cp})
	}
	return out
}

// Evict removes any queue for (tree, key) outright, used by the relay when
// a key is tombstoned.
func (m *CheckoutMirror) Evict(tree string, key GenericKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, checkoutTreeKey{tree, key})
}
