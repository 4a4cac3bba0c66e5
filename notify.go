package meshdb

import (
	"fmt"
	"sync"
)

// ChangeKind discriminates the events a Tree reports to the outbox (for the
// sync worker) and to local subscribers (for in-process observers).
type ChangeKind int

const (
	ChangeInserted ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
	// ChangeMetaChanged marks a meta-only mutation: locally that is only
	// Tree.Release (Draft -> Released), which must travel as a
	// MetaChanged hot-sync event, not a CreatedOrChanged. An inbound
	// MetaChanged applied by ApplyMetaChanged is reported with it too.
	ChangeMetaChanged
	ChangeCheckOutRequested
	ChangeReleaseRequested
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInserted:
		return "inserted"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	case ChangeMetaChanged:
		return "meta changed"
	case ChangeCheckOutRequested:
		return "check-out requested"
	case ChangeReleaseRequested:
		return "release requested"
	default:
		return "change(?)"
	}
}

// Change is what a Tree reports on every local mutation and check-out
// command: the sync worker drains it from DB.Outbox and turns it into wire
// events.
type Change struct {
	Tree string
	Key  GenericKey
	Kind ChangeKind
}

// changeBus is the single bounded command channel between typed-tree
// operations (which may run on any goroutine) and the client sync worker.
// A Send after Close returns an error instead of panicking, so a writer
// racing a DB.Close sees a failure rather than taking the process down.
type changeBus struct {
	mu     sync.RWMutex
	ch     chan Change
	closed bool
}

func newChangeBus(buffer int) *changeBus {
	return &changeBus{ch: make(chan Change, buffer)}
}

func (b *changeBus) Send(c Change) (err error) {
	defer func() {
		if recover() != nil {
			err = fmt.Errorf("%w: command channel closed", ErrUsage)
		}
	}()
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("%w: command channel closed", ErrUsage)
	}
	b.ch <- c
	return nil
}

// Chan is drained by exactly one consumer: the client sync worker.
func (b *changeBus) Chan() <-chan Change { return b.ch }

func (b *changeBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

// notifier is a best-effort local fan-out of Change events to any number of
// in-process observers. A slow subscriber misses notifications rather than
// blocking writers, the same trade-off the relay makes for its broadcast
// channel.
type notifier struct {
	mu   sync.Mutex
	subs map[int]chan Change
	next int
}

func newNotifier() *notifier { return &notifier{subs: map[int]chan Change{}} }

// Subscribe returns a channel of future Change events and an id to later
// Unsubscribe with.
func (n *notifier) Subscribe(buffer int) (id int, ch <-chan Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id = n.next
	n.next++
	c := make(chan Change, buffer)
	n.subs[id] = c
	return id, c
}

func (n *notifier) Unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c, ok := n.subs[id]; ok {
		close(c)
		delete(n.subs, id)
	}
}

func (n *notifier) emit(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		select {
		case sub <- c:
		default:
		}
	}
}
