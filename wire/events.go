// Package wire holds the sync protocol's event types: the messages
// exchanged between a client sync worker and a relay, and between two
// relay connections relaying the same event to different peers.
//
// Events are encoded with encoding/gob, one event per WebSocket binary
// frame. Every exported type is a plain, serializable struct so callers
// never need to know which codec is underneath.
package wire

import (
	"github.com/google/uuid"

	"github.com/nilsson/meshdb"
)

// Event is implemented by every message variant. Concrete types are
// registered with gob in codec.go's init.
type Event interface {
	eventKind() string
}

// PresentSelf announces a node's identity; sent by both sides on entering
// Syncing/on a new connection.
type PresentSelf struct {
	UUID         uuid.UUID
	ReadableName string
}

func (PresentSelf) eventKind() string { return "PresentSelf" }

// GetTreeOverview asks the other side to send a TreeOverview for Tree.
type GetTreeOverview struct {
	Tree string
}

func (GetTreeOverview) eventKind() string { return "GetTreeOverview" }

// IterationPair is the (meta_iteration, data_iteration) summary of a key
// that a TreeOverview carries.
type IterationPair struct {
	MetaIteration uint32
	DataIteration uint32
}

// TreeOverview is the reconciliation cornerstone: a snapshot of every
// locally-known key and its iteration pair for Tree.
type TreeOverview struct {
	Tree    string
	Records map[meshdb.GenericKey]IterationPair
}

func (TreeOverview) eventKind() string { return "TreeOverview" }

// RequestRecords asks the other side to stream back the full records for
// Keys in Tree, each as a HotSyncEvent carrying CreatedOrChanged.
type RequestRecords struct {
	Tree string
	Keys []meshdb.GenericKey
}

func (RequestRecords) eventKind() string { return "RequestRecords" }

// HotSyncEventKind is the payload of a HotSyncEvent; MetaChanged,
// CreatedOrChanged, and Removed are its three variants.
type HotSyncEventKind interface {
	hotSyncKind() string
}

// MetaChanged carries a meta-only update: the record's data and
// data_iteration are unchanged.
type MetaChanged struct {
	Meta          meshdb.RecordMeta
	MetaIteration uint32
}

func (MetaChanged) hotSyncKind() string { return "MetaChanged" }

// CreatedOrChanged carries a full record write: either the first one for a
// key, or an update to an existing one.
type CreatedOrChanged struct {
	Meta          meshdb.RecordMeta
	MetaIteration uint32
	Data          []byte
	DataEvolution meshdb.SimpleVersion
	DataIteration uint32
}

func (CreatedOrChanged) hotSyncKind() string { return "CreatedOrChanged" }

// Removed carries a deletion.
type Removed struct{}

func (Removed) hotSyncKind() string { return "Removed" }

// HotSyncEvent is the real-time per-record push. SourceAddr, when
// non-empty, is the remote address the relay received this event from, so
// a recipient can avoid echoing it back to its originator.
type HotSyncEvent struct {
	Tree       string
	Key        meshdb.GenericKey
	SourceAddr string
	Kind       HotSyncEventKind
}

func (HotSyncEvent) eventKind() string { return "HotSyncEvent" }

// GetKeySet asks the relay to allocate a fresh id range for Tree.
type GetKeySet struct {
	Tree string
}

func (GetKeySet) eventKind() string { return "GetKeySet" }

// KeySet is the relay's reply to GetKeySet: the half-open range [Start,
// End) the client may now write ids from.
type KeySet struct {
	Tree  string
	Start uint32
	End   uint32
}

func (KeySet) eventKind() string { return "KeySet" }

// CheckOut asks the relay to push the sender onto Keys' check-out queues.
type CheckOut struct {
	Tree string
	Keys []meshdb.GenericKey
}

func (CheckOut) eventKind() string { return "CheckOut" }

// Return asks the relay to pop the sender off Keys' check-out queues (it
// must be at the head of each).
type Return struct {
	Tree string
	Keys []meshdb.GenericKey
}

func (Return) eventKind() string { return "Return" }

// CheckedOut is the relay's push of one key's current check-out queue,
// sent on connect (for every non-empty queue) and whenever the queue
// changes.
type CheckedOut struct {
	Tree  string
	Key   meshdb.GenericKey
	Queue []uuid.UUID
}

func (CheckedOut) eventKind() string { return "CheckedOut" }
