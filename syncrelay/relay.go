// Package syncrelay implements the relay side of the sync protocol: the
// peer-facing side that brokers between many clients, issues key ranges,
// broadcasts hot-sync events, and remembers removed records so they don't
// come back from a late sync partner.
package syncrelay

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nilsson/meshdb"
	"github.com/nilsson/meshdb/wire"
)

// KeysPerRequest is the fixed stride of every id range the relay hands out
// on GetKeySet.
const KeysPerRequest uint32 = 1000

const bucketClients = "_clients"

// KeyRange is a half-open [Start, End) range of ids a client has been
// issued for one tree.
type KeyRange struct {
	Start uint32
	End   uint32
}

// ClientInfo is the relay's durable record of one peer, keyed by UUID in
// the reserved clients bucket.
type ClientInfo struct {
	UUID         uuid.UUID
	ReadableName string
	KeyRanges    map[string][]KeyRange
}

func (ci *ClientInfo) ownsID(tree string, id uint32) bool {
	for _, r := range ci.KeyRanges[tree] {
		if id >= r.Start && id < r.End {
			return true
		}
	}
	return false
}

// Relay is the relay-side sync worker for one local store and one set of
// managed trees. The registry usually holds RawTree facades: the relay
// never compiles against any participant's Go value types, it only moves
// record bytes and meta between peers and its own store.
type Relay struct {
	db       *meshdb.DB
	registry *meshdb.Registry
	log      *logrus.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*connState]bool
}

// New builds a Relay serving registry's trees out of db.
func New(db *meshdb.DB, registry *meshdb.Registry, log *logrus.Logger) *Relay {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{
		db:       db,
		registry: registry,
		log:      log,
		upgrader: websocket.Upgrader{},
		conns:    map[*connState]bool{},
	}
}

// ServeHTTP upgrades r to a WebSocket and runs one connection's session to
// completion. Wire this in as the handler for the relay's listening
// address.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	r.handleConn(conn, req.RemoteAddr)
}

type connState struct {
	relay      *Relay
	conn       *websocket.Conn
	remoteAddr string
	out        chan wire.Event

	mu   sync.Mutex
	info *ClientInfo

	subMu      sync.Mutex
	subscribed map[string]bool
}

func (cs *connState) send(e wire.Event) {
	select {
	case cs.out <- e:
	default:
		cs.relay.log.WithField("remote", cs.remoteAddr).Warn("outbound queue full, dropping event")
	}
}

func (cs *connState) writerLoop() {
	for e := range cs.out {
		if err := wire.WriteEvent(cs.conn, e); err != nil {
			cs.relay.log.WithError(err).WithField("remote", cs.remoteAddr).Info("write failed, closing connection")
			cs.conn.Close()
			return
		}
	}
}

func (cs *connState) isSubscribed(tree string) bool {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	return cs.subscribed[tree]
}

func (cs *connState) subscribe(tree string) {
	cs.subMu.Lock()
	defer cs.subMu.Unlock()
	if cs.subscribed == nil {
		cs.subscribed = map[string]bool{}
	}
	cs.subscribed[tree] = true
}

func (cs *connState) clientInfo() *ClientInfo {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.info
}

func (r *Relay) addConn(cs *connState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[cs] = true
}

func (r *Relay) removeConn(cs *connState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, cs)
}

func (r *Relay) handleConn(conn *websocket.Conn, remoteAddr string) {
	cs := &connState{relay: r, conn: conn, remoteAddr: remoteAddr, out: make(chan wire.Event, 1024)}
	r.addConn(cs)
	defer r.removeConn(cs)

	go cs.writerLoop()
	defer close(cs.out)

	cs.send(wire.PresentSelf{UUID: r.db.SelfUUID(), ReadableName: r.db.ReadableName()})

	for {
		ev, err := wire.ReadEvent(conn)
		if err != nil {
			r.log.WithField("remote", remoteAddr).WithError(err).Info("connection ended")
			return
		}
		r.handleEvent(cs, ev)
	}
}

func (r *Relay) handleEvent(cs *connState, ev wire.Event) {
	switch e := ev.(type) {
	case wire.PresentSelf:
		r.handlePresentSelf(cs, e)
	case wire.TreeOverview:
		r.handleTreeOverview(cs, e)
	case wire.GetTreeOverview:
		r.sendOverview(cs, e.Tree)
	case wire.GetKeySet:
		r.handleGetKeySet(cs, e)
	case wire.CheckOut:
		r.handleCheckOut(cs, e)
	case wire.Return:
		r.handleReturn(cs, e)
	case wire.HotSyncEvent:
		r.handleHotSync(cs, e)
	case wire.RequestRecords:
		r.handleRequestRecords(cs, e)
	default:
		r.log.WithField("event", fmt.Sprintf("%T", ev)).Warn("unexpected event at relay")
	}
}

// handlePresentSelf registers or recognizes the connecting client, then
// replies with a TreeOverview per managed tree and a CheckedOut for every
// non-empty check-out queue.
func (r *Relay) handlePresentSelf(cs *connState, e wire.PresentSelf) {
	var info ClientInfo
	found, err := r.db.GetJSON(bucketClients, e.UUID.String(), &info)
	if err != nil {
		r.log.WithError(err).Warn("loading client record")
	}
	if !found {
		info = ClientInfo{UUID: e.UUID, ReadableName: e.ReadableName, KeyRanges: map[string][]KeyRange{}}
	} else {
		info.ReadableName = e.ReadableName
	}
	if err := r.db.PutJSON(bucketClients, e.UUID.String(), &info); err != nil {
		r.log.WithError(err).Warn("saving client record")
	}
	cs.mu.Lock()
	cs.info = &info
	cs.mu.Unlock()

	for _, name := range r.registry.Names() {
		r.sendOverview(cs, name)
	}
	for _, qe := range r.db.Checkout().All() {
		cs.send(wire.CheckedOut{Tree: qe.Tree, Key: qe.Key, Queue: qe.Queue})
	}
}

// getOrCreateTree returns tree's OpaqueTree, onboarding it as a
// meshdb.RawTree the first time the relay hears of it: the relay never
// compiles against a participant's Go value type, so every tree it
// manages is learned this way, by name, off an incoming event.
func (r *Relay) getOrCreateTree(name string) (meshdb.OpaqueTree, error) {
	if t, ok := r.registry.Get(name); ok {
		return t, nil
	}
	t, err := meshdb.OpenRawTree(r.db, name)
	if err != nil {
		return nil, err
	}
	r.registry.Add(t)
	return t, nil
}

func (r *Relay) sendOverview(cs *connState, tree string) {
	t, ok := r.registry.Get(tree)
	if !ok {
		return
	}
	keys, err := t.AllKeys()
	if err != nil {
		r.log.WithError(err).WithField("tree", tree).Warn("listing keys for overview")
		return
	}
	records := make(map[meshdb.GenericKey]wire.IterationPair, len(keys))
	for _, k := range keys {
		metaIt, _, dataIt, _, err := t.Meta(k)
		if err != nil {
			continue
		}
		records[k] = wire.IterationPair{MetaIteration: metaIt, DataIteration: dataIt}
	}
	cs.send(wire.TreeOverview{Tree: tree, Records: records})
}

// handleTreeOverview subscribes the client to the tree, pushes a Removed
// for every tombstoned key so late peers drop records that are already
// gone, and requests any reported key the relay is missing or behind on.
func (r *Relay) handleTreeOverview(cs *connState, e wire.TreeOverview) {
	t, err := r.getOrCreateTree(e.Tree)
	if err != nil {
		r.log.WithError(err).WithField("tree", e.Tree).Warn("onboarding tree")
		return
	}
	cs.subscribe(e.Tree)

	// Push every tombstone for the tree, whether or not the peer reported
	// the key: a peer that never saw the record still must not accept a
	// late re-create of it, and one that did holds a record to delete.
	tombstoned := map[meshdb.GenericKey]bool{}
	tombs, err := r.db.Tombstones(e.Tree)
	if err != nil {
		r.log.WithError(err).WithField("tree", e.Tree).Warn("listing tombstones")
	}
	for _, key := range tombs {
		tombstoned[key] = true
		cs.send(wire.HotSyncEvent{Tree: e.Tree, Key: key, Kind: wire.Removed{}})
	}

	var missing []meshdb.GenericKey
	for key, remote := range e.Records {
		if tombstoned[key] {
			continue
		}
		localMetaIt, _, localDataIt, _, err := t.Meta(key)
		if err != nil || localMetaIt < remote.MetaIteration || localDataIt < remote.DataIteration {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		cs.send(wire.RequestRecords{Tree: e.Tree, Keys: missing})
	}
}

func (r *Relay) handleGetKeySet(cs *connState, e wire.GetKeySet) {
	if _, err := r.getOrCreateTree(e.Tree); err != nil {
		r.log.WithError(err).WithField("tree", e.Tree).Warn("onboarding tree")
		return
	}
	start, end, err := r.db.AllocateKeyRange(e.Tree, KeysPerRequest)
	if err != nil {
		r.log.WithError(err).WithField("tree", e.Tree).Warn("allocating key range")
		return
	}
	info := cs.clientInfo()
	if info != nil {
		info.KeyRanges[e.Tree] = append(info.KeyRanges[e.Tree], KeyRange{Start: start, End: end})
		if err := r.db.PutJSON(bucketClients, info.UUID.String(), info); err != nil {
			r.log.WithError(err).Warn("saving client record")
		}
	}
	cs.send(wire.KeySet{Tree: e.Tree, Start: start, End: end})
}

func (r *Relay) handleCheckOut(cs *connState, e wire.CheckOut) {
	info := cs.clientInfo()
	if info == nil {
		return
	}
	for _, key := range e.Keys {
		queue := r.db.Checkout().PushCheckOut(e.Tree, key, info.UUID)
		r.broadcastCheckedOut(wire.CheckedOut{Tree: e.Tree, Key: key, Queue: queue})
	}
}

func (r *Relay) handleReturn(cs *connState, e wire.Return) {
	info := cs.clientInfo()
	if info == nil {
		return
	}
	for _, key := range e.Keys {
		queue, ok := r.db.Checkout().PopReturn(e.Tree, key, info.UUID)
		if !ok {
			r.log.WithField("tree", e.Tree).WithField("key", key).Warn("return ignored: caller is not at queue head")
			continue
		}
		r.broadcastCheckedOut(wire.CheckedOut{Tree: e.Tree, Key: key, Queue: queue})
	}
}

// handleHotSync authorizes and applies an inbound hot-sync event, then
// re-broadcasts it to every other connection.
func (r *Relay) handleHotSync(cs *connState, e wire.HotSyncEvent) {
	t, err := r.getOrCreateTree(e.Tree)
	if err != nil {
		r.log.WithError(err).WithField("tree", e.Tree).Warn("onboarding tree")
		return
	}
	info := cs.clientInfo()

	if cc, isCreate := e.Kind.(wire.CreatedOrChanged); isCreate && cc.MetaIteration == 0 {
		if info == nil || !info.ownsID(e.Tree, e.Key.ID) {
			r.log.WithField("tree", e.Tree).WithField("key", e.Key).Warn("dropping create for unowned id")
			return
		}
	}
	if _, isRemoved := e.Kind.(wire.Removed); !isRemoved {
		if tomb, err := r.db.IsTombstoned(e.Tree, e.Key); err == nil && tomb {
			return
		}
	}

	switch kind := e.Kind.(type) {
	case wire.MetaChanged:
		_, err = t.ApplyMetaChanged(e.Key, kind.Meta, kind.MetaIteration)
	case wire.CreatedOrChanged:
		_, err = t.ApplyCreatedOrChanged(e.Key, kind.Meta, kind.MetaIteration, kind.Data, kind.DataEvolution, kind.DataIteration)
	case wire.Removed:
		_, err = t.ApplyRemoved(e.Key)
		if err == nil {
			if err2 := r.db.Tombstone(e.Tree, e.Key); err2 != nil {
				r.log.WithError(err2).Warn("writing tombstone")
			}
			r.db.Checkout().Evict(e.Tree, e.Key)
		}
	}
	if err != nil {
		r.log.WithError(err).WithField("tree", e.Tree).WithField("key", e.Key).Warn("applying hot-sync event")
		return
	}

	e.SourceAddr = cs.remoteAddr
	r.broadcastHotSync(cs, e)
}

func (r *Relay) handleRequestRecords(cs *connState, e wire.RequestRecords) {
	t, ok := r.registry.Get(e.Tree)
	if !ok {
		return
	}
	for _, key := range e.Keys {
		metaIt, meta, dataIt, evolution, err := t.Meta(key)
		if err != nil {
			continue
		}
		data, _, found, err := t.RawData(key)
		if err != nil || !found {
			continue
		}
		cs.send(wire.HotSyncEvent{Tree: e.Tree, Key: key, SourceAddr: cs.remoteAddr, Kind: wire.CreatedOrChanged{
			Meta:          meta,
			MetaIteration: metaIt,
			Data:          data,
			DataEvolution: evolution,
			DataIteration: dataIt,
		}})
	}
}

// broadcastHotSync forwards ev to every connection subscribed to ev.Tree
// except source: a peer never sees an event it originated.
func (r *Relay) broadcastHotSync(source *connState, ev wire.HotSyncEvent) {
	r.mu.Lock()
	targets := make([]*connState, 0, len(r.conns))
	for cs := range r.conns {
		if cs != source {
			targets = append(targets, cs)
		}
	}
	r.mu.Unlock()
	for _, cs := range targets {
		if cs.isSubscribed(ev.Tree) {
			cs.send(ev)
		}
	}
}

// broadcastCheckedOut forwards a check-out queue change to every
// connection, including the one that triggered it: queue state is global
// and the originator needs the resulting queue too.
func (r *Relay) broadcastCheckedOut(ev wire.CheckedOut) {
	r.mu.Lock()
	targets := make([]*connState, 0, len(r.conns))
	for cs := range r.conns {
		targets = append(targets, cs)
	}
	r.mu.Unlock()
	for _, cs := range targets {
		cs.send(ev)
	}
}
