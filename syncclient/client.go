// Package syncclient implements the client side of the sync protocol: a
// single background task that dials a relay, exchanges identities, heals
// differences with tree overviews, and streams local changes and check-out
// commands as hot-sync events.
package syncclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nilsson/meshdb"
	"github.com/nilsson/meshdb/wire"
)

// State is the client sync worker's connection state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Presenting
	Syncing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Presenting:
		return "presenting"
	case Syncing:
		return "syncing"
	default:
		return "state(?)"
	}
}

// Stats surfaces how much local work accumulated while Disconnected.
type Stats struct {
	BacklogCount int
	LastBacklog  time.Time
}

// Client is the client-side sync worker for one DB against one relay
// address. Create one with New and run it with Run, normally in its own
// goroutine; Run blocks until ctx is canceled.
type Client struct {
	db       *meshdb.DB
	registry *meshdb.Registry
	url      string
	log      *logrus.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	writeMu sync.Mutex

	backlogCount int
	backlogLast  time.Time
}

// New builds a Client that will sync db's registered trees (registry)
// against the relay at url (a ws:// or wss:// address).
func New(db *meshdb.DB, registry *meshdb.Registry, url string, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{db: db, registry: registry, url: url, log: log}
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns the current backlog counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{BacklogCount: c.backlogCount, LastBacklog: c.backlogLast}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) activeConn() (*websocket.Conn, State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.state
}

func (c *Client) recordBacklog() {
	c.mu.Lock()
	c.backlogCount++
	c.backlogLast = time.Now()
	c.mu.Unlock()
}

// Run drains db.Outbox() for the lifetime of ctx and, concurrently,
// repeatedly dials the relay and runs one sync session per connection,
// reconnecting on every transport failure. It returns when
// ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	go c.outboxLoop(ctx)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.runSession(ctx); err != nil {
			c.log.WithError(err).Warn("sync session ended")
		}
		c.setState(Disconnected)
		c.setConn(nil)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *Client) runSession(ctx context.Context) error {
	c.setState(Connecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing relay %s: %w", c.url, err)
	}
	defer conn.Close()
	c.setConn(conn)

	c.setState(Presenting)
	if err := c.sendEvent(conn, wire.PresentSelf{UUID: c.db.SelfUUID(), ReadableName: c.db.ReadableName()}); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ev, err := wire.ReadEvent(conn)
		if err != nil {
			return fmt.Errorf("reading event: %w", err)
		}
		if err := c.handleEvent(conn, ev); err != nil {
			return err
		}
	}
}

func (c *Client) sendEvent(conn *websocket.Conn, e wire.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteEvent(conn, e)
}

func (c *Client) handleEvent(conn *websocket.Conn, ev wire.Event) error {
	switch e := ev.(type) {
	case wire.PresentSelf:
		if err := c.db.BindRelay(e.UUID); err != nil {
			return fmt.Errorf("relay identity mismatch: %w", err)
		}
		return c.enterSyncing(conn)
	case wire.TreeOverview:
		return c.handleTreeOverview(conn, e)
	case wire.HotSyncEvent:
		c.applyHotSync(e)
		return nil
	case wire.KeySet:
		if err := c.db.FeedKeyRange(e.Tree, e.Start, e.End); err != nil {
			c.log.WithError(err).WithField("tree", e.Tree).Warn("feeding key range")
		}
		return nil
	case wire.CheckedOut:
		c.db.Checkout().SetQueue(e.Tree, e.Key, e.Queue)
		return nil
	case wire.GetTreeOverview:
		return c.sendTreeOverview(conn, e.Tree)
	case wire.RequestRecords:
		return c.handleRequestRecords(conn, e)
	default:
		c.log.WithField("event", fmt.Sprintf("%T", ev)).Warn("unexpected event in client session")
		return nil
	}
}

// enterSyncing starts the cold sync: send a TreeOverview for each managed
// tree, and GetKeySet for any tree whose pool is running low.
func (c *Client) enterSyncing(conn *websocket.Conn) error {
	c.setState(Syncing)
	for _, name := range c.registry.Names() {
		if err := c.sendTreeOverview(conn, name); err != nil {
			return err
		}
		avail, err := c.db.KeysAvailable(name)
		if err == nil && avail < 3 {
			if err := c.sendEvent(conn, wire.GetKeySet{Tree: name}); err != nil {
				return err
			}
		}
	}
	return nil
}

// sendTreeOverview reports every local key's iteration pair for name,
// skipping trees this client does not manage.
func (c *Client) sendTreeOverview(conn *websocket.Conn, name string) error {
	t, ok := c.registry.Get(name)
	if !ok {
		return nil
	}
	keys, err := t.AllKeys()
	if err != nil {
		c.log.WithError(err).WithField("tree", name).Warn("listing keys for overview")
		return nil
	}
	records := make(map[meshdb.GenericKey]wire.IterationPair, len(keys))
	for _, k := range keys {
		metaIt, _, dataIt, _, err := t.Meta(k)
		if err != nil {
			continue
		}
		records[k] = wire.IterationPair{MetaIteration: metaIt, DataIteration: dataIt}
	}
	return c.sendEvent(conn, wire.TreeOverview{Tree: name, Records: records})
}

// handleTreeOverview requests every key the relay reports that is missing
// locally or strictly behind on either iteration.
func (c *Client) handleTreeOverview(conn *websocket.Conn, e wire.TreeOverview) error {
	t, ok := c.registry.Get(e.Tree)
	if !ok {
		return nil
	}
	var missing []meshdb.GenericKey
	for key, remote := range e.Records {
		localMetaIt, _, localDataIt, _, err := t.Meta(key)
		if err != nil {
			missing = append(missing, key)
			continue
		}
		if localMetaIt < remote.MetaIteration || localDataIt < remote.DataIteration {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return c.sendEvent(conn, wire.RequestRecords{Tree: e.Tree, Keys: missing})
}

func (c *Client) handleRequestRecords(conn *websocket.Conn, e wire.RequestRecords) error {
	t, ok := c.registry.Get(e.Tree)
	if !ok {
		return nil
	}
	for _, key := range e.Keys {
		metaIt, meta, dataIt, evolution, err := t.Meta(key)
		if err != nil {
			continue
		}
		data, _, ok, err := t.RawData(key)
		if err != nil || !ok {
			continue
		}
		ev := wire.HotSyncEvent{Tree: e.Tree, Key: key, Kind: wire.CreatedOrChanged{
			Meta:          meta,
			MetaIteration: metaIt,
			Data:          data,
			DataEvolution: evolution,
			DataIteration: dataIt,
		}}
		if err := c.sendEvent(conn, ev); err != nil {
			return err
		}
	}
	return nil
}

// applyHotSync runs the common record application; per-event
// failures are logged and the session continues.
func (c *Client) applyHotSync(e wire.HotSyncEvent) {
	t, ok := c.registry.Get(e.Tree)
	if !ok {
		c.log.WithField("tree", e.Tree).Warn("hot-sync event for unknown tree")
		return
	}
	var err error
	switch kind := e.Kind.(type) {
	case wire.MetaChanged:
		_, err = t.ApplyMetaChanged(e.Key, kind.Meta, kind.MetaIteration)
	case wire.CreatedOrChanged:
		_, err = t.ApplyCreatedOrChanged(e.Key, kind.Meta, kind.MetaIteration, kind.Data, kind.DataEvolution, kind.DataIteration)
	case wire.Removed:
		_, err = t.ApplyRemoved(e.Key)
	default:
		err = fmt.Errorf("unknown hot-sync event kind %T", kind)
	}
	if err != nil {
		c.log.WithError(err).WithField("tree", e.Tree).WithField("key", e.Key).Warn("applying hot-sync event")
	}
}

// outboxLoop is the single consumer of db.Outbox() for the Client's whole
// lifetime: while connected and syncing it forwards each Change as a wire
// event, and while not, it tallies the backlog.
func (c *Client) outboxLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-c.db.Outbox():
			if !ok {
				return
			}
			if err := c.forward(change); err != nil {
				c.log.WithError(err).WithField("tree", change.Tree).Debug("change not forwarded")
			}
		}
	}
}

func (c *Client) forward(change meshdb.Change) error {
	conn, state := c.activeConn()
	if conn == nil || state != Syncing {
		c.recordBacklog()
		return fmt.Errorf("not syncing")
	}
	switch change.Kind {
	case meshdb.ChangeInserted, meshdb.ChangeUpdated:
		return c.forwardRecord(conn, change)
	case meshdb.ChangeMetaChanged:
		return c.forwardMeta(conn, change)
	case meshdb.ChangeRemoved:
		return c.sendEvent(conn, wire.HotSyncEvent{Tree: change.Tree, Key: change.Key, Kind: wire.Removed{}})
	case meshdb.ChangeCheckOutRequested:
		return c.sendEvent(conn, wire.CheckOut{Tree: change.Tree, Keys: []meshdb.GenericKey{change.Key}})
	case meshdb.ChangeReleaseRequested:
		return c.sendEvent(conn, wire.Return{Tree: change.Tree, Keys: []meshdb.GenericKey{change.Key}})
	default:
		return nil
	}
}

func (c *Client) forwardRecord(conn *websocket.Conn, change meshdb.Change) error {
	t, ok := c.registry.Get(change.Tree)
	if !ok {
		return fmt.Errorf("unknown tree %q", change.Tree)
	}
	metaIt, meta, dataIt, evolution, err := t.Meta(change.Key)
	if err != nil {
		return err
	}
	data, _, ok, err := t.RawData(change.Key)
	if err != nil || !ok {
		return fmt.Errorf("record %v vanished before it could be forwarded", change.Key)
	}
	return c.sendEvent(conn, wire.HotSyncEvent{Tree: change.Tree, Key: change.Key, Kind: wire.CreatedOrChanged{
		Meta:          meta,
		MetaIteration: metaIt,
		Data:          data,
		DataEvolution: evolution,
		DataIteration: dataIt,
	}})
}

func (c *Client) forwardMeta(conn *websocket.Conn, change meshdb.Change) error {
	t, ok := c.registry.Get(change.Tree)
	if !ok {
		return fmt.Errorf("unknown tree %q", change.Tree)
	}
	metaIt, meta, _, _, err := t.Meta(change.Key)
	if err != nil {
		return err
	}
	return c.sendEvent(conn, wire.HotSyncEvent{Tree: change.Tree, Key: change.Key, Kind: wire.MetaChanged{
		Meta:          meta,
		MetaIteration: metaIt,
	}})
}
