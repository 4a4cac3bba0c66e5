package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/gorilla/websocket"
)

func init() {
	gob.Register(PresentSelf{})
	gob.Register(GetTreeOverview{})
	gob.Register(TreeOverview{})
	gob.Register(RequestRecords{})
	gob.Register(HotSyncEvent{})
	gob.Register(GetKeySet{})
	gob.Register(KeySet{})
	gob.Register(CheckOut{})
	gob.Register(Return{})
	gob.Register(CheckedOut{})

	gob.Register(MetaChanged{})
	gob.Register(CreatedOrChanged{})
	gob.Register(Removed{})
}

// Marshal encodes e as a gob-framed byte slice, the payload of one
// WebSocket binary message.
func Marshal(e Event) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&e); err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", e.eventKind(), err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes b, produced by Marshal, back into an Event.
func Unmarshal(b []byte) (Event, error) {
	var e Event
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&e); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return e, nil
}

// WriteEvent sends e as a single binary WebSocket message on conn.
func WriteEvent(conn *websocket.Conn, e Event) error {
	b, err := Marshal(e)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

// ReadEvent reads and decodes the next binary WebSocket message on conn.
// Non-binary frames (text, ping/pong are handled by gorilla internally) are
// rejected: every message on this protocol is an Event.
func ReadEvent(conn *websocket.Conn) (Event, error) {
	kind, b, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected WebSocket message type %d, want binary", kind)
	}
	return Unmarshal(b)
}
