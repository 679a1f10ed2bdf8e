// Package circleproto defines the JSON events the circlejoin server pushes to
// connected clients over a WebSocket connection, and the per-connection
// write pump that delivers them.
package circleproto

import (
	"encoding/json"

	"github.com/gorilla/websocket"
)

// Event types identify the payload carried by an [Event].
const (
	KindJoinCircle = "join_circle"
	KindPing       = "ping"
)

// Event is the top-level envelope sent on the client WebSocket.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// JoinCircle tells clients which circle to join and with which key.
type JoinCircle struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// Ping carries no data; it only keeps intermediaries from reaping idle
// connections.
type Ping struct{}

// NewJoinCircle builds a join_circle event.
func NewJoinCircle(id, key string) Event {
	return Event{Type: KindJoinCircle, Payload: JoinCircle{ID: id, Key: key}}
}

// NewPing builds a ping event.
func NewPing() Event {
	return Event{Type: KindPing, Payload: Ping{}}
}

// Encode marshals an event to its UTF-8 JSON wire form.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Prepare encodes an event once so the same frame can be written to many
// connections.
func Prepare(e Event) (*websocket.PreparedMessage, error) {
	b, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return websocket.NewPreparedMessage(websocket.TextMessage, b)
}
