package transport

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"world-server/internal/protocol"
)

// WSConn adapts a websocket client connection to the framed Conn shape.
// Binary messages carry msgpack events; text messages are treated as bare
// input lines so plain clients need no codec at all.
type WSConn struct {
	conn    *websocket.Conn
	session protocol.SessionID
	writeMu sync.Mutex
}

func NewWSConn(conn *websocket.Conn, session protocol.SessionID) *WSConn {
	return &WSConn{conn: conn, session: session}
}

func (c *WSConn) ReadEvent() (protocol.Event, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Event{}, err
	}
	if messageType == websocket.TextMessage {
		return protocol.Event{
			Kind:    protocol.KindLine,
			Session: c.session,
			Payload: data,
		}, nil
	}
	var ev protocol.Event
	if err := msgpack.Unmarshal(data, &ev); err != nil {
		return protocol.Event{}, err
	}
	ev.Session = c.session
	return ev, nil
}

func (c *WSConn) WriteEvent(ev protocol.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if ev.Kind == protocol.KindOutput || ev.Kind == protocol.KindPrompt {
		return c.conn.WriteMessage(websocket.TextMessage, ev.Payload)
	}
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WSConn) Close() error {
	return c.conn.Close()
}
