package transport

import "world-server/internal/protocol"

// Conn is one framed event stream, regardless of the carrier underneath.
type Conn interface {
	ReadEvent() (protocol.Event, error)
	WriteEvent(protocol.Event) error
	Close() error
}
