package transport

import (
	"bufio"
	"net"
	"sync"

	"world-server/internal/protocol"
)

const defaultBufferSize = 32 * 1024

// BufferedConn frames events over a TCP connection. Writes are serialized
// so concurrent producers cannot interleave frames.
type BufferedConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	writeMu sync.Mutex
}

func NewBufferedConn(conn net.Conn) *BufferedConn {
	return &BufferedConn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, defaultBufferSize),
		writer: bufio.NewWriterSize(conn, defaultBufferSize),
	}
}

func (c *BufferedConn) ReadEvent() (protocol.Event, error) {
	return ReadEvent(c.reader)
}

func (c *BufferedConn) WriteEvent(ev protocol.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := WriteEvent(c.writer, ev); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *BufferedConn) Close() error {
	return c.conn.Close()
}

func (c *BufferedConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
