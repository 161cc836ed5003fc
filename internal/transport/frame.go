package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"world-server/internal/protocol"
)

// Streams carry msgpack-encoded events behind a 4-byte big-endian length
// prefix. maxFrameSize bounds a single frame so a corrupt prefix cannot
// force an unbounded allocation.
const maxFrameSize = 1 << 20

func ReadEvent(reader io.Reader) (protocol.Event, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(reader, sizeBuf[:]); err != nil {
		return protocol.Event{}, err
	}

	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size > maxFrameSize {
		return protocol.Event{}, fmt.Errorf("frame size %d exceeds limit", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(reader, data); err != nil {
		return protocol.Event{}, err
	}

	return protocol.DecodeEvent(data)
}

func WriteEvent(writer io.Writer, ev protocol.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(data)))

	if _, err := writer.Write(sizeBuf[:]); err != nil {
		return err
	}
	_, err = writer.Write(data)
	return err
}
