package shard

import (
	"github.com/vmihailenco/msgpack/v5"

	"world-server/internal/protocol"
)

// SessionSnapshot is the authoritative state that travels with a handoff
// ticket: position, vitals and inventory references, never full world
// state.
type SessionSnapshot struct {
	Session   protocol.SessionID `msgpack:"session"`
	PlayerRef string             `msgpack:"player_ref"`
	Zone      int                `msgpack:"zone"`
	Instance  int                `msgpack:"instance"`
	Room      int                `msgpack:"room"`
	HP        int                `msgpack:"hp"`
	MaxHP     int                `msgpack:"max_hp"`
	Inventory []string           `msgpack:"inventory,omitempty"`
}

// HandoffInit asks the destination engine to take over a session.
// HomeEngine is the engine whose gateway stream carries the client; it
// travels with the session across any number of transfers so output can
// always be relayed back to the stream that fronts the player.
type HandoffInit struct {
	TicketID     string          `msgpack:"ticket_id"`
	SourceEngine string          `msgpack:"source_engine"`
	DestEngine   string          `msgpack:"dest_engine"`
	HomeEngine   string          `msgpack:"home_engine"`
	Zone         int             `msgpack:"zone"`
	Instance     int             `msgpack:"instance"`
	Room         int             `msgpack:"room"`
	Snapshot     SessionSnapshot `msgpack:"snapshot"`
}

// HandoffAck answers an init: accepted or rejected with a reason.
type HandoffAck struct {
	TicketID string `msgpack:"ticket_id"`
	Engine   string `msgpack:"engine"`
	OK       bool   `msgpack:"ok"`
	Reason   string `msgpack:"reason,omitempty"`
}

func encodeClaim(c Claim) ([]byte, error) { return msgpack.Marshal(c) }
func decodeClaim(b []byte) (Claim, error) {
	var c Claim
	err := msgpack.Unmarshal(b, &c)
	return c, err
}

func encodeInit(m HandoffInit) ([]byte, error) { return msgpack.Marshal(m) }
func decodeInit(b []byte) (HandoffInit, error) {
	var m HandoffInit
	err := msgpack.Unmarshal(b, &m)
	return m, err
}

func encodeAck(m HandoffAck) ([]byte, error) { return msgpack.Marshal(m) }
func decodeAck(b []byte) (HandoffAck, error) {
	var m HandoffAck
	err := msgpack.Unmarshal(b, &m)
	return m, err
}
