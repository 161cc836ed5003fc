package protocol

import "github.com/vmihailenco/msgpack/v5"

// SessionID is a 64-bit session identity laid out as
// [16 bits gateway id][32 bits unix seconds][16 bits sequence].
type SessionID uint64

func MakeSessionID(gateway uint16, unixSec uint32, seq uint16) SessionID {
	return SessionID(uint64(gateway)<<48 | uint64(unixSec)<<16 | uint64(seq))
}

func (id SessionID) Gateway() uint16 { return uint16(id >> 48) }
func (id SessionID) Unix() uint32    { return uint32(id >> 16) }
func (id SessionID) Seq() uint16     { return uint16(id) }

type Kind int32

// =======================
// Transport (gateway <-> engine)
// =======================
const (
	KindConnect    Kind = 1 // new client session, payload: remote addr
	KindLine       Kind = 2 // one line of client input
	KindDisconnect Kind = 3 // client gone (or synthesized on stream loss)

	KindOutput Kind = 10 // text for the client
	KindPrompt Kind = 11 // transient prompt, coalesced per session
	KindKick   Kind = 12 // forced close, payload: reason
)

// =======================
// Inter-engine
// =======================
const (
	KindZoneClaim     Kind = 100 // zone ownership announcement
	KindHandoffInit   Kind = 110
	KindHandoffAck    Kind = 111
	KindHandoffReject Kind = 112
	KindChat          Kind = 120 // global chat fan-out
)

// Event is the unit carried on every bus backend. Payload encoding is
// kind-specific; the engine's dispatch registry owns exactly one handler
// per kind.
type Event struct {
	Kind    Kind      `msgpack:"kind"`
	Session SessionID `msgpack:"session"`
	Payload []byte    `msgpack:"payload,omitempty"`
}

func (e Event) Encode() ([]byte, error) {
	return msgpack.Marshal(e)
}

func DecodeEvent(data []byte) (Event, error) {
	var e Event
	err := msgpack.Unmarshal(data, &e)
	return e, err
}
