package bus

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is the unit exchanged on the signed pub/sub backend. The
// signature covers (channel, payload, timestamp) under the deployment
// shared secret; an envelope that fails verification is dropped at the
// bus boundary and never reaches a consumer.
type Envelope struct {
	Origin    string `msgpack:"origin"`
	Channel   string `msgpack:"channel"`
	Payload   []byte `msgpack:"payload"`
	Timestamp int64  `msgpack:"timestamp"`
	Signature []byte `msgpack:"signature"`
}

func Seal(origin, channel string, payload []byte, timestamp int64, secret []byte) Envelope {
	return Envelope{
		Origin:    origin,
		Channel:   channel,
		Payload:   payload,
		Timestamp: timestamp,
		Signature: sign(channel, payload, timestamp, secret),
	}
}

func (e Envelope) Verify(secret []byte) bool {
	expected := sign(e.Channel, e.Payload, e.Timestamp, secret)
	return hmac.Equal(e.Signature, expected)
}

func (e Envelope) Encode() ([]byte, error) {
	return msgpack.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := msgpack.Unmarshal(data, &e)
	return e, err
}

func sign(channel string, payload []byte, timestamp int64, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(channel))
	mac.Write(payload)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	mac.Write(ts[:])
	return mac.Sum(nil)
}
