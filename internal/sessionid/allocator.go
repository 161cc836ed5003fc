// Package sessionid allocates globally unique, time-ordered session
// identifiers. Uniqueness across processes relies only on gateway ids
// being leased uniquely; no coordination is needed at allocation time.
package sessionid

import (
	"sync"
	"time"

	"world-server/internal/protocol"
)

type Allocator struct {
	gateway uint16
	now     func() time.Time

	mu     sync.Mutex
	bucket uint32 // unix second of the current sequence run
	seq    uint32 // next sequence within bucket; 16-bit space
}

func New(gateway uint16) *Allocator {
	return &Allocator{gateway: gateway, now: time.Now}
}

// NewWithClock is the test constructor.
func NewWithClock(gateway uint16, now func() time.Time) *Allocator {
	return &Allocator{gateway: gateway, now: now}
}

// Next returns a fresh SessionID. IDs are monotonically non-decreasing in
// issuance order and never reused. If the 16-bit sequence space for the
// current second is exhausted, Next spins until the clock advances; the
// wait is bounded and self-clearing.
func (a *Allocator) Next() protocol.SessionID {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		sec := uint32(a.now().Unix())
		if sec != a.bucket {
			if sec < a.bucket {
				// Clock went backwards; keep issuing from the later
				// bucket so ordering never regresses.
				sec = a.bucket
			} else {
				a.bucket = sec
				a.seq = 0
			}
		}
		if a.seq <= 0xFFFF {
			id := protocol.MakeSessionID(a.gateway, a.bucket, uint16(a.seq))
			a.seq++
			return id
		}
		// Sequence exhausted for this second.
		time.Sleep(time.Millisecond)
	}
}
