package bus

import (
	"context"
	"sync"

	"world-server/internal/protocol"
)

// LocalBus is the in-process backend: one bounded queue. It backs
// standalone deployments directly and serves as the staging queue the
// other backends surface verified events through.
type LocalBus struct {
	ch   chan protocol.Event
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewLocal(size int) *LocalBus {
	if size <= 0 {
		size = 1024
	}
	return &LocalBus{
		ch:   make(chan protocol.Event, size),
		done: make(chan struct{}),
	}
}

func (b *LocalBus) Send(ctx context.Context, ev protocol.Event) error {
	select {
	case <-b.done:
		return protocol.ErrBusClosed
	default:
	}
	select {
	case b.ch <- ev:
		return nil
	case <-b.done:
		return protocol.ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *LocalBus) TrySend(ev protocol.Event) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.ch <- ev:
		return true
	default:
		return false
	}
}

func (b *LocalBus) TryRecv() (protocol.Event, bool) {
	select {
	case ev := <-b.ch:
		return ev, true
	default:
		return protocol.Event{}, false
	}
}

// Recv blocks until an event arrives, the bus closes, or ctx ends. It is
// for consumers running outside the tick loop; the engine itself only
// uses TryRecv.
func (b *LocalBus) Recv(ctx context.Context) (protocol.Event, error) {
	select {
	case ev := <-b.ch:
		return ev, nil
	case <-b.done:
		// Drain what was queued before the close.
		select {
		case ev := <-b.ch:
			return ev, nil
		default:
			return protocol.Event{}, protocol.ErrBusClosed
		}
	case <-ctx.Done():
		return protocol.Event{}, ctx.Err()
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
