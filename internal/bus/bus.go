// Package bus defines the transport-agnostic event bus the simulation
// depends on, with three interchangeable backends: an in-process queue,
// an authenticated pub/sub wrapper over redis, and a bidirectional
// session-multiplexing stream. Simulation code sees only the interfaces
// and stays oblivious to where a session actually terminates.
package bus

import (
	"context"

	"world-server/internal/protocol"
)

// InboundBus carries events toward the tick engine. Producers (transports,
// other engines) use the sends; the engine is the sole consumer and only
// ever uses the non-blocking receive.
type InboundBus interface {
	// Send blocks when the queue is full, applying backpressure to the
	// producer. It must never be called from the tick loop.
	Send(ctx context.Context, ev protocol.Event) error
	// TrySend never blocks; false means the queue was full or closed.
	TrySend(ev protocol.Event) bool
	// TryRecv never blocks; false means no event was ready.
	TryRecv() (protocol.Event, bool)
	Close() error
}

// OutboundBus is the mirror, fed by the Outbound Router and consumed by
// whatever delivers events back to clients.
type OutboundBus interface {
	Send(ctx context.Context, ev protocol.Event) error
	TrySend(ev protocol.Event) bool
	TryRecv() (protocol.Event, bool)
	Close() error
}
