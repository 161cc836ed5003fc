package bus

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"world-server/internal/protocol"
)

var (
	envelopeRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_bus_envelope_rejects_total",
		Help: "Envelopes dropped at the subscriber boundary for a bad signature.",
	})
	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "world_bus_publish_failures_total",
		Help: "Signed pub/sub publishes that failed soft (store unreachable).",
	})
)

// SignedPubSub wraps a shared redis pub/sub store. Every publish is sealed
// in a signed Envelope; every received envelope is verified before it
// surfaces. Used for broadcast-style cross-process traffic (zone claims,
// chat fan-out) and as the inter-engine fallback substrate.
//
// Publishes never touch the store on the caller's goroutine: Publish
// enqueues onto a bounded queue drained by a dedicated writer, so the
// tick loop is insulated from store latency. A full queue drops the
// message, which is the same fail-soft contract a dead store gets.
type SignedPubSub struct {
	log    *zap.Logger
	client *redis.Client
	origin string
	secret []byte
	now    func() time.Time

	in   *LocalBus
	sub  *redis.PubSub
	outc chan outboundPublish
	done chan struct{}
	once sync.Once

	// send performs one store round trip. Swapped in tests.
	send func(ctx context.Context, channel string, data []byte) error
}

type outboundPublish struct {
	channel string
	data    []byte
}

func NewSignedPubSub(log *zap.Logger, client *redis.Client, origin, secret string, queueSize int) *SignedPubSub {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 4096
	}
	b := &SignedPubSub{
		log:    log.Named("pubsub"),
		client: client,
		origin: origin,
		secret: []byte(secret),
		now:    time.Now,
		in:     NewLocal(queueSize),
		outc:   make(chan outboundPublish, queueSize),
		done:   make(chan struct{}),
	}
	b.send = func(ctx context.Context, channel string, data []byte) error {
		return b.client.Publish(ctx, channel, data).Err()
	}
	go b.writeLoop()
	return b
}

// writeLoop is the only goroutine that talks to the store on the publish
// side. Store failures degrade to local-only delivery with a warning.
func (b *SignedPubSub) writeLoop() {
	for {
		select {
		case <-b.done:
			return
		case m := <-b.outc:
			if err := b.send(context.Background(), m.channel, m.data); err != nil {
				publishFailures.Inc()
				b.log.Warn("publish failed, degrading to local-only",
					zap.String("channel", m.channel),
					zap.Error(err),
				)
			}
		}
	}
}

// Subscribe starts the reader for the given redis channels. Verified
// payloads surface through the bus's inbound queue; mismatches are
// counted and dropped here, never left to callers.
func (b *SignedPubSub) Subscribe(ctx context.Context, channels ...string) {
	b.sub = b.client.Subscribe(ctx, channels...)
	go b.readLoop(ctx)
}

func (b *SignedPubSub) readLoop(ctx context.Context) {
	ch := b.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("undecodable envelope", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if env.Origin == b.origin {
				continue // our own broadcast echoed back
			}
			if !env.Verify(b.secret) {
				envelopeRejects.Inc()
				b.log.Warn("envelope rejected",
					zap.String("channel", env.Channel),
					zap.String("origin", env.Origin),
				)
				continue
			}
			ev, err := protocol.DecodeEvent(env.Payload)
			if err != nil {
				b.log.Warn("undecodable event payload", zap.String("channel", env.Channel), zap.Error(err))
				continue
			}
			if err := b.in.Send(ctx, ev); err != nil {
				return
			}
		}
	}
}

// Publish seals ev and hands it to the writer. Never blocks: a full
// queue or an unreachable store both degrade to local-only delivery
// with a warning, neither takes the caller down.
func (b *SignedPubSub) Publish(_ context.Context, channel string, ev protocol.Event) {
	payload, err := ev.Encode()
	if err != nil {
		b.log.Error("encode event", zap.Error(err))
		return
	}
	env := Seal(b.origin, channel, payload, b.now().UnixMilli(), b.secret)
	data, err := env.Encode()
	if err != nil {
		b.log.Error("encode envelope", zap.Error(err))
		return
	}
	select {
	case b.outc <- outboundPublish{channel: channel, data: data}:
	default:
		publishFailures.Inc()
		b.log.Warn("publish queue full, dropping", zap.String("channel", channel))
	}
}

// InboundBus: in-process producers enqueue directly, remote producers
// arrive through the verified read loop. The engine drains with TryRecv.

func (b *SignedPubSub) Send(ctx context.Context, ev protocol.Event) error {
	return b.in.Send(ctx, ev)
}

func (b *SignedPubSub) TrySend(ev protocol.Event) bool {
	return b.in.TrySend(ev)
}

func (b *SignedPubSub) TryRecv() (protocol.Event, bool) {
	return b.in.TryRecv()
}

func (b *SignedPubSub) Close() error {
	b.once.Do(func() { close(b.done) })
	if b.sub != nil {
		_ = b.sub.Close()
	}
	return b.in.Close()
}
