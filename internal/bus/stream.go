package bus

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"world-server/internal/protocol"
	"world-server/internal/transport"
)

// StreamServer is the engine side of the streaming RPC backend: one
// persistent bidirectional stream per gateway process, multiplexing every
// session that gateway carries. A session-id -> stream table demuxes
// outbound events; when a stream closes, every session routed through it
// is disconnected via synthetic events; sessions do not survive stream
// loss in this design.
type StreamServer struct {
	log       *zap.Logger
	in        *LocalBus
	queueSize int

	mu     sync.RWMutex
	routes map[protocol.SessionID]*gatewayStream
	conns  map[*gatewayStream]struct{}
}

type gatewayStream struct {
	conn *transport.BufferedConn
	out  chan protocol.Event
	done chan struct{}
	once sync.Once
}

func (gs *gatewayStream) shutdown() {
	gs.once.Do(func() {
		close(gs.done)
		_ = gs.conn.Close()
	})
}

func NewStreamServer(log *zap.Logger, queueSize int) *StreamServer {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &StreamServer{
		log:       log.Named("stream"),
		in:        NewLocal(queueSize),
		queueSize: queueSize,
		routes:    make(map[protocol.SessionID]*gatewayStream),
		conns:     make(map[*gatewayStream]struct{}),
	}
}

// Inbound exposes the verified gateway traffic to the engine.
func (s *StreamServer) Inbound() InboundBus { return s.in }

// Outbound exposes the demuxing send side to the Outbound Router.
func (s *StreamServer) Outbound() OutboundBus { return (*streamOutbound)(s) }

func (s *StreamServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *StreamServer) handleConn(ctx context.Context, netConn net.Conn) {
	gs := &gatewayStream{
		conn: transport.NewBufferedConn(netConn),
		out:  make(chan protocol.Event, s.queueSize),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[gs] = struct{}{}
	s.mu.Unlock()

	s.log.Info("gateway stream open", zap.String("remote", gs.conn.RemoteAddr()))

	go s.writeLoop(gs)
	s.readLoop(ctx, gs)
	s.dropStream(ctx, gs)
}

func (s *StreamServer) writeLoop(gs *gatewayStream) {
	for {
		select {
		case <-gs.done:
			return
		case ev := <-gs.out:
			if err := gs.conn.WriteEvent(ev); err != nil {
				gs.shutdown()
				return
			}
		}
	}
}

func (s *StreamServer) readLoop(ctx context.Context, gs *gatewayStream) {
	for {
		ev, err := gs.conn.ReadEvent()
		if err != nil {
			gs.shutdown()
			return
		}
		if ev.Session != 0 {
			s.route(ev.Session, gs, ev.Kind)
		}
		// Blocking send: backpressure lands on the gateway's stream, not
		// on the tick loop.
		if err := s.in.Send(ctx, ev); err != nil {
			gs.shutdown()
			return
		}
	}
}

func (s *StreamServer) route(id protocol.SessionID, gs *gatewayStream, kind protocol.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == protocol.KindDisconnect {
		delete(s.routes, id)
		return
	}
	s.routes[id] = gs
}

// dropStream disconnects every session the lost stream carried. The
// closing of the stream is the sole disconnect signal for all of them.
func (s *StreamServer) dropStream(ctx context.Context, gs *gatewayStream) {
	s.mu.Lock()
	var orphaned []protocol.SessionID
	for id, owner := range s.routes {
		if owner == gs {
			orphaned = append(orphaned, id)
			delete(s.routes, id)
		}
	}
	delete(s.conns, gs)
	s.mu.Unlock()

	s.log.Warn("gateway stream lost",
		zap.String("remote", gs.conn.RemoteAddr()),
		zap.Int("sessions_dropped", len(orphaned)),
	)
	for _, id := range orphaned {
		_ = s.in.Send(ctx, protocol.Event{Kind: protocol.KindDisconnect, Session: id})
	}
}

func (s *StreamServer) Close() error {
	s.mu.Lock()
	for gs := range s.conns {
		gs.shutdown()
	}
	s.mu.Unlock()
	return s.in.Close()
}

// streamOutbound demuxes outbound events to the owning gateway stream.
type streamOutbound StreamServer

func (o *streamOutbound) lookup(id protocol.SessionID) (*gatewayStream, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	gs, ok := o.routes[id]
	return gs, ok
}

func (o *streamOutbound) TrySend(ev protocol.Event) bool {
	gs, ok := o.lookup(ev.Session)
	if !ok {
		return false
	}
	select {
	case gs.out <- ev:
		if ev.Kind == protocol.KindKick {
			o.mu.Lock()
			delete(o.routes, ev.Session)
			o.mu.Unlock()
		}
		return true
	case <-gs.done:
		return false
	default:
		return false
	}
}

func (o *streamOutbound) Send(ctx context.Context, ev protocol.Event) error {
	gs, ok := o.lookup(ev.Session)
	if !ok {
		return protocol.ErrNoRoute
	}
	select {
	case gs.out <- ev:
		return nil
	case <-gs.done:
		return protocol.ErrStreamNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *streamOutbound) TryRecv() (protocol.Event, bool) {
	// Point-to-point backend: delivery happens on per-stream writers,
	// there is nothing to poll on the engine side.
	return protocol.Event{}, false
}

func (o *streamOutbound) Close() error { return (*StreamServer)(o).Close() }
