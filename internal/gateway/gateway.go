// Package gateway implements the edge process: it terminates client
// connections (websocket or framed TCP), allocates session identities,
// relays input lines to the engine stream and fans engine output back to
// the owning client. The engine link is managed by the ReconnectManager.
package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"world-server/internal/protocol"
	"world-server/internal/sessionid"
	"world-server/internal/transport"
)

// Upstream is where inbound client events go: the engine stream in
// gateway mode, the local bus in standalone mode.
type Upstream interface {
	Send(ctx context.Context, ev protocol.Event) error
}

type Config struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	ConnectRate       float64 // per-IP connects per second
	ConnectBurst      int
}

func (c *Config) normalize() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ConnectRate <= 0 {
		c.ConnectRate = 20
	}
	if c.ConnectBurst <= 0 {
		c.ConnectBurst = 40
	}
}

type client struct {
	id     protocol.SessionID
	conn   transport.Conn
	remote string

	mu       sync.Mutex
	lastSeen time.Time
}

func (c *client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

func (c *client) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastSeen)
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type Gateway struct {
	log   *zap.Logger
	cfg   Config
	alloc *sessionid.Allocator
	now   func() time.Time

	mu       sync.RWMutex
	upstream Upstream
	clients  map[protocol.SessionID]*client

	limMu    sync.Mutex
	limiters map[string]*ipLimiter
}

func New(log *zap.Logger, cfg Config, gatewayID uint16) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.normalize()
	return &Gateway{
		log:      log.Named("gateway"),
		cfg:      cfg,
		alloc:    sessionid.New(gatewayID),
		now:      time.Now,
		clients:  make(map[protocol.SessionID]*client),
		limiters: make(map[string]*ipLimiter),
	}
}

// SetClock is the test hook.
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

// SetUpstream installs (or, with nil, removes) the inbound path. With no
// upstream, new client connections fail fast instead of queueing.
func (g *Gateway) SetUpstream(u Upstream) {
	g.mu.Lock()
	g.upstream = u
	g.mu.Unlock()
}

func (g *Gateway) getUpstream() Upstream {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.upstream
}

func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// allow applies the per-IP connect rate limit.
func (g *Gateway) allow(ip string) bool {
	g.limMu.Lock()
	defer g.limMu.Unlock()
	l, ok := g.limiters[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rate.Limit(g.cfg.ConnectRate), g.cfg.ConnectBurst)}
		g.limiters[ip] = l
	}
	l.lastSeen = g.now()
	return l.lim.Allow()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway is the trust boundary; origin policy is enforced by the
	// deployment in front of it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WSHandler upgrades HTTP requests to websocket client sessions.
func (g *Gateway) WSHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := hostOnly(r.RemoteAddr)
		if !g.allow(ip) {
			rejectsTotal.WithLabelValues("rate_limited").Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.Warn("websocket upgrade failed", zap.String("remote", ip), zap.Error(err))
			return
		}
		id := g.alloc.Next()
		g.serveClient(ctx, transport.NewWSConn(ws, id), id, ip)
	})
}

// ListenTCP accepts framed TCP clients until ctx ends.
func (g *Gateway) ListenTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	g.log.Info("tcp listener up", zap.String("addr", addr))
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
		go func() {
			ip := hostOnly(conn.RemoteAddr().String())
			if !g.allow(ip) {
				rejectsTotal.WithLabelValues("rate_limited").Inc()
				_ = conn.Close()
				return
			}
			id := g.alloc.Next()
			g.serveClient(ctx, transport.NewBufferedConn(conn), id, ip)
		}()
	}
}

// serveClient owns one client connection for its whole life: announce the
// session, relay input, tear down on either side going away. Session ids
// on inbound events are always overwritten; clients are not trusted to
// name themselves.
func (g *Gateway) serveClient(ctx context.Context, conn transport.Conn, id protocol.SessionID, ip string) {
	up := g.getUpstream()
	if up == nil {
		rejectsTotal.WithLabelValues("engine_unavailable").Inc()
		_ = conn.WriteEvent(protocol.Event{
			Kind:    protocol.KindOutput,
			Session: id,
			Payload: []byte("The world is unreachable right now. Try again shortly."),
		})
		_ = conn.Close()
		return
	}

	c := &client{id: id, conn: conn, remote: ip, lastSeen: g.now()}
	g.mu.Lock()
	g.clients[id] = c
	g.mu.Unlock()
	connectsTotal.Inc()
	clientsGauge.Set(float64(g.ClientCount()))
	g.log.Info("client connected",
		zap.Uint64("session", uint64(id)),
		zap.String("remote", ip),
	)

	if err := up.Send(ctx, protocol.Event{Kind: protocol.KindConnect, Session: id}); err != nil {
		g.removeClient(id)
		_ = conn.Close()
		return
	}

	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			break
		}
		c.touch(g.now())
		if ev.Kind != protocol.KindLine {
			continue
		}
		ev.Session = id
		if up = g.getUpstream(); up == nil {
			break
		}
		if err := up.Send(ctx, ev); err != nil {
			break
		}
	}

	if g.removeClient(id) {
		if up := g.getUpstream(); up != nil {
			_ = up.Send(ctx, protocol.Event{Kind: protocol.KindDisconnect, Session: id})
		}
	}
	_ = conn.Close()
	g.log.Info("client disconnected", zap.Uint64("session", uint64(id)))
}

// removeClient reports whether the session was still registered, so the
// disconnect announcement happens exactly once per session.
func (g *Gateway) removeClient(id protocol.SessionID) bool {
	g.mu.Lock()
	_, ok := g.clients[id]
	delete(g.clients, id)
	g.mu.Unlock()
	clientsGauge.Set(float64(g.ClientCount()))
	return ok
}

// Deliver fans one engine event out to the owning client. Kick closes the
// connection after the payload is written.
func (g *Gateway) Deliver(ev protocol.Event) {
	g.mu.RLock()
	c, ok := g.clients[ev.Session]
	g.mu.RUnlock()
	if !ok {
		return
	}
	switch ev.Kind {
	case protocol.KindOutput, protocol.KindPrompt:
		if err := c.conn.WriteEvent(ev); err != nil {
			_ = c.conn.Close()
		}
	case protocol.KindKick:
		_ = c.conn.WriteEvent(protocol.Event{
			Kind:    protocol.KindOutput,
			Session: ev.Session,
			Payload: []byte("You have been disconnected: " + string(ev.Payload)),
		})
		g.removeClient(ev.Session)
		_ = c.conn.Close()
	}
}

// DropAll disconnects every client with a notice. Used when the engine
// stream is lost; sessions do not survive the stream.
func (g *Gateway) DropAll(notice string) {
	g.mu.Lock()
	dropped := make([]*client, 0, len(g.clients))
	for id, c := range g.clients {
		dropped = append(dropped, c)
		delete(g.clients, id)
	}
	g.mu.Unlock()
	clientsGauge.Set(0)

	for _, c := range dropped {
		_ = c.conn.WriteEvent(protocol.Event{
			Kind:    protocol.KindOutput,
			Session: c.id,
			Payload: []byte(notice),
		})
		_ = c.conn.Close()
	}
	if len(dropped) > 0 {
		g.log.Warn("dropped all clients", zap.Int("count", len(dropped)))
	}
}

// ServeStream runs one live engine stream: installs it as the upstream,
// pumps outbound events to clients, and on loss tears the upstream down
// so new connects fail fast while the reconnect schedule runs.
func (g *Gateway) ServeStream(ctx context.Context, conn transport.Conn) error {
	g.SetUpstream(connUpstream{conn})
	defer func() {
		g.SetUpstream(nil)
		g.DropAll("The link to the world was lost. Please reconnect.")
	}()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		g.Deliver(ev)
	}
}

// Run is the housekeeping loop: idle clients are disconnected and stale
// rate-limiter entries dropped, on the heartbeat cadence.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.sweep(g.now())
		}
	}
}

func (g *Gateway) sweep(now time.Time) {
	g.mu.RLock()
	var idle []*client
	for _, c := range g.clients {
		if c.idleSince(now) > g.cfg.IdleTimeout {
			idle = append(idle, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range idle {
		g.log.Info("closing idle client", zap.Uint64("session", uint64(c.id)))
		// Closing unblocks the read loop, which handles the teardown.
		_ = c.conn.Close()
	}

	g.limMu.Lock()
	for ip, l := range g.limiters {
		if now.Sub(l.lastSeen) > g.cfg.IdleTimeout {
			delete(g.limiters, ip)
		}
	}
	g.limMu.Unlock()
}

// connUpstream adapts the engine stream to the Upstream shape.
type connUpstream struct {
	conn transport.Conn
}

func (u connUpstream) Send(_ context.Context, ev protocol.Event) error {
	return u.conn.WriteEvent(ev)
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
