package shard

import (
	"context"
	"strings"
	"testing"
	"time"

	"world-server/internal/bus"
	"world-server/internal/engine"
	"world-server/internal/protocol"
)

// shardHarness is one engine plus its sharding layer, cross-wired to a
// sibling through a routing publisher. Time is stepped manually.
type shardHarness struct {
	id      string
	eng     *engine.Engine
	coord   *Coordinator
	handoff *HandoffManager
	in      *bus.LocalBus
	out     *gatewayOutbound
	now     time.Time
}

// gatewayOutbound mimics the stream backend's demux: only sessions whose
// gateway stream terminates on this harness have a route; everything else
// is refused and left to the router fallback.
type gatewayOutbound struct {
	local  *bus.LocalBus
	routes map[protocol.SessionID]bool
}

func newGatewayOutbound() *gatewayOutbound {
	return &gatewayOutbound{
		local:  bus.NewLocal(256),
		routes: make(map[protocol.SessionID]bool),
	}
}

func (g *gatewayOutbound) Send(ctx context.Context, ev protocol.Event) error {
	if g.TrySend(ev) {
		return nil
	}
	return protocol.ErrNoRoute
}

func (g *gatewayOutbound) TrySend(ev protocol.Event) bool {
	if !g.routes[ev.Session] {
		return false
	}
	return g.local.TrySend(ev)
}

func (g *gatewayOutbound) TryRecv() (protocol.Event, bool) { return g.local.TryRecv() }
func (g *gatewayOutbound) Close() error                    { return g.local.Close() }

// routingPublisher delivers broadcast channels to every harness and
// per-engine channels to their owner, synchronously.
type routingPublisher struct {
	members map[string]*shardHarness
	drop    bool // simulate a partition: publishes go nowhere
}

func (p *routingPublisher) Publish(_ context.Context, channel string, ev protocol.Event) {
	if p.drop {
		return
	}
	for id, m := range p.members {
		if channel == ChannelZoneClaims || channel == ChannelChat || channel == EngineChannel(id) {
			m.in.TrySend(ev)
		}
	}
}

func newShardHarness(t *testing.T, id string, pub Publisher, start time.Time) *shardHarness {
	t.Helper()
	h := &shardHarness{
		id:  id,
		in:  bus.NewLocal(256),
		out: newGatewayOutbound(),
		now: start,
	}
	h.eng = engine.New(nil, engine.Config{}, h.out, h.in)
	h.eng.SetClock(func() time.Time { return h.now })
	h.coord = NewCoordinator(nil, id, NewRegistry(), pub, 5*time.Second, 200*time.Millisecond, 10)
	h.handoff = NewHandoffManager(nil, id, 150*time.Millisecond)
	if err := Attach(h.eng, h.coord, h.handoff, pub, 2*time.Second); err != nil {
		t.Fatalf("attach %s: %v", id, err)
	}
	return h
}

func (h *shardHarness) tick(step time.Duration) {
	h.now = h.now.Add(step)
	h.eng.Tick(h.now)
}

// claimZone drives a claim through its confirmation window.
func (h *shardHarness) claimZone(t *testing.T, zone, instance int) {
	t.Helper()
	if err := h.coord.Claim(context.Background(), ZoneKey{Zone: zone, Instance: instance}, h.now); err != nil {
		t.Fatalf("%s claim zone %d: %v", h.id, zone, err)
	}
	h.now = h.now.Add(250 * time.Millisecond)
	h.coord.ConfirmPending(h.now)
	if !h.coord.Owns(ZoneKey{Zone: zone, Instance: instance}, h.now) {
		t.Fatalf("%s does not own zone %d after confirmation", h.id, zone)
	}
}

func (h *shardHarness) connect(t *testing.T, sid protocol.SessionID) *engine.Session {
	t.Helper()
	h.out.routes[sid] = true // the client's stream terminates here
	h.in.TrySend(protocol.Event{Kind: protocol.KindConnect, Session: sid})
	h.tick(100 * time.Millisecond)
	s := h.eng.Sessions().Get(sid)
	if s == nil {
		t.Fatalf("%s: session missing after connect", h.id)
	}
	return s
}

// outEvents drains whatever the engine flushed toward this harness's
// gateway streams.
func (h *shardHarness) outEvents() []protocol.Event {
	var evs []protocol.Event
	for {
		ev, ok := h.out.TryRecv()
		if !ok {
			return evs
		}
		evs = append(evs, ev)
	}
}

func twoShards(t *testing.T) (*shardHarness, *shardHarness, *routingPublisher) {
	t.Helper()
	start := time.Unix(1000, 0)
	pub := &routingPublisher{members: make(map[string]*shardHarness)}
	a := newShardHarness(t, "engine-a", pub, start)
	b := newShardHarness(t, "engine-b", pub, start)
	pub.members["engine-a"] = a
	pub.members["engine-b"] = b
	return a, b, pub
}

func TestHandoffMovesSessionBetweenEngines(t *testing.T) {
	a, b, _ := twoShards(t)

	a.claimZone(t, 1, 0)
	b.claimZone(t, 2, 0)
	// Each learns the other's claim from the broadcast.
	a.tick(100 * time.Millisecond)
	b.tick(100 * time.Millisecond)

	sid := protocol.MakeSessionID(1, uint32(a.now.Unix()), 0)
	s := a.connect(t, sid)
	s.Zone, s.Instance, s.Room = 1, 0, 3
	s.HP = 72

	// Cross the boundary into engine-b's zone. The exchange takes three
	// ticks; small steps keep the round trip inside the ticket timeout.
	s.PendingMove = &engine.Move{Zone: 2, Instance: 0, Room: 1}
	a.tick(10 * time.Millisecond) // movement system initiates the handoff

	if s.HandoffTicket == "" {
		t.Fatal("no handoff ticket on the source session")
	}
	if a.eng.Sessions().Get(sid) == nil {
		t.Fatal("source dropped the session before commit")
	}

	b.now = a.now
	b.tick(10 * time.Millisecond) // destination processes the init, acks

	got := b.eng.Sessions().Get(sid)
	if got == nil {
		t.Fatal("destination did not adopt the session")
	}
	if got.Zone != 2 || got.Instance != 0 || got.Room != 1 {
		t.Fatalf("adopted position = %d/%d/%d, want 2/0/1", got.Zone, got.Instance, got.Room)
	}
	if got.HP != 72 {
		t.Fatalf("adopted HP = %d, want 72 (snapshot must carry vitals)", got.HP)
	}

	a.now = b.now
	a.tick(10 * time.Millisecond) // source processes the ack, commits

	if a.eng.Sessions().Get(sid) != nil {
		t.Fatal("source still holds the session after commit")
	}
	if a.handoff.Pending() != 0 {
		t.Fatalf("pending tickets after commit = %d, want 0", a.handoff.Pending())
	}
}

func TestHandoffTimeoutKeepsSessionOnSource(t *testing.T) {
	a, b, pub := twoShards(t)

	a.claimZone(t, 1, 0)
	b.claimZone(t, 2, 0)
	a.tick(100 * time.Millisecond)
	b.tick(100 * time.Millisecond)

	sid := protocol.MakeSessionID(1, uint32(a.now.Unix()), 0)
	s := a.connect(t, sid)
	s.Zone, s.Instance, s.Room = 1, 0, 3
	s.HP = 72

	// Partition: the destination never sees the init.
	pub.drop = true
	s.PendingMove = &engine.Move{Zone: 2, Instance: 0, Room: 1}
	a.tick(10 * time.Millisecond)
	if s.HandoffTicket == "" {
		t.Fatal("no handoff ticket on the source session")
	}

	// Past the 150ms ticket timeout the sweep rolls it back.
	a.tick(200 * time.Millisecond)

	if s.HandoffTicket != "" {
		t.Fatal("ticket still set on the session after rollback")
	}
	kept := a.eng.Sessions().Get(sid)
	if kept == nil {
		t.Fatal("source lost the session on rollback")
	}
	if kept.Zone != 1 || kept.Room != 3 || kept.HP != 72 {
		t.Fatalf("state after rollback = zone %d room %d hp %d, want 1/3/72", kept.Zone, kept.Room, kept.HP)
	}

	// The session can move again once healed.
	pub.drop = false
	kept.PendingMove = &engine.Move{Zone: 2, Instance: 0, Room: 1}
	a.tick(10 * time.Millisecond)
	b.now = a.now
	b.tick(10 * time.Millisecond)
	a.now = b.now
	a.tick(10 * time.Millisecond)
	if b.eng.Sessions().Get(sid) == nil {
		t.Fatal("retry after rollback did not hand the session off")
	}
}

func TestHandoffRejectedWhenDestinationHasConflict(t *testing.T) {
	a, b, _ := twoShards(t)

	a.claimZone(t, 1, 0)
	b.claimZone(t, 2, 0)
	a.tick(100 * time.Millisecond)
	b.tick(100 * time.Millisecond)

	sid := protocol.MakeSessionID(1, uint32(a.now.Unix()), 0)
	s := a.connect(t, sid)
	s.Zone, s.Instance = 1, 0

	// The destination already has a session under the same id.
	b.now = a.now
	b.connect(t, sid)

	s.PendingMove = &engine.Move{Zone: 2, Instance: 0, Room: 1}
	a.tick(10 * time.Millisecond)
	b.now = a.now
	b.tick(10 * time.Millisecond) // destination rejects
	a.now = b.now
	a.tick(10 * time.Millisecond) // source rolls back

	if s.HandoffTicket != "" {
		t.Fatal("ticket still set after rejection")
	}
	if a.eng.Sessions().Get(sid) == nil {
		t.Fatal("source lost the session on rejection")
	}
	if a.handoff.Pending() != 0 {
		t.Fatalf("pending tickets after rejection = %d, want 0", a.handoff.Pending())
	}
}

func TestMoveWithinOwnedZoneIsLocal(t *testing.T) {
	a, _, pub := twoShards(t)
	a.claimZone(t, 1, 0)

	sid := protocol.MakeSessionID(1, uint32(a.now.Unix()), 0)
	s := a.connect(t, sid)
	s.Zone, s.Instance, s.Room = 1, 0, 3

	// Drain prior claim traffic, then verify the move stays in-process.
	pub.members["engine-b"].inEvents()
	s.PendingMove = &engine.Move{Zone: 1, Instance: 0, Room: 7}
	a.tick(100 * time.Millisecond)

	if s.Room != 7 {
		t.Fatalf("room = %d, want 7", s.Room)
	}
	if s.HandoffTicket != "" {
		t.Fatal("local move opened a handoff ticket")
	}
	if leaked := pub.members["engine-b"].inEvents(); len(leaked) != 0 {
		t.Fatalf("local move published %d cross-engine events", len(leaked))
	}
}

func TestMoveToUnownedZoneIsRefused(t *testing.T) {
	a, _, _ := twoShards(t)
	a.claimZone(t, 1, 0)

	sid := protocol.MakeSessionID(1, uint32(a.now.Unix()), 0)
	s := a.connect(t, sid)
	s.Zone, s.Instance, s.Room = 1, 0, 3

	// Zone 3 is claimed by nobody.
	s.PendingMove = &engine.Move{Zone: 3, Instance: 0, Room: 0}
	a.tick(100 * time.Millisecond)

	if s.Zone != 1 || s.Room != 3 {
		t.Fatalf("session moved to %d/%d despite no owner", s.Zone, s.Room)
	}
	if s.HandoffTicket != "" {
		t.Fatal("refused move opened a handoff ticket")
	}
}

// TestCommittedHandoffRelaysClientTraffic drives a full transfer and then
// keeps playing: input landing on the source's gateway stream must reach
// the destination's interpreter, and the destination's output must come
// back out of the source's stream. A committed handoff may never strand
// the client.
func TestCommittedHandoffRelaysClientTraffic(t *testing.T) {
	a, b, _ := twoShards(t)

	a.claimZone(t, 1, 0)
	b.claimZone(t, 2, 0)
	a.tick(100 * time.Millisecond)
	b.tick(100 * time.Millisecond)

	var sourceLines, destLines []string
	a.eng.SetLineFunc(func(_ *engine.Engine, _ *engine.Session, line string) {
		sourceLines = append(sourceLines, line)
	})
	b.eng.SetLineFunc(func(e *engine.Engine, s *engine.Session, line string) {
		destLines = append(destLines, line)
		e.Output(s.ID, "The air is warmer here.")
	})

	sid := protocol.MakeSessionID(1, uint32(a.now.Unix()), 0)
	s := a.connect(t, sid)
	s.Zone, s.Instance, s.Room = 1, 0, 3

	s.PendingMove = &engine.Move{Zone: 2, Instance: 0, Room: 1}
	a.tick(10 * time.Millisecond)
	b.now = a.now
	b.tick(10 * time.Millisecond)
	a.now = b.now
	a.tick(10 * time.Millisecond) // commit

	if a.eng.Sessions().Get(sid) != nil {
		t.Fatal("source still holds the session after commit")
	}
	a.outEvents() // drop pre-transfer traffic

	// The client types; the line arrives on the source's stream.
	a.in.TrySend(protocol.Event{Kind: protocol.KindLine, Session: sid, Payload: []byte("look")})
	a.tick(10 * time.Millisecond) // source forwards to the new owner
	b.now = a.now
	b.tick(10 * time.Millisecond) // owner interprets, output relays home
	a.now = b.now
	a.tick(10 * time.Millisecond) // home stages it on the client's stream

	if len(sourceLines) != 0 {
		t.Fatalf("source interpreted %v after the commit", sourceLines)
	}
	if len(destLines) != 1 || destLines[0] != "look" {
		t.Fatalf("destination saw lines %v, want [look]", destLines)
	}
	var sawOutput bool
	for _, ev := range a.outEvents() {
		if ev.Kind == protocol.KindOutput && ev.Session == sid && string(ev.Payload) == "The air is warmer here." {
			sawOutput = true
		}
	}
	if !sawOutput {
		t.Fatal("destination output never reached the client's stream")
	}

	// The client hangs up; the disconnect follows the session and the
	// forwarding ends with it.
	a.in.TrySend(protocol.Event{Kind: protocol.KindDisconnect, Session: sid})
	a.tick(10 * time.Millisecond)
	b.now = a.now
	b.tick(10 * time.Millisecond)
	if b.eng.Sessions().Get(sid) != nil {
		t.Fatal("destination kept the session after the forwarded disconnect")
	}

	a.in.TrySend(protocol.Event{Kind: protocol.KindLine, Session: sid, Payload: []byte("hello?")})
	a.tick(10 * time.Millisecond)
	b.now = a.now
	b.tick(10 * time.Millisecond)
	if len(destLines) != 1 {
		t.Fatalf("destination saw %v after the disconnect, forwarding never ended", destLines)
	}
}

// TestMoveWithoutInstancePicksLeastLoaded exercises arrival placement:
// naming only a zone resolves to the least-loaded live instance under the
// capacity threshold, and refuses when every instance is full.
func TestMoveWithoutInstancePicksLeastLoaded(t *testing.T) {
	a, _, _ := twoShards(t) // harness capacity threshold is 10

	a.claimZone(t, 1, 0)
	a.claimZone(t, 2, 0)
	a.claimZone(t, 2, 1)

	// Occupancy rides on renewals and lands in the registry.
	a.coord.SetOccupancy(ZoneKey{Zone: 2, Instance: 0}, 7)
	a.coord.SetOccupancy(ZoneKey{Zone: 2, Instance: 1}, 2)
	a.coord.Renew(context.Background(), a.now)

	sid := protocol.MakeSessionID(1, uint32(a.now.Unix()), 0)
	s := a.connect(t, sid)
	s.Zone, s.Instance, s.Room = 1, 0, 3

	s.PendingMove = &engine.Move{Zone: 2, Instance: -1, Room: 4}
	a.tick(100 * time.Millisecond)

	if s.Zone != 2 || s.Instance != 1 || s.Room != 4 {
		t.Fatalf("placed at %d/%d/%d, want the least-loaded 2/1/4", s.Zone, s.Instance, s.Room)
	}

	// Both instances at or over the threshold: the arrival is refused.
	a.coord.SetOccupancy(ZoneKey{Zone: 2, Instance: 0}, 12)
	a.coord.SetOccupancy(ZoneKey{Zone: 2, Instance: 1}, 10)
	a.coord.Renew(context.Background(), a.now)
	a.outEvents()

	s.PendingMove = &engine.Move{Zone: 2, Instance: -1, Room: 0}
	a.tick(100 * time.Millisecond)

	if s.Instance != 1 || s.Room != 4 {
		t.Fatalf("session moved to %d/%d despite every instance being full", s.Instance, s.Room)
	}
	var refused bool
	for _, ev := range a.outEvents() {
		if ev.Kind == protocol.KindOutput && strings.Contains(string(ev.Payload), "full") {
			refused = true
		}
	}
	if !refused {
		t.Fatal("no refusal reached the client")
	}
}

// inEvents drains and returns whatever is queued on the harness inbound
// bus without processing it.
func (h *shardHarness) inEvents() []protocol.Event {
	var evs []protocol.Event
	for {
		ev, ok := h.in.TryRecv()
		if !ok {
			return evs
		}
		evs = append(evs, ev)
	}
}
