package shard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"world-server/internal/engine"
	"world-server/internal/protocol"
)

// Attach wires the sharding layer into an engine: claim announcements and
// handoff messages become dispatched event handlers, lease renewal and
// ticket sweeping become periodic tick work, and the movement system
// turns boundary crossings into handoffs. Everything here runs on the
// engine goroutine; the bus is the only thing that leaves the process.
func Attach(e *engine.Engine, coord *Coordinator, handoff *HandoffManager, pub Publisher, renewEvery time.Duration) error {
	a := &attachment{
		e:        e,
		coord:    coord,
		handoff:  handoff,
		pub:      pub,
		forwards: make(map[protocol.SessionID]string),
		adopted:  make(map[protocol.SessionID]string),
	}

	if err := e.RegisterHandler(protocol.KindZoneClaim, a.onZoneClaim); err != nil {
		return err
	}
	if err := e.RegisterHandler(protocol.KindHandoffInit, a.onHandoffInit); err != nil {
		return err
	}
	if err := e.RegisterHandler(protocol.KindHandoffAck, a.onHandoffAck); err != nil {
		return err
	}
	if err := e.RegisterHandler(protocol.KindHandoffReject, a.onHandoffAck); err != nil {
		return err
	}
	if err := e.RegisterHandler(protocol.KindChat, a.onChat); err != nil {
		return err
	}
	// Relayed output from engines hosting sessions whose gateway stream
	// terminates here.
	for _, kind := range []protocol.Kind{protocol.KindOutput, protocol.KindPrompt, protocol.KindKick} {
		if err := e.RegisterHandler(kind, a.onRelayedOutput); err != nil {
			return err
		}
	}
	e.SetForwardFunc(a.forwardInput)
	e.Router().SetFallbackFunc(a.relayOutbound)

	e.RegisterSystem(&movementSystem{a: a})
	e.RegisterPeriodic("zone_lease", renewEvery, func(e *engine.Engine, now time.Time) {
		a.reportOccupancy()
		coord.Renew(context.Background(), now)
		coord.ConfirmPending(now)
	})
	e.RegisterPeriodic("handoff_sweep", e.TickIntervalHint(), func(e *engine.Engine, now time.Time) {
		for _, t := range handoff.Sweep(now) {
			a.rollbackLocal(t, "the transfer timed out")
		}
		for sid := range a.adopted {
			if e.Sessions().Get(sid) == nil {
				delete(a.adopted, sid)
			}
		}
	})
	return nil
}

// attachment glues one engine to the sharding layer. The forwards and
// adopted tables are touched only on the engine goroutine: forwards maps
// sessions that committed away to their current host (input keeps landing
// here because the client's gateway stream does), adopted maps sessions
// hosted here for a remote gateway back to their home engine.
type attachment struct {
	e       *engine.Engine
	coord   *Coordinator
	handoff *HandoffManager
	pub     Publisher

	forwards map[protocol.SessionID]string
	adopted  map[protocol.SessionID]string
}

// forwardInput relays client input for a session that committed away to
// the engine that now simulates it. Disconnects travel too and retire the
// forwarding entry.
func (a *attachment) forwardInput(_ *engine.Engine, ev protocol.Event) bool {
	dest, ok := a.forwards[ev.Session]
	if !ok {
		return false
	}
	if ev.Kind == protocol.KindDisconnect {
		delete(a.forwards, ev.Session)
	}
	a.pub.Publish(context.Background(), EngineChannel(dest), ev)
	return true
}

// relayOutbound is the router fallback on the hosting engine: output for a
// session whose gateway stream terminates elsewhere goes back to its home
// engine over the bus.
func (a *attachment) relayOutbound(ev protocol.Event) bool {
	home, ok := a.adopted[ev.Session]
	if !ok {
		return false
	}
	a.pub.Publish(context.Background(), EngineChannel(home), ev)
	return true
}

// onRelayedOutput lands on the home engine: stage the hosting engine's
// output on the session's gateway stream. A kick ends the forwarding.
func (a *attachment) onRelayedOutput(e *engine.Engine, ev protocol.Event) error {
	if _, ok := a.forwards[ev.Session]; !ok {
		return nil // stale relay, the session is no longer fronted here
	}
	if ev.Kind == protocol.KindKick {
		delete(a.forwards, ev.Session)
	}
	e.Router().Enqueue(ev)
	return nil
}

func (a *attachment) onZoneClaim(e *engine.Engine, ev protocol.Event) error {
	claim, err := decodeClaim(ev.Payload)
	if err != nil {
		return fmt.Errorf("decode zone claim: %w", err)
	}
	a.coord.OnAnnouncement(claim, e.Now())
	return nil
}

// onHandoffInit is the destination side: validate, adopt the session,
// answer with an ack or a rejection.
func (a *attachment) onHandoffInit(e *engine.Engine, ev protocol.Event) error {
	msg, err := decodeInit(ev.Payload)
	if err != nil {
		return fmt.Errorf("decode handoff init: %w", err)
	}
	now := e.Now()
	key := ZoneKey{Zone: msg.Zone, Instance: msg.Instance}

	reply := HandoffAck{TicketID: msg.TicketID, Engine: a.coord.EngineID(), OK: true}
	switch {
	case !a.coord.Owns(key, now):
		reply.OK = false
		reply.Reason = "destination does not own the zone"
	case e.Sessions().Get(msg.Snapshot.Session) != nil:
		reply.OK = false
		reply.Reason = "conflicting session already present"
	}

	if reply.OK {
		s := &engine.Session{
			ID:          msg.Snapshot.Session,
			PlayerRef:   msg.Snapshot.PlayerRef,
			Zone:        msg.Zone,
			Instance:    msg.Instance,
			Room:        msg.Room,
			HP:          msg.Snapshot.HP,
			MaxHP:       msg.Snapshot.MaxHP,
			ConnectedAt: now,
		}
		e.Sessions().Add(s)
		home := msg.HomeEngine
		if home == "" {
			home = msg.SourceEngine
		}
		if home == a.coord.EngineID() {
			// The session came back to the engine its gateway stream
			// terminates on; no relay needed anymore.
			delete(a.forwards, s.ID)
		} else {
			a.adopted[s.ID] = home
		}
		e.Log().Info("handoff accepted",
			zap.String("ticket", msg.TicketID),
			zap.Uint64("session", uint64(s.ID)),
			zap.String("source", msg.SourceEngine),
			zap.String("home", home),
		)
	}

	payload, err := encodeAck(reply)
	if err != nil {
		return fmt.Errorf("encode handoff ack: %w", err)
	}
	kind := protocol.KindHandoffAck
	if !reply.OK {
		kind = protocol.KindHandoffReject
	}
	a.pub.Publish(context.Background(), EngineChannel(msg.SourceEngine), protocol.Event{
		Kind:    kind,
		Session: msg.Snapshot.Session,
		Payload: payload,
	})
	return nil
}

// onHandoffAck is the source side: commit on accept, roll back on refusal.
func (a *attachment) onHandoffAck(e *engine.Engine, ev protocol.Event) error {
	msg, err := decodeAck(ev.Payload)
	if err != nil {
		return fmt.Errorf("decode handoff ack: %w", err)
	}
	now := e.Now()

	if !msg.OK {
		if t, ok := a.handoff.Reject(msg.TicketID, msg.Reason, now); ok {
			a.rollbackLocal(t, msg.Reason)
		}
		return nil
	}

	t, err := a.handoff.OnAck(msg.TicketID, now)
	if err != nil {
		// Late or duplicate ack; the sweep already rolled the ticket
		// back and the session stayed here.
		return nil
	}
	if _, ok := a.handoff.Commit(t.ID); !ok {
		return nil
	}
	// The destination is authoritative now. The client's gateway stream
	// is untouched: input arriving here keeps following the session via
	// the forwarding entry, and the new owner's output is relayed back to
	// the home engine. The client never re-dials.
	a.forwards[t.Session] = t.DestEngine
	delete(a.adopted, t.Session)
	e.Sessions().Remove(t.Session)
	e.Router().Remove(t.Session)
	return nil
}

func (a *attachment) rollbackLocal(t *Ticket, reason string) {
	s := a.e.Sessions().Get(t.Session)
	if s == nil {
		return
	}
	s.HandoffTicket = ""
	a.e.Output(t.Session, "The transfer failed: "+reason+". You remain where you are.")
	a.e.Prompt(t.Session)
}

// onChat delivers a cross-engine chat broadcast to local sessions. Local
// chat originates through PublishChat, so there is no republish loop.
func (a *attachment) onChat(e *engine.Engine, ev protocol.Event) error {
	e.BroadcastOutput(string(ev.Payload))
	return nil
}

// PublishChat fans a chat line out to local sessions and every other
// engine on the bus.
func PublishChat(e *engine.Engine, pub Publisher, text string) {
	e.BroadcastOutput(text)
	pub.Publish(context.Background(), ChannelChat, protocol.Event{
		Kind:    protocol.KindChat,
		Payload: []byte(text),
	})
}

func (a *attachment) reportOccupancy() {
	counts := make(map[ZoneKey]int)
	for _, s := range a.e.Sessions().Snapshot() {
		counts[ZoneKey{Zone: s.Zone, Instance: s.Instance}]++
	}
	for key, n := range counts {
		a.coord.SetOccupancy(key, n)
	}
}

// movementSystem resolves pending moves each tick: apply locally when we
// own the target zone instance, hand the session off when another engine
// does, refuse when nobody owns it.
type movementSystem struct {
	a *attachment
}

func (m *movementSystem) Name() string { return "movement" }

func (m *movementSystem) Update(e *engine.Engine, dt time.Duration) {
	now := e.Now()
	for _, s := range e.Sessions().Snapshot() {
		mv := s.PendingMove
		if mv == nil {
			continue
		}
		s.PendingMove = nil

		if s.HandoffTicket != "" {
			// One transfer at a time.
			e.Output(s.ID, "You are already in transit.")
			continue
		}

		if mv.Instance < 0 {
			// The player named only the zone: place them on the
			// least-loaded instance with room.
			inst, ok := m.a.coord.PickInstance(mv.Zone, now)
			if !ok {
				e.Output(s.ID, "Every instance of that place is full. Try again soon.")
				continue
			}
			mv.Instance = inst
		}

		key := ZoneKey{Zone: mv.Zone, Instance: mv.Instance}
		if m.a.coord.Owns(key, now) {
			s.Zone, s.Instance, s.Room = mv.Zone, mv.Instance, mv.Room
			e.Output(s.ID, "You arrive.")
			continue
		}

		owner, ok := m.a.coord.Registry().Owner(key, now)
		if !ok {
			e.Output(s.ID, "The way is barred.")
			continue
		}
		m.a.initiateHandoff(e, s, owner, key, mv.Room, now)
	}
}

func (a *attachment) initiateHandoff(e *engine.Engine, s *engine.Session, owner string, key ZoneKey, room int, now time.Time) {
	snap := SessionSnapshot{
		Session:   s.ID,
		PlayerRef: s.PlayerRef,
		Zone:      s.Zone,
		Instance:  s.Instance,
		Room:      s.Room,
		HP:        s.HP,
		MaxHP:     s.MaxHP,
	}
	t := a.handoff.Initiate(snap, owner, key, room, now)
	s.HandoffTicket = t.ID

	home := a.adopted[s.ID]
	if home == "" {
		home = a.coord.EngineID()
	}
	payload, err := encodeInit(HandoffInit{
		TicketID:     t.ID,
		SourceEngine: t.SourceEngine,
		DestEngine:   owner,
		HomeEngine:   home,
		Zone:         key.Zone,
		Instance:     key.Instance,
		Room:         room,
		Snapshot:     snap,
	})
	if err != nil {
		e.Log().Error("encode handoff init", zap.Error(err))
		return
	}
	a.pub.Publish(context.Background(), EngineChannel(owner), protocol.Event{
		Kind:    protocol.KindHandoffInit,
		Session: s.ID,
		Payload: payload,
	})
}
