package engine

import (
	"world-server/internal/bus"
	"world-server/internal/protocol"
)

// Router owns one bounded delivery queue per session, keyed by session id
// so teardown is a single table removal. Enqueue never blocks: a full
// queue disconnects its session instead of growing memory, so one slow
// consumer cannot degrade the rest. Prompts are the one exception: an
// un-flushed prompt is replaced in place rather than queued twice.
type Router struct {
	out    bus.OutboundBus
	limit  int
	queues map[protocol.SessionID]*sessionQueue

	// onOverflow is called at most once per overflowing session per tick;
	// the engine disconnects the session in response.
	onOverflow func(protocol.SessionID)

	// fallback gets events the bus has no route for. Returns true when it
	// took the event, e.g. by relaying it to the session's home engine.
	fallback func(protocol.Event) bool
}

type sessionQueue struct {
	events    []protocol.Event
	promptIdx int // index of the queued prompt, -1 when none
	shed      bool
}

func NewRouter(out bus.OutboundBus, perSessionLimit int) *Router {
	if perSessionLimit <= 0 {
		perSessionLimit = 256
	}
	return &Router{
		out:    out,
		limit:  perSessionLimit,
		queues: make(map[protocol.SessionID]*sessionQueue),
	}
}

func (r *Router) SetOverflowFunc(fn func(protocol.SessionID)) { r.onOverflow = fn }

func (r *Router) SetFallbackFunc(fn func(protocol.Event) bool) { r.fallback = fn }

// Enqueue stages an outbound event for its session. Returns false when the
// session was shed for overflowing its queue.
func (r *Router) Enqueue(ev protocol.Event) bool {
	q := r.queues[ev.Session]
	if q == nil {
		q = &sessionQueue{promptIdx: -1}
		r.queues[ev.Session] = q
	}
	if q.shed {
		return false
	}

	if ev.Kind == protocol.KindPrompt && q.promptIdx >= 0 {
		q.events[q.promptIdx] = ev
		return true
	}

	if len(q.events) >= r.limit {
		q.shed = true
		if r.onOverflow != nil {
			r.onOverflow(ev.Session)
		}
		return false
	}

	if ev.Kind == protocol.KindPrompt {
		q.promptIdx = len(q.events)
	}
	q.events = append(q.events, ev)
	return true
}

// Flush drains every staged queue through the outbound bus. Delivery is
// non-blocking from the engine's perspective; events the backend has no
// route for are offered to the fallback (sessions hosted here for a
// remote gateway), then dropped and counted. Returns the number of
// events handed off.
func (r *Router) Flush() int {
	sent := 0
	for id, q := range r.queues {
		for _, ev := range q.events {
			switch {
			case r.out.TrySend(ev):
				sent++
			case r.fallback != nil && r.fallback(ev):
				sent++
			default:
				outboundDropped.Inc()
			}
		}
		if q.shed {
			delete(r.queues, id)
			continue
		}
		q.events = q.events[:0]
		q.promptIdx = -1
	}
	return sent
}

// Remove tears down a session's queue. Single map removal, no dangling
// back-references.
func (r *Router) Remove(id protocol.SessionID) {
	delete(r.queues, id)
}

// QueueLen reports the staged event count for one session.
func (r *Router) QueueLen(id protocol.SessionID) int {
	if q := r.queues[id]; q != nil {
		return len(q.events)
	}
	return 0
}
