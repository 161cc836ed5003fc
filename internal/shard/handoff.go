package shard

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"world-server/internal/protocol"
)

type TicketStatus int

const (
	TicketInitiated TicketStatus = iota
	TicketAcknowledged
	TicketCommitted
	TicketRolledBack
)

func (s TicketStatus) String() string {
	switch s {
	case TicketInitiated:
		return "initiated"
	case TicketAcknowledged:
		return "acknowledged"
	case TicketCommitted:
		return "committed"
	case TicketRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Ticket is one in-flight cross-shard session transfer, tracked on the
// source engine. The session stays authoritative here until the ticket
// commits; the Initiated window is the only ambiguity and it is bounded
// by the ticket timeout.
type Ticket struct {
	ID           string
	Session      protocol.SessionID
	SourceEngine string
	DestEngine   string
	Zone         int
	Instance     int
	Room         int
	Snapshot     SessionSnapshot
	Status       TicketStatus
	CreatedAt    time.Time
	Timeout      time.Duration
}

// HandoffManager sequences the source side of the protocol:
// Initiated -> Acknowledged -> Committed, or Initiated -> RolledBack on
// timeout or rejection. Terminal states delete the ticket, so stale or
// duplicate acks simply find nothing to act on.
type HandoffManager struct {
	log      *zap.Logger
	engineID string
	timeout  time.Duration

	mu      sync.Mutex
	tickets map[string]*Ticket
}

func NewHandoffManager(log *zap.Logger, engineID string, timeout time.Duration) *HandoffManager {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}
	return &HandoffManager{
		log:      log.Named("handoff"),
		engineID: engineID,
		timeout:  timeout,
		tickets:  make(map[string]*Ticket),
	}
}

// Initiate opens a ticket for the session described by snap, bound for
// destEngine. The caller keeps simulating the session until commit.
func (h *HandoffManager) Initiate(snap SessionSnapshot, destEngine string, dest ZoneKey, room int, now time.Time) *Ticket {
	t := &Ticket{
		ID:           uuid.NewString(),
		Session:      snap.Session,
		SourceEngine: h.engineID,
		DestEngine:   destEngine,
		Zone:         dest.Zone,
		Instance:     dest.Instance,
		Room:         room,
		Snapshot:     snap,
		Status:       TicketInitiated,
		CreatedAt:    now,
		Timeout:      h.timeout,
	}
	h.mu.Lock()
	h.tickets[t.ID] = t
	h.mu.Unlock()
	h.log.Info("handoff initiated",
		zap.String("ticket", t.ID),
		zap.Uint64("session", uint64(t.Session)),
		zap.String("dest", destEngine),
		zap.Int("zone", dest.Zone),
		zap.Int("instance", dest.Instance),
	)
	return t
}

// OnAck moves an Initiated ticket to Acknowledged. Acks for unknown,
// expired or already-terminal tickets are rejected; the state machine
// tolerates reordering and duplicate delivery.
func (h *HandoffManager) OnAck(ticketID string, now time.Time) (*Ticket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tickets[ticketID]
	if !ok {
		return nil, protocol.ErrTicketExpired
	}
	if t.Status != TicketInitiated {
		return nil, protocol.ErrTicketExpired
	}
	if now.Sub(t.CreatedAt) > t.Timeout {
		// The sweep will roll it back; a late ack must not resurrect it.
		return nil, protocol.ErrTicketExpired
	}
	t.Status = TicketAcknowledged
	return t, nil
}

// Commit finishes an Acknowledged ticket. The session is no longer
// authoritative on this engine after this returns.
func (h *HandoffManager) Commit(ticketID string) (*Ticket, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tickets[ticketID]
	if !ok || t.Status != TicketAcknowledged {
		return nil, false
	}
	t.Status = TicketCommitted
	delete(h.tickets, ticketID)
	h.log.Info("handoff committed",
		zap.String("ticket", t.ID),
		zap.Uint64("session", uint64(t.Session)),
	)
	return t, true
}

// Reject rolls back a ticket after a destination refusal.
func (h *HandoffManager) Reject(ticketID, reason string, now time.Time) (*Ticket, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tickets[ticketID]
	if !ok || t.Status == TicketCommitted || t.Status == TicketRolledBack {
		return nil, false
	}
	t.Status = TicketRolledBack
	delete(h.tickets, ticketID)
	h.log.Warn("handoff rejected",
		zap.String("ticket", t.ID),
		zap.Uint64("session", uint64(t.Session)),
		zap.String("reason", reason),
	)
	return t, true
}

// Sweep rolls back every ticket whose timeout lapsed without an ack and
// returns them so the caller can notify the affected sessions. The source
// stays authoritative; nobody is ever left un-owned.
func (h *HandoffManager) Sweep(now time.Time) []*Ticket {
	h.mu.Lock()
	defer h.mu.Unlock()
	var rolled []*Ticket
	for id, t := range h.tickets {
		if t.Status != TicketInitiated {
			continue
		}
		if now.Sub(t.CreatedAt) <= t.Timeout {
			continue
		}
		t.Status = TicketRolledBack
		delete(h.tickets, id)
		rolled = append(rolled, t)
		h.log.Warn("handoff timed out",
			zap.String("ticket", t.ID),
			zap.Uint64("session", uint64(t.Session)),
			zap.Duration("timeout", t.Timeout),
		)
	}
	return rolled
}

// Pending reports the in-flight ticket count.
func (h *HandoffManager) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tickets)
}
