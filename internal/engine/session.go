package engine

import (
	"sync"
	"time"

	"world-server/internal/protocol"
)

// Move is a pending relocation request for a session, set by game logic
// and resolved by the movement system on the next tick. A negative
// Instance asks the movement layer to pick one.
type Move struct {
	Zone     int
	Instance int
	Room     int
}

// Session is one connected actor. The engine's session table owns it
// exclusively; no other component mutates it directly.
type Session struct {
	ID        protocol.SessionID
	PlayerRef string // empty before login

	Zone     int
	Instance int
	Room     int

	HP    int
	MaxHP int

	PendingMove   *Move
	HandoffTicket string // non-empty while a cross-shard transfer is in flight

	ConnectedAt time.Time
}

// SessionTable is the engine-owned session arena. Mutation happens only on
// the engine goroutine; the lock exists so metrics and other read-only
// observers can take safe snapshots.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[protocol.SessionID]*Session
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[protocol.SessionID]*Session)}
}

func (t *SessionTable) Add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID] = s
}

func (t *SessionTable) Get(id protocol.SessionID) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[id]
}

func (t *SessionTable) Remove(id protocol.SessionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *SessionTable) Snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	items := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		items = append(items, s)
	}
	return items
}
