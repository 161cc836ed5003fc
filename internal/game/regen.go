package game

import (
	"time"

	"world-server/internal/engine"
)

// regenSystem restores one hit point per tick to anyone below max and
// marks named players dirty so the change eventually persists.
type regenSystem struct {
	markDirty func(s *engine.Session)
}

func (r *regenSystem) Name() string { return "regen" }

func (r *regenSystem) Update(e *engine.Engine, _ time.Duration) {
	for _, s := range e.Sessions().Snapshot() {
		if s.HP >= s.MaxHP {
			continue
		}
		s.HP++
		if s.PlayerRef != "" {
			r.markDirty(s)
		}
	}
}
