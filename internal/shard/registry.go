// Package shard implements zone-based world sharding: lease-based zone
// ownership announced over the signed bus, and the cross-shard session
// handoff protocol. Ownership is administratively assigned and eventually
// consistent; there is no consensus here by design.
package shard

import (
	"sync"
	"time"
)

type ZoneKey struct {
	Zone     int
	Instance int
}

// Claim is one (zone, instance) -> engine ownership assertion with a
// lease. Claims expire unless renewed, which is what makes reassignment
// after an engine crash possible without a lock service.
type Claim struct {
	Zone      int    `msgpack:"zone"`
	Instance  int    `msgpack:"instance"`
	Engine    string `msgpack:"engine"`
	Expiry    int64  `msgpack:"expiry"`    // unix milliseconds
	Occupancy int    `msgpack:"occupancy"` // sessions in the instance
	Announced int64  `msgpack:"announced"` // unix milliseconds
}

func (c Claim) Key() ZoneKey { return ZoneKey{Zone: c.Zone, Instance: c.Instance} }

func (c Claim) Expired(now time.Time) bool {
	return now.UnixMilli() >= c.Expiry
}

// Registry is the local view of global zone ownership, folded together
// from claim announcements. Announcements are idempotent; duplicates and
// reordering are tolerated.
type Registry struct {
	mu     sync.RWMutex
	claims map[ZoneKey]Claim
}

func NewRegistry() *Registry {
	return &Registry{claims: make(map[ZoneKey]Claim)}
}

// Apply folds one announcement into the view. A claim replaces the held
// entry when the holder renews, when the held entry's lease has lapsed,
// or when the newcomer announced later (last-writer-wins inside the
// documented ambiguity window).
func (r *Registry) Apply(c Claim, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.claims[c.Key()]
	if !ok || existing.Engine == c.Engine || existing.Expired(now) || c.Announced > existing.Announced {
		r.claims[c.Key()] = c
	}
}

// Owner reports which engine holds an unexpired claim, if any.
func (r *Registry) Owner(key ZoneKey, now time.Time) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[key]
	if !ok || c.Expired(now) {
		return "", false
	}
	return c.Engine, true
}

// Eligible reports whether the pair may be claimed: nobody has announced
// it, or the announced lease has lapsed.
func (r *Registry) Eligible(key ZoneKey, now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[key]
	return !ok || c.Expired(now)
}

func (r *Registry) Get(key ZoneKey) (Claim, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.claims[key]
	return c, ok
}

func (r *Registry) Snapshot() []Claim {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Claim, 0, len(r.claims))
	for _, c := range r.claims {
		out = append(out, c)
	}
	return out
}

// PickInstance assigns a new arrival to the least-loaded live instance of
// a zone. The second return is false when every live instance is at or
// over the capacity threshold (or none exists), in which case the first
// return is the next free instance id to spin up.
func (r *Registry) PickInstance(zone int, now time.Time, capacity int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := -1
	bestLoad := 0
	next := 0
	for key, c := range r.claims {
		if key.Zone != zone {
			continue
		}
		if key.Instance >= next {
			next = key.Instance + 1
		}
		if c.Expired(now) {
			continue
		}
		if c.Occupancy >= capacity {
			continue
		}
		if best == -1 || c.Occupancy < bestLoad {
			best = key.Instance
			bestLoad = c.Occupancy
		}
	}
	if best == -1 {
		return next, false
	}
	return best, true
}
