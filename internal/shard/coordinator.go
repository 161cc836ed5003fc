package shard

import (
	"context"
	"time"

	"go.uber.org/zap"

	"world-server/internal/protocol"
)

// Bus channels used by the sharding layer.
const (
	ChannelZoneClaims = "world.zone.claims"
	ChannelChat       = "world.chat"
)

// EngineChannel is the per-engine inbox used for point-to-point messages
// (handoff tickets and acks) when no dedicated stream exists.
func EngineChannel(engineID string) string { return "world.engine." + engineID }

// Publisher is the slice of the signed pub/sub bus the coordinator needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, ev protocol.Event)
}

type heldClaim struct {
	key          ZoneKey
	occupancy    int
	pendingSince time.Time
	confirmed    bool
}

// Coordinator manages this engine's zone claims: acquisition with a
// confirmation window, periodic renewal before lease expiry, and release
// when a conflicting later claim wins. Callers must tolerate the brief
// ambiguity window the optimistic scheme allows.
type Coordinator struct {
	log      *zap.Logger
	engineID string
	reg      *Registry
	pub      Publisher

	leaseTTL      time.Duration
	confirmWindow time.Duration
	capacity      int

	held map[ZoneKey]*heldClaim
}

func NewCoordinator(log *zap.Logger, engineID string, reg *Registry, pub Publisher, leaseTTL, confirmWindow time.Duration, capacity int) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = 50
	}
	return &Coordinator{
		log:           log.Named("shard"),
		engineID:      engineID,
		reg:           reg,
		pub:           pub,
		leaseTTL:      leaseTTL,
		confirmWindow: confirmWindow,
		capacity:      capacity,
		held:          make(map[ZoneKey]*heldClaim),
	}
}

func (c *Coordinator) Registry() *Registry { return c.reg }
func (c *Coordinator) EngineID() string    { return c.engineID }

// Claim starts pursuing ownership of an unclaimed or lapsed pair. The
// claim is pending until the confirmation window passes without a
// conflicting announcement.
func (c *Coordinator) Claim(ctx context.Context, key ZoneKey, now time.Time) error {
	if !c.reg.Eligible(key, now) {
		if owner, _ := c.reg.Owner(key, now); owner != c.engineID {
			return protocol.ErrZoneNotOwned
		}
		return nil // already ours
	}
	c.held[key] = &heldClaim{key: key, pendingSince: now}
	c.announce(ctx, key, 0, now)
	c.log.Info("zone claim announced",
		zap.Int("zone", key.Zone),
		zap.Int("instance", key.Instance),
	)
	return nil
}

// ConfirmPending promotes pending claims whose confirmation window has
// passed with no conflicting unexpired claim announced later than ours.
func (c *Coordinator) ConfirmPending(now time.Time) {
	for key, h := range c.held {
		if h.confirmed || now.Sub(h.pendingSince) < c.confirmWindow {
			continue
		}
		if cl, ok := c.reg.Get(key); ok && cl.Engine != c.engineID && !cl.Expired(now) {
			// Someone else won the window.
			delete(c.held, key)
			c.log.Warn("zone claim lost to conflicting announcement",
				zap.Int("zone", key.Zone),
				zap.Int("instance", key.Instance),
				zap.String("winner", cl.Engine),
			)
			continue
		}
		h.confirmed = true
		c.log.Info("zone claim confirmed",
			zap.Int("zone", key.Zone),
			zap.Int("instance", key.Instance),
		)
	}
}

// Renew re-announces every confirmed claim. Must run more often than the
// lease TTL or ownership is presumed lost and another engine may take it.
func (c *Coordinator) Renew(ctx context.Context, now time.Time) {
	for key, h := range c.held {
		if !h.confirmed {
			continue
		}
		// A later unexpired claim by someone else means we lost the zone
		// (typically after our own renewals failed to publish).
		if owner, ok := c.reg.Owner(key, now); ok && owner != c.engineID {
			delete(c.held, key)
			c.log.Warn("zone ownership presumed lost",
				zap.Int("zone", key.Zone),
				zap.Int("instance", key.Instance),
				zap.String("holder", owner),
			)
			continue
		}
		c.announce(ctx, key, h.occupancy, now)
	}
}

// Owns reports whether this engine currently holds a confirmed, unexpired
// claim for the pair.
func (c *Coordinator) Owns(key ZoneKey, now time.Time) bool {
	h, ok := c.held[key]
	if !ok || !h.confirmed {
		return false
	}
	owner, live := c.reg.Owner(key, now)
	return live && owner == c.engineID
}

// SetOccupancy records the session count reported alongside renewals.
func (c *Coordinator) SetOccupancy(key ZoneKey, n int) {
	if h, ok := c.held[key]; ok {
		h.occupancy = n
	}
}

// PickInstance resolves an arrival that named a zone but no instance to
// the least-loaded live instance under the capacity threshold. False means
// every live instance is full or none exists.
func (c *Coordinator) PickInstance(zone int, now time.Time) (int, bool) {
	return c.reg.PickInstance(zone, now, c.capacity)
}

// OnAnnouncement folds a remote (or echoed) claim into the local view.
func (c *Coordinator) OnAnnouncement(claim Claim, now time.Time) {
	c.reg.Apply(claim, now)
}

func (c *Coordinator) announce(ctx context.Context, key ZoneKey, occupancy int, now time.Time) {
	claim := Claim{
		Zone:      key.Zone,
		Instance:  key.Instance,
		Engine:    c.engineID,
		Expiry:    now.Add(c.leaseTTL).UnixMilli(),
		Occupancy: occupancy,
		Announced: now.UnixMilli(),
	}
	// Our own view first, then the broadcast; the publish failing soft
	// must not desynchronize us from ourselves.
	c.reg.Apply(claim, now)
	payload, err := encodeClaim(claim)
	if err != nil {
		c.log.Error("encode claim", zap.Error(err))
		return
	}
	c.pub.Publish(ctx, ChannelZoneClaims, protocol.Event{Kind: protocol.KindZoneClaim, Payload: payload})
}
