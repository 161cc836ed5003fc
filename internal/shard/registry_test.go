package shard

import (
	"testing"
	"time"
)

func claimAt(zone, instance int, engine string, announced time.Time, ttl time.Duration, occupancy int) Claim {
	return Claim{
		Zone:      zone,
		Instance:  instance,
		Engine:    engine,
		Expiry:    announced.Add(ttl).UnixMilli(),
		Occupancy: occupancy,
		Announced: announced.UnixMilli(),
	}
}

func TestRegistryUnrenewedLeaseBecomesEligible(t *testing.T) {
	reg := NewRegistry()
	start := time.Unix(1000, 0)
	key := ZoneKey{Zone: 3, Instance: 0}

	reg.Apply(claimAt(3, 0, "engine-a", start, 5*time.Second, 0), start)

	if reg.Eligible(key, start.Add(4*time.Second)) {
		t.Fatal("claim eligible for takeover while lease still live")
	}
	if owner, ok := reg.Owner(key, start.Add(4*time.Second)); !ok || owner != "engine-a" {
		t.Fatalf("Owner = %q, %v; want engine-a, true", owner, ok)
	}

	later := start.Add(6 * time.Second)
	if !reg.Eligible(key, later) {
		t.Fatal("claim not eligible 6s after a 5s lease with no renewal")
	}
	if _, ok := reg.Owner(key, later); ok {
		t.Fatal("expired claim still reported as owned")
	}

	// A different engine takes it over.
	reg.Apply(claimAt(3, 0, "engine-b", later, 5*time.Second, 0), later)
	if owner, _ := reg.Owner(key, later.Add(time.Second)); owner != "engine-b" {
		t.Fatalf("owner after takeover = %q, want engine-b", owner)
	}
}

func TestRegistryRenewedLeaseNeverLapses(t *testing.T) {
	reg := NewRegistry()
	start := time.Unix(1000, 0)
	key := ZoneKey{Zone: 7, Instance: 1}

	// Renew every 2s against a 5s lease for a minute of simulated time.
	for elapsed := time.Duration(0); elapsed <= time.Minute; elapsed += 2 * time.Second {
		now := start.Add(elapsed)
		reg.Apply(claimAt(7, 1, "engine-a", now, 5*time.Second, 0), now)
		if reg.Eligible(key, now) {
			t.Fatalf("zone eligible for re-claim at +%v despite renewals", elapsed)
		}
		if owner, ok := reg.Owner(key, now); !ok || owner != "engine-a" {
			t.Fatalf("owner at +%v = %q, %v; want engine-a", elapsed, owner, ok)
		}
	}
}

func TestRegistryApplyLastWriterWins(t *testing.T) {
	reg := NewRegistry()
	start := time.Unix(1000, 0)
	key := ZoneKey{Zone: 1, Instance: 0}

	reg.Apply(claimAt(1, 0, "engine-a", start, 5*time.Second, 0), start)
	// A conflicting claim announced later replaces a live one.
	reg.Apply(claimAt(1, 0, "engine-b", start.Add(time.Second), 5*time.Second, 0), start.Add(time.Second))
	if owner, _ := reg.Owner(key, start.Add(2*time.Second)); owner != "engine-b" {
		t.Fatalf("owner = %q, want engine-b (later announcement wins)", owner)
	}

	// An earlier-announced conflicting claim does not displace it.
	reg.Apply(claimAt(1, 0, "engine-c", start, 5*time.Second, 0), start.Add(2*time.Second))
	if owner, _ := reg.Owner(key, start.Add(2*time.Second)); owner != "engine-b" {
		t.Fatalf("owner = %q, want engine-b (stale announcement ignored)", owner)
	}

	// The holder's own renewal always applies, even with an equal timestamp.
	renew := claimAt(1, 0, "engine-b", start.Add(3*time.Second), 5*time.Second, 12)
	reg.Apply(renew, start.Add(3*time.Second))
	got, _ := reg.Get(key)
	if got.Occupancy != 12 {
		t.Fatalf("occupancy after renewal = %d, want 12", got.Occupancy)
	}
}

func TestRegistryApplyIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	start := time.Unix(1000, 0)
	c := claimAt(2, 0, "engine-a", start, 5*time.Second, 3)

	reg.Apply(c, start)
	reg.Apply(c, start)
	reg.Apply(c, start)

	got, ok := reg.Get(ZoneKey{Zone: 2, Instance: 0})
	if !ok || got != c {
		t.Fatalf("Get after duplicate applies = %+v, %v; want the original claim", got, ok)
	}
	if n := len(reg.Snapshot()); n != 1 {
		t.Fatalf("snapshot has %d claims, want 1", n)
	}
}

func TestRegistryPickInstance(t *testing.T) {
	reg := NewRegistry()
	now := time.Unix(1000, 0)

	reg.Apply(claimAt(5, 0, "engine-a", now, 5*time.Second, 40), now)
	reg.Apply(claimAt(5, 1, "engine-b", now, 5*time.Second, 10), now)
	reg.Apply(claimAt(5, 2, "engine-a", now, 5*time.Second, 25), now)

	inst, ok := reg.PickInstance(5, now, 50)
	if !ok || inst != 1 {
		t.Fatalf("PickInstance = %d, %v; want 1 (least loaded)", inst, ok)
	}

	// At capacity everywhere: report the next free instance id.
	inst, ok = reg.PickInstance(5, now, 10)
	if ok {
		t.Fatal("PickInstance found a live instance below a threshold of 10")
	}
	if inst != 3 {
		t.Fatalf("next free instance = %d, want 3", inst)
	}

	// Expired instances do not count as live, but still reserve their id.
	later := now.Add(6 * time.Second)
	inst, ok = reg.PickInstance(5, later, 50)
	if ok {
		t.Fatal("PickInstance returned an expired instance")
	}
	if inst != 3 {
		t.Fatalf("next free instance after expiry = %d, want 3", inst)
	}
}

func TestCoordinatorClaimConfirmRenew(t *testing.T) {
	reg := NewRegistry()
	pub := &capturePublisher{}
	coord := NewCoordinator(nil, "engine-a", reg, pub, 5*time.Second, 200*time.Millisecond, 50)
	now := time.Unix(1000, 0)
	key := ZoneKey{Zone: 9, Instance: 0}

	if err := coord.Claim(t.Context(), key, now); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if coord.Owns(key, now) {
		t.Fatal("claim confirmed before the confirmation window passed")
	}
	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1 announcement", len(pub.events))
	}

	// Window passes quietly: the claim confirms.
	now = now.Add(250 * time.Millisecond)
	coord.ConfirmPending(now)
	if !coord.Owns(key, now) {
		t.Fatal("claim not confirmed after a quiet confirmation window")
	}

	// Renewals keep ownership alive past the original lease.
	for i := 0; i < 5; i++ {
		now = now.Add(2 * time.Second)
		coord.Renew(t.Context(), now)
		if !coord.Owns(key, now) {
			t.Fatalf("ownership lost at renewal %d", i)
		}
	}
}

func TestCoordinatorLosesConfirmationToConflict(t *testing.T) {
	reg := NewRegistry()
	pub := &capturePublisher{}
	coord := NewCoordinator(nil, "engine-a", reg, pub, 5*time.Second, 200*time.Millisecond, 50)
	now := time.Unix(1000, 0)
	key := ZoneKey{Zone: 9, Instance: 0}

	if err := coord.Claim(t.Context(), key, now); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// A conflicting claim announced inside our window, later than ours.
	rival := claimAt(9, 0, "engine-b", now.Add(50*time.Millisecond), 5*time.Second, 0)
	coord.OnAnnouncement(rival, now.Add(50*time.Millisecond))

	now = now.Add(250 * time.Millisecond)
	coord.ConfirmPending(now)
	if coord.Owns(key, now) {
		t.Fatal("claim confirmed despite a conflicting announcement in the window")
	}
	if owner, _ := reg.Owner(key, now); owner != "engine-b" {
		t.Fatalf("owner = %q, want engine-b", owner)
	}
}
