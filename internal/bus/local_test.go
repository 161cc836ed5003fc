package bus

import (
	"context"
	"testing"
	"time"

	"world-server/internal/protocol"
)

func TestLocalBusTrySendBounded(t *testing.T) {
	b := NewLocal(2)
	defer b.Close()

	if !b.TrySend(protocol.Event{Kind: protocol.KindLine, Session: 1}) {
		t.Fatal("first send should fit")
	}
	if !b.TrySend(protocol.Event{Kind: protocol.KindLine, Session: 2}) {
		t.Fatal("second send should fit")
	}
	if b.TrySend(protocol.Event{Kind: protocol.KindLine, Session: 3}) {
		t.Fatal("third send must fail, queue is bounded at 2")
	}

	ev, ok := b.TryRecv()
	if !ok || ev.Session != 1 {
		t.Fatalf("expected session 1 first, got %+v ok=%v", ev, ok)
	}
}

func TestLocalBusTryRecvEmpty(t *testing.T) {
	b := NewLocal(4)
	defer b.Close()
	if _, ok := b.TryRecv(); ok {
		t.Fatal("TryRecv on empty bus must report no event")
	}
}

func TestLocalBusSendBlocksUntilDrained(t *testing.T) {
	b := NewLocal(1)
	defer b.Close()

	b.TrySend(protocol.Event{Session: 1})

	done := make(chan error, 1)
	go func() {
		done <- b.Send(context.Background(), protocol.Event{Session: 2})
	}()

	select {
	case <-done:
		t.Fatal("Send returned while the queue was still full")
	case <-time.After(20 * time.Millisecond):
	}

	if _, ok := b.TryRecv(); !ok {
		t.Fatal("drain failed")
	}
	if err := <-done; err != nil {
		t.Fatalf("Send after drain: %v", err)
	}
}

func TestLocalBusClosedSemantics(t *testing.T) {
	b := NewLocal(2)
	b.TrySend(protocol.Event{Session: 1})
	b.Close()

	if b.TrySend(protocol.Event{Session: 2}) {
		t.Fatal("TrySend after close must fail")
	}
	if err := b.Send(context.Background(), protocol.Event{Session: 3}); err != protocol.ErrBusClosed {
		t.Fatalf("Send after close = %v, want ErrBusClosed", err)
	}
	// Events queued before close still drain.
	if ev, ok := b.TryRecv(); !ok || ev.Session != 1 {
		t.Fatalf("pre-close event lost: %+v ok=%v", ev, ok)
	}
}
