package bus

import (
	"context"
	"testing"
	"time"

	"world-server/internal/protocol"
)

// TestPublishNeverBlocksOnSlowStore pins Publish to the enqueue-and-return
// contract: a store that has stopped answering must not stall callers, and
// the queue overflow must drop instead of growing.
func TestPublishNeverBlocksOnSlowStore(t *testing.T) {
	const queueSize = 8
	b := NewSignedPubSub(nil, nil, "engine-a", "secret", queueSize)
	defer b.Close()

	// The store hangs until released; nothing the writer sends completes.
	release := make(chan struct{})
	sentc := make(chan string, queueSize+32)
	b.send = func(_ context.Context, channel string, _ []byte) error {
		<-release
		sentc <- channel
		return nil
	}

	start := time.Now()
	for i := 0; i < queueSize+16; i++ {
		b.Publish(context.Background(), "world.chat", protocol.Event{
			Kind:    protocol.KindChat,
			Payload: []byte("hello"),
		})
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Publish stalled for %v with the store hung", elapsed)
	}

	// Releasing the store drains what the queue held; everything past its
	// capacity (plus the one message the writer may already hold) was
	// dropped at enqueue time, not delivered late.
	close(release)
	delivered := 0
	for {
		select {
		case <-sentc:
			delivered++
			continue
		case <-time.After(500 * time.Millisecond):
		}
		break
	}
	if delivered < queueSize {
		t.Fatalf("writer delivered %d messages, want at least the %d queued", delivered, queueSize)
	}
	if delivered > queueSize+1 {
		t.Fatalf("writer delivered %d messages, overflow was never dropped", delivered)
	}
}

// TestPublishSealsBeforeEnqueue verifies the writer sends a signed envelope
// carrying the caller's event, not raw bytes.
func TestPublishSealsBeforeEnqueue(t *testing.T) {
	b := NewSignedPubSub(nil, nil, "engine-a", "secret", 8)
	defer b.Close()

	got := make(chan []byte, 1)
	b.send = func(_ context.Context, channel string, data []byte) error {
		if channel == "world.chat" {
			got <- data
		}
		return nil
	}

	b.Publish(context.Background(), "world.chat", protocol.Event{
		Kind:    protocol.KindChat,
		Payload: []byte("hello"),
	})

	select {
	case data := <-got:
		env, err := DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("decode published envelope: %v", err)
		}
		if !env.Verify([]byte("secret")) {
			t.Fatal("published envelope does not verify under the shared secret")
		}
		if env.Origin != "engine-a" || env.Channel != "world.chat" {
			t.Fatalf("envelope origin/channel = %s/%s", env.Origin, env.Channel)
		}
		ev, err := protocol.DecodeEvent(env.Payload)
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Kind != protocol.KindChat || string(ev.Payload) != "hello" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer never sent the publish")
	}
}
