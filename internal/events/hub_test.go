package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(TypeDispatchQueued, map[string]any{"dispatch_id": "d1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeDispatchQueued {
			t.Fatalf("unexpected event type %q", ev.Type)
		}
		if ev.ID != 1 {
			t.Fatalf("expected first event id 1, got %d", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSnapshotSince(t *testing.T) {
	h := NewHub(4)
	for i := 0; i < 6; i++ {
		h.Publish(TypePoolLaunched, nil)
	}

	// Ring holds the last 4 events (ids 3..6).
	all := h.SnapshotSince(0)
	if len(all) != 4 {
		t.Fatalf("expected 4 buffered events, got %d", len(all))
	}
	if all[0].ID != 3 {
		t.Fatalf("expected oldest id 3, got %d", all[0].ID)
	}

	tail := h.SnapshotSince(5)
	if len(tail) != 1 || tail[0].ID != 6 {
		t.Fatalf("expected only id 6, got %+v", tail)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	// Fill the subscriber buffer well past capacity; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Publish(TypePoolEvicted, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
