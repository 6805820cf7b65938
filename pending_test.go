package mqtt

import (
	"testing"
	"time"
)

func TestPendingStoreDueOrder(t *testing.T) {
	s := newMemPendingStore()
	base := time.Unix(1000, 0)
	s.Add(3, base.Add(3*time.Second), "three")
	s.Add(1, base.Add(1*time.Second), "one")
	s.Add(2, base.Add(2*time.Second), "two")

	if s.Len() != 3 {
		t.Fatalf("expected 3 pending, got %d", s.Len())
	}

	due := s.Due(base.Add(5 * time.Second))
	if len(due) != 3 {
		t.Fatalf("expected all 3 entries due, got %d", len(due))
	}
	for i, want := range []uint16{1, 2, 3} {
		if due[i].PacketID != want {
			t.Errorf("entry %d: expected packet id %d, got %d", i, want, due[i].PacketID)
		}
	}
	if s.Len() != 0 {
		t.Errorf("store should be empty after Due drains it, got %d", s.Len())
	}
}

func TestPendingStoreAckRemoves(t *testing.T) {
	s := newMemPendingStore()
	now := time.Now()
	s.Add(7, now.Add(time.Minute), "payload")
	s.Ack(7)
	if s.Len() != 0 {
		t.Fatalf("expected 0 pending after Ack, got %d", s.Len())
	}
	// Acking an unknown id must be a no-op, not a panic.
	s.Ack(42)
}

func TestPendingStoreNotYetDue(t *testing.T) {
	s := newMemPendingStore()
	now := time.Now()
	s.Add(1, now.Add(time.Hour), "payload")
	due := s.Due(now)
	if len(due) != 0 {
		t.Fatalf("expected nothing due yet, got %d entries", len(due))
	}
	if s.Len() != 1 {
		t.Errorf("entry should remain pending, got len %d", s.Len())
	}
}
