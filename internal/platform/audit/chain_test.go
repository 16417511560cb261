package audit

import (
	"testing"
	"time"
)

func event(id, action string) Event {
	return Event{
		EventID:    id,
		OccurredAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		ActorID:    "admin-1",
		ActorRole:  "admin",
		ObjectType: "deposit_request",
		ObjectID:   "dep-9",
		Action:     action,
		Before:     []byte(`{"status":"pending"}`),
		After:      []byte(`{"status":"approved"}`),
		Outcome:    OutcomeApplied,
	}
}

func TestChainLinksEvents(t *testing.T) {
	s := NewInMemoryStore()

	first, err := s.Append(event("audit-1", "approve"))
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.HashPrev != "GENESIS" {
		t.Fatalf("first event should link to genesis, got %q", first.HashPrev)
	}

	second, err := s.Append(event("audit-2", "reject"))
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.HashPrev != first.HashCurr {
		t.Fatalf("chain broken: second.prev=%q first.curr=%q", second.HashPrev, first.HashCurr)
	}
	if idx := s.Verify(); idx != -1 {
		t.Fatalf("verify reported broken link at %d", idx)
	}
}

func TestChainDetectsTampering(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Append(event("audit-1", "approve")); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.events[0].Action = "reject"

	if _, err := s.Append(event("audit-2", "approve")); err != ErrCorruptChain {
		t.Fatalf("expected ErrCorruptChain, got %v", err)
	}
	if idx := s.Verify(); idx != 0 {
		t.Fatalf("verify should flag event 0, got %d", idx)
	}
}
