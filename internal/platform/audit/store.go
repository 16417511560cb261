package audit

import (
	"errors"
	"sync"
)

var ErrCorruptChain = errors.New("audit chain corruption detected")

// InMemoryStore is an append-only hash-chained event log. Each event links
// to its predecessor; an append re-verifies the previous link so silent
// tampering is detected at write time.
type InMemoryStore struct {
	mu     sync.Mutex
	events []Event
	last   string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{last: "GENESIS"}
}

func (s *InMemoryStore) Append(e Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.HashPrev = s.last
	e.HashCurr = ComputeHash(s.last, e)

	if len(s.events) > 0 {
		prev := s.events[len(s.events)-1]
		recomputed := ComputeHash(prev.HashPrev, prev)
		if recomputed != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	s.events = append(s.events, e)
	s.last = e.HashCurr
	return e, nil
}

func (s *InMemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Verify walks the whole chain and reports the index of the first broken
// link, or -1 when the chain is intact.
func (s *InMemoryStore) Verify() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := "GENESIS"
	for i, e := range s.events {
		if e.HashPrev != prev || ComputeHash(e.HashPrev, e) != e.HashCurr {
			return i
		}
		prev = e.HashCurr
	}
	return -1
}
