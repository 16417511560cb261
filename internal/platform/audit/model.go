package audit

import "time"

type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Event records one adjudication or money movement. Before and After hold
// JSON snapshots of the mutated object so reviewers can reconstruct what an
// admin decision changed.
type Event struct {
	EventID      string
	OccurredAt   time.Time
	ActorID      string
	ActorRole    string
	ObjectType   string
	ObjectID     string
	Action       string
	Before       []byte
	After        []byte
	Outcome      Outcome
	Reason       string
	PartitionDay string
	HashPrev     string
	HashCurr     string
}
