package domain

import "time"

// Conversation maps a candidate to their durable assistant thread.
// At most one active thread per candidate; last writer wins on update.
type Conversation struct {
	CandidateID string
	ThreadID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ArchivedMessage is one entry in the append-only per-candidate message log.
// MessageID is locally generated and unrelated to InboundEvent.MessageID.
type ArchivedMessage struct {
	CandidateID string
	MessageID   string
	Role        string // user | assistant
	Body        string
	CreatedAt   time.Time
}
