package domain

import (
	"context"
	"time"
)

// Ledger records message identifiers that have already been processed.
// MarkProcessed is a conditional insert: marking an already-present ID is
// a silent no-op, never an error.
type Ledger interface {
	HasProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// Directory resolves a candidate to their conversation thread.
type Directory interface {
	ResolveThread(ctx context.Context, candidateID string) (string, error)
	SaveConversation(ctx context.Context, candidateID, threadID string) error
}

// Archive is the append-only log of exchanged messages.
type Archive interface {
	SaveArchived(ctx context.Context, msg ArchivedMessage) error
	RecentMessages(ctx context.Context, candidateID string, limit int) ([]ArchivedMessage, error)
}

// RunStatus is the state of one assistant computation pass.
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCancelling     RunStatus = "cancelling"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusCancelled      RunStatus = "cancelled"
	StatusExpired        RunStatus = "expired"
	StatusIncomplete     RunStatus = "incomplete"
	StatusTimedOut       RunStatus = "timed_out"
)

// Terminal reports whether a run in this status will never change again.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired, StatusIncomplete:
		return true
	}
	return false
}

// Assistant wraps the external conversational-AI API.
type Assistant interface {
	CreateThread(ctx context.Context) (string, error)
	// AddMessage appends a user message, retrying transient run conflicts.
	// A persistent conflict surfaces as ErrRunConflict from the implementation.
	AddMessage(ctx context.Context, threadID, content string) error
	// IsBusy reports whether the thread's newest run is still non-terminal.
	// The dispatcher must never start a second run while one is active.
	IsBusy(ctx context.Context, threadID string) (bool, error)
	StartRun(ctx context.Context, threadID, instructions string) (string, error)
	PollUntilTerminal(ctx context.Context, threadID, runID string, timeout, interval time.Duration) (RunStatus, error)
	// LatestAssistantReply returns the newest assistant-authored message, or
	// "" when the thread has no assistant message yet.
	LatestAssistantReply(ctx context.Context, threadID string) (string, error)
}

// Sender transmits a reply to the messaging platform. Text is handed
// pre-formatted for the platform's markup.
type Sender interface {
	SendText(ctx context.Context, candidateID, text string) error
}

// MediaDownloader fetches platform-hosted media bytes.
type MediaDownloader interface {
	Download(ctx context.Context, mediaID string) (data []byte, contentType string, err error)
}

// FileStore persists an uploaded document and returns its URL.
type FileStore interface {
	Put(ctx context.Context, filename string, data []byte, contentType string) (string, error)
}

// Classifier judges whether an uploaded document is a resume.
type Classifier interface {
	ClassifyResume(ctx context.Context, filename, contentType string, excerpt []byte) (ok bool, reason string, err error)
}

// QueueMessage is one leased message from the queue.
type QueueMessage struct {
	ID       int64
	Body     []byte
	Receives int
}

// Queue is an at-least-once delivery channel. A received message stays
// hidden until Delete or until its visibility lease expires.
type Queue interface {
	Send(ctx context.Context, body []byte) error
	Receive(ctx context.Context, max int, wait, visibility time.Duration) ([]QueueMessage, error)
	Delete(ctx context.Context, id int64) error
}
