package domain

import "time"

// MessageKind classifies an inbound webhook event. The kind is decided once
// at the webhook boundary; downstream code switches on it exhaustively.
type MessageKind string

const (
	KindText        MessageKind = "text"
	KindDocument    MessageKind = "document"
	KindStatus      MessageKind = "status"
	KindUnsupported MessageKind = "unsupported"
)

// MediaReference points at a file hosted by the messaging platform.
type MediaReference struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
}

// InboundEvent is a normalized webhook payload. The JSON tags define the
// queue wire contract between the webhook receiver and the worker.
type InboundEvent struct {
	CandidateID string          `json:"candidate_id"`
	DisplayName string          `json:"display_name,omitempty"`
	MessageID   string          `json:"message_id"`
	Kind        MessageKind     `json:"kind"`
	TextBody    string          `json:"text_body,omitempty"`
	Media       *MediaReference `json:"media_reference,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}
