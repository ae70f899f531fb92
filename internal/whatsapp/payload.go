package whatsapp

import (
	"time"

	"recruitbot/internal/domain"
)

// --- WhatsApp Cloud API webhook payload types ---

type Payload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Value value  `json:"value"`
	Field string `json:"field"`
}

type value struct {
	MessagingProduct string    `json:"messaging_product"`
	Contacts         []contact `json:"contacts"`
	Messages         []message `json:"messages"`
	Statuses         []status  `json:"statuses"`
}

type contact struct {
	WaID    string  `json:"wa_id"`
	Profile profile `json:"profile"`
}

type profile struct {
	Name string `json:"name"`
}

type message struct {
	From     string    `json:"from"`
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Text     *textBody `json:"text,omitempty"`
	Document *document `json:"document,omitempty"`
}

type textBody struct {
	Body string `json:"body"`
}

type document struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

type status struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	RecipientID string        `json:"recipient_id"`
	Errors      []statusError `json:"errors,omitempty"`
}

type statusError struct {
	Code  int    `json:"code"`
	Title string `json:"title"`
}

// StatusReceipt is a delivery receipt extracted from the webhook envelope.
type StatusReceipt struct {
	MessageID   string
	Status      string
	RecipientID string
	Errors      []statusError
}

// Normalize flattens the Cloud API envelope into InboundEvents and status
// receipts. The message kind is decided here, once, so everything
// downstream switches on a closed enum instead of probing field presence.
func Normalize(p Payload, now time.Time) ([]domain.InboundEvent, []StatusReceipt) {
	var events []domain.InboundEvent
	var receipts []StatusReceipt

	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			name := ""
			waID := ""
			if len(ch.Value.Contacts) > 0 {
				waID = ch.Value.Contacts[0].WaID
				name = ch.Value.Contacts[0].Profile.Name
			}

			for _, msg := range ch.Value.Messages {
				candidateID := msg.From
				if candidateID == "" {
					candidateID = waID
				}
				ev := domain.InboundEvent{
					CandidateID: candidateID,
					DisplayName: name,
					MessageID:   msg.ID,
					ReceivedAt:  now,
				}

				switch {
				case msg.Type == "text" && msg.Text != nil:
					ev.Kind = domain.KindText
					ev.TextBody = msg.Text.Body
				case msg.Type == "document" && msg.Document != nil:
					ev.Kind = domain.KindDocument
					ev.Media = &domain.MediaReference{
						ID:       msg.Document.ID,
						Filename: msg.Document.Filename,
					}
				default:
					ev.Kind = domain.KindUnsupported
				}

				events = append(events, ev)
			}

			for _, st := range ch.Value.Statuses {
				receipts = append(receipts, StatusReceipt{
					MessageID:   st.ID,
					Status:      st.Status,
					RecipientID: st.RecipientID,
					Errors:      st.Errors,
				})
			}
		}
	}

	return events, receipts
}
