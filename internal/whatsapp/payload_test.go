package whatsapp

import (
	"encoding/json"
	"testing"
	"time"

	"recruitbot/internal/domain"
)

const textEnvelope = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "entry1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"wa_id": "15550001111", "profile": {"name": "Dana"}}],
        "messages": [{"from": "15550001111", "id": "wamid.1", "type": "text", "text": {"body": "hi"}}]
      }
    }]
  }]
}`

const documentEnvelope = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "changes": [{
      "value": {
        "contacts": [{"wa_id": "15550002222", "profile": {"name": "Sam"}}],
        "messages": [{
          "from": "15550002222", "id": "wamid.2", "type": "document",
          "document": {"id": "media123", "filename": "resume.pdf", "mime_type": "application/pdf"}
        }]
      }
    }]
  }]
}`

const statusEnvelope = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "changes": [{
      "value": {
        "statuses": [{
          "id": "wamid.3", "status": "failed", "recipient_id": "15550003333",
          "errors": [{"code": 131047, "title": "Re-engagement message"}]
        }]
      }
    }]
  }]
}`

func decodePayload(t *testing.T, raw string) Payload {
	t.Helper()
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p
}

func TestNormalize_Text(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	events, receipts := Normalize(decodePayload(t, textEnvelope), now)

	if len(receipts) != 0 {
		t.Fatalf("expected no receipts, got %d", len(receipts))
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]
	if ev.Kind != domain.KindText {
		t.Fatalf("expected text kind, got %q", ev.Kind)
	}
	if ev.CandidateID != "15550001111" || ev.DisplayName != "Dana" {
		t.Fatalf("unexpected identity: %q %q", ev.CandidateID, ev.DisplayName)
	}
	if ev.MessageID != "wamid.1" || ev.TextBody != "hi" {
		t.Fatalf("unexpected content: %q %q", ev.MessageID, ev.TextBody)
	}
	if !ev.ReceivedAt.Equal(now) {
		t.Fatalf("expected receive time stamped, got %v", ev.ReceivedAt)
	}
}

func TestNormalize_Document(t *testing.T) {
	events, _ := Normalize(decodePayload(t, documentEnvelope), time.Now())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	ev := events[0]
	if ev.Kind != domain.KindDocument {
		t.Fatalf("expected document kind, got %q", ev.Kind)
	}
	if ev.Media == nil || ev.Media.ID != "media123" || ev.Media.Filename != "resume.pdf" {
		t.Fatalf("unexpected media reference: %+v", ev.Media)
	}
}

func TestNormalize_Status(t *testing.T) {
	events, receipts := Normalize(decodePayload(t, statusEnvelope), time.Now())
	if len(events) != 0 {
		t.Fatalf("status envelope should produce no events, got %d", len(events))
	}
	if len(receipts) != 1 {
		t.Fatalf("expected 1 receipt, got %d", len(receipts))
	}
	if receipts[0].Status != "failed" || len(receipts[0].Errors) != 1 {
		t.Fatalf("unexpected receipt: %+v", receipts[0])
	}
}

func TestNormalize_UnsupportedKind(t *testing.T) {
	raw := `{"entry":[{"changes":[{"value":{
	  "contacts":[{"wa_id":"15550004444","profile":{"name":"Lee"}}],
	  "messages":[{"from":"15550004444","id":"wamid.4","type":"audio"}]
	}}]}]}`

	events, _ := Normalize(decodePayload(t, raw), time.Now())
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Kind != domain.KindUnsupported {
		t.Fatalf("expected unsupported kind, got %q", events[0].Kind)
	}
}

func TestFormatText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"**Hello** there", "*Hello* there"},
		{"See our openings【4:0†source】 today", "See our openings today"},
		{"  plain text \n", "plain text"},
		{"**a** and **b**", "*a* and *b*"},
	}

	for _, tc := range cases {
		if got := FormatText(tc.in); got != tc.want {
			t.Fatalf("FormatText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
