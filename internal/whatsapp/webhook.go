package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"recruitbot/internal/config"
	"recruitbot/internal/domain"
)

const maxWebhookBody = 1 << 20 // 1MB max

// Webhook receives Cloud API callbacks, verifies them, normalizes the
// envelope, and enqueues the resulting events. Replies happen later, from
// the worker — the webhook only acknowledges receipt.
type Webhook struct {
	cfg    config.WhatsAppConfig
	queue  domain.Queue
	logger *slog.Logger
	mux    *http.ServeMux
}

type WebhookConfig struct {
	Config config.WhatsAppConfig
	Queue  domain.Queue
	Logger *slog.Logger
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	w := &Webhook{
		cfg:    cfg.Config,
		queue:  cfg.Queue,
		logger: cfg.Logger,
	}

	path := w.cfg.WebhookPath
	if path == "" {
		path = "/webhook"
	}

	w.mux = http.NewServeMux()
	w.mux.HandleFunc("GET "+path, w.handleVerification)
	w.mux.HandleFunc("POST "+path, w.handleIncoming)
	w.mux.HandleFunc("GET /health", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprint(rw, `{"status":"ok"}`)
	})

	return w
}

// Handler returns the HTTP handler to mount on the server.
func (w *Webhook) Handler() http.Handler { return w.mux }

// handleVerification answers the webhook subscription handshake.
func (w *Webhook) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == w.cfg.VerifyToken {
		w.logger.Info("whatsapp webhook verified")
		// The platform compares the echo byte for byte.
		rw.Header().Set("Content-Type", "text/plain")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, challenge)
		return
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// handleIncoming verifies, normalizes, and enqueues an inbound callback.
func (w *Webhook) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.cfg.AppSecret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if !w.verifySignature(body, sig) {
			w.logger.Warn("whatsapp invalid signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	events, receipts := Normalize(payload, time.Now().UTC())

	for _, receipt := range receipts {
		w.logReceipt(receipt)
	}

	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			w.logger.Error("cannot marshal inbound event", "err", err, "message_id", ev.MessageID)
			continue
		}
		if err := w.queue.Send(r.Context(), data); err != nil {
			// Fail the webhook so the platform redelivers the whole batch.
			w.logger.Error("enqueue failed", "err", err, "message_id", ev.MessageID)
			http.Error(rw, "Internal error", http.StatusInternalServerError)
			return
		}
		w.logger.Info("inbound event enqueued",
			"candidate", ev.CandidateID, "kind", ev.Kind, "message_id", ev.MessageID)
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	fmt.Fprint(rw, `{"status":"processed"}`)
}

func (w *Webhook) logReceipt(receipt StatusReceipt) {
	w.logger.Info("status update",
		"status", receipt.Status, "recipient", receipt.RecipientID, "message_id", receipt.MessageID)

	if receipt.Status == "failed" {
		for _, e := range receipt.Errors {
			w.logger.Error("message delivery failed",
				"recipient", receipt.RecipientID, "code", e.Code, "title", e.Title)
		}
	}
}

// verifySignature checks the X-Hub-Signature-256 header.
func (w *Webhook) verifySignature(body []byte, signature string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(w.cfg.AppSecret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}
