package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"recruitbot/internal/config"
)

const graphAPIBase = "https://graph.facebook.com"

// Sender transmits text messages via the WhatsApp Business Cloud API.
type Sender struct {
	cfg     config.WhatsAppConfig
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

type SenderConfig struct {
	Config  config.WhatsAppConfig
	APIBase string // override for tests
	Logger  *slog.Logger
}

func NewSender(cfg SenderConfig) *Sender {
	if cfg.APIBase == "" {
		cfg.APIBase = graphAPIBase
	}
	return &Sender{
		cfg:     cfg.Config,
		apiBase: cfg.APIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  cfg.Logger,
	}
}

// SendText sends one text message. The body is expected to already be in
// WhatsApp markup (see FormatText).
func (s *Sender) SendText(ctx context.Context, candidateID, text string) error {
	url := fmt.Sprintf("%s/%s/%s/messages", s.apiBase, s.cfg.GraphVersion, s.cfg.PhoneNumberID)

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                candidateID,
		"type":              "text",
		"text":              map[string]any{"body": text, "preview_url": false},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}

	s.logger.Info("whatsapp message sent", "to", candidateID, "text_len", len(text))
	return nil
}

var (
	citationPattern = regexp.MustCompile(`【.*?】`)
	boldPattern     = regexp.MustCompile(`\*\*(.*?)\*\*`)
)

// FormatText converts assistant output to WhatsApp markup: strips the
// 【...】 citation markers the assistant emits and turns **bold** into
// WhatsApp's *bold*.
func FormatText(text string) string {
	text = citationPattern.ReplaceAllString(text, "")
	text = boldPattern.ReplaceAllString(text, "*$1*")
	return strings.TrimSpace(text)
}
