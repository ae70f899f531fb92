package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const classifierExcerptLimit = 2000

// ResumeClassifier judges whether an uploaded document is a resume, using
// a chat completion against the filename, content type, and a text excerpt.
type ResumeClassifier struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type ResumeClassifierConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewResumeClassifier(cfg ResumeClassifierConfig) *ResumeClassifier {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	return &ResumeClassifier{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  cfg.Logger,
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type classifierVerdict struct {
	IsResume bool   `json:"is_resume"`
	Reason   string `json:"reason"`
}

const classifierSystemPrompt = "You review documents uploaded by job candidates and decide " +
	"whether each one is a resume or CV. Answer with strict JSON: " +
	`{"is_resume": <bool>, "reason": "<one short sentence for the candidate>"}.`

// ClassifyResume returns whether the document looks like a resume and a
// candidate-facing reason when it does not.
func (rc *ResumeClassifier) ClassifyResume(ctx context.Context, filename, contentType string, excerpt []byte) (bool, string, error) {
	user := fmt.Sprintf("Filename: %s\nContent-Type: %s\n", filename, contentType)
	if snippet := printableExcerpt(excerpt, classifierExcerptLimit); snippet != "" {
		user += "Extracted text:\n" + snippet
	} else {
		user += "No text could be extracted; judge from the filename and content type."
	}

	body := chatRequest{
		Model: rc.model,
		Messages: []chatMessage{
			{Role: "system", Content: classifierSystemPrompt},
			{Role: "user", Content: user},
		},
		Temperature:    0,
		ResponseFormat: &respFormat{Type: "json_object"},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return false, "", fmt.Errorf("marshal: %w", err)
	}

	buildReq := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", rc.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+rc.apiKey)
		return req, nil
	}

	resp, err := doWithRetry(ctx, rc.client, buildReq, retryOptions{logger: rc.logger})
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return false, "", fmt.Errorf("openai %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return false, "", fmt.Errorf("decode: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return false, "", fmt.Errorf("empty classifier response")
	}

	var verdict classifierVerdict
	if err := json.Unmarshal([]byte(chatResp.Choices[0].Message.Content), &verdict); err != nil {
		return false, "", fmt.Errorf("parse verdict %q: %w", chatResp.Choices[0].Message.Content, err)
	}

	rc.logger.Info("resume classification",
		"filename", filename, "is_resume", verdict.IsResume, "reason", verdict.Reason)
	return verdict.IsResume, verdict.Reason, nil
}

// printableExcerpt extracts a bounded run of valid UTF-8 from raw document
// bytes; binary formats mostly yield nothing, which is fine.
func printableExcerpt(data []byte, limit int) string {
	if len(data) > limit {
		data = data[:limit]
	}
	if utf8.Valid(data) {
		return strings.TrimSpace(string(data))
	}

	var sb strings.Builder
	for _, r := range string(data) {
		if r == utf8.RuneError {
			continue
		}
		if r == '\n' || r == '\t' || (r >= 0x20 && r < 0x7f) {
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}
