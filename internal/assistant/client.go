package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"recruitbot/internal/domain"
)

const defaultHTTPTimeout = 60 * time.Second

// ErrRunConflict means the thread rejected a write because a run is
// currently consuming it, and the bounded retries were exhausted.
var ErrRunConflict = errors.New("assistant: run active on thread, message append rejected")

// Client talks to the OpenAI Assistants v2 API: threads, messages, runs.
type Client struct {
	apiKey      string
	apiBase     string
	assistantID string
	client      *http.Client
	logger      *slog.Logger

	appendAttempts int
	appendBackoff  time.Duration
	maxRetries     int

	// sleep is swapped out in tests so retry and poll loops need no real time.
	sleep func(ctx context.Context, d time.Duration) error
}

type ClientConfig struct {
	APIKey         string
	APIBase        string
	AssistantID    string
	AppendAttempts int
	AppendBackoff  time.Duration
	MaxRetries     int // transient-failure retries per request
	Logger         *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.AppendAttempts <= 0 {
		cfg.AppendAttempts = 4
	}
	if cfg.AppendBackoff <= 0 {
		cfg.AppendBackoff = 800 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Client{
		apiKey:         cfg.APIKey,
		apiBase:        cfg.APIBase,
		assistantID:    cfg.AssistantID,
		client:         &http.Client{Timeout: defaultHTTPTimeout},
		logger:         cfg.Logger,
		appendAttempts: cfg.AppendAttempts,
		appendBackoff:  cfg.AppendBackoff,
		maxRetries:     cfg.MaxRetries,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// --- wire types ---

type threadObject struct {
	ID string `json:"id"`
}

type runObject struct {
	ID        string        `json:"id"`
	Status    string        `json:"status"`
	LastError *runLastError `json:"last_error,omitempty"`
}

type runLastError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type runList struct {
	Data []runObject `json:"data"`
}

type messageObject struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"`
	Content []messageContent `json:"content"`
}

type messageContent struct {
	Type string       `json:"type"`
	Text *messageText `json:"text,omitempty"`
}

type messageText struct {
	Value string `json:"value"`
}

type messageList struct {
	Data []messageObject `json:"data"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// --- operations ---

func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var thread threadObject
	if err := c.call(ctx, "POST", "/threads", map[string]any{}, &thread); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	c.logger.Info("assistant thread created", "thread", thread.ID)
	return thread.ID, nil
}

// AddMessage appends a user message to the thread. The API rejects writes
// while a run is consuming the thread; those rejections are retried with a
// fixed backoff, and exhaustion surfaces ErrRunConflict to the caller.
func (c *Client) AddMessage(ctx context.Context, threadID, content string) error {
	payload := map[string]any{
		"role":    "user",
		"content": content,
	}

	for attempt := 1; attempt <= c.appendAttempts; attempt++ {
		err := c.call(ctx, "POST", "/threads/"+threadID+"/messages", payload, nil)
		if err == nil {
			return nil
		}
		if !isRunConflict(err) {
			return fmt.Errorf("add message: %w", err)
		}

		c.logger.Warn("run active on thread, retrying append",
			"thread", threadID, "attempt", attempt, "max", c.appendAttempts)
		if attempt < c.appendAttempts {
			if err := c.sleep(ctx, c.appendBackoff); err != nil {
				return err
			}
		}
	}
	return ErrRunConflict
}

// IsBusy reports whether the thread's most recent run is still non-terminal.
func (c *Client) IsBusy(ctx context.Context, threadID string) (bool, error) {
	var runs runList
	if err := c.call(ctx, "GET", "/threads/"+threadID+"/runs?limit=1&order=desc", nil, &runs); err != nil {
		return false, fmt.Errorf("list runs: %w", err)
	}
	if len(runs.Data) == 0 {
		return false, nil
	}
	return !domain.RunStatus(runs.Data[0].Status).Terminal(), nil
}

func (c *Client) StartRun(ctx context.Context, threadID, instructions string) (string, error) {
	payload := map[string]any{
		"assistant_id": c.assistantID,
	}
	if instructions != "" {
		payload["instructions"] = instructions
	}

	var run runObject
	if err := c.call(ctx, "POST", "/threads/"+threadID+"/runs", payload, &run); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	c.logger.Info("assistant run started", "thread", threadID, "run", run.ID)
	return run.ID, nil
}

func (c *Client) runStatus(ctx context.Context, threadID, runID string) (domain.RunStatus, error) {
	var run runObject
	if err := c.call(ctx, "GET", "/threads/"+threadID+"/runs/"+runID, nil, &run); err != nil {
		return "", fmt.Errorf("retrieve run: %w", err)
	}
	if run.LastError != nil {
		c.logger.Warn("run reported error",
			"run", runID, "code", run.LastError.Code, "message", run.LastError.Message)
	}
	return domain.RunStatus(run.Status), nil
}

// PollUntilTerminal checks the run status at interval until it reaches a
// terminal state or timeout elapses. On timeout one final status fetch is
// made before reporting timed_out, so a run that completed in the last
// instant is not mis-logged. Returns within timeout + one interval.
func (c *Client) PollUntilTerminal(ctx context.Context, threadID, runID string, timeout, interval time.Duration) (domain.RunStatus, error) {
	deadline := time.Now().Add(timeout)

	for {
		status, err := c.runStatus(ctx, threadID, runID)
		if err != nil {
			return "", err
		}
		if status.Terminal() {
			return status, nil
		}

		if time.Now().After(deadline) {
			// Final check: the run may have finished during the last sleep.
			status, err := c.runStatus(ctx, threadID, runID)
			if err != nil {
				return "", err
			}
			if status.Terminal() {
				return status, nil
			}
			c.logger.Warn("run poll timed out",
				"thread", threadID, "run", runID, "timeout", timeout, "last_status", status)
			return domain.StatusTimedOut, nil
		}

		if err := c.sleep(ctx, interval); err != nil {
			return "", err
		}
	}
}

// LatestAssistantReply returns the newest assistant-authored message,
// concatenating the text segments of that single message. Returns "" when
// the thread has no assistant message yet.
func (c *Client) LatestAssistantReply(ctx context.Context, threadID string) (string, error) {
	var msgs messageList
	if err := c.call(ctx, "GET", "/threads/"+threadID+"/messages?order=desc&limit=20", nil, &msgs); err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}

	for _, msg := range msgs.Data {
		if msg.Role != "assistant" {
			continue
		}
		var sb strings.Builder
		for _, part := range msg.Content {
			if part.Type == "text" && part.Text != nil {
				sb.WriteString(part.Text.Value)
			}
		}
		return sb.String(), nil
	}
	return "", nil
}

// --- transport ---

// call issues one API request, retrying transient failures, and decodes
// the response into out when out is non-nil.
func (c *Client) call(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
	}

	buildReq := func() (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("OpenAI-Beta", "assistants=v2")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	}

	resp, err := doWithRetry(ctx, c.client, buildReq, retryOptions{
		maxRetries: c.maxRetries,
		sleep:      c.sleep,
		logger:     c.logger,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return &statusError{code: resp.StatusCode, message: apiErr.Error.Message}
		}
		return &statusError{code: resp.StatusCode, message: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	}
	return nil
}

// statusError is a non-2xx API response.
type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("openai %d: %s", e.code, e.message)
}

// isRunConflict matches the 400 the API returns when a message is added
// while a run is active ("Can't add messages to thread ... while a run
// ... is active").
func isRunConflict(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	if se.code != http.StatusBadRequest && se.code != http.StatusConflict {
		return false
	}
	msg := strings.ToLower(se.message)
	return strings.Contains(msg, "while a run") && strings.Contains(msg, "active")
}
