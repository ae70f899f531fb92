package assistant

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

const defaultMaxRetries = 3

// retryableError indicates a transient failure that can be retried.
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// retryOptions tunes doWithRetry. Zero values fall back to the defaults;
// callers with an injectable clock pass their own sleep.
type retryOptions struct {
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
}

// doWithRetry executes an HTTP request, retrying transient failures
// (network errors, 5xx, 429) with exponential backoff and jitter.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), opts retryOptions) (*http.Response, error) {
	if opts.maxRetries <= 0 {
		opts.maxRetries = defaultMaxRetries
	}
	if opts.sleep == nil {
		opts.sleep = sleepCtx
	}

	var lastErr error

	for attempt := 0; attempt <= opts.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff(attempt)
			opts.logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			if err := opts.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < opts.maxRetries {
				opts.logger.Warn("request failed, will retry", "error", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", opts.maxRetries, err)
		}

		// Retry on 5xx server errors and 429 rate-limit.
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			if attempt < opts.maxRetries {
				opts.logger.Warn("server error, will retry",
					"status", resp.StatusCode, "body", string(body))
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", opts.maxRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}

// retryBackoff grows quadratically with jitter to keep retrying clients
// from synchronizing.
func retryBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}
