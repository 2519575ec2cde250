// Package llm holds the chat backends: OpenAI-compatible HTTP, Ollama and Gemini.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

const (
	defaultTimeout = 120 * time.Second
	maxRetries     = 2
	maxErrorBody   = 512
)

// StatusError is a non-2xx answer from a backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// Retryable reports whether repeating the request may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// newLimiter converts requests per minute into a token bucket. rpm <= 0
// disables limiting.
func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
}

// httpTransport is the request plumbing the HTTP backends share.
type httpTransport struct {
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	backoff time.Duration
}

func newHTTPTransport(logger *slog.Logger, cfg domain.BackendConfig) httpTransport {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return httpTransport{
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		limiter: newLimiter(cfg.RequestsPerMinute),
		backoff: time.Second,
	}
}

// postJSON sends payload and decodes a 200 answer into out. When retry is
// set, rate limits and server errors are retried with exponential backoff.
func (t httpTransport) postJSON(ctx context.Context, url string, headers map[string]string, payload, out interface{}, retry bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	retries := maxRetries
	if !retry {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(t.backoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}
		}

		lastErr = t.do(ctx, url, headers, body, out)
		if lastErr == nil {
			return nil
		}
		var se *StatusError
		if !errors.As(lastErr, &se) || !se.Retryable() || retries == 0 {
			return lastErr
		}
		t.logger.Warn("backend request failed, retrying", "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (t httpTransport) do(ctx context.Context, url string, headers map[string]string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return fmt.Errorf("%w: %v", domain.ErrBackendNotConnected, err)
		}
		return fmt.Errorf("failed to call backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// finish trims the generated text and turns an empty reply into ErrEmptyResponse.
func finish(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domain.ErrEmptyResponse
	}
	return text, nil
}
