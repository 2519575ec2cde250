package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest(jsonMode bool) domain.ChatRequest {
	return domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "hi"},
		},
		Temperature: 0.3,
		MaxTokens:   256,
		JSONMode:    jsonMode,
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  {\"thought\":\"ok\"}  "}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(testLogger(), domain.BackendConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "deepseek-chat"})
	out, err := c.Chat(context.Background(), testRequest(true))

	require.NoError(t, err)
	assert.Equal(t, `{"thought":"ok"}`, out)
	assert.Equal(t, "deepseek-chat", got["model"])
	assert.Equal(t, map[string]interface{}{"type": "json_object"}, got["response_format"])
	assert.Equal(t, false, got["stream"])
	assert.Len(t, got["messages"], 2)
}

func TestOpenAIClient_PlainModeOmitsResponseFormat(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"plain"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(testLogger(), domain.BackendConfig{BaseURL: srv.URL})
	_, err := c.Chat(context.Background(), testRequest(false))

	require.NoError(t, err)
	assert.NotContains(t, got, "response_format")
}

func TestOpenAIClient_EmptyReply(t *testing.T) {
	for name, body := range map[string]string{
		"blank content": `{"choices":[{"message":{"content":"   "}}]}`,
		"no choices":    `{"choices":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := NewOpenAIClient(testLogger(), domain.BackendConfig{BaseURL: srv.URL}).Chat(context.Background(), testRequest(true))
			assert.ErrorIs(t, err, domain.ErrEmptyResponse)
		})
	}
}

func TestOpenAIClient_RetriesRateLimits(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"second time lucky"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(testLogger(), domain.BackendConfig{BaseURL: srv.URL})
	c.backoff = time.Millisecond

	out, err := c.Chat(context.Background(), testRequest(true))

	require.NoError(t, err)
	assert.Equal(t, "second time lucky", out)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOpenAIClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClient(testLogger(), domain.BackendConfig{BaseURL: srv.URL})
	c.backoff = time.Millisecond

	_, err := c.Chat(context.Background(), testRequest(true))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, "bad key", se.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIClient_GivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewOpenAIClient(testLogger(), domain.BackendConfig{BaseURL: srv.URL})
	c.backoff = time.Millisecond

	_, err := c.Chat(context.Background(), testRequest(true))

	assert.ErrorContains(t, err, "max retries exceeded")
	assert.Equal(t, int32(maxRetries+1), atomic.LoadInt32(&calls))
}

func TestOllamaClient_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewOllamaClient(testLogger(), domain.BackendConfig{BaseURL: url}).Chat(context.Background(), testRequest(false))
	assert.ErrorIs(t, err, domain.ErrBackendNotConnected)
}

func TestOllamaClient_Chat(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{\"action\":{}}"},"done":true}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(testLogger(), domain.BackendConfig{BaseURL: srv.URL, Model: "llama3"})
	out, err := c.Chat(context.Background(), testRequest(true))

	require.NoError(t, err)
	assert.Equal(t, `{"action":{}}`, out)
	assert.Equal(t, "llama3", got.Model)
	assert.Equal(t, "json", got.Format)
	assert.False(t, got.Stream)
	assert.Equal(t, 256, got.Options.NumPredict)
	assert.InDelta(t, 0.3, got.Options.Temperature, 1e-9)
}

func TestOllamaClient_Defaults(t *testing.T) {
	c := NewOllamaClient(testLogger(), domain.BackendConfig{})
	assert.Equal(t, DefaultOllamaURL, c.baseURL)
	assert.Equal(t, defaultTimeout, c.client.Timeout)
	assert.Nil(t, c.limiter)

	limited := NewOllamaClient(testLogger(), domain.BackendConfig{RequestsPerMinute: 30})
	require.NotNil(t, limited.limiter)
	assert.InDelta(t, 0.5, float64(limited.limiter.Limit()), 1e-9)
}

func TestToGeminiContents(t *testing.T) {
	system, contents := toGeminiContents([]domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "rules"},
		{Role: domain.RoleUser, Content: "q1"},
		{Role: domain.RoleAssistant, Content: "a1"},
		{Role: domain.RoleSystem, Content: "more rules"},
		{Role: domain.RoleUser, Content: "q2"},
	})

	require.NotNil(t, system)
	assert.Equal(t, "rules\n\nmore rules", system.Parts[0].Text)
	require.Len(t, contents, 3)
	assert.Equal(t, string(genai.RoleUser), contents[0].Role)
	assert.Equal(t, string(genai.RoleModel), contents[1].Role)
	assert.Equal(t, "q2", contents[2].Parts[0].Text)

	none, _ := toGeminiContents([]domain.ChatMessage{{Role: domain.RoleUser, Content: "x"}})
	assert.Nil(t, none)
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), testLogger(), domain.BackendConfig{})
	assert.Error(t, err)
}

func TestOpenAIClient_NoRetryRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOpenAIClient(testLogger(), domain.BackendConfig{BaseURL: srv.URL})
	c.backoff = time.Millisecond
	req := testRequest(false)
	req.NoRetry = true

	_, err := c.Chat(context.Background(), req)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.NotContains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
