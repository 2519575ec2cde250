package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

// OpenAIClient talks to any OpenAI-compatible chat completions API:
// OpenAI, DeepSeek, Together AI, vLLM, Ollama's /v1, etc.
type OpenAIClient struct {
	httpTransport
	baseURL string
	apiKey  string
	model   string
}

// NewOpenAIClient creates a client for baseURL (including the /v1 suffix).
func NewOpenAIClient(logger *slog.Logger, cfg domain.BackendConfig) *OpenAIClient {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIClient{
		httpTransport: newHTTPTransport(logger, cfg),
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		model:         model,
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    float64               `json:"temperature"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Stream         bool                  `json:"stream"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat implements ports.ChatBackend.
func (c *OpenAIClient) Chat(ctx context.Context, req domain.ChatRequest) (string, error) {
	payload := openAIRequest{
		Model:       c.modelFor(req),
		Messages:    make([]openAIMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	if req.JSONMode {
		payload.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	var resp openAIResponse
	if err := c.postJSON(ctx, c.baseURL+"/chat/completions", headers, payload, &resp, !req.NoRetry); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("backend error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response: %w", domain.ErrEmptyResponse)
	}
	return finish(resp.Choices[0].Message.Content)
}

func (c *OpenAIClient) modelFor(req domain.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return c.model
}
