package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

// DefaultOllamaURL is where a local Ollama listens by default.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient implements ports.ChatBackend for a local Ollama instance
// through its native /api/chat endpoint.
type OllamaClient struct {
	httpTransport
	baseURL string
	model   string
}

// NewOllamaClient creates a client. An empty base URL means DefaultOllamaURL.
func NewOllamaClient(logger *slog.Logger, cfg domain.BackendConfig) *OllamaClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	model := cfg.Model
	if model == "" {
		model = "qwen2.5:latest"
	}
	return &OllamaClient{
		httpTransport: newHTTPTransport(logger, cfg),
		baseURL:       baseURL,
		model:         model,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type chatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Chat implements ports.ChatBackend.
func (p *OllamaClient) Chat(ctx context.Context, req domain.ChatRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := chatRequest{
		Model:    model,
		Messages: make([]ollamaMessage, 0, len(req.Messages)),
		Stream:   false,
		Options:  ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	if req.JSONMode {
		body.Format = "json"
	}

	var resp chatResponse
	if err := p.postJSON(ctx, p.baseURL+"/api/chat", nil, body, &resp, !req.NoRetry); err != nil {
		return "", err
	}
	return finish(resp.Message.Content)
}
