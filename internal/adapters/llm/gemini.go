package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

// GeminiClient implements ports.ChatBackend on the Gemini API.
type GeminiClient struct {
	logger  *slog.Logger
	client  *genai.Client
	model   string
	limiter *rate.Limiter
}

// NewGeminiClient creates a Gemini client. BaseURL overrides the API endpoint.
func NewGeminiClient(ctx context.Context, logger *slog.Logger, cfg domain.BackendConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{
		logger:  logger,
		client:  client,
		model:   model,
		limiter: newLimiter(cfg.RequestsPerMinute),
	}, nil
}

// Chat implements ports.ChatBackend.
func (g *GeminiClient) Chat(ctx context.Context, req domain.ChatRequest) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}
	model := req.Model
	if model == "" {
		model = g.model
	}

	system, contents := toGeminiContents(req.Messages)
	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSONMode {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	return finish(resp.Text())
}

// toGeminiContents splits system turns into one system instruction and maps
// the rest onto Gemini's user/model roles.
func toGeminiContents(msgs []domain.ChatMessage) (*genai.Content, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)
		case domain.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) == 0 {
		return nil, contents
	}
	return genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser), contents
}
