package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/manthysbr/auleagent/internal/adapters/llm"
	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/ports"
)

// Build creates the chat backend named by cfg.Provider.
// It hides local/remote provider selection from callers.
func Build(ctx context.Context, logger *slog.Logger, cfg domain.BackendConfig) (ports.ChatBackend, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Model = strings.TrimSpace(cfg.Model)

	switch provider {
	case "ollama", "local":
		if host := strings.TrimSpace(os.Getenv("OLLAMA_HOST")); host != "" {
			cfg.BaseURL = host
		}
		cfg.BaseURL = normalizeOllamaBaseURL(cfg.BaseURL)
		return llm.NewOllamaClient(logger, cfg), nil
	case "", "openai", "remote":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("backend base_url is required for provider %q", "openai")
		}
		return llm.NewOpenAIClient(logger, cfg), nil
	case "gemini":
		return llm.NewGeminiClient(ctx, logger, cfg)
	default:
		return nil, fmt.Errorf("unsupported backend provider: %s", cfg.Provider)
	}
}

func normalizeOllamaBaseURL(baseURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(trimmed, "/v1") {
		return strings.TrimSuffix(trimmed, "/v1")
	}
	return trimmed
}
