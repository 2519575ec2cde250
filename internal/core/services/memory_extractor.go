package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/ports"
)

const maxExtractedFacts = 5

// MemoryExtractor distills durable facts from a finished exchange and stores
// them in long-term memory. It runs after the answer has been returned.
type MemoryExtractor struct {
	logger  *slog.Logger
	backend ports.ChatBackend
	model   string
	memory  ports.MemoryStore
}

// NewMemoryExtractor creates an extractor writing to memory.
func NewMemoryExtractor(logger *slog.Logger, backend ports.ChatBackend, model string, memory ports.MemoryStore) *MemoryExtractor {
	return &MemoryExtractor{logger: logger, backend: backend, model: model, memory: memory}
}

// ExtractAndStore asks the backend for facts worth keeping from one exchange
// and persists them. It returns the stored facts.
func (e *MemoryExtractor) ExtractAndStore(ctx context.Context, convID domain.ConversationID, userMessage, answer string) ([]domain.Fact, error) {
	raw, err := e.backend.Chat(ctx, domain.ChatRequest{
		Model: e.model,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: extractionSystemPrompt},
			{Role: domain.RoleUser, Content: fmt.Sprintf("USER: %s\n\nASSISTANT: %s", truncate(userMessage, 2000), truncate(answer, 2000))},
		},
		Temperature: 0.1,
		MaxTokens:   512,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}

	obj, _, ok := decodeObject(raw)
	if !ok {
		return nil, fmt.Errorf("extract facts: undecodable response")
	}
	list, _ := obj["facts"].([]interface{})

	now := time.Now()
	facts := make([]domain.Fact, 0, len(list))
	for _, item := range list {
		content := strings.TrimSpace(asText(item))
		if content == "" || strings.EqualFold(content, "null") {
			continue
		}
		facts = append(facts, domain.Fact{
			ID:             uuid.New().String(),
			Content:        content,
			ConversationID: convID,
			Source:         "extraction",
			CreatedAt:      now,
		})
		if len(facts) == maxExtractedFacts {
			break
		}
	}
	if len(facts) == 0 {
		return nil, nil
	}

	if err := e.memory.Persist(ctx, facts); err != nil {
		return nil, fmt.Errorf("persist facts: %w", err)
	}
	e.logger.Debug("facts extracted", "conversation_id", string(convID), "count", len(facts))
	return facts, nil
}

const extractionSystemPrompt = `Extract durable facts about the user from the exchange: preferences, personal details, ongoing projects, decisions.
Ignore small talk and anything only relevant to this one request.
Respond with JSON: {"facts": ["short fact", ...]}. Use an empty list when there is nothing worth keeping.`
