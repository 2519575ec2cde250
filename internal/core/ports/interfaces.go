package ports

import (
	"context"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

// ChatBackend abstracts the language-model service.
type ChatBackend interface {
	// Chat sends the role-tagged messages and returns the generated text.
	// Deadlines and retries are the backend's business.
	Chat(ctx context.Context, req domain.ChatRequest) (string, error)
}

// ContextProvider supplies the read-side context the loop puts in the system prompt.
type ContextProvider interface {
	ContextForPrompt(ctx context.Context, message string) string
	TimeContext() string
	RelevantFailures(ctx context.Context, message string, limit int) []domain.FailureRecord
	CognitiveContext(convID domain.ConversationID) string
}

// MemoryStore abstracts long-term memory persistence (DuckDB).
type MemoryStore interface {
	// StoreFact saves a single fact the agent asked to remember.
	StoreFact(ctx context.Context, fact domain.Fact) error

	// SearchFacts returns facts relevant to the query, most relevant first.
	SearchFacts(ctx context.Context, query string, limit int) ([]domain.Fact, error)

	// Persist saves a batch of facts (background extraction).
	Persist(ctx context.Context, facts []domain.Fact) error

	// StoreFailure records a failure lesson.
	StoreFailure(ctx context.Context, rec domain.FailureRecord) error

	// RelevantFailures returns failure lessons related to the query.
	RelevantFailures(ctx context.Context, query string, limit int) ([]domain.FailureRecord, error)
}

// Repository abstracts conversation persistence.
type Repository interface {
	// Conversations
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error)
	ListConversations(ctx context.Context) ([]domain.Conversation, error)

	// Messages
	AddMessage(ctx context.Context, msg domain.Message) error
	ListMessages(ctx context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error)
}

// TraceRepository persists completed traces.
type TraceRepository interface {
	SaveTrace(ctx context.Context, trace *domain.Trace) error
}
