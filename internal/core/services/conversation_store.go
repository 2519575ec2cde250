package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/ports"
)

// ConversationStore fronts the repository with an LRU of per-conversation
// message lists. Writes go to the repository first.
type ConversationStore struct {
	mu   sync.Mutex
	repo ports.Repository

	// conversationID -> full message list, oldest first
	cache *lru.Cache[domain.ConversationID, []domain.Message]
}

// NewConversationStore creates a new store with the given cache capacity.
func NewConversationStore(repo ports.Repository, maxCache int) (*ConversationStore, error) {
	if maxCache <= 0 {
		maxCache = 64
	}
	cache, err := lru.New[domain.ConversationID, []domain.Message](maxCache)
	if err != nil {
		return nil, fmt.Errorf("conversation cache: %w", err)
	}
	return &ConversationStore{repo: repo, cache: cache}, nil
}

// CreateConversation initializes a new conversation.
func (s *ConversationStore) CreateConversation(ctx context.Context, title string) (domain.Conversation, error) {
	now := time.Now()
	conv := domain.Conversation{
		ID:        domain.NewConversationID(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return domain.Conversation{}, err
	}

	s.mu.Lock()
	s.cache.Add(conv.ID, nil)
	s.mu.Unlock()

	return conv, nil
}

// GetConversation returns conversation metadata.
func (s *ConversationStore) GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	return s.repo.GetConversation(ctx, id)
}

// ListConversations returns all conversations, most recently updated first.
func (s *ConversationStore) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	return s.repo.ListConversations(ctx)
}

// AddMessage persists a message and updates the in-memory cache.
func (s *ConversationStore) AddMessage(ctx context.Context, msg domain.Message) error {
	if err := s.repo.AddMessage(ctx, msg); err != nil {
		return err
	}

	// Uncached conversations are loaded on the next read.
	s.mu.Lock()
	if msgs, ok := s.cache.Get(msg.ConversationID); ok {
		s.cache.Add(msg.ConversationID, append(msgs[:len(msgs):len(msgs)], msg))
	}
	s.mu.Unlock()

	return nil
}

// GetMessages returns the last limit messages of a conversation, oldest
// first. limit <= 0 means all of them. A cache miss loads the full history
// so later reads stay in memory.
func (s *ConversationStore) GetMessages(ctx context.Context, convID domain.ConversationID, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	msgs, ok := s.cache.Get(convID)
	s.mu.Unlock()

	if !ok {
		all, err := s.repo.ListMessages(ctx, convID, 0)
		if err != nil {
			return nil, fmt.Errorf("load messages of %s: %w", convID, err)
		}
		s.mu.Lock()
		s.cache.Add(convID, all)
		s.mu.Unlock()
		msgs = all
	}
	return lastMessages(msgs, limit), nil
}

// lastMessages copies the tail so callers can't alias cached slices.
func lastMessages(msgs []domain.Message, n int) []domain.Message {
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return slices.Clone(msgs)
}

// History returns the last maxMessages turns as backend messages.
func (s *ConversationStore) History(ctx context.Context, convID domain.ConversationID, maxMessages int) ([]domain.ChatMessage, error) {
	msgs, err := s.GetMessages(ctx, convID, maxMessages)
	if err != nil {
		return nil, err
	}
	history := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			continue
		}
		history = append(history, m.ChatMessage())
	}
	return history, nil
}
