package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

var (
	// ErrConversationBusy is returned when a conversation already has a run in flight.
	ErrConversationBusy = errors.New("conversation already has a run in progress")
	ErrEmptyMessage     = errors.New("message cannot be empty")
)

const extractionTimeout = 60 * time.Second

// AgentService is the conversation-level entry point: it serializes runs per
// conversation, persists both sides of the exchange and schedules background
// fact extraction.
type AgentService struct {
	logger    *slog.Logger
	agent     *ReActAgentService
	convs     *ConversationStore
	extractor *MemoryExtractor // nil disables extraction
	historyN  int

	mu    sync.Mutex
	gates map[domain.ConversationID]*semaphore.Weighted
	bg    sync.WaitGroup
}

// NewAgentService wires the loop to conversation storage.
func NewAgentService(logger *slog.Logger, agent *ReActAgentService, convs *ConversationStore, extractor *MemoryExtractor, historyMessages int) *AgentService {
	return &AgentService{
		logger:    logger,
		agent:     agent,
		convs:     convs,
		extractor: extractor,
		historyN:  historyMessages,
		gates:     make(map[domain.ConversationID]*semaphore.Weighted),
	}
}

// Chat processes a user message within a conversation. If convID is empty, it
// creates a new conversation automatically. The only errors are storage
// errors and ErrConversationBusy; the run itself always yields an answer.
func (s *AgentService) Chat(ctx context.Context, convID domain.ConversationID, message string) (*domain.AgentResponse, domain.ConversationID, error) {
	if strings.TrimSpace(message) == "" {
		return nil, convID, ErrEmptyMessage
	}

	if convID == "" {
		conv, err := s.convs.CreateConversation(ctx, conversationTitle(message))
		if err != nil {
			return nil, "", fmt.Errorf("create conversation: %w", err)
		}
		convID = conv.ID
		s.logger.Info("auto-created conversation", "conversation_id", string(convID))
	} else if _, err := s.convs.GetConversation(ctx, convID); err != nil {
		return nil, convID, fmt.Errorf("load conversation: %w", err)
	}

	release, ok := s.acquire(convID)
	if !ok {
		return nil, convID, ErrConversationBusy
	}
	defer release()

	history, err := s.convs.History(ctx, convID, s.historyN)
	if err != nil {
		return nil, convID, fmt.Errorf("load history: %w", err)
	}

	userMsg := domain.Message{
		ID:             domain.NewMessageID(),
		ConversationID: convID,
		Role:           domain.RoleUser,
		Content:        message,
		CreatedAt:      time.Now(),
	}
	if err := s.convs.AddMessage(ctx, userMsg); err != nil {
		return nil, convID, fmt.Errorf("persist user message: %w", err)
	}

	resp := s.agent.Run(ctx, domain.RunRequest{
		ConversationID: convID,
		Message:        message,
		History:        history,
	})

	// The answer is kept even when the caller has gone away.
	assistantMsg := domain.Message{
		ID:             domain.NewMessageID(),
		ConversationID: convID,
		Role:           domain.RoleAssistant,
		Content:        resp.Response,
		Steps:          resp.Steps,
		CreatedAt:      time.Now(),
	}
	if err := s.convs.AddMessage(context.WithoutCancel(ctx), assistantMsg); err != nil {
		s.logger.Error("failed to persist assistant message", "error", err)
	}

	if resp.Termination == domain.TerminationAnswer || resp.Termination == domain.TerminationAskUser {
		s.scheduleExtraction(convID, message, resp.Response)
	}
	return resp, convID, nil
}

// Conversations exposes the underlying store for read endpoints.
func (s *AgentService) Conversations() *ConversationStore {
	return s.convs
}

// Wait blocks until background work finishes or ctx is done.
func (s *AgentService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AgentService) scheduleExtraction(convID domain.ConversationID, message, answer string) {
	if s.extractor == nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("fact extraction panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), extractionTimeout)
		defer cancel()
		if _, err := s.extractor.ExtractAndStore(ctx, convID, message, answer); err != nil {
			s.logger.Warn("fact extraction failed", "conversation_id", string(convID), "error", err)
		}
	}()
}

// acquire takes the conversation's single run slot without waiting.
func (s *AgentService) acquire(id domain.ConversationID) (func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate, ok := s.gates[id]
	if !ok {
		gate = semaphore.NewWeighted(1)
		s.gates[id] = gate
	}
	if !gate.TryAcquire(1) {
		return nil, false
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		gate.Release(1)
		delete(s.gates, id)
	}, true
}

func conversationTitle(message string) string {
	title := strings.TrimSpace(message)
	if r := []rune(title); len(r) > 50 {
		title = string(r[:50]) + "..."
	}
	return title
}
