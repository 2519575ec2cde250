package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/ports"
)

// Use a private type for context keys to avoid collisions
type serviceContextKey string

const (
	ctxKeyConversationID serviceContextKey = "conversation_id"
)

// ContextWithConversation injects the ConversationID into the context so tools
// can attribute what they store.
func ContextWithConversation(ctx context.Context, id domain.ConversationID) context.Context {
	return context.WithValue(ctx, ctxKeyConversationID, id)
}

// ConversationFromContext retrieves the ConversationID from the context
func ConversationFromContext(ctx context.Context) (domain.ConversationID, bool) {
	id, ok := ctx.Value(ctxKeyConversationID).(domain.ConversationID)
	return id, ok && id != ""
}

const defaultFactLimit = 5

// ContextAssembler gathers the read-side context for the system prompt from
// long-term memory, the clock and the metacognition monitor. Every method
// degrades to an empty value when its source is missing or failing.
type ContextAssembler struct {
	logger   *slog.Logger
	memory   ports.MemoryStore
	monitor  *MetacognitionMonitor
	location *time.Location
	now      func() time.Time
}

// NewContextAssembler creates an assembler. memory and monitor may be nil.
func NewContextAssembler(logger *slog.Logger, memory ports.MemoryStore, monitor *MetacognitionMonitor, location *time.Location) *ContextAssembler {
	if location == nil {
		location = time.Local
	}
	return &ContextAssembler{
		logger:   logger,
		memory:   memory,
		monitor:  monitor,
		location: location,
		now:      time.Now,
	}
}

// ContextForPrompt renders facts relevant to message.
func (c *ContextAssembler) ContextForPrompt(ctx context.Context, message string) string {
	if c.memory == nil {
		return ""
	}
	facts, err := c.memory.SearchFacts(ctx, message, defaultFactLimit)
	if err != nil {
		c.logger.Warn("fact search failed", "error", err)
		return ""
	}
	if len(facts) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("LONG-TERM MEMORY (facts you know about the user):\n")
	for _, f := range facts {
		fmt.Fprintf(&sb, "- %s\n", f.Content)
	}
	return sb.String()
}

// TimeContext renders the current local time.
func (c *ContextAssembler) TimeContext() string {
	now := c.now().In(c.location)
	return fmt.Sprintf("CURRENT TIME: %s, %s (%s)", now.Weekday(), now.Format("2006-01-02 15:04"), now.Location())
}

// RelevantFailures returns stored lessons related to message.
func (c *ContextAssembler) RelevantFailures(ctx context.Context, message string, limit int) []domain.FailureRecord {
	if c.memory == nil || limit <= 0 {
		return nil
	}
	recs, err := c.memory.RelevantFailures(ctx, message, limit)
	if err != nil {
		c.logger.Warn("failure lookup failed", "error", err)
		return nil
	}
	return recs
}

// CognitiveContext returns the monitor's note about the previous run.
func (c *ContextAssembler) CognitiveContext(convID domain.ConversationID) string {
	if c.monitor == nil {
		return ""
	}
	return c.monitor.CognitiveContext(convID)
}
