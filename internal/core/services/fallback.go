package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/ports"
)

// FallbackApology is returned when even the fallback call fails.
const FallbackApology = "Sorry, I ran into difficulties processing your request. Please try rephrasing it."

const forceFinalInstruction = "STOP. The iteration limit has been reached. Give your FINAL answer to the user's request now, " +
	"using everything learned so far. Plain text only, NOT JSON."

// FallbackFinalizer makes the last-resort unstructured call used when the loop
// gives up.
type FallbackFinalizer struct {
	logger      *slog.Logger
	backend     ports.ChatBackend
	model       string
	temperature float64
	maxTokens   int
	tracer      *TraceCollector
}

// NewFallbackFinalizer creates a finalizer using the given backend settings.
func NewFallbackFinalizer(logger *slog.Logger, backend ports.ChatBackend, model string, cfg domain.AgentConfig, tracer *TraceCollector) *FallbackFinalizer {
	return &FallbackFinalizer{
		logger:      logger,
		backend:     backend,
		model:       model,
		temperature: cfg.FallbackTemperature,
		maxTokens:   cfg.MaxTokens,
		tracer:      tracer,
	}
}

// Finalize asks for a plain-text answer on top of the accumulated messages.
// It always returns text: the backend reply verbatim, or FallbackApology.
// messages is not modified.
func (f *FallbackFinalizer) Finalize(ctx context.Context, reason string, messages []domain.ChatMessage) (answer string) {
	spanCtx, spanID := f.tracer.StartSpan(ctx, "fallback", domain.SpanKindFallback, map[string]string{"reason": reason})
	f.tracer.SetSpanModel(spanID, f.model)

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("fallback panicked", "panic", r)
			f.tracer.EndSpan(spanID, domain.SpanStatusError, "", fmt.Sprint(r))
			answer = FallbackApology
		}
	}()

	final := make([]domain.ChatMessage, 0, len(messages)+1)
	final = append(final, messages...)
	final = append(final, domain.ChatMessage{Role: domain.RoleUser, Content: forceFinalInstruction})

	text, err := f.backend.Chat(spanCtx, domain.ChatRequest{
		Model:       f.model,
		Messages:    final,
		Temperature: f.temperature,
		MaxTokens:   f.maxTokens,
		NoRetry:     true,
	})
	if err == nil && strings.TrimSpace(text) == "" {
		err = domain.ErrEmptyResponse
	}
	if err != nil {
		f.logger.Error("fallback call failed", "reason", reason, "error", err)
		f.tracer.EndSpan(spanID, domain.SpanStatusError, "", err.Error())
		return FallbackApology
	}

	f.logger.Info("fallback answer produced", "reason", reason)
	f.tracer.EndSpan(spanID, domain.SpanStatusOK, text, "")
	return text
}
