package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/ports"
)

const (
	// reflectionRewriteBelow is the quality under which a supplied rewrite wins.
	reflectionRewriteBelow = 0.6
	// defaultReflectionQuality is assumed when the reviewer omits a score.
	defaultReflectionQuality = 0.8
)

// Reflection is the outcome of one review of a final answer.
type Reflection struct {
	Answer    string
	Quality   float64
	Rewritten bool
	// Note is a short line for the step log; empty when the review failed.
	Note string
}

// ReflectionEngine asks the backend to grade a final answer and maybe rewrite it.
type ReflectionEngine struct {
	logger      *slog.Logger
	backend     ports.ChatBackend
	model       string
	temperature float64
	maxTokens   int
	tracer      *TraceCollector
}

// NewReflectionEngine creates an engine using the given backend call settings.
func NewReflectionEngine(logger *slog.Logger, backend ports.ChatBackend, model string, cfg domain.AgentConfig, tracer *TraceCollector) *ReflectionEngine {
	return &ReflectionEngine{
		logger:      logger,
		backend:     backend,
		model:       model,
		temperature: cfg.ReflectionTemperature,
		maxTokens:   cfg.MaxTokens,
		tracer:      tracer,
	}
}

// Reflect reviews answer against the original query. On any failure the
// original answer comes back unchanged.
func (r *ReflectionEngine) Reflect(ctx context.Context, query, answer string, stepCount int) (out Reflection) {
	out = Reflection{Answer: answer, Quality: defaultReflectionQuality}

	spanCtx, spanID := r.tracer.StartSpan(ctx, "reflection", domain.SpanKindReflection, map[string]string{
		"steps": fmt.Sprintf("%d", stepCount),
	})
	r.tracer.SetSpanModel(spanID, r.model)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("reflection panicked", "panic", rec)
			r.tracer.EndSpan(spanID, domain.SpanStatusError, "", fmt.Sprint(rec))
			out = Reflection{Answer: answer, Quality: defaultReflectionQuality}
		}
	}()

	raw, err := r.backend.Chat(spanCtx, domain.ChatRequest{
		Model: r.model,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: reflectionSystemPrompt},
			{Role: domain.RoleUser, Content: reflectionPrompt(query, answer, stepCount)},
		},
		Temperature: r.temperature,
		MaxTokens:   r.maxTokens,
		JSONMode:    true,
	})
	if err != nil {
		r.logger.Warn("reflection call failed, keeping answer", "error", err)
		r.tracer.EndSpan(spanID, domain.SpanStatusError, "", err.Error())
		return out
	}

	obj, _, ok := decodeObject(raw)
	if !ok {
		r.logger.Warn("reflection response not decodable, keeping answer")
		r.tracer.EndSpan(spanID, domain.SpanStatusError, raw, "undecodable reflection")
		return out
	}

	out.Quality = domain.ClampConfidence(coerceFloat(obj["quality"], defaultReflectionQuality))
	improved := rememberField(obj["improved_answer"])
	if out.Quality < reflectionRewriteBelow && improved != "" {
		out.Answer = CleanAnswer(improved)
		out.Rewritten = true
	}

	out.Note = fmt.Sprintf("quality %.2f", out.Quality)
	if out.Rewritten {
		out.Note += ", answer rewritten"
	}
	if issues := strings.TrimSpace(asText(obj["issues"])); issues != "" {
		out.Note += ": " + truncate(issues, 200)
	}

	r.logger.Info("reflection done", "quality", out.Quality, "rewritten", out.Rewritten)
	r.tracer.EndSpan(spanID, domain.SpanStatusOK, out.Note, "")
	return out
}

const reflectionSystemPrompt = `You review answers written by an assistant. Be strict but fair.
Respond with a JSON object only.`

func reflectionPrompt(query, answer string, stepCount int) string {
	return fmt.Sprintf(`Rate how well the answer serves the user's request.

REQUEST:
%s

ANSWER (produced after %d reasoning steps):
%s

Return JSON:
{"quality": <number 0..1>, "issues": "<short list of problems or empty>", "improved_answer": "<a better answer, or null if the answer is good>"}`,
		truncate(query, 2000), stepCount, truncate(answer, 4000))
}
