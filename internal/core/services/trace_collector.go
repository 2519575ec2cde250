package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/ports"
)

const (
	maxTraces      = 500
	maxInputOutput = 2000 // runes kept of a span's input or output
	saveTimeout    = 10 * time.Second
)

// Span event types published on TraceTopic.
const (
	EventTypeTraceStart EventType = "trace_start"
	EventTypeTraceEnd   EventType = "trace_end"
	EventTypeSpanStart  EventType = "span_start"
	EventTypeSpanEnd    EventType = "span_end"
)

// traceEntry is one live trace and its spans in start order.
type traceEntry struct {
	trace domain.Trace
	spans []*domain.Span
}

// snapshot copies the entry so callers never share span memory with the
// collector.
func (e *traceEntry) snapshot() *domain.Trace {
	out := e.trace
	out.Spans = make([]domain.Span, 0, len(e.spans))
	for _, s := range e.spans {
		cp := *s
		cp.Children = slices.Clone(s.Children)
		out.Spans = append(out.Spans, cp)
	}
	return &out
}

func (e *traceEntry) summary() domain.TraceSummary {
	return domain.TraceSummary{
		ID:             e.trace.ID,
		Name:           e.trace.Name,
		ConversationID: e.trace.ConversationID,
		Status:         e.trace.Status,
		StartTime:      e.trace.StartTime,
		DurationMs:     e.trace.DurationMs,
		SpanCount:      e.trace.SpanCount,
	}
}

// TraceCollector records the span tree of each agent run. The most recent
// maxTraces runs stay in memory; finished ones are handed to the repository
// when one is configured. A nil collector is valid and records nothing.
type TraceCollector struct {
	logger   *slog.Logger
	eventBus *EventBus
	repo     ports.TraceRepository
	pending  sync.WaitGroup

	mu     sync.RWMutex
	recent *lru.Cache[domain.TraceID, *traceEntry]
	spans  map[domain.SpanID]*domain.Span
}

// NewTraceCollector builds a collector. eventBus and repo may be nil.
func NewTraceCollector(logger *slog.Logger, eventBus *EventBus, repo ports.TraceRepository) *TraceCollector {
	tc := &TraceCollector{
		logger:   logger,
		eventBus: eventBus,
		repo:     repo,
		spans:    make(map[domain.SpanID]*domain.Span),
	}
	// Eviction runs inside Add, under tc.mu.
	tc.recent, _ = lru.NewWithEvict(maxTraces, func(_ domain.TraceID, e *traceEntry) {
		for _, s := range e.spans {
			delete(tc.spans, s.ID)
		}
	})
	return tc
}

type traceCtxKey struct{}

type traceCtx struct {
	trace domain.TraceID
	span  domain.SpanID
}

// ContextWithTrace makes spanID the parent of spans started from ctx.
func ContextWithTrace(ctx context.Context, traceID domain.TraceID, spanID domain.SpanID) context.Context {
	return context.WithValue(ctx, traceCtxKey{}, traceCtx{trace: traceID, span: spanID})
}

// TraceFromContext returns the trace and innermost span carried by ctx.
func TraceFromContext(ctx context.Context) (domain.TraceID, domain.SpanID, bool) {
	tcx, ok := ctx.Value(traceCtxKey{}).(traceCtx)
	return tcx.trace, tcx.span, ok
}

// TraceTopic is the event bus topic carrying a trace's span events.
func TraceTopic(traceID domain.TraceID) string {
	return "trace:" + string(traceID)
}

// StartTrace opens a trace with its root span and returns a context
// parented on that span.
func (tc *TraceCollector) StartTrace(ctx context.Context, name string, attrs map[string]string) (context.Context, domain.TraceID, domain.SpanID) {
	if tc == nil {
		return ctx, "", ""
	}
	now := time.Now()
	traceID := domain.TraceID(uuid.NewString())
	root := &domain.Span{
		ID:         domain.SpanID(uuid.NewString()),
		TraceID:    traceID,
		Name:       name,
		Kind:       domain.SpanKindAgent,
		Status:     domain.SpanStatusRunning,
		Attributes: attrs,
		StartTime:  now,
	}
	entry := &traceEntry{
		trace: domain.Trace{
			ID:         traceID,
			RootSpanID: root.ID,
			Name:       name,
			Status:     domain.SpanStatusRunning,
			StartTime:  now,
			SpanCount:  1,
		},
		spans: []*domain.Span{root},
	}

	tc.mu.Lock()
	tc.recent.Add(traceID, entry)
	tc.spans[root.ID] = root
	tc.mu.Unlock()

	tc.publish(traceID, EventTypeTraceStart, map[string]any{"trace_id": traceID, "name": name})
	tc.logger.Debug("trace started", "trace_id", string(traceID), "name", name)
	return ContextWithTrace(ctx, traceID, root.ID), traceID, root.ID
}

// EndTrace closes the trace and its root span, then persists a snapshot in
// the background. Flush waits for those writes.
func (tc *TraceCollector) EndTrace(traceID domain.TraceID, status domain.SpanStatus, errMsg string) {
	if tc == nil {
		return
	}
	tc.mu.Lock()
	entry, ok := tc.recent.Peek(traceID)
	if !ok {
		tc.mu.Unlock()
		return
	}
	now := time.Now()
	entry.trace.Status = status
	entry.trace.EndTime = &now
	entry.trace.DurationMs = now.Sub(entry.trace.StartTime).Milliseconds()
	finishSpan(entry.spans[0], status, now, errMsg)

	var snap *domain.Trace
	if tc.repo != nil {
		snap = entry.snapshot()
	}
	duration := entry.trace.DurationMs
	tc.mu.Unlock()

	tc.publish(traceID, EventTypeTraceEnd, map[string]any{"trace_id": traceID, "status": status, "duration_ms": duration})
	if snap == nil {
		return
	}

	tc.pending.Add(1)
	go func() {
		defer tc.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := tc.repo.SaveTrace(ctx, snap); err != nil {
			tc.logger.Warn("trace not persisted", "trace_id", string(traceID), "error", err)
		}
	}()
}

// Flush blocks until background trace writes finish or ctx is done.
func (tc *TraceCollector) Flush(ctx context.Context) error {
	if tc == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		tc.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartSpan opens a child of the span carried by ctx. Without a trace in
// ctx it returns ctx unchanged and an empty id.
func (tc *TraceCollector) StartSpan(ctx context.Context, name string, kind domain.SpanKind, attrs map[string]string) (context.Context, domain.SpanID) {
	if tc == nil {
		return ctx, ""
	}
	traceID, parentID, ok := TraceFromContext(ctx)
	if !ok {
		return ctx, ""
	}
	span := &domain.Span{
		ID:         domain.SpanID(uuid.NewString()),
		ParentID:   parentID,
		TraceID:    traceID,
		Name:       name,
		Kind:       kind,
		Status:     domain.SpanStatusRunning,
		Attributes: attrs,
		StartTime:  time.Now(),
	}

	tc.mu.Lock()
	if entry, ok := tc.recent.Peek(traceID); ok {
		entry.spans = append(entry.spans, span)
		entry.trace.SpanCount++
		tc.spans[span.ID] = span
		if parent, ok := tc.spans[parentID]; ok {
			parent.Children = append(parent.Children, span.ID)
		}
	}
	tc.mu.Unlock()

	tc.publish(traceID, EventTypeSpanStart, map[string]any{"span_id": span.ID, "parent_id": parentID, "name": name, "kind": kind})
	return ContextWithTrace(ctx, traceID, span.ID), span.ID
}

// EndSpan records a span's outcome.
func (tc *TraceCollector) EndSpan(spanID domain.SpanID, status domain.SpanStatus, output string, errMsg string) {
	if tc == nil || spanID == "" {
		return
	}
	tc.mu.Lock()
	span, ok := tc.spans[spanID]
	if !ok {
		tc.mu.Unlock()
		return
	}
	finishSpan(span, status, time.Now(), errMsg)
	span.Output = truncate(output, maxInputOutput)
	traceID, data := span.TraceID, map[string]any{
		"span_id":     spanID,
		"name":        span.Name,
		"kind":        span.Kind,
		"status":      status,
		"duration_ms": span.DurationMs,
	}
	tc.mu.Unlock()

	tc.publish(traceID, EventTypeSpanEnd, data)
}

// SetSpanInput attaches the (truncated) input to a running span.
func (tc *TraceCollector) SetSpanInput(spanID domain.SpanID, input string) {
	tc.updateSpan(spanID, func(s *domain.Span) { s.Input = truncate(input, maxInputOutput) })
}

// SetSpanModel records which model served an LLM span.
func (tc *TraceCollector) SetSpanModel(spanID domain.SpanID, model string) {
	tc.updateSpan(spanID, func(s *domain.Span) { s.Model = model })
}

// SetTraceConversation tags the trace with the conversation it ran for.
func (tc *TraceCollector) SetTraceConversation(traceID domain.TraceID, convID domain.ConversationID) {
	if tc == nil {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if entry, ok := tc.recent.Peek(traceID); ok {
		entry.trace.ConversationID = string(convID)
	}
}

// ListTraces summarizes the in-memory traces, newest first. limit <= 0
// means all of them.
func (tc *TraceCollector) ListTraces(limit int) []domain.TraceSummary {
	if tc == nil {
		return nil
	}
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	ids := tc.recent.Keys() // oldest first
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	out := make([]domain.TraceSummary, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		if entry, ok := tc.recent.Peek(ids[i]); ok {
			out = append(out, entry.summary())
		}
	}
	return out
}

// GetTrace returns a copy of the trace with every span.
func (tc *TraceCollector) GetTrace(traceID domain.TraceID) (*domain.Trace, error) {
	if tc == nil {
		return nil, domain.ErrTraceNotFound
	}
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	entry, ok := tc.recent.Peek(traceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTraceNotFound, traceID)
	}
	return entry.snapshot(), nil
}

func (tc *TraceCollector) updateSpan(spanID domain.SpanID, fn func(*domain.Span)) {
	if tc == nil || spanID == "" {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if span, ok := tc.spans[spanID]; ok {
		fn(span)
	}
}

func finishSpan(s *domain.Span, status domain.SpanStatus, at time.Time, errMsg string) {
	s.Status = status
	s.EndTime = &at
	s.DurationMs = at.Sub(s.StartTime).Milliseconds()
	if errMsg != "" {
		s.Error = errMsg
	}
}

func (tc *TraceCollector) publish(traceID domain.TraceID, typ EventType, data map[string]any) {
	if tc.eventBus == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		tc.logger.Warn("trace event dropped", "type", string(typ), "error", err)
		return
	}
	tc.eventBus.Publish(Event{
		Topic:     TraceTopic(traceID),
		Type:      typ,
		Data:      string(payload),
		Timestamp: time.Now().UnixMilli(),
	})
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "...[truncated]"
}
