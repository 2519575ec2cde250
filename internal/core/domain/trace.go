package domain

import (
	"errors"
	"time"
)

// ErrTraceNotFound is returned for trace IDs that are unknown or were evicted.
var ErrTraceNotFound = errors.New("trace not found")

// TraceID uniquely identifies a trace (one per agent run).
type TraceID string

// SpanID uniquely identifies a span within a trace.
type SpanID string

// SpanKind classifies the type of operation a span represents.
type SpanKind string

const (
	SpanKindAgent      SpanKind = "agent"      // the whole run
	SpanKindLLM        SpanKind = "llm"        // structured iteration call
	SpanKindTool       SpanKind = "tool"       // tool dispatch
	SpanKindReflection SpanKind = "reflection" // self-reflection call
	SpanKindFallback   SpanKind = "fallback"   // forced plain-text answer
)

// SpanStatus indicates completion state of a span.
type SpanStatus string

const (
	SpanStatusRunning SpanStatus = "running"
	SpanStatusOK      SpanStatus = "ok"
	SpanStatusError   SpanStatus = "error"
)

// Span represents a single unit of work within a trace.
type Span struct {
	ID         SpanID            `json:"id"`
	ParentID   SpanID            `json:"parent_id,omitempty"` // empty = root
	TraceID    TraceID           `json:"trace_id"`
	Name       string            `json:"name"`
	Kind       SpanKind          `json:"kind"`
	Status     SpanStatus        `json:"status"`
	Input      string            `json:"input,omitempty"`  // truncated input
	Output     string            `json:"output,omitempty"` // truncated output
	Error      string            `json:"error,omitempty"`
	Model      string            `json:"model,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
	DurationMs int64             `json:"duration_ms,omitempty"`
	Children   []SpanID          `json:"children,omitempty"`
}

// Trace groups all spans of a single run.
type Trace struct {
	ID             TraceID    `json:"id"`
	RootSpanID     SpanID     `json:"root_span_id"`
	Name           string     `json:"name"`
	Status         SpanStatus `json:"status"`
	ConversationID string     `json:"conversation_id,omitempty"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	DurationMs     int64      `json:"duration_ms,omitempty"`
	SpanCount      int        `json:"span_count"`
	Spans          []Span     `json:"spans,omitempty"` // populated only on detail view
}

// TraceSummary is a lightweight view for listing traces.
type TraceSummary struct {
	ID             TraceID    `json:"id"`
	Name           string     `json:"name"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Status         SpanStatus `json:"status"`
	StartTime      time.Time  `json:"start_time"`
	DurationMs     int64      `json:"duration_ms"`
	SpanCount      int        `json:"span_count"`
}
