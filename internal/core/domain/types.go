package domain

import (
	"errors"
	"fmt"
)

// ChatMessage is one role-tagged turn sent to the backend.
type ChatMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// ChatRequest is what the loop asks of a chat backend.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
	JSONMode    bool          `json:"json_mode"` // structured output enforced
	NoRetry     bool          `json:"-"`         // one attempt only, even on 429/5xx
}

var (
	ErrToolNotFound        = errors.New("tool not found")
	ErrInvalidParams       = errors.New("invalid tool parameters")
	ErrEmptyResponse       = errors.New("empty response from backend")
	ErrBackendNotConnected = errors.New("backend not connected")
)

// ErrorKind classifies failures inside the loop.
type ErrorKind string

const (
	ErrorKindParse    ErrorKind = "parse"
	ErrorKindTool     ErrorKind = "tool"
	ErrorKindBackend  ErrorKind = "backend"
	ErrorKindInternal ErrorKind = "internal"
)

// AgentError tags an error with the loop stage it came from.
type AgentError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// NewAgentError wraps err with a kind and operation name.
func NewAgentError(kind ErrorKind, op string, err error) *AgentError {
	return &AgentError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the ErrorKind of err, or ErrorKindInternal when err is untagged.
func KindOf(err error) ErrorKind {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrorKindInternal
}
