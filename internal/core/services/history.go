package services

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

// TokenCounter estimates the prompt tokens of a text.
type TokenCounter func(text string) int

// NewTiktokenCounter counts tokens with a BPE encoding such as "cl100k_base".
// Loading the encoding may need network access on first use.
func NewTiktokenCounter(encoding string) (TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}, nil
}

// ApproxTokenCounter is the offline estimate of roughly four characters per token.
func ApproxTokenCounter(text string) int {
	return utf8.RuneCountInString(text)/4 + 1
}

// HistoryTrimmer bounds the conversation history sent with each run, first by
// message count and then by token budget, dropping the oldest turns.
type HistoryTrimmer struct {
	MaxMessages int
	MaxTokens   int
	Count       TokenCounter
}

// Trim returns the tail of history that fits. The newest message is always
// kept. The input is not modified.
func (t HistoryTrimmer) Trim(history []domain.ChatMessage) []domain.ChatMessage {
	if len(history) == 0 {
		return nil
	}
	start := 0
	if t.MaxMessages > 0 && len(history) > t.MaxMessages {
		start = len(history) - t.MaxMessages
	}

	if t.MaxTokens > 0 {
		count := t.Count
		if count == nil {
			count = ApproxTokenCounter
		}
		total := 0
		cut := len(history) - 1
		for i := len(history) - 1; i >= start; i-- {
			total += count(history[i].Content)
			if total > t.MaxTokens && i < len(history)-1 {
				break
			}
			cut = i
		}
		start = cut
	}

	out := make([]domain.ChatMessage, len(history)-start)
	copy(out, history[start:])
	return out
}
