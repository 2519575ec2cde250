package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseActionKind(t *testing.T) {
	tests := map[string]ActionKind{
		"":             ActionFinalAnswer,
		"final_answer": ActionFinalAnswer,
		"tool_call":    ActionToolCall,
		"ask_user":     ActionAskUser,
		"plan":         ActionPlan,
		"think":        ActionUnknown,
		"dance":        ActionUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseActionKind(in), "input %q", in)
	}

	assert.True(t, ActionFinalAnswer.IsTerminal())
	assert.True(t, ActionAskUser.IsTerminal())
	assert.False(t, ActionPlan.IsTerminal())
	assert.False(t, ActionToolCall.IsTerminal())
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(-3))
	assert.Equal(t, 1.0, ClampConfidence(7))
	assert.Equal(t, 0.42, ClampConfidence(0.42))
	assert.Equal(t, DefaultConfidence, ClampConfidence(math.NaN()))
}

func TestNewAction_Invariants(t *testing.T) {
	call := NewAction(Action{Kind: ActionToolCall, Tool: "x", Confidence: 2})
	assert.NotNil(t, call.Params)
	assert.Equal(t, 1.0, call.Confidence)

	answer := NewAction(Action{Kind: ActionFinalAnswer, Tool: "x", Params: map[string]interface{}{"a": 1}, Answer: "hi"})
	assert.Empty(t, answer.Tool)
	assert.Nil(t, answer.Params)
	assert.Equal(t, "hi", answer.Answer)

	assert.True(t, Action{Remember: "likes tea"}.HasFact())
	assert.False(t, Action{}.HasFact())
}

func TestKindOf(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := fmt.Errorf("iteration 2: %w", NewAgentError(ErrorKindBackend, "chat", base))

	assert.Equal(t, ErrorKindBackend, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, ErrorKindInternal, KindOf(base))
	assert.Equal(t, "chat (backend): connection refused", NewAgentError(ErrorKindBackend, "chat", base).Error())
}

func TestWorkingMemory_Bounds(t *testing.T) {
	w := &WorkingMemory{}
	w.SetGoal("plan a trip")
	for i := 0; i < maxWorkingNotes+5; i++ {
		w.AddNote(fmt.Sprintf("note %d", i))
	}
	for i := 0; i < maxWorkingToolNotes+3; i++ {
		w.AddToolResult("search", strings.Repeat("x", maxWorkingNoteLength+50), i%2 == 0)
	}

	assert.Len(t, w.Notes, maxWorkingNotes)
	assert.Equal(t, "note 5", w.Notes[0])
	assert.Len(t, w.ToolResults, maxWorkingToolNotes)
	assert.Len(t, []rune(w.ToolResults[0].Result), maxWorkingNoteLength+3)

	summary := w.ContextSummary()
	assert.True(t, strings.HasPrefix(summary, "WORKING MEMORY:\nGoal: plan a trip\n"))
	assert.Contains(t, summary, "[search failed]")
	assert.Contains(t, summary, "[search ok]")

	assert.Empty(t, (&WorkingMemory{}).ContextSummary())
}
