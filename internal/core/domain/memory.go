package domain

import (
	"fmt"
	"strings"
	"time"
)

// Fact is a long-term memory entry.
type Fact struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	ConversationID ConversationID `json:"conversation_id,omitempty"`
	Source         string         `json:"source"` // "agent", "extraction", "tool"
	CreatedAt      time.Time      `json:"created_at"`
}

// Severity grades a recorded failure.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// FailureRecord is a runtime error kept as a lesson for future prompts.
type FailureRecord struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Context        string         `json:"context"`
	Correction     string         `json:"correction,omitempty"`
	Severity       Severity       `json:"severity"`
	Tags           []string       `json:"tags,omitempty"`
	ConversationID ConversationID `json:"conversation_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ToolNote is a tool outcome remembered in working memory.
type ToolNote struct {
	Tool    string `json:"tool"`
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

// WorkingMemory is the per-conversation scratchpad a run mutates in place.
// It has no locking: one run per conversation at a time.
type WorkingMemory struct {
	ConversationID ConversationID
	Goal           string
	Iteration      int
	Notes          []string
	ToolResults    []ToolNote
	UpdatedAt      time.Time
}

const (
	maxWorkingNotes      = 20
	maxWorkingToolNotes  = 10
	maxWorkingNoteLength = 300
)

// SetGoal starts a new run on this scratchpad.
func (w *WorkingMemory) SetGoal(goal string) {
	w.Goal = goal
	w.Iteration = 0
	w.UpdatedAt = time.Now()
}

// AddNote appends a free-form note, keeping only the most recent ones.
func (w *WorkingMemory) AddNote(note string) {
	w.Notes = appendBounded(w.Notes, clip(note, maxWorkingNoteLength), maxWorkingNotes)
	w.UpdatedAt = time.Now()
}

// AddToolResult records a tool outcome, keeping only the most recent ones.
func (w *WorkingMemory) AddToolResult(tool, result string, success bool) {
	w.ToolResults = append(w.ToolResults, ToolNote{Tool: tool, Result: clip(result, maxWorkingNoteLength), Success: success})
	if len(w.ToolResults) > maxWorkingToolNotes {
		w.ToolResults = w.ToolResults[len(w.ToolResults)-maxWorkingToolNotes:]
	}
	w.UpdatedAt = time.Now()
}

// ContextSummary renders the scratchpad for the system prompt.
func (w *WorkingMemory) ContextSummary() string {
	if w.Goal == "" && len(w.Notes) == 0 && len(w.ToolResults) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("WORKING MEMORY:\n")
	if w.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", w.Goal)
	}
	for _, n := range w.Notes {
		fmt.Fprintf(&sb, "- %s\n", n)
	}
	for _, t := range w.ToolResults {
		mark := "ok"
		if !t.Success {
			mark = "failed"
		}
		fmt.Fprintf(&sb, "- [%s %s] %s\n", t.Tool, mark, t.Result)
	}
	return sb.String()
}

func appendBounded(list []string, v string, limit int) []string {
	list = append(list, v)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
