package domain

import "time"

// MaxIterations is the hard cap on loop iterations per run.
const MaxIterations = 10

// ReActStep represents one iteration of the reasoning loop
type ReActStep struct {
	Iteration   int    `json:"iteration"`
	Action      Action `json:"action"`
	Observation string `json:"observation,omitempty"`
	Reflection  string `json:"reflection,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// FileDelivery is a file a tool asked to be sent back to the caller.
type FileDelivery struct {
	FilePath string `json:"filepath"`
	FileName string `json:"filename"`
}

// AgentResponse is the result of one run of the loop.
type AgentResponse struct {
	Response        string         `json:"response"`
	Steps           []ReActStep    `json:"steps"`
	ToolsUsed       []string       `json:"tools_used"`
	TotalIterations int            `json:"total_iterations"`
	TotalTime       time.Duration  `json:"total_time_ns"`
	FactsCreated    int            `json:"facts_created"`
	PlanUsed        bool           `json:"plan_used"`
	Files           []FileDelivery `json:"files,omitempty"`
	Termination     Termination    `json:"termination"`
	TraceID         TraceID        `json:"trace_id,omitempty"`
}

// Termination says why a run stopped.
type Termination string

const (
	TerminationAnswer    Termination = "final_answer"
	TerminationAskUser   Termination = "ask_user"
	TerminationAbort     Termination = "metacognitive_abort"
	TerminationExhausted Termination = "iterations_exhausted"
	TerminationCancelled Termination = "cancelled"
)

// RunRequest is the input of a single loop run.
type RunRequest struct {
	ConversationID ConversationID
	Message        string
	History        []ChatMessage
	StyleGuide     string
}
