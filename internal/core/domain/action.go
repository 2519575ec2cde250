package domain

import "math"

// ActionKind is the closed set of decisions the model can take in one iteration.
type ActionKind string

const (
	ActionToolCall    ActionKind = "tool_call"
	ActionFinalAnswer ActionKind = "final_answer"
	ActionAskUser     ActionKind = "ask_user"
	ActionPlan        ActionKind = "plan"
	// ActionUnknown covers "think" and any type the model invents.
	ActionUnknown ActionKind = "unknown"
)

// DefaultConfidence is used when the model omits or garbles its confidence.
const DefaultConfidence = 0.5

// ParseActionKind maps the wire value of action.type onto the closed enum.
// An empty value means the model omitted the type and is read as a final answer.
func ParseActionKind(s string) ActionKind {
	switch s {
	case "", string(ActionFinalAnswer):
		return ActionFinalAnswer
	case string(ActionToolCall):
		return ActionToolCall
	case string(ActionAskUser):
		return ActionAskUser
	case string(ActionPlan):
		return ActionPlan
	default:
		return ActionUnknown
	}
}

// IsTerminal reports whether the kind ends the run.
func (k ActionKind) IsTerminal() bool {
	return k == ActionFinalAnswer || k == ActionAskUser
}

// DecodeSource records which parser stage produced an Action.
type DecodeSource string

const (
	DecodeStrict   DecodeSource = "strict"
	DecodeFenced   DecodeSource = "fenced"
	DecodeEmbedded DecodeSource = "embedded"
	DecodeLenient  DecodeSource = "lenient"
	// DecodeRaw means nothing decoded and the raw text became the answer.
	DecodeRaw DecodeSource = "raw"
)

// Action is the typed decision produced by the parser for one iteration.
// Treat it as a value: nothing mutates an Action after NewAction returns it.
type Action struct {
	Kind       ActionKind             `json:"kind"`
	RawType    string                 `json:"raw_type,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Thought    string                 `json:"thought,omitempty"`
	Answer     string                 `json:"answer,omitempty"`
	Confidence float64                `json:"confidence"`
	Remember   string                 `json:"remember,omitempty"`
	Source     DecodeSource           `json:"source"`
}

// NewAction normalizes the fields that have invariants: confidence is clamped
// into [0,1] and a tool call always carries a non-nil parameter map.
func NewAction(a Action) Action {
	a.Confidence = ClampConfidence(a.Confidence)
	if a.Kind == ActionToolCall && a.Params == nil {
		a.Params = map[string]interface{}{}
	}
	if a.Kind != ActionToolCall {
		a.Tool = ""
		a.Params = nil
	}
	return a
}

// ClampConfidence forces v into [0,1]; NaN becomes DefaultConfidence.
func ClampConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return DefaultConfidence
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// HasFact reports whether the action asks for a fact to be remembered.
func (a Action) HasFact() bool {
	return a.Remember != ""
}
