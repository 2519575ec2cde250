package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

const maxMetaHistory = 16

// MetacognitionMonitor watches the actions and confidences of a run and
// decides when the loop is stuck. State is per conversation and bounded by
// an LRU; monitors for different conversations never share state.
type MetacognitionMonitor struct {
	cfg    domain.MetacognitionConfig
	now    func() time.Time
	mu     sync.Mutex
	states *lru.Cache[domain.ConversationID, *metaState]
}

type metaState struct {
	mu          sync.Mutex
	started     time.Time
	thinking    time.Duration
	kinds       []domain.ActionKind
	confidences []float64
	lastCall    string
	repeats     int
	stall       int
	reason      string
	previous    string // summary of the run before the last Reset
}

// NewMetacognitionMonitor creates a monitor with the given thresholds.
func NewMetacognitionMonitor(cfg domain.MetacognitionConfig) (*MetacognitionMonitor, error) {
	size := cfg.MaxConversations
	if size <= 0 {
		size = domain.DefaultMetacognitionConfig().MaxConversations
	}
	cache, err := lru.New[domain.ConversationID, *metaState](size)
	if err != nil {
		return nil, fmt.Errorf("metacognition cache: %w", err)
	}
	return &MetacognitionMonitor{cfg: cfg, now: time.Now, states: cache}, nil
}

// Reset starts a fresh run for the conversation. The previous run's summary is
// kept for CognitiveContext.
func (m *MetacognitionMonitor) Reset(id domain.ConversationID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := ""
	if old, ok := m.states.Peek(id); ok {
		old.mu.Lock()
		previous = old.summary()
		old.mu.Unlock()
	}
	m.states.Add(id, &metaState{started: m.now(), previous: previous})
}

// RecordAction notes the kind of one iteration's action and the time it took.
func (m *MetacognitionMonitor) RecordAction(id domain.ConversationID, kind domain.ActionKind, took time.Duration) {
	st := m.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.kinds = appendKind(st.kinds, kind)
	st.thinking += took

	switch kind {
	case domain.ActionPlan, domain.ActionUnknown:
		st.stall++
	default:
		st.stall = 0
	}
	if m.cfg.StallThreshold > 0 && st.stall >= m.cfg.StallThreshold && st.reason == "" {
		st.reason = fmt.Sprintf("%d iterations without a tool call or answer", st.stall)
	}
}

// RecordConfidence notes a confidence reported by the model.
func (m *MetacognitionMonitor) RecordConfidence(id domain.ConversationID, v float64) {
	st := m.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.confidences = append(st.confidences, domain.ClampConfidence(v))
	if len(st.confidences) > maxMetaHistory {
		st.confidences = st.confidences[len(st.confidences)-maxMetaHistory:]
	}
	if st.reason == "" && m.fallingConfidence(st.confidences) {
		st.reason = fmt.Sprintf("confidence falling to %.2f", st.confidences[len(st.confidences)-1])
	}
}

// RecordToolCall notes a tool call so identical repeats can be detected.
func (m *MetacognitionMonitor) RecordToolCall(id domain.ConversationID, tool string, params map[string]interface{}) {
	st := m.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	// json.Marshal sorts map keys, so equal params give equal signatures.
	raw, _ := json.Marshal(params)
	sig := tool + " " + string(raw)
	if sig == st.lastCall {
		st.repeats++
	} else {
		st.lastCall = sig
		st.repeats = 1
	}
	if m.cfg.RepeatThreshold > 0 && st.repeats >= m.cfg.RepeatThreshold && st.reason == "" {
		st.reason = fmt.Sprintf("tool %s called %d times with the same parameters", tool, st.repeats)
	}
}

// ShouldAbort reports whether the run looks stuck. It is false for unknown
// conversations and before two actions have been recorded.
func (m *MetacognitionMonitor) ShouldAbort(id domain.ConversationID) bool {
	st, ok := m.peek(id)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.kinds) < 2 {
		return false
	}
	if st.reason != "" {
		return true
	}
	if m.cfg.MaxThinkingTime > 0 && m.now().Sub(st.started) > m.cfg.MaxThinkingTime {
		st.reason = fmt.Sprintf("thinking time exceeded %s", m.cfg.MaxThinkingTime)
		return true
	}
	return false
}

// AbortReason returns why ShouldAbort fired, or "".
func (m *MetacognitionMonitor) AbortReason(id domain.ConversationID) string {
	st, ok := m.peek(id)
	if !ok {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reason
}

// CognitiveContext describes how the previous run in this conversation went,
// for the system prompt. Empty when there is nothing worth saying.
func (m *MetacognitionMonitor) CognitiveContext(id domain.ConversationID) string {
	st, ok := m.peek(id)
	if !ok {
		return ""
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.previous == "" {
		return ""
	}
	return "SELF-ASSESSMENT:\n" + st.previous
}

func (m *MetacognitionMonitor) state(id domain.ConversationID) *metaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states.Get(id); ok {
		return st
	}
	st := &metaState{started: m.now()}
	m.states.Add(id, st)
	return st
}

func (m *MetacognitionMonitor) peek(id domain.ConversationID) (*metaState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states.Get(id)
}

// fallingConfidence is true when the last ConfidenceWindow values strictly
// decrease and the latest is under ConfidenceFloor.
func (m *MetacognitionMonitor) fallingConfidence(values []float64) bool {
	w := m.cfg.ConfidenceWindow
	if w < 2 || len(values) < w {
		return false
	}
	tail := values[len(values)-w:]
	for i := 1; i < len(tail); i++ {
		if tail[i] >= tail[i-1] {
			return false
		}
	}
	return tail[len(tail)-1] < m.cfg.ConfidenceFloor
}

func (s *metaState) summary() string {
	if len(s.kinds) == 0 {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Last run: %d actions", len(s.kinds))
	if n := len(s.confidences); n > 0 {
		sum := 0.0
		for _, c := range s.confidences {
			sum += c
		}
		fmt.Fprintf(&sb, ", average confidence %.2f", sum/float64(n))
	}
	if s.reason != "" {
		fmt.Fprintf(&sb, ", stopped early (%s). Take a more direct approach this time", s.reason)
	}
	sb.WriteString(".")
	return sb.String()
}

func appendKind(list []domain.ActionKind, k domain.ActionKind) []domain.ActionKind {
	list = append(list, k)
	if len(list) > maxMetaHistory {
		list = list[len(list)-maxMetaHistory:]
	}
	return list
}
