package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

func toolCallJSON(tool string, params string) string {
	return fmt.Sprintf(`{"thought":"use %s","action":{"type":"tool_call","tool":%q,"params":%s},"confidence":0.8}`, tool, tool, params)
}

func finalJSON(answer string) string {
	return fmt.Sprintf(`{"thought":"done","action":{"type":"final_answer","answer":%q},"confidence":0.9}`, answer)
}

func counterTool() *domain.Tool {
	return &domain.Tool{
		Name:        "counter",
		Description: "Echoes a number",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]interface{}{
				"n": map[string]interface{}{"type": "number"},
			},
			Required: []string{"n"},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return fmt.Sprintf("count=%v", params["n"]), nil
		},
	}
}

type agentFixture struct {
	backend *scriptedBackend
	memory  *MockMemoryStore
	tools   *domain.ToolRegistry
	events  *EventBus
	tracer  *TraceCollector
	agent   *ReActAgentService
}

func newAgentFixture(t *testing.T, replies ...reply) *agentFixture {
	t.Helper()
	f := &agentFixture{
		backend: newScriptedBackend(replies...),
		memory:  quietMemory(),
		tools:   domain.NewToolRegistry(),
	}
	require.NoError(t, f.tools.Register(counterTool()))
	f.events = NewEventBus(testLogger())
	f.tracer = NewTraceCollector(testLogger(), f.events, nil)

	agent, err := NewReActAgentService(testLogger(), domain.DefaultAgentConfig(), domain.DefaultMetacognitionConfig(), AgentDeps{
		Backend: f.backend,
		Model:   "test-model",
		Tools:   f.tools,
		Memory:  f.memory,
		Tracer:  f.tracer,
		Events:  f.events,
	})
	require.NoError(t, err)
	f.agent = agent
	return f
}

func (f *agentFixture) run(message string) *domain.AgentResponse {
	return f.agent.Run(context.Background(), domain.RunRequest{ConversationID: "conv-test", Message: message})
}

func lastMessage(req domain.ChatRequest) domain.ChatMessage {
	return req.Messages[len(req.Messages)-1]
}

func TestNewReActAgentService_RequiresCollaborators(t *testing.T) {
	_, err := NewReActAgentService(testLogger(), domain.DefaultAgentConfig(), domain.DefaultMetacognitionConfig(), AgentDeps{Tools: domain.NewToolRegistry()})
	assert.Error(t, err)

	_, err = NewReActAgentService(testLogger(), domain.DefaultAgentConfig(), domain.DefaultMetacognitionConfig(), AgentDeps{Backend: newScriptedBackend()})
	assert.Error(t, err)
}

func TestRun_DirectAnswer(t *testing.T) {
	f := newAgentFixture(t, reply{text: finalJSON("Hello!")})

	resp := f.run("hi")

	assert.Equal(t, "Hello!", resp.Response)
	assert.Equal(t, domain.TerminationAnswer, resp.Termination)
	assert.Equal(t, 1, resp.TotalIterations)
	require.Len(t, resp.Steps, 1)
	assert.Empty(t, resp.Steps[0].Reflection, "no reflection before the threshold")
	assert.Empty(t, resp.ToolsUsed)
	assert.NotEmpty(t, resp.TraceID)

	calls := f.backend.calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].JSONMode)
	assert.InDelta(t, 0.3, calls[0].Temperature, 1e-9)
	assert.Equal(t, "test-model", calls[0].Model)

	trace, err := f.tracer.GetTrace(resp.TraceID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpanStatusOK, trace.Status)
	assert.Equal(t, "conv-test", trace.ConversationID)
}

func TestRun_MessageLayout(t *testing.T) {
	f := newAgentFixture(t, reply{text: finalJSON("ok")})

	f.agent.Run(context.Background(), domain.RunRequest{
		ConversationID: "conv-layout",
		Message:        "what now?",
		StyleGuide:     "Answer like a pirate.",
		History: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: "earlier question"},
			{Role: domain.RoleAssistant, Content: "earlier answer"},
		},
	})

	calls := f.backend.calls()
	require.Len(t, calls, 1)
	msgs := calls[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, domain.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "- counter: Echoes a number")
	assert.Contains(t, msgs[0].Content, "Answer like a pirate.")
	assert.Contains(t, msgs[0].Content, "CURRENT TIME")
	assert.Equal(t, "earlier question", msgs[1].Content)
	assert.Equal(t, "earlier answer", msgs[2].Content)
	assert.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Content: "what now?"}, msgs[3])
}

func TestRun_RawTextIsTheAnswer(t *testing.T) {
	f := newAgentFixture(t, reply{text: "Sure, the answer is 42"})

	resp := f.run("what is the answer?")

	assert.Equal(t, "Sure, the answer is 42", resp.Response)
	require.Len(t, resp.Steps, 1)
	assert.Equal(t, domain.ActionFinalAnswer, resp.Steps[0].Action.Kind)
	assert.Equal(t, domain.DefaultConfidence, resp.Steps[0].Action.Confidence)
}

func TestRun_PlanContinues(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: `{"thought":"multi-step","action":{"type":"plan","answer":"1. count 2. answer"},"confidence":0.7}`},
		reply{text: finalJSON("Done")},
	)

	resp := f.run("do a multi-step task")

	require.Len(t, resp.Steps, 2)
	assert.Equal(t, domain.ActionPlan, resp.Steps[0].Action.Kind)
	assert.True(t, strings.HasPrefix(resp.Steps[0].Observation, "Plan created: "))
	assert.True(t, resp.PlanUsed)
	assert.Equal(t, "Done", resp.Response)

	calls := f.backend.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, planAcceptedTurn, lastMessage(calls[1]).Content)
	assert.Equal(t, domain.RoleAssistant, calls[1].Messages[len(calls[1].Messages)-2].Role)
}

func TestRun_UnknownTypeContinues(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: `{"thought":"?","action":{"type":"frobnicate"},"confidence":0.6}`},
		reply{text: finalJSON("Recovered")},
	)

	resp := f.run("hello")

	require.Len(t, resp.Steps, 2)
	assert.Equal(t, domain.ActionUnknown, resp.Steps[0].Action.Kind)
	assert.Equal(t, "frobnicate", resp.Steps[0].Action.RawType)
	assert.Equal(t, "Recovered", resp.Response)
	assert.Equal(t, 2, resp.TotalIterations)

	calls := f.backend.calls()
	assert.Equal(t, continueTurn, lastMessage(calls[1]).Content)
}

func TestRun_IterationLimitUsesFallbackOnce(t *testing.T) {
	replies := make([]reply, 0, domain.MaxIterations+1)
	for i := 0; i < domain.MaxIterations; i++ {
		replies = append(replies, reply{text: toolCallJSON("counter", fmt.Sprintf(`{"n":%d}`, i))})
	}
	replies = append(replies, reply{text: "Here is what I found so far."})
	f := newAgentFixture(t, replies...)

	resp := f.run("keep counting")

	assert.Equal(t, "Here is what I found so far.", resp.Response)
	assert.Equal(t, domain.MaxIterations, resp.TotalIterations)
	assert.Equal(t, domain.TerminationExhausted, resp.Termination)
	assert.Len(t, resp.Steps, domain.MaxIterations)
	assert.Equal(t, []string{"counter"}, resp.ToolsUsed)

	calls := f.backend.calls()
	require.Len(t, calls, domain.MaxIterations+1, "fallback is called exactly once")
	fallback := calls[len(calls)-1]
	assert.False(t, fallback.JSONMode)
	assert.InDelta(t, 0.5, fallback.Temperature, 1e-9)
	assert.Equal(t, forceFinalInstruction, lastMessage(fallback).Content)
}

func TestRun_UnknownToolIsAFailedObservation(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: toolCallJSON("does_not_exist", `{}`)},
		reply{text: finalJSON("Sorry, I could not do that")},
	)

	resp := f.run("use a tool")

	require.Len(t, resp.Steps, 2)
	assert.Contains(t, resp.Steps[0].Observation, domain.ErrToolNotFound.Error())
	assert.Contains(t, resp.ToolsUsed, "does_not_exist")
	assert.Equal(t, domain.TerminationAnswer, resp.Termination)

	calls := f.backend.calls()
	assert.Contains(t, lastMessage(calls[1]).Content, "[error]")
}

func TestRun_UnknownToolSharingAWordIsNotRerouted(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: toolCallJSON("get_stock_price", `{"symbol":"ACME"}`)},
		reply{text: finalJSON("I cannot look up stock prices")},
	)
	var weatherCalls int
	require.NoError(t, f.tools.Register(&domain.Tool{
		Name:        "get_weather",
		Description: "weather",
		Execute: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			weatherCalls++
			return "sunny", nil
		},
	}))

	resp := f.run("what is ACME trading at?")

	require.Len(t, resp.Steps, 2)
	assert.Contains(t, resp.Steps[0].Observation, domain.ErrToolNotFound.Error())
	assert.Equal(t, []string{"get_stock_price"}, resp.ToolsUsed)
	assert.Zero(t, weatherCalls)
	assert.Contains(t, lastMessage(f.backend.calls()[1]).Content, "[error]")
}

func TestRun_ToolObservationFeedsNextTurn(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: toolCallJSON("counter", `{"n":7}`)},
		reply{text: finalJSON("The count is 7")},
	)

	resp := f.run("count to seven")

	require.Len(t, resp.Steps, 2)
	assert.Equal(t, "count=7", resp.Steps[0].Observation)
	assert.Equal(t, []string{"counter"}, resp.ToolsUsed)

	calls := f.backend.calls()
	msgs := calls[1].Messages
	assert.Equal(t, toolCallJSON("counter", `{"n":7}`), msgs[len(msgs)-2].Content)
	assert.Contains(t, msgs[len(msgs)-1].Content, "Observation (result of 'counter')")
	assert.Contains(t, msgs[len(msgs)-1].Content, "[ok] count=7")
}

func TestRun_InvalidParamsAreReported(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: toolCallJSON("counter", `{"n":"seven"}`)},
		reply{text: finalJSON("ok")},
	)

	resp := f.run("count")

	require.Len(t, resp.Steps, 2)
	assert.Contains(t, resp.Steps[0].Observation, domain.ErrInvalidParams.Error())
}

func TestRun_ReflectionRewritesWeakAnswer(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: toolCallJSON("counter", `{"n":1}`)},
		reply{text: toolCallJSON("counter", `{"n":2}`)},
		reply{text: finalJSON("Draft")},
		reply{text: `{"quality":0.3,"issues":"too short","improved_answer":"Better answer"}`},
	)

	resp := f.run("explain")

	assert.Equal(t, "Better answer", resp.Response)
	assert.Equal(t, 3, resp.TotalIterations)
	require.Len(t, resp.Steps, 3)
	assert.Contains(t, resp.Steps[2].Reflection, "rewritten")
	assert.Len(t, f.backend.calls(), 4)
}

func TestRun_ReflectionKeepsGoodAnswer(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: toolCallJSON("counter", `{"n":1}`)},
		reply{text: toolCallJSON("counter", `{"n":2}`)},
		reply{text: finalJSON("Solid answer")},
		reply{text: `{"quality":0.9,"improved_answer":"Something else"}`},
	)

	resp := f.run("explain")

	assert.Equal(t, "Solid answer", resp.Response)
}

func TestRun_AskUserSkipsReflection(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: toolCallJSON("counter", `{"n":1}`)},
		reply{text: toolCallJSON("counter", `{"n":2}`)},
		reply{text: `{"thought":"unclear","action":{"type":"ask_user","answer":"Which city?"},"confidence":0.4}`},
	)

	resp := f.run("weather?")

	assert.Equal(t, "Which city?", resp.Response)
	assert.Equal(t, domain.TerminationAskUser, resp.Termination)
	assert.Equal(t, 3, resp.TotalIterations)
	assert.Len(t, f.backend.calls(), 3, "ask_user must not trigger reflection")
}

func TestRun_BackendErrorRecovers(t *testing.T) {
	f := newAgentFixture(t,
		reply{err: errors.New("connection reset")},
		reply{text: finalJSON("Back on track")},
	)
	f.memory = new(MockMemoryStore)
	f.memory.On("SearchFacts", mock.Anything, mock.Anything, mock.Anything).Return([]domain.Fact(nil), nil)
	f.memory.On("RelevantFailures", mock.Anything, mock.Anything, mock.Anything).Return([]domain.FailureRecord(nil), nil)
	f.memory.On("StoreFailure", mock.Anything, mock.MatchedBy(func(r domain.FailureRecord) bool {
		return strings.Contains(r.Content, "connection reset") &&
			r.Severity == domain.SeverityMedium &&
			assert.ObjectsAreEqual([]string{"agent_error", "backend"}, r.Tags)
	})).Return(nil).Once()
	rebuildAgent(t, f)

	resp := f.run("hello")

	assert.Equal(t, "Back on track", resp.Response)
	require.Len(t, resp.Steps, 2)
	assert.Contains(t, resp.Steps[0].Observation, "connection reset")
	f.memory.AssertExpectations(t)

	calls := f.backend.calls()
	assert.Contains(t, lastMessage(calls[1]).Content, "An error occurred")
}

func TestRun_FailureLearnerErrorIsSwallowed(t *testing.T) {
	f := newAgentFixture(t,
		reply{err: errors.New("timeout")},
		reply{text: finalJSON("fine")},
	)
	f.memory = new(MockMemoryStore)
	f.memory.On("SearchFacts", mock.Anything, mock.Anything, mock.Anything).Return([]domain.Fact(nil), nil)
	f.memory.On("RelevantFailures", mock.Anything, mock.Anything, mock.Anything).Return([]domain.FailureRecord(nil), nil)
	f.memory.On("StoreFailure", mock.Anything, mock.Anything).Return(errors.New("disk full"))
	rebuildAgent(t, f)

	resp := f.run("hello")

	assert.Equal(t, "fine", resp.Response)
	assert.Contains(t, resp.Steps[0].Observation, "timeout", "original error must not be replaced")
}

func TestRun_PanicInsideIterationRecovers(t *testing.T) {
	f := newAgentFixture(t,
		reply{panic: "boom"},
		reply{text: finalJSON("still here")},
	)

	resp := f.run("hello")

	assert.Equal(t, "still here", resp.Response)
	require.Len(t, resp.Steps, 2)
	assert.Contains(t, resp.Steps[0].Observation, "panic: boom")
}

func TestRun_EmptyBackendReplyIsAnError(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: "   "},
		reply{text: finalJSON("ok")},
	)

	resp := f.run("hello")

	require.Len(t, resp.Steps, 2)
	assert.Contains(t, resp.Steps[0].Observation, domain.ErrEmptyResponse.Error())
}

func TestRun_StallTriggersMetacognitiveAbort(t *testing.T) {
	think := reply{text: `{"thought":"hmm","action":{"type":"think"},"confidence":0.5}`}
	f := newAgentFixture(t, think, think, think, reply{text: "Best effort answer"})

	resp := f.run("hard question")

	assert.Equal(t, domain.TerminationAbort, resp.Termination)
	assert.Equal(t, "Best effort answer", resp.Response)
	assert.Equal(t, 4, resp.TotalIterations, "the abort is decided at the start of iteration 4")
	assert.Len(t, resp.Steps, 3)
	assert.Len(t, f.backend.calls(), 4)
}

func TestRun_FallbackFailureApologizes(t *testing.T) {
	replies := make([]reply, 0, domain.MaxIterations)
	for i := 0; i < domain.MaxIterations; i++ {
		replies = append(replies, reply{text: toolCallJSON("counter", fmt.Sprintf(`{"n":%d}`, i))})
	}
	f := newAgentFixture(t, replies...) // script runs out at the fallback call

	resp := f.run("count forever")

	assert.Equal(t, FallbackApology, resp.Response)
	assert.Equal(t, domain.MaxIterations, resp.TotalIterations)
}

func TestRun_AllBackendCallsFail(t *testing.T) {
	f := newAgentFixture(t) // every call fails

	resp := f.run("hello")

	assert.Equal(t, FallbackApology, resp.Response)
	assert.LessOrEqual(t, resp.TotalIterations, domain.MaxIterations)
	assert.Equal(t, domain.TerminationExhausted, resp.Termination)
}

func TestRun_CancelledContext(t *testing.T) {
	f := newAgentFixture(t, reply{text: finalJSON("never")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := f.agent.Run(ctx, domain.RunRequest{ConversationID: "conv-test", Message: "hello"})

	assert.Equal(t, domain.TerminationCancelled, resp.Termination)
	assert.Equal(t, 0, resp.TotalIterations)
	assert.Equal(t, FallbackApology, resp.Response)
}

func TestRun_RememberFact(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: `{"thought":"note it","action":{"type":"final_answer","answer":"Noted!"},"confidence":0.9,"should_remember":"User's name is Ana"}`},
	)
	f.memory = new(MockMemoryStore)
	f.memory.On("SearchFacts", mock.Anything, mock.Anything, mock.Anything).Return([]domain.Fact(nil), nil)
	f.memory.On("RelevantFailures", mock.Anything, mock.Anything, mock.Anything).Return([]domain.FailureRecord(nil), nil)
	f.memory.On("StoreFact", mock.Anything, mock.MatchedBy(func(fact domain.Fact) bool {
		return fact.Content == "User's name is Ana" && fact.ConversationID == "conv-test" && fact.Source == "agent"
	})).Return(nil).Once()
	rebuildAgent(t, f)

	resp := f.run("I'm Ana")

	assert.Equal(t, 1, resp.FactsCreated)
	f.memory.AssertExpectations(t)
}

func TestRun_FileDelivery(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.txt"), []byte("data"), 0o644))

	f := newAgentFixture(t,
		reply{text: toolCallJSON("send_file", `{"path":"report.txt","filename":"Report.txt"}`)},
		reply{text: finalJSON("Sent the report")},
	)
	require.NoError(t, f.tools.Register(NewSendFileTool(dir)))

	resp := f.run("send me the report")

	require.Len(t, resp.Files, 1)
	assert.Equal(t, filepath.Join(dir, "report.txt"), resp.Files[0].FilePath)
	assert.Equal(t, "Report.txt", resp.Files[0].FileName)
}

func TestRun_FailureLessonsInPrompt(t *testing.T) {
	f := newAgentFixture(t, reply{text: finalJSON("ok")})
	f.memory = new(MockMemoryStore)
	f.memory.On("SearchFacts", mock.Anything, mock.Anything, mock.Anything).Return([]domain.Fact{{Content: "User lives in Lisbon"}}, nil)
	f.memory.On("RelevantFailures", mock.Anything, "weather?", 3).Return([]domain.FailureRecord{
		{Content: "Called weather without a city", Correction: "Ask for the city first"},
	}, nil)
	rebuildAgent(t, f)

	f.run("weather?")

	system := f.backend.calls()[0].Messages[0].Content
	assert.Contains(t, system, "LESSONS FROM PAST MISTAKES")
	assert.Contains(t, system, "Ask for the city first")
	assert.Contains(t, system, "User lives in Lisbon")
}

func TestRun_PublishesStepEvents(t *testing.T) {
	f := newAgentFixture(t,
		reply{text: toolCallJSON("counter", `{"n":1}`)},
		reply{text: finalJSON("ok")},
	)
	ch, unsub := f.events.Subscribe("conv-test")
	defer unsub()

	f.run("count")

	var types []EventType
	for len(ch) > 0 {
		types = append(types, (<-ch).Type)
	}
	assert.Equal(t, []EventType{EventTypeStep, EventTypeStep, EventTypeDone}, types)
}

func TestRun_ConversationsDoNotShareState(t *testing.T) {
	think := reply{text: `{"thought":"hmm","action":{"type":"think"}}`}
	f := newAgentFixture(t, think, think, think, reply{text: "fallback"}, reply{text: finalJSON("fresh")})

	first := f.agent.Run(context.Background(), domain.RunRequest{ConversationID: "a", Message: "x"})
	second := f.agent.Run(context.Background(), domain.RunRequest{ConversationID: "b", Message: "y"})

	assert.Equal(t, domain.TerminationAbort, first.Termination)
	assert.Equal(t, domain.TerminationAnswer, second.Termination)
	assert.Equal(t, "fresh", second.Response)
}

func rebuildAgent(t *testing.T, f *agentFixture) {
	t.Helper()
	agent, err := NewReActAgentService(testLogger(), domain.DefaultAgentConfig(), domain.DefaultMetacognitionConfig(), AgentDeps{
		Backend: f.backend,
		Model:   "test-model",
		Tools:   f.tools,
		Memory:  f.memory,
		Tracer:  f.tracer,
		Events:  f.events,
	})
	require.NoError(t, err)
	f.agent = agent
}
