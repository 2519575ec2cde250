package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/ports"
)

// AgentDeps are the collaborators of the ReAct loop. Backend and Tools are
// required; the rest fall back to working defaults when nil.
type AgentDeps struct {
	Backend ports.ChatBackend
	Model   string
	Tools   *domain.ToolRegistry

	Memory  ports.MemoryStore     // facts and failure lessons
	Context ports.ContextProvider // defaults to a ContextAssembler over Memory
	Monitor *MetacognitionMonitor
	Working *WorkingMemoryStore
	Tracer  *TraceCollector
	Events  *EventBus
	Tokens  TokenCounter // history budget; defaults to ApproxTokenCounter
}

// ReActAgentService runs the bounded Reason-Act-Observe loop.
type ReActAgentService struct {
	logger     *slog.Logger
	backend    ports.ChatBackend
	model      string
	cfg        domain.AgentConfig
	tools      *domain.ToolRegistry
	memory     ports.MemoryStore
	contexts   ports.ContextProvider
	monitor    *MetacognitionMonitor
	working    *WorkingMemoryStore
	dispatcher *ToolDispatcher
	reflector  *ReflectionEngine
	learner    *FailureLearner
	fallback   *FallbackFinalizer
	trimmer    HistoryTrimmer
	tracer     *TraceCollector
	events     *EventBus
}

// NewReActAgentService creates a new ReAct-enabled agent
func NewReActAgentService(logger *slog.Logger, cfg domain.AgentConfig, meta domain.MetacognitionConfig, deps AgentDeps) (*ReActAgentService, error) {
	if deps.Backend == nil {
		return nil, errors.New("react agent: backend is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("react agent: tool registry is required")
	}
	cfg = normalizeAgentConfig(cfg)

	var err error
	monitor := deps.Monitor
	if monitor == nil {
		if monitor, err = NewMetacognitionMonitor(meta); err != nil {
			return nil, err
		}
	}
	working := deps.Working
	if working == nil {
		if working, err = NewWorkingMemoryStore(meta.MaxConversations); err != nil {
			return nil, err
		}
	}
	contexts := deps.Context
	if contexts == nil {
		contexts = NewContextAssembler(logger, deps.Memory, monitor, nil)
	}
	tokens := deps.Tokens
	if tokens == nil {
		tokens = ApproxTokenCounter
	}

	return &ReActAgentService{
		logger:     logger,
		backend:    deps.Backend,
		model:      deps.Model,
		cfg:        cfg,
		tools:      deps.Tools,
		memory:     deps.Memory,
		contexts:   contexts,
		monitor:    monitor,
		working:    working,
		dispatcher: NewToolDispatcher(logger, deps.Tools, deps.Tracer),
		reflector:  NewReflectionEngine(logger, deps.Backend, deps.Model, cfg, deps.Tracer),
		learner:    NewFailureLearner(logger, deps.Memory),
		fallback:   NewFallbackFinalizer(logger, deps.Backend, deps.Model, cfg, deps.Tracer),
		trimmer:    HistoryTrimmer{MaxMessages: cfg.HistoryMessages, MaxTokens: cfg.HistoryTokens, Count: tokens},
		tracer:     deps.Tracer,
		events:     deps.Events,
	}, nil
}

func normalizeAgentConfig(cfg domain.AgentConfig) domain.AgentConfig {
	def := domain.DefaultAgentConfig()
	if cfg.MaxIterations <= 0 || cfg.MaxIterations > domain.MaxIterations {
		cfg.MaxIterations = domain.MaxIterations
	}
	if cfg.ReflectionThreshold <= 0 {
		cfg.ReflectionThreshold = def.ReflectionThreshold
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return cfg
}

// runState is everything one run accumulates. It belongs to a single goroutine.
type runState struct {
	req         domain.RunRequest
	start       time.Time
	traceID     domain.TraceID
	working     *domain.WorkingMemory
	messages    []domain.ChatMessage
	steps       []domain.ReActStep
	tools       []string
	toolSet     map[string]struct{}
	files       []domain.FileDelivery
	facts       int
	planUsed    bool
	answer      string
	termination domain.Termination
}

func (r *runState) useTool(name string) {
	if name == "" {
		return
	}
	if _, ok := r.toolSet[name]; ok {
		return
	}
	r.toolSet[name] = struct{}{}
	r.tools = append(r.tools, name)
}

func (r *runState) appendTurns(raw, next string) {
	r.messages = append(r.messages,
		domain.ChatMessage{Role: domain.RoleAssistant, Content: raw},
		domain.ChatMessage{Role: domain.RoleUser, Content: next},
	)
}

// Run drives one request through the loop. It always returns a response:
// failures surface as recovery turns, fallback answers or an apology.
func (s *ReActAgentService) Run(ctx context.Context, req domain.RunRequest) (resp *domain.AgentResponse) {
	if req.ConversationID == "" {
		req.ConversationID = domain.ConversationID("run-" + uuid.New().String())
	}
	run := &runState{req: req, start: time.Now(), toolSet: map[string]struct{}{}}

	ctx, traceID, _ := s.tracer.StartTrace(ctx, traceName(req.Message), map[string]string{
		"conversation_id": string(req.ConversationID),
	})
	s.tracer.SetTraceConversation(traceID, req.ConversationID)
	run.traceID = traceID
	ctx = ContextWithConversation(ctx, req.ConversationID)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run panicked outside an iteration", "conversation_id", string(req.ConversationID), "panic", r)
			run.answer = FallbackApology
			run.termination = domain.TerminationAbort
			resp = s.finish(run, len(run.steps))
		}
	}()

	s.logger.Info("starting ReAct loop", "conversation_id", string(req.ConversationID), "message", truncate(req.Message, 200))

	run.working = s.working.Get(req.ConversationID)
	run.working.SetGoal(req.Message)
	s.monitor.Reset(req.ConversationID)
	run.messages = s.buildMessages(ctx, req, run.working)

	for iteration := 1; iteration <= s.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("run cancelled", "conversation_id", string(req.ConversationID), "error", err)
			return s.finishWithFallback(ctx, run, domain.TerminationCancelled, iteration-1)
		}

		run.working.Iteration = iteration
		if iteration > 2 && s.monitor.ShouldAbort(req.ConversationID) {
			s.logger.Warn("metacognitive abort", "iteration", iteration, "reason", s.monitor.AbortReason(req.ConversationID))
			return s.finishWithFallback(ctx, run, domain.TerminationAbort, iteration)
		}

		s.logger.Info("ReAct iteration", "iteration", iteration)
		if s.iterate(ctx, run, iteration) {
			return s.finish(run, iteration)
		}
	}

	s.logger.Warn("iteration limit reached", "max_iterations", s.cfg.MaxIterations)
	return s.finishWithFallback(ctx, run, domain.TerminationExhausted, s.cfg.MaxIterations)
}

// iterate runs one Thinking -> Dispatching pass and reports whether the run is over.
func (s *ReActAgentService) iterate(ctx context.Context, run *runState, iteration int) bool {
	started := time.Now()
	step := domain.ReActStep{Iteration: iteration}

	terminal, err := s.safeStep(ctx, run, &step, started)
	if err != nil {
		s.recoverFrom(ctx, run, &step, err)
	}

	step.DurationMs = time.Since(started).Milliseconds()
	run.steps = append(run.steps, step)
	s.publish(run, EventTypeStep, step)
	return terminal
}

func (s *ReActAgentService) safeStep(ctx context.Context, run *runState, step *domain.ReActStep, started time.Time) (terminal bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			terminal = false
			err = domain.NewAgentError(domain.ErrorKindInternal, "iteration", fmt.Errorf("panic: %v", r))
		}
	}()
	return s.step(ctx, run, step, started)
}

func (s *ReActAgentService) step(ctx context.Context, run *runState, step *domain.ReActStep, started time.Time) (bool, error) {
	raw, err := s.think(ctx, run, step.Iteration)
	if err != nil {
		return false, err
	}

	action := ParseAction(raw)
	step.Action = action
	if action.Source == domain.DecodeRaw {
		s.logger.Debug("model output was not JSON, treating it as the answer", "response", truncate(raw, 200))
	}

	id := run.req.ConversationID
	s.monitor.RecordAction(id, action.Kind, time.Since(started))
	if action.Confidence > 0 {
		s.monitor.RecordConfidence(id, action.Confidence)
	}
	if action.HasFact() {
		s.remember(ctx, run, action.Remember)
	}

	switch action.Kind {
	case domain.ActionFinalAnswer:
		answer := CleanAnswer(action.Answer)
		if step.Iteration >= s.cfg.ReflectionThreshold {
			refl := s.reflector.Reflect(ctx, run.req.Message, answer, step.Iteration)
			answer = refl.Answer
			step.Reflection = refl.Note
		}
		s.logger.Info("final answer reached", "iteration", step.Iteration)
		run.answer = answer
		run.termination = domain.TerminationAnswer
		return true, nil

	case domain.ActionAskUser:
		run.answer = CleanAnswer(action.Answer)
		run.termination = domain.TerminationAskUser
		return true, nil

	case domain.ActionToolCall:
		s.dispatch(ctx, run, step, raw)
		return false, nil

	case domain.ActionPlan:
		plan := firstNonEmpty(action.Answer, action.Thought)
		step.Observation = "Plan created: " + truncate(plan, 200)
		run.working.AddNote("Plan: " + plan)
		run.planUsed = true
		run.appendTurns(raw, planAcceptedTurn)
		return false, nil

	case domain.ActionUnknown:
		run.appendTurns(raw, continueTurn)
		return false, nil

	default:
		return false, domain.NewAgentError(domain.ErrorKindInternal, "dispatch", fmt.Errorf("unhandled action kind %q", action.Kind))
	}
}

// think makes the structured backend call for one iteration.
func (s *ReActAgentService) think(ctx context.Context, run *runState, iteration int) (string, error) {
	llmCtx, spanID := s.tracer.StartSpan(ctx, fmt.Sprintf("llm.chat (iter %d)", iteration), domain.SpanKindLLM, map[string]string{
		"iteration": strconv.Itoa(iteration),
		"model":     s.model,
	})
	s.tracer.SetSpanModel(spanID, s.model)
	s.tracer.SetSpanInput(spanID, run.messages[len(run.messages)-1].Content)

	n := len(run.messages)
	raw, err := s.backend.Chat(llmCtx, domain.ChatRequest{
		Model:       s.model,
		Messages:    run.messages[:n:n],
		Temperature: s.cfg.MainTemperature,
		MaxTokens:   s.cfg.MaxTokens,
		JSONMode:    true,
	})
	if err == nil && strings.TrimSpace(raw) == "" {
		err = domain.ErrEmptyResponse
	}
	if err != nil {
		s.tracer.EndSpan(spanID, domain.SpanStatusError, "", err.Error())
		return "", domain.NewAgentError(domain.ErrorKindBackend, "llm.chat", err)
	}
	s.tracer.EndSpan(spanID, domain.SpanStatusOK, raw, "")
	s.logger.Debug("LLM response", "response", truncate(raw, 200))
	return raw, nil
}

func (s *ReActAgentService) dispatch(ctx context.Context, run *runState, step *domain.ReActStep, raw string) {
	action := step.Action
	s.logger.Info("executing tool", "tool", action.Tool, "params", action.Params)

	d := s.dispatcher.Execute(ctx, action.Tool, action.Params)
	step.Observation = d.Result.Display

	run.useTool(d.Tool)
	run.files = append(run.files, d.Files...)
	run.working.AddToolResult(d.Tool, d.Result.Display, d.Result.Success)
	s.monitor.RecordToolCall(run.req.ConversationID, d.Tool, action.Params)
	run.appendTurns(raw, observationTurn(d))
}

func (s *ReActAgentService) remember(ctx context.Context, run *runState, fact string) {
	if s.memory == nil {
		s.logger.Debug("fact dropped, no memory configured", "fact", fact)
		return
	}
	err := s.memory.StoreFact(ctx, domain.Fact{
		ID:             uuid.New().String(),
		Content:        fact,
		ConversationID: run.req.ConversationID,
		Source:         "agent",
		CreatedAt:      time.Now(),
	})
	if err != nil {
		s.logger.Warn("failed to store fact", "error", err)
		return
	}
	run.facts++
}

// recoverFrom turns an iteration failure into an observation and a recovery
// turn so the next iteration can try another way.
func (s *ReActAgentService) recoverFrom(ctx context.Context, run *runState, step *domain.ReActStep, err error) {
	kind := domain.KindOf(err)
	s.logger.Error("iteration failed", "iteration", step.Iteration, "kind", string(kind), "error", err)

	switch kind {
	case domain.ErrorKindBackend, domain.ErrorKindInternal:
		s.learner.RecordFailure(ctx, domain.FailureRecord{
			Content:        "Error: " + truncate(err.Error(), 200),
			Context:        "Request: " + truncate(run.req.Message, 100),
			Severity:       domain.SeverityMedium,
			Tags:           []string{"agent_error", string(kind)},
			ConversationID: run.req.ConversationID,
		})
	case domain.ErrorKindParse, domain.ErrorKindTool:
		// parse and tool failures are values inside a step; nothing to learn here
	}

	step.Observation = "Error: " + err.Error()
	run.messages = append(run.messages, domain.ChatMessage{Role: domain.RoleUser, Content: recoveryTurn(err)})
}

func (s *ReActAgentService) finishWithFallback(ctx context.Context, run *runState, term domain.Termination, iterations int) *domain.AgentResponse {
	run.answer = s.fallback.Finalize(ctx, string(term), run.messages)
	run.termination = term
	return s.finish(run, iterations)
}

func (s *ReActAgentService) finish(run *runState, iterations int) *domain.AgentResponse {
	steps := make([]domain.ReActStep, len(run.steps))
	copy(steps, run.steps)
	tools := make([]string, len(run.tools))
	copy(tools, run.tools)

	resp := &domain.AgentResponse{
		Response:        run.answer,
		Steps:           steps,
		ToolsUsed:       tools,
		TotalIterations: iterations,
		TotalTime:       time.Since(run.start),
		FactsCreated:    run.facts,
		PlanUsed:        run.planUsed,
		Files:           run.files,
		Termination:     run.termination,
		TraceID:         run.traceID,
	}

	status, errMsg := domain.SpanStatusOK, ""
	switch run.termination {
	case domain.TerminationAbort, domain.TerminationExhausted, domain.TerminationCancelled:
		status, errMsg = domain.SpanStatusError, string(run.termination)
	}
	s.tracer.EndTrace(run.traceID, status, errMsg)
	s.publish(run, EventTypeDone, resp)

	s.logger.Info("ReAct loop finished",
		"conversation_id", string(run.req.ConversationID),
		"termination", string(run.termination),
		"iterations", iterations,
		"tools", len(tools),
		"duration", resp.TotalTime,
	)
	return resp
}

// buildMessages assembles system prompt, trimmed history and the new message.
func (s *ReActAgentService) buildMessages(ctx context.Context, req domain.RunRequest, working *domain.WorkingMemory) []domain.ChatMessage {
	system := buildSystemPrompt(promptSections{
		Tools:     s.tools.FormatToolsForPrompt(),
		Memory:    s.contexts.ContextForPrompt(ctx, req.Message),
		Working:   working.ContextSummary(),
		Style:     req.StyleGuide,
		Failures:  s.contexts.RelevantFailures(ctx, req.Message, s.cfg.FailureLessons),
		Time:      s.contexts.TimeContext(),
		Cognitive: s.contexts.CognitiveContext(req.ConversationID),
	})

	history := s.trimmer.Trim(req.History)
	messages := make([]domain.ChatMessage, 0, len(history)+2)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: system})
	messages = append(messages, history...)
	messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: req.Message})
	return messages
}

func (s *ReActAgentService) publish(run *runState, typ EventType, payload interface{}) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.events.Publish(Event{
		Topic:     string(run.req.ConversationID),
		Type:      typ,
		Data:      string(data),
		Timestamp: time.Now().UnixMilli(),
	})
}

func traceName(message string) string {
	return "chat: " + truncate(message, 80)
}
