// Package kernel is the HTTP shell around the agent: chat, conversation
// history, traces and live event streams.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/rs/cors"

	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/services"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
	keepAlive        = 15 * time.Second
)

// TraceArchive is the persistent side of trace reads.
type TraceArchive interface {
	ListTraces(ctx context.Context, limit int) ([]domain.TraceSummary, error)
	GetTrace(ctx context.Context, id domain.TraceID) (*domain.Trace, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	logger   *slog.Logger
	agent    *services.AgentService
	eventBus *services.EventBus
	tracer   *services.TraceCollector
	archive  TraceArchive // optional
	health   Pinger       // optional

	keepAlive time.Duration
}

// NewServer builds the shell. archive and health may be nil.
func NewServer(logger *slog.Logger, agent *services.AgentService, eventBus *services.EventBus, tracer *services.TraceCollector, archive TraceArchive, health Pinger) *Server {
	return &Server{
		logger:    logger,
		agent:     agent,
		eventBus:  eventBus,
		tracer:    tracer,
		archive:   archive,
		health:    health,
		keepAlive: keepAlive,
	}
}

// routes maps ServeMux patterns to handlers. Every pattern has a matching
// operation in openapi.yaml.
func (s *Server) routes() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"POST /v1/chat":                       s.handleChat,
		"GET /v1/conversations":               s.handleListConversations,
		"GET /v1/conversations/{id}/messages": s.handleListMessages,
		"GET /v1/traces":                      s.handleListTraces,
		"GET /v1/traces/{id}":                 s.handleGetTrace,
		"GET /v1/events/{topic}":              s.handleEvents,
		"GET /v1/openapi.yaml":                s.handleOpenAPI,
		"GET /healthz":                        s.handleHealth,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for pattern, h := range s.routes() {
		mux.HandleFunc(pattern, h)
	}
	return mux
}

// WithCORS wraps h with the browser origins allowed to call the API.
func WithCORS(h http.Handler, allowedOrigins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(h)
}

type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

type chatResponse struct {
	ConversationID domain.ConversationID `json:"conversation_id"`
	Result         *domain.AgentResponse `json:"result"`
}

// handleChat runs one agent turn.
// POST /v1/chat
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	resp, convID, err := s.agent.Chat(r.Context(), domain.ConversationID(req.ConversationID), req.Message)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("chat failed", "conversation_id", req.ConversationID, "error", err)
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{ConversationID: convID, Result: resp})
}

// GET /v1/conversations
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.agent.Conversations().ListConversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs, "count": len(convs)})
}

// GET /v1/conversations/{id}/messages?limit=n
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	var id domain.ConversationID
	if err := bindPath(r, "id", &id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	store := s.agent.Conversations()
	if _, err := store.GetConversation(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	limit, err := queryLimit(r, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	msgs, err := store.GetMessages(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs, "count": len(msgs)})
}

// handleListTraces merges live traces with archived ones, newest first.
// GET /v1/traces?limit=n
func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	traces := s.tracer.ListTraces(limit)
	if s.archive != nil {
		archived, err := s.archive.ListTraces(r.Context(), limit)
		if err != nil {
			s.logger.Warn("trace archive unavailable", "error", err)
		}
		seen := make(map[domain.TraceID]bool, len(traces))
		for _, t := range traces {
			seen[t.ID] = true
		}
		for _, t := range archived {
			if !seen[t.ID] {
				traces = append(traces, t)
			}
		}
		sort.SliceStable(traces, func(i, j int) bool { return traces[i].StartTime.After(traces[j].StartTime) })
		if len(traces) > limit {
			traces = traces[:limit]
		}
	}
	if traces == nil {
		traces = []domain.TraceSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"traces": traces, "count": len(traces)})
}

// GET /v1/traces/{id}
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	var id domain.TraceID
	if err := bindPath(r, "id", &id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	trace, err := s.tracer.GetTrace(id)
	if errors.Is(err, domain.ErrTraceNotFound) && s.archive != nil {
		trace, err = s.archive.GetTrace(r.Context(), id)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, trace)
}

// handleEvents streams bus events for a topic as server-sent events. A
// conversation id yields step and done events, "trace:<id>" yields spans.
// GET /v1/events/{topic}
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var topic string
	if err := bindPath(r, "topic", &topic); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}

	// Subscribe before the headers go out so nothing published after the
	// client sees the response is lost.
	ch, unsub := s.eventBus.Subscribe(topic)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConversationNotFound), errors.Is(err, domain.ErrTraceNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConversationBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
