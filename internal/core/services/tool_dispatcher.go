package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

// Dispatch is the outcome of one tool call as the loop sees it.
type Dispatch struct {
	// Tool is the canonical tool name when resolution succeeded, otherwise the
	// name the model asked for.
	Tool   string
	Result domain.ToolResult
	Files  []domain.FileDelivery
}

// ToolDispatcher executes tool calls. It never returns an error: unknown
// tools, bad parameters, tool errors and panics all become failed results.
type ToolDispatcher struct {
	logger *slog.Logger
	tools  *domain.ToolRegistry
	tracer *TraceCollector
}

// NewToolDispatcher creates a dispatcher over the registry. tracer may be nil.
func NewToolDispatcher(logger *slog.Logger, tools *domain.ToolRegistry, tracer *TraceCollector) *ToolDispatcher {
	return &ToolDispatcher{logger: logger, tools: tools, tracer: tracer}
}

// Execute runs the named tool with params.
func (d *ToolDispatcher) Execute(ctx context.Context, name string, params map[string]interface{}) Dispatch {
	if params == nil {
		params = map[string]interface{}{}
	}

	canonical := name
	if _, resolved, ok := d.tools.Resolve(name); ok {
		canonical = resolved
		if resolved != name {
			d.logger.Info("fuzzy-corrected tool name", "requested", name, "resolved", resolved)
		}
	}

	toolCtx, spanID := d.tracer.StartSpan(ctx, "tool."+canonical, domain.SpanKindTool, map[string]string{
		"tool": canonical,
	})
	inputJSON, _ := json.Marshal(params)
	d.tracer.SetSpanInput(spanID, string(inputJSON))

	result := d.run(toolCtx, name, params)

	if result.Success {
		d.tracer.EndSpan(spanID, domain.SpanStatusOK, result.Display, "")
	} else {
		d.tracer.EndSpan(spanID, domain.SpanStatusError, result.Display, result.Display)
		d.logger.Warn("tool failed", "tool", canonical, "result", truncate(result.Display, 200))
	}

	return Dispatch{
		Tool:   canonical,
		Result: result,
		Files:  filesFromResult(result),
	}
}

func (d *ToolDispatcher) run(ctx context.Context, name string, params map[string]interface{}) (result domain.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", "tool", name, "panic", r)
			result = domain.FailedResult(name, fmt.Errorf("panic: %v", r))
		}
	}()
	return d.tools.Execute(ctx, name, params)
}

// filesFromResult picks up file deliveries a successful tool asked for with
// {"send_file": true, "filepath": ..., "filename": ...}.
func filesFromResult(result domain.ToolResult) []domain.FileDelivery {
	if !result.Success {
		return nil
	}
	switch data := result.Data.(type) {
	case domain.FileDelivery:
		if data.FilePath != "" {
			return []domain.FileDelivery{data}
		}
	case map[string]interface{}:
		if send, _ := data["send_file"].(bool); !send {
			return nil
		}
		path, _ := data["filepath"].(string)
		if path == "" {
			return nil
		}
		name, _ := data["filename"].(string)
		return []domain.FileDelivery{{FilePath: path, FileName: name}}
	}
	return nil
}

// observationTurn formats a tool outcome as the next user turn.
func observationTurn(d Dispatch) string {
	status := "[ok]"
	if !d.Result.Success {
		status = "[error]"
	}
	return fmt.Sprintf("Observation (result of '%s'):\n%s %s\n\nContinue reasoning. Respond in JSON.", d.Tool, status, d.Result.Display)
}
