package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/auleagent/internal/core/domain"
	"github.com/manthysbr/auleagent/internal/core/ports"
)

// RegisterBuiltinTools adds the tools every agent carries. memory may be nil,
// in which case remember_fact is not registered; workspace "" disables send_file.
func RegisterBuiltinTools(reg *domain.ToolRegistry, memory ports.MemoryStore, workspace string) error {
	tools := []*domain.Tool{NewCurrentTimeTool(time.Now)}
	if memory != nil {
		tools = append(tools, NewRememberFactTool(memory))
	}
	if workspace != "" {
		tools = append(tools, NewSendFileTool(workspace))
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// NewCurrentTimeTool creates the current_time tool
func NewCurrentTimeTool(now func() time.Time) *domain.Tool {
	return &domain.Tool{
		Name:        "current_time",
		Description: "Returns the current date and time, optionally in a given IANA time zone",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]interface{}{
				"timezone": map[string]interface{}{
					"type":        "string",
					"description": "IANA time zone such as 'Europe/Moscow'. Defaults to the server's zone.",
				},
			},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			t := now()
			if tz, _ := params["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				t = t.In(loc)
			}
			return map[string]interface{}{
				"time":     t.Format(time.RFC3339),
				"weekday":  t.Weekday().String(),
				"timezone": t.Location().String(),
			}, nil
		},
	}
}

// NewRememberFactTool returns a tool that saves a fact to long-term memory.
func NewRememberFactTool(memory ports.MemoryStore) *domain.Tool {
	return &domain.Tool{
		Name:        "remember_fact",
		Description: "Saves a significant fact, preference, or decision about the user to long-term memory so it can be recalled in future conversations.",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]interface{}{
				"content": map[string]interface{}{
					"type":        "string",
					"description": "The concise fact to remember.",
					"minLength":   1,
				},
			},
			Required: []string{"content"},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			content, _ := params["content"].(string)
			content = strings.TrimSpace(content)
			if content == "" {
				return nil, fmt.Errorf("content is required")
			}

			convID, _ := ConversationFromContext(ctx)
			err := memory.StoreFact(ctx, domain.Fact{
				ID:             uuid.New().String(),
				Content:        content,
				ConversationID: convID,
				Source:         "tool",
				CreatedAt:      time.Now(),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to save fact: %w", err)
			}
			return "Fact saved to long-term memory.", nil
		},
	}
}

// ensurePathIsSafe strictly validates that the requested path is within the workspace root.
func ensurePathIsSafe(root, requestedPath string) (string, error) {
	cleanRoot := filepath.Clean(root)
	cleanPath := filepath.Clean(filepath.Join(cleanRoot, requestedPath))

	if cleanPath != cleanRoot && !strings.HasPrefix(cleanPath, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("security violation: path %q is outside workspace root", requestedPath)
	}
	return cleanPath, nil
}

// NewSendFileTool creates the send_file tool. The file itself travels on the
// response's file list, not in the observation.
func NewSendFileTool(workspace string) *domain.Tool {
	return &domain.Tool{
		Name:        "send_file",
		Description: "Sends a file from the workspace to the user as an attachment.",
		Parameters: domain.ToolParameters{
			Type: "object",
			Properties: map[string]interface{}{
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Relative path to the file inside the workspace (e.g., 'reports/summary.pdf').",
				},
				"filename": map[string]interface{}{
					"type":        "string",
					"description": "Name to show the user. Defaults to the file's base name.",
				},
			},
			Required: []string{"path"},
		},
		Execute: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			path, _ := params["path"].(string)
			safePath, err := ensurePathIsSafe(workspace, path)
			if err != nil {
				return nil, err
			}

			info, err := os.Stat(safePath)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, fmt.Errorf("file not found: %s", path)
				}
				return nil, fmt.Errorf("failed to stat file: %w", err)
			}
			if info.IsDir() {
				return nil, fmt.Errorf("%s is a directory", path)
			}

			name, _ := params["filename"].(string)
			if name == "" {
				name = filepath.Base(safePath)
			}
			return map[string]interface{}{
				"send_file": true,
				"filepath":  safePath,
				"filename":  name,
				"size":      info.Size(),
			}, nil
		},
	}
}
