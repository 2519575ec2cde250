package services

import (
	"fmt"
	"strings"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

// promptSections are the optional context blocks appended to the system prompt.
type promptSections struct {
	Tools     string
	Memory    string
	Working   string
	Style     string
	Failures  []domain.FailureRecord
	Time      string
	Cognitive string
}

// buildSystemPrompt creates the system prompt with the decision protocol, the
// tool list and whatever context is available.
func buildSystemPrompt(s promptSections) string {
	var sb strings.Builder
	sb.WriteString(systemIdentity)

	sb.WriteString("\n\nAVAILABLE TOOLS:\n")
	if s.Tools != "" {
		sb.WriteString(s.Tools)
	} else {
		sb.WriteString("(none, answer directly)\n")
	}

	for _, block := range []string{s.Time, s.Memory, s.Working, s.Cognitive} {
		if strings.TrimSpace(block) != "" {
			sb.WriteString("\n")
			sb.WriteString(strings.TrimRight(block, "\n"))
			sb.WriteString("\n")
		}
	}

	if lessons := formatLessons(s.Failures); lessons != "" {
		sb.WriteString("\n")
		sb.WriteString(lessons)
	}

	if strings.TrimSpace(s.Style) != "" {
		sb.WriteString("\nSTYLE GUIDE:\n")
		sb.WriteString(strings.TrimSpace(s.Style))
		sb.WriteString("\n")
	}

	sb.WriteString("\n")
	sb.WriteString(responseProtocol)
	return sb.String()
}

func formatLessons(recs []domain.FailureRecord) string {
	if len(recs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("LESSONS FROM PAST MISTAKES (do not repeat them):\n")
	for _, r := range recs {
		fmt.Fprintf(&sb, "- %s\n", truncate(r.Content, 200))
		if r.Correction != "" {
			fmt.Fprintf(&sb, "  correct approach: %s\n", truncate(r.Correction, 200))
		}
	}
	return sb.String()
}

const systemIdentity = `You are a capable personal assistant that reasons step by step and uses tools when they help.
Think before acting, prefer the simplest path to a correct answer, and never invent tool results.`

const responseProtocol = `RESPONSE FORMAT: reply with ONE JSON object and nothing else:
{
  "thought": "your reasoning for this step",
  "action": {
    "type": "tool_call" | "final_answer" | "ask_user" | "plan",
    "tool": "<exact tool name, only for tool_call>",
    "params": {<tool parameters, only for tool_call>},
    "answer": "<text for final_answer / ask_user, or the plan for plan>"
  },
  "confidence": <number from 0 to 1>,
  "should_remember": "<a durable fact about the user worth remembering, or null>"
}

RULES:
1. For greetings and simple questions answer directly with final_answer.
2. Use the EXACT tool name from AVAILABLE TOOLS. Never invent tools.
3. After each tool call you receive an Observation. Use it, then decide the next step.
4. Use ask_user only when you cannot proceed without the user's input.
5. Use plan for multi-step tasks, then execute the plan step by step.
6. The answer is shown to the user as is: write it in plain language, not JSON.`

// Continuation turns queued after non-terminal actions.
const (
	planAcceptedTurn = "Plan accepted. Execute it step by step: call the first tool or give a final_answer. Respond in JSON."
	continueTurn     = "Continue. Take an action or give a final_answer. Respond in JSON."
)

func recoveryTurn(err error) string {
	return fmt.Sprintf("An error occurred: %v. Try a different approach or give a final_answer. Respond in JSON.", err)
}
