package services

import (
	"strings"
)

// answerKeys are the fields models use when they wrap a plain answer in JSON.
var answerKeys = []string{"answer", "response", "result", "text", "message", "output"}

// CleanAnswer strips JSON scaffolding the model sometimes leaves in user-facing
// text. It only rewrites text it can fully account for and otherwise returns
// the input unchanged.
func CleanAnswer(text string) string {
	return cleanAnswer(text, 0)
}

func cleanAnswer(text string, depth int) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || depth > 3 {
		return trimmed
	}

	// Whole answer is a JSON object: pull the human-readable field out.
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		if obj, ok := strictObject(trimmed); ok {
			if inner := extractAnswerField(obj); inner != "" {
				return cleanAnswer(inner, depth+1)
			}
		}
	}

	// Fenced JSON blocks mixed with prose: drop the blocks, keep the prose.
	if fencedBlockRe.MatchString(trimmed) {
		stripped := strings.TrimSpace(fencedBlockRe.ReplaceAllStringFunc(trimmed, func(block string) string {
			m := fencedBlockRe.FindStringSubmatch(block)
			if len(m) > 1 {
				if _, ok := strictObject(strings.TrimSpace(m[1])); ok {
					return ""
				}
			}
			return block
		}))
		if stripped != trimmed && len([]rune(stripped)) > 5 {
			return stripped
		}
	}

	// Leading JSON object followed by prose.
	if strings.HasPrefix(trimmed, "{\"") {
		if obj := balancedObject(trimmed); obj != "" && len(obj) < len(trimmed) {
			if _, ok := strictObject(obj); ok {
				if rest := strings.TrimSpace(trimmed[len(obj):]); len([]rune(rest)) > 5 {
					return rest
				}
			}
		}
	}

	return trimmed
}

func extractAnswerField(obj map[string]interface{}) string {
	for _, key := range answerKeys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	if act, ok := obj["action"].(map[string]interface{}); ok {
		if s, ok := act["answer"].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	if s, ok := obj["thought"].(string); ok && len([]rune(s)) > 10 {
		return s
	}
	return ""
}
