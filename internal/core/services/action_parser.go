package services

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"github.com/manthysbr/auleagent/internal/core/domain"
)

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json5|json|JSON)?\\s*(.*?)```")

// ParseAction turns raw model output into an Action. It never fails: text that
// does not decode at all becomes a final answer carrying the text verbatim.
func ParseAction(raw string) domain.Action {
	obj, source, ok := decodeObject(raw)
	if !ok {
		return domain.NewAction(domain.Action{
			Kind:       domain.ActionFinalAnswer,
			Answer:     raw,
			Confidence: domain.DefaultConfidence,
			Source:     domain.DecodeRaw,
		})
	}
	return actionFromObject(obj, raw, source)
}

// decodeObject tries, in order: the whole text, a fenced block, the first
// balanced {...} and the greedy first-to-last brace span, then the same
// candidates through a JSON5 decoder for trailing commas and similar slips.
func decodeObject(raw string) (map[string]interface{}, domain.DecodeSource, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, "", false
	}

	if obj, ok := strictObject(text); ok {
		return obj, domain.DecodeStrict, true
	}

	var fenced string
	if m := fencedBlockRe.FindStringSubmatch(text); len(m) > 1 {
		fenced = strings.TrimSpace(m[1])
		if obj, ok := strictObject(fenced); ok {
			return obj, domain.DecodeFenced, true
		}
	}

	balanced := balancedObject(text)
	greedy := greedyObject(text)
	for _, candidate := range []string{balanced, greedy} {
		if obj, ok := strictObject(candidate); ok {
			return obj, domain.DecodeEmbedded, true
		}
	}

	for _, candidate := range []string{fenced, balanced, greedy} {
		if obj, ok := lenientObject(candidate); ok {
			return obj, domain.DecodeLenient, true
		}
	}
	return nil, "", false
}

func strictObject(s string) (map[string]interface{}, bool) {
	if s == "" || s[0] != '{' {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func lenientObject(s string) (obj map[string]interface{}, ok bool) {
	if s == "" || s[0] != '{' {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			obj, ok = nil, false
		}
	}()
	if err := json5.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// balancedObject returns the first '{' up to its matching '}' using brace-depth
// counting that ignores braces inside string literals.
func balancedObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inStr {
			escaped = true
			continue
		}
		if ch == '"' {
			inStr = !inStr
			continue
		}
		if inStr {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func greedyObject(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func actionFromObject(obj map[string]interface{}, raw string, source domain.DecodeSource) domain.Action {
	thought := asText(obj["thought"])
	confidence := coerceFloat(obj["confidence"], domain.DefaultConfidence)
	remember := rememberField(obj["should_remember"])

	base := domain.Action{
		Thought:    thought,
		Confidence: confidence,
		Remember:   remember,
		Source:     source,
	}

	switch act := obj["action"].(type) {
	case string:
		base.Kind = domain.ActionFinalAnswer
		base.Answer = act
		return domain.NewAction(base)
	case map[string]interface{}:
		rawType, isString := act["type"].(string)
		switch {
		case act["type"] == nil:
			base.Kind = domain.ActionFinalAnswer
		case isString:
			base.RawType = rawType
			base.Kind = domain.ParseActionKind(strings.ToLower(strings.TrimSpace(rawType)))
		default:
			base.RawType = asText(act["type"])
			base.Kind = domain.ActionUnknown
		}
		base.Answer = asText(act["answer"])
		if base.Kind == domain.ActionToolCall {
			base.Tool, _ = act["tool"].(string)
			base.Params = paramsField(act["params"])
		}
		if base.Kind.IsTerminal() && base.Answer == "" {
			base.Answer = firstNonEmpty(asText(obj["answer"]), thought, raw)
		}
		return domain.NewAction(base)
	default:
		// action missing or of the wrong shape
		base.Kind = domain.ActionFinalAnswer
		base.Answer = firstNonEmpty(asText(obj["answer"]), thought, raw)
		return domain.NewAction(base)
	}
}

// paramsField accepts an object, or a string holding a JSON object.
func paramsField(v interface{}) map[string]interface{} {
	switch p := v.(type) {
	case map[string]interface{}:
		return p
	case string:
		if obj, ok := strictObject(strings.TrimSpace(p)); ok {
			return obj
		}
	}
	return map[string]interface{}{}
}

func rememberField(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") || strings.EqualFold(s, "none") {
		return ""
	}
	return s
}

// coerceFloat reads a number that may arrive as a JSON number or a string.
func coerceFloat(v interface{}, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return def
}

// asText renders a decoded JSON value as text; nil becomes "".
func asText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64, bool:
		return fmt.Sprint(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
