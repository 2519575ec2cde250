package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/getkin/kin-openapi/openapi3"
)

// Tool represents an executable capability available to the agent
type Tool struct {
	Name        string
	Description string
	Parameters  ToolParameters
	Execute     ToolExecutor

	schema *openapi3.Schema
}

// ToolParameters defines the schema for tool inputs
type ToolParameters struct {
	Type       string                 `json:"type"`                 // "object"
	Properties map[string]interface{} `json:"properties,omitempty"` // param definitions
	Required   []string               `json:"required,omitempty"`   // required param names
}

// ToolExecutor is the function signature for tool execution
type ToolExecutor func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ToolResult is what a tool run looks like to the loop. Failures are values,
// never errors: Success=false and Display explains what went wrong.
type ToolResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Display string      `json:"display"`
}

func (r ToolResult) String() string { return r.Display }

// FailedResult builds a failed ToolResult from an error.
func FailedResult(name string, err error) ToolResult {
	return ToolResult{Success: false, Display: fmt.Sprintf("tool %q failed: %v", name, err)}
}

// SucceededResult builds a successful ToolResult, rendering data for the model.
func SucceededResult(data interface{}) ToolResult {
	return ToolResult{Success: true, Data: data, Display: renderToolData(data)}
}

func renderToolData(data interface{}) string {
	switch v := data.(type) {
	case nil:
		return "OK"
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(raw)
}

// compile turns the declared parameters into an OpenAPI schema for validation.
func (p ToolParameters) compile() (*openapi3.Schema, error) {
	if p.Type == "" {
		p.Type = "object"
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	schema := &openapi3.Schema{}
	if err := schema.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return schema, nil
}

// Validate checks params against the tool's declared schema.
func (t *Tool) Validate(params map[string]interface{}) error {
	if t.schema == nil {
		return nil
	}
	if err := t.schema.VisitJSON(params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// ToolRegistry holds the tools the agent may call, keyed by name.
type ToolRegistry struct {
	tools map[string]*Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*Tool)}
}

// Register compiles the tool's parameter schema and adds it, replacing any
// tool of the same name.
func (r *ToolRegistry) Register(tool *Tool) error {
	switch {
	case tool.Name == "":
		return fmt.Errorf("tool name cannot be empty")
	case tool.Execute == nil:
		return fmt.Errorf("tool %s has no executor", tool.Name)
	}
	schema, err := tool.Parameters.compile()
	if err != nil {
		return fmt.Errorf("tool %s: invalid parameter schema: %w", tool.Name, err)
	}
	tool.schema = schema
	r.tools[tool.Name] = tool
	return nil
}

// Resolve looks a tool up by name, falling back to the closest registered
// name when the model got it slightly wrong. The returned name is the
// canonical one, or the input itself when nothing is close enough.
func (r *ToolRegistry) Resolve(name string) (*Tool, string, bool) {
	if tool, ok := r.tools[name]; ok {
		return tool, name, true
	}
	if match, ok := r.closest(name); ok {
		return r.tools[match], match, true
	}
	return nil, name, false
}

// Execute runs the named tool. Lookup failures, schema violations and tool
// errors all come back as failed results.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params map[string]interface{}) ToolResult {
	tool, canonical, ok := r.Resolve(name)
	if !ok {
		return FailedResult(name, ErrToolNotFound)
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	if err := tool.Validate(params); err != nil {
		return FailedResult(canonical, err)
	}
	data, err := tool.Execute(ctx, params)
	if err != nil {
		return FailedResult(canonical, err)
	}
	return SucceededResult(data)
}

// GetTool returns the tool registered under exactly name.
func (r *ToolRegistry) GetTool(name string) (*Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// ListTools returns the tools sorted by name.
func (r *ToolRegistry) ListTools() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, name := range r.sortedNames() {
		out = append(out, r.tools[name])
	}
	return out
}

// FormatToolsForPrompt renders one line per tool:
//
//	- name: description | params: {a:type, b:type} | required: a
func (r *ToolRegistry) FormatToolsForPrompt() string {
	var sb strings.Builder
	for _, tool := range r.ListTools() {
		sb.WriteString("- ")
		sb.WriteString(tool.signature())
		sb.WriteByte('\n')
	}
	return sb.String()
}

func (t *Tool) signature() string {
	line := t.Name + ": " + t.Description
	if len(t.Parameters.Properties) > 0 {
		params := make([]string, 0, len(t.Parameters.Properties))
		for name, def := range t.Parameters.Properties {
			params = append(params, name+":"+paramType(def))
		}
		sort.Strings(params)
		line += " | params: {" + strings.Join(params, ", ") + "}"
	}
	if len(t.Parameters.Required) > 0 {
		line += " | required: " + strings.Join(t.Parameters.Required, ", ")
	}
	return line
}

func paramType(def interface{}) string {
	if m, ok := def.(map[string]interface{}); ok {
		if typ, ok := m["type"].(string); ok {
			return typ
		}
	}
	return "any"
}

func (r *ToolRegistry) sortedNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// minNameSimilarity is how close a wrong tool name must be to a registered
// one, as 1 - distance/longer length, before it is corrected.
const minNameSimilarity = 0.6

// nameMatch scores a registered name against a requested one.
type nameMatch struct {
	name       string
	shared     int     // underscore-separated words in common
	distance   int     // edit distance, case-insensitive
	similarity float64 // 1 - distance / longer name length, in runes
}

// beats orders matches by shared words, then by edit distance.
func (m nameMatch) beats(o nameMatch) bool {
	if m.shared != o.shared {
		return m.shared > o.shared
	}
	return m.distance < o.distance
}

// eligible reports whether the match is close enough to use. A shared
// word alone is not enough: get_stock_price is not get_weather.
func (m nameMatch) eligible() bool {
	return m.similarity >= minNameSimilarity
}

// closest picks the registered name nearest to input, if any is close
// enough. Names are scanned in sorted order so ties resolve the same way
// every time.
func (r *ToolRegistry) closest(input string) (string, bool) {
	if input == "" {
		return "", false
	}
	lower := strings.ToLower(input)
	words := nameWords(lower)

	var best *nameMatch
	for _, name := range r.sortedNames() {
		candidate := strings.ToLower(name)
		d := editDistance(lower, candidate)
		m := nameMatch{
			name:       name,
			shared:     sharedWords(words, nameWords(candidate)),
			distance:   d,
			similarity: 1 - float64(d)/float64(max(utf8.RuneCountInString(lower), utf8.RuneCountInString(candidate))),
		}
		if m.distance == 0 {
			return name, true
		}
		if m.eligible() && (best == nil || m.beats(*best)) {
			best = &m
		}
	}
	if best == nil {
		return "", false
	}
	return best.name, true
}

func nameWords(name string) []string {
	return strings.FieldsFunc(name, func(c rune) bool { return c == '_' })
}

func sharedWords(a, b []string) int {
	n := 0
	for _, w := range a {
		if slices.Contains(b, w) {
			n++
		}
	}
	return n
}

// editDistance is the Levenshtein distance over runes, one row at a time.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	row := make([]int, len(rb)+1)
	for j := range row {
		row[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		diag := row[0]
		row[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			up := row[j]
			row[j] = min(row[j-1]+1, up+1, diag+cost)
			diag = up
		}
	}
	return row[len(rb)]
}
