package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return params["city"], nil
}

func newTestRegistry(t *testing.T, names ...string) *ToolRegistry {
	t.Helper()
	r := NewToolRegistry()
	for _, n := range names {
		require.NoError(t, r.Register(&Tool{Name: n, Description: n, Execute: noop}))
	}
	return r
}

func TestRegister_RejectsIncompleteTools(t *testing.T) {
	r := NewToolRegistry()
	assert.Error(t, r.Register(&Tool{Execute: noop}))
	assert.Error(t, r.Register(&Tool{Name: "no_exec"}))
	assert.Empty(t, r.ListTools())
}

func TestResolve_FuzzyNames(t *testing.T) {
	r := newTestRegistry(t, "get_weather", "send_whatsapp", "calculator", "current_time", "remember_fact")

	tests := []struct {
		input string
		want  string
		found bool
	}{
		{"get_weather", "get_weather", true},
		{"Get_Weather", "get_weather", true},
		{"weather", "get_weather", true},
		{"send_whattsapp", "send_whatsapp", true},
		{"calcualtor", "calculator", true},
		{"current_tme", "current_time", true},
		{"xyz", "xyz", false},
		{"get_stock_price", "get_stock_price", false},
		{"time_zone_lookup", "time_zone_lookup", false},
		{"send_email", "send_email", false},
		{"remember_everything", "remember_everything", false},
		{"fact", "fact", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tool, canonical, ok := r.Resolve(tt.input)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, canonical)
			if ok {
				assert.Equal(t, tt.want, tool.Name)
			}
		})
	}
}

func TestExecute_ValidatesParameters(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register(&Tool{
		Name:        "get_weather",
		Description: "weather for a city",
		Parameters: ToolParameters{
			Type: "object",
			Properties: map[string]interface{}{
				"city": map[string]interface{}{"type": "string"},
			},
			Required: []string{"city"},
		},
		Execute: noop,
	}))

	ok := r.Execute(context.Background(), "weather", map[string]interface{}{"city": "Lisbon"})
	assert.True(t, ok.Success)
	assert.Equal(t, "Lisbon", ok.Display)

	missing := r.Execute(context.Background(), "get_weather", nil)
	assert.False(t, missing.Success)
	assert.Contains(t, missing.Display, `tool "get_weather" failed`)
	assert.Contains(t, missing.Display, ErrInvalidParams.Error())

	wrongType := r.Execute(context.Background(), "get_weather", map[string]interface{}{"city": true})
	assert.False(t, wrongType.Success)

	unknown := r.Execute(context.Background(), "nope", nil)
	assert.False(t, unknown.Success)
	assert.Contains(t, unknown.Display, ErrToolNotFound.Error())
}

func TestExecute_ToolErrorIsAValue(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register(&Tool{Name: "fails", Execute: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		return nil, errors.New("quota exceeded")
	}}))

	res := r.Execute(context.Background(), "fails", nil)

	assert.False(t, res.Success)
	assert.Equal(t, `tool "fails" failed: quota exceeded`, res.Display)
}

func TestSucceededResult_Rendering(t *testing.T) {
	assert.Equal(t, "OK", SucceededResult(nil).Display)
	assert.Equal(t, "plain", SucceededResult("plain").Display)
	assert.JSONEq(t, `{"a":1}`, SucceededResult(map[string]int{"a": 1}).Display)
}

func TestFormatToolsForPrompt(t *testing.T) {
	r := NewToolRegistry()
	assert.Empty(t, r.FormatToolsForPrompt())

	require.NoError(t, r.Register(&Tool{
		Name:        "convert",
		Description: "converts units",
		Parameters: ToolParameters{
			Properties: map[string]interface{}{
				"value": map[string]interface{}{"type": "number"},
				"unit":  map[string]interface{}{"type": "string"},
				"note":  map[string]interface{}{"description": "untyped"},
			},
			Required: []string{"value", "unit"},
		},
		Execute: noop,
	}))
	require.NoError(t, r.Register(&Tool{Name: "ping", Description: "pings", Execute: noop}))

	assert.Equal(t,
		"- convert: converts units | params: {note:any, unit:string, value:number} | required: value, unit\n"+
			"- ping: pings\n",
		r.FormatToolsForPrompt())
}

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"calcualtor", "calculator", 2},
		{"café", "cafe", 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, editDistance(tt.a, tt.b), "%s/%s", tt.a, tt.b)
	}
}

func TestResolve_PrefersSharedWords(t *testing.T) {
	r := newTestRegistry(t, "read_file", "read_url", "write_file")

	_, canonical, ok := r.Resolve("read_the_file")

	require.True(t, ok)
	assert.Equal(t, "read_file", canonical)
}
