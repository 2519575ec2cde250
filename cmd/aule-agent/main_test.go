package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/auleagent/internal/config"
	"github.com/manthysbr/auleagent/internal/core/domain"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSealCmd(t *testing.T) {
	t.Setenv("AULE_SECRET_KEY", "passphrase")

	out, err := execute(t, "seal", "sk-live-123")
	require.NoError(t, err)

	sealed := strings.TrimSpace(out)
	require.True(t, config.IsSealed(sealed))
	key, err := config.NewSecretKey("passphrase")
	require.NoError(t, err)
	opened, err := key.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", opened)
}

func TestSealCmd_NeedsKey(t *testing.T) {
	t.Setenv("AULE_SECRET_KEY", "")

	_, err := execute(t, "seal", "sk-live-123")
	assert.ErrorIs(t, err, config.ErrNoSecretKey)
}

func TestChatCmd_RequiresMessage(t *testing.T) {
	_, err := execute(t, "chat")
	assert.Error(t, err)
}

func TestPrintSteps(t *testing.T) {
	var out bytes.Buffer
	printSteps(&out, []domain.ReActStep{
		{Iteration: 1, Action: domain.Action{Kind: domain.ActionToolCall, Tool: "current_time", Thought: "need the clock"}, Observation: "09:26"},
		{Iteration: 2, Action: domain.Action{Kind: domain.ActionFinalAnswer, Answer: "It is 09:26"}},
	})

	assert.Equal(t, "#1 tool_call current_time\n   thought: need the clock\n   observation: 09:26\n#2 final_answer\n\n", out.String())
}
