package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvidai/assistant-backend/internal/checkpoint"
	"github.com/corvidai/assistant-backend/internal/config"
	"github.com/corvidai/assistant-backend/internal/model"
)

func TestThreadConfigResolveFallsBackToDefaults(t *testing.T) {
	defaults := config.Config{DefaultModel: "claude-sonnet-4-5", DefaultTemperature: 0.7, ContextWindow: 30000}

	resolved := ThreadConfig{}.Resolve(defaults)
	require.Equal(t, "claude-sonnet-4-5", resolved.Model)
	require.Equal(t, 0.7, resolved.Temperature)
	require.Equal(t, 30000, resolved.ContextWindow)

	overridden := ThreadConfig{Model: "claude-opus-4", Temperature: 0.2, ContextWindow: 8000}.Resolve(defaults)
	require.Equal(t, "claude-opus-4", overridden.Model)
	require.Equal(t, 0.2, overridden.Temperature)
	require.Equal(t, 8000, overridden.ContextWindow)
}

func TestBuildMessagesIncludesSummaryOnlyWhenPresent(t *testing.T) {
	cfg := ThreadConfig{SystemPrompt: "Answer only in French."}

	withoutSummary := buildMessages(cfg, checkpoint.State{
		Messages: []checkpoint.Message{{ID: "1", Role: "user", Content: "hi"}},
	})
	require.Len(t, withoutSummary, 2) // system + the one user message
	require.Equal(t, model.RoleSystem, withoutSummary[0].Role)

	withSummary := buildMessages(cfg, checkpoint.State{
		Summary:  "Discussed dataset X.",
		Messages: []checkpoint.Message{{ID: "1", Role: "user", Content: "hi"}},
	})
	require.Len(t, withSummary, 3) // system + summary + the one user message
	require.Contains(t, withSummary[1].Text(), "Discussed dataset X.")
}

func TestDispatchReportsUnknownTool(t *testing.T) {
	r := &Runtime{tools: map[string]Tool{}}
	var events []Event
	sink := func(e Event) { events = append(events, e) }

	output, produced, isError := r.dispatch(context.Background(), "thread-1", "run-1", model.ToolCall{ID: "call-1", Name: "nope", Payload: json.RawMessage(`{}`)}, sink)

	require.True(t, isError)
	require.Nil(t, produced)
	require.Contains(t, output, "nope")
	require.Len(t, events, 2) // tool_start, tool_end
	require.Equal(t, EventToolStart, events[0].Kind)
	require.Equal(t, EventToolEnd, events[1].Kind)
}

func TestStepAgentRoutesToSummarizeOverThreshold(t *testing.T) {
	r := &Runtime{}
	cfg := ThreadConfig{ContextWindow: 1000}
	state := checkpoint.State{TokenCount: 900} // >= 0.9*1000

	res, err := r.stepAgent(context.Background(), "thread-1", "run-1", cfg, state, func(Event) {})
	require.NoError(t, err)
	require.Equal(t, nodeSummarize, res.next)
}
