package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvidai/assistant-backend/internal/store"
)

func TestExtractTextPrefersTextField(t *testing.T) {
	require.Equal(t, "hello", extractText(json.RawMessage(`{"text":"hello"}`)))
	require.Equal(t, `{"foo":"bar"}`, extractText(json.RawMessage(`{"foo":"bar"}`)))
}

func TestRawOrNil(t *testing.T) {
	require.Nil(t, rawOrNil(nil))
	require.Nil(t, rawOrNil(json.RawMessage{}))

	v := rawOrNil(json.RawMessage(`{"code":"print(1)"}`))
	m, ok := v.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "print(1)", m["code"])
}

func TestToAgentConfigAppliesOnlyNonNilFields(t *testing.T) {
	require.Zero(t, toAgentConfig(nil))

	model := "claude-opus-4"
	temp := 0.1
	cfg := toAgentConfig(&store.Config{Model: &model, Temperature: &temp})
	require.Equal(t, "claude-opus-4", cfg.Model)
	require.Equal(t, 0.1, cfg.Temperature)
	require.Equal(t, 0, cfg.ContextWindow)
}

func TestFrameOmitsUnsetFields(t *testing.T) {
	b, err := json.Marshal(frame{Type: "token", Content: "hi"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"token","content":"hi","tokens_used":0}`, string(b))
}
