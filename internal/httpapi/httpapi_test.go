package httpapi

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvidai/assistant-backend/internal/config"
	"github.com/corvidai/assistant-backend/internal/store"
)

func TestMergeConfigFallsBackToDefaults(t *testing.T) {
	defaults := config.Config{DefaultModel: "claude-opus-4", DefaultTemperature: 0.7, ContextWindow: 128000}

	out := mergeConfig(nil, defaults)
	require.Equal(t, "claude-opus-4", out.Model)
	require.Equal(t, 0.7, out.Temperature)
	require.Equal(t, 128000, out.ContextWindow)
	require.Empty(t, out.SystemPrompt)
}

func TestMergeConfigAppliesOnlySetFields(t *testing.T) {
	defaults := config.Config{DefaultModel: "claude-opus-4", DefaultTemperature: 0.7, ContextWindow: 128000}
	model := "claude-haiku-4"
	row := &store.Config{Model: &model}

	out := mergeConfig(row, defaults)
	require.Equal(t, "claude-haiku-4", out.Model)
	require.Equal(t, 0.7, out.Temperature)
	require.Equal(t, 128000, out.ContextWindow)
}

func TestToThreadOutOmitsNilArchivedAt(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	th := &store.Thread{ID: "t1", UserID: "u1", Title: "New chat", CreatedAt: now, UpdatedAt: now}

	out := toThreadOut(th)
	require.Nil(t, out.ArchivedAt)

	b, err := json.Marshal(out)
	require.NoError(t, err)
	require.NotContains(t, string(b), "archived_at")
}

func TestToThreadOutIncludesArchivedAt(t *testing.T) {
	now := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	th := &store.Thread{ID: "t1", UserID: "u1", Title: "New chat", ArchivedAt: &now, CreatedAt: now, UpdatedAt: now}

	out := toThreadOut(th)
	require.NotNil(t, out.ArchivedAt)
	require.Equal(t, now.Format(timeFormat), *out.ArchivedAt)
}

func TestNonEmpty(t *testing.T) {
	require.Nil(t, nonEmpty(nil))
	require.Nil(t, nonEmpty([]byte{}))
	require.Equal(t, json.RawMessage(`{"a":1}`), nonEmpty([]byte(`{"a":1}`)))
}

func TestInlineMIMEsWhitelist(t *testing.T) {
	require.True(t, inlineMIMEs["text/html"])
	require.True(t, inlineMIMEs["image/svg+xml"])
	require.False(t, inlineMIMEs["application/pdf"])
	require.False(t, inlineMIMEs["application/octet-stream"])
}
