package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corvidai/assistant-backend/internal/artifacts"
	"github.com/corvidai/assistant-backend/internal/model"
	"github.com/corvidai/assistant-backend/internal/sandbox"
)

// NewCodeSandboxTool adapts a sandbox.Manager into the code_sandbox Tool
// exposed to the model, grounded on backend/graph/tools.py's
// make_code_sandbox (one persistent per-thread sandbox, files written to
// /session/artifacts auto-ingested).
func NewCodeSandboxTool(mgr *sandbox.Manager) Tool {
	return Tool{
		Definition: model.ToolDefinition{
			Name: "code_sandbox",
			Description: "Execute Python code in a sandboxed environment that persists across calls " +
				"within the same conversation. Use it for calculations, data analysis, and visualizations. " +
				"Files written to /session/artifacts/ are made available to the user for download.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"code":            map[string]any{"type": "string", "description": "Python source to execute"},
					"timeout_seconds": map[string]any{"type": "integer", "description": "wall-clock timeout, defaults to 30s"},
				},
				"required": []string{"code"},
			},
		},
		Handler: func(ctx context.Context, threadID, runID, toolCallID string, input json.RawMessage) (string, []artifacts.Descriptor, bool) {
			var in CodeSandboxInput
			if err := json.Unmarshal(input, &in); err != nil {
				return fmt.Sprintf("invalid tool input: %v", err), nil, true
			}
			timeout := DefaultExecTimeout
			if in.Timeout > 0 {
				timeout = time.Duration(in.Timeout) * time.Second
			}

			result, err := mgr.Exec(ctx, threadID, in.Code, timeout, threadID, runID, toolCallID)
			if err != nil {
				return fmt.Sprintf("sandbox error: %v", err), nil, true
			}
			if !result.OK {
				msg := result.Error
				if result.Stdout != "" {
					msg = result.Stdout + "\n" + msg
				}
				return msg, result.Artifacts, true
			}

			out := result.Stdout
			if result.Stderr != "" {
				out += "\n[stderr]\n" + result.Stderr
			}
			return out, result.Artifacts, false
		},
	}
}
