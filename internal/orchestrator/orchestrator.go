// Package orchestrator implements the Streaming Orchestrator: the
// POST /threads/{id}/messages endpoint that accepts one user message, runs
// the Agent Runtime, and streams progress back to the caller as
// Server-Sent Events.
//
// Grounded on backend/app/api.py's post_message_stream: role/thread
// validation before any streaming begins, an up-front context_update frame
// read from the graph's current token_count, idempotent user-message
// insert via the unique (thread_id, message_id) constraint, a per-thread
// lock held for the run's duration, the event-type-to-SSE-frame mapping
// (token, tool_start, tool_end, summarizing, context_update, title_updated,
// done, error — with a fresh context_update emitted immediately after
// summarizing "done" since token_count is now 0), a post-stream
// persistence pass for tool/assistant rows (one statement per row; the rows
// are not written inside a single transaction), and a
// best-effort auto-title pass over the first few messages when the title
// is still "New chat". SSE framing (data: <json>\n\n, flush per frame)
// follows the direct http.Flusher loop used elsewhere in the retrieved
// pack (e.g. the RAGbox chat handler's sendEvent) since nothing in the
// pack wraps SSE in a dedicated writer type.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/corvidai/assistant-backend/internal/agent"
	"github.com/corvidai/assistant-backend/internal/apperr"
	"github.com/corvidai/assistant-backend/internal/checkpoint"
	"github.com/corvidai/assistant-backend/internal/config"
	"github.com/corvidai/assistant-backend/internal/store"
	"github.com/corvidai/assistant-backend/internal/telemetry"
	"github.com/corvidai/assistant-backend/internal/threadlock"
)

// autoTitleWindow mirrors backend/app/api.py's llm_update_thread_title,
// which summarizes the thread's first four messages.
const autoTitleWindow = 4

// Titler produces a short title from a thread's opening messages.
// Deliberately distinct from the Agent Runtime's chat/summarizer clients:
// titling is a single one-shot completion, not a turn in the agent loop.
type Titler interface {
	Title(ctx context.Context, threadText string) (string, error)
}

// Orchestrator drives one streamed run per request.
type Orchestrator struct {
	runtime    *agent.Runtime
	checkpoint *checkpoint.Store
	store      *store.Store
	locks      *threadlock.Table
	titler     Titler
	defaults   config.Config
	logger     telemetry.Logger
}

// New returns an Orchestrator. titler may be nil, in which case auto-title
// is skipped entirely. logger may be nil, in which case logging is discarded.
func New(runtime *agent.Runtime, cp *checkpoint.Store, st *store.Store, locks *threadlock.Table, titler Titler, defaults config.Config, logger telemetry.Logger) *Orchestrator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Orchestrator{runtime: runtime, checkpoint: cp, store: st, locks: locks, titler: titler, defaults: defaults, logger: logger}
}

type postMessageIn struct {
	MessageID string          `json:"message_id"`
	Content   json.RawMessage `json:"content"`
	Role      string          `json:"role"`
}

// frame is one SSE data payload. Every field except tokens_used is tagged
// omitempty, so unset fields are dropped from each frame type. tokens_used
// is always serialized so that a context_update reporting 0 tokens still
// carries it; as a result it also appears, as 0, on every other frame type.
type frame struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	Name       string `json:"name,omitempty"`
	Input      any    `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	Artifacts  any    `json:"artifacts,omitempty"`
	Status     string `json:"status,omitempty"`
	Title      string `json:"title,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Error      string `json:"error,omitempty"`
	TokensUsed int    `json:"tokens_used"`
	MaxTokens  int    `json:"max_tokens,omitempty"`
}

// ServeHTTP handles POST /threads/{id}/messages; threadID is expected to
// already be extracted into r.PathValue("id") by the caller's router.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	threadID := r.PathValue("id")

	var in postMessageIn
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeErr(w, apperr.BadRequest("invalid request body: %v", err))
		return
	}
	if in.Role == "" {
		in.Role = "user"
	}
	if in.Role != "user" {
		writeErr(w, apperr.BadRequest("only role \"user\" is accepted"))
		return
	}

	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		writeErr(w, err)
		return
	}

	cfgRow, err := o.store.GetConfig(ctx, threadID)
	if err != nil {
		writeErr(w, fmt.Errorf("orchestrator: load config: %w", err))
		return
	}
	cfg := toAgentConfig(cfgRow).Resolve(o.defaults)

	if _, err := o.store.InsertUserMessage(ctx, threadID, in.MessageID, in.Content); err != nil {
		writeErr(w, err)
		return
	}
	userText := extractText(in.Content)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, fmt.Errorf("orchestrator: streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(f frame) {
		b, err := json.Marshal(f)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	resolvedWindow := cfg.ContextWindow
	if state, err := o.checkpoint.Load(ctx, threadID); err != nil {
		o.logger.Warn(ctx, "failed to load state for context update", "thread_id", threadID, "error", err)
	} else {
		emit(frame{Type: "context_update", TokensUsed: state.TokenCount, MaxTokens: resolvedWindow})
	}

	release := o.locks.Acquire(threadID)
	defer release()

	var toolCalls []toolCallRecord

	sink := func(e agent.Event) {
		switch e.Kind {
		case agent.EventToken:
			emit(frame{Type: "token", Content: e.Text})
		case agent.EventToolStart:
			emit(frame{Type: "tool_start", Name: e.ToolName, Input: rawOrNil(e.ToolInput)})
		case agent.EventToolEnd:
			toolCalls = append(toolCalls, toolCallRecord{id: e.ToolCallID, name: e.ToolName, input: e.ToolInput, output: e.Output})
			f := frame{Type: "tool_end", Name: e.ToolName, Output: e.Output}
			if len(e.Artifacts) > 0 {
				f.Artifacts = e.Artifacts
			}
			emit(f)
		case agent.EventSummarizeStart:
			emit(frame{Type: "summarizing", Status: "start"})
		case agent.EventSummarizeDone:
			emit(frame{Type: "summarizing", Status: "done"})
			emit(frame{Type: "context_update", TokensUsed: 0, MaxTokens: resolvedWindow})
		}
	}

	runID := uuid.NewString()
	if err := o.runtime.Run(ctx, threadID, runID, cfg, userText, sink); err != nil {
		o.logger.Error(ctx, "agent run failed", "thread_id", threadID, "message_id", in.MessageID, "error", err)
		emit(frame{Type: "error", Error: err.Error()})
		return
	}

	assistantText := o.lastAssistantText(ctx, threadID)
	assistantMsgID, err := o.persist(ctx, threadID, in.MessageID, toolCalls, assistantText)
	if err != nil {
		o.logger.Error(ctx, "persist run output failed", "thread_id", threadID, "error", err)
		emit(frame{Type: "error", Error: err.Error()})
		return
	}

	if newTitle, ok := o.maybeAutoTitle(ctx, thread.ID, thread.Title); ok {
		emit(frame{Type: "title_updated", Title: newTitle})
	}

	emit(frame{Type: "done", MessageID: assistantMsgID})
}

// lastAssistantText re-reads the durable checkpoint after a completed run
// and returns the most recent assistant turn, i.e. the final answer
// stepAgent appended — deliberately not reconstructed from accumulated
// token events, since an intermediate round's text (spoken before a tool
// call) must not be glued onto the final round's answer, matching the
// original's on_chat_model_end capture (which overwrites, never appends).
func (o *Orchestrator) lastAssistantText(ctx context.Context, threadID string) string {
	state, err := o.checkpoint.Load(ctx, threadID)
	if err != nil {
		return ""
	}
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == "assistant" {
			return state.Messages[i].Content
		}
	}
	return ""
}

// persist writes the tool and assistant rows produced by one run into the
// relational message history, in a short-lived pass after the SSE body has
// already finished streaming — mirroring backend/app/api.py's use of a
// separate write session "to avoid holding an open connection during SSE".
// Since internal/store issues one statement per call rather than holding a
// long-lived transaction across the whole stream, there is no separate
// connection to avoid here; the ordering (tool rows, then the assistant
// row) is preserved for fidelity with the original's persistence order.
func (o *Orchestrator) persist(ctx context.Context, threadID, userMsgID string, toolCalls []toolCallRecord, assistantText string) (string, error) {
	for idx, tc := range toolCalls {
		msgID := fmt.Sprintf("tool:%s:%d", userMsgID, idx)
		outputJSON, _ := json.Marshal(map[string]string{"content": tc.output})
		meta, _ := json.Marshal(map[string]string{"tool_call_id": tc.id})
		if err := o.store.InsertToolMessage(ctx, threadID, msgID, tc.name, tc.input, outputJSON, meta); err != nil {
			return "", fmt.Errorf("orchestrator: persist tool message: %w", err)
		}
	}

	if assistantText == "" {
		return "", nil
	}
	contentJSON, _ := json.Marshal(map[string]string{"text": assistantText})
	msgID := fmt.Sprintf("assistant:%s", userMsgID)
	id, err := o.store.InsertAssistantMessage(ctx, threadID, msgID, contentJSON)
	if err != nil {
		return "", fmt.Errorf("orchestrator: persist assistant message: %w", err)
	}
	return fmt.Sprintf("%d", id), nil
}

// maybeAutoTitle runs backend/app/api.py's llm_update_thread_title
// best-effort: only when the thread's title is still the "New chat"
// default, summarizing its first autoTitleWindow messages. Any failure is
// swallowed, matching the original's logging.warning-and-continue.
func (o *Orchestrator) maybeAutoTitle(ctx context.Context, threadID, currentTitle string) (string, bool) {
	if o.titler == nil || currentTitle != "New chat" {
		return "", false
	}
	msgs, err := o.store.FirstMessages(ctx, threadID, autoTitleWindow)
	if err != nil || len(msgs) == 0 {
		return "", false
	}

	var lines []string
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, extractText(m.Content)))
	}
	title, err := o.titler.Title(ctx, strings.Join(lines, "\n"))
	if err != nil || title == "" {
		o.logger.Warn(ctx, "auto-title failed", "thread_id", threadID, "error", err)
		return "", false
	}
	if err := o.store.UpdateTitle(ctx, threadID, title); err != nil {
		o.logger.Warn(ctx, "auto-title persist failed", "thread_id", threadID, "error", err)
		return "", false
	}
	return title, true
}

func toAgentConfig(row *store.Config) agent.ThreadConfig {
	var tc agent.ThreadConfig
	if row == nil {
		return tc
	}
	if row.Model != nil {
		tc.Model = *row.Model
	}
	if row.Temperature != nil {
		tc.Temperature = *row.Temperature
	}
	if row.SystemPrompt != nil {
		tc.SystemPrompt = *row.SystemPrompt
	}
	if row.ContextWindow != nil {
		tc.ContextWindow = *row.ContextWindow
	}
	return tc
}

func extractText(content json.RawMessage) string {
	var withText struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &withText); err == nil && withText.Text != "" {
		return withText.Text
	}
	return string(content)
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

type toolCallRecord struct {
	id     string
	name   string
	input  json.RawMessage
	output string
}

// writeErr renders err as a single JSON body with the status apperr maps
// it to. It is used only for pre-stream failures (bad request, thread not
// found, duplicate message) — once the SSE body has started, failures are
// reported as an "error" frame instead, never as a changed status code.
func writeErr(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.StatusCode(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
