// Package agent implements the Agent Runtime: a two-node state machine
// (agent, summarize) that drives a tool-using model across a thread's
// durable conversation state, emitting streaming events for the Streaming
// Orchestrator to translate into SSE frames.
//
// Grounded on backend/graph/graph.py's agent_node/summarize_conversation:
// agent_node checks token_count against 0.9×context_window before doing any
// model work and, if over threshold, routes to summarize_conversation first
// and answers after; summarize_conversation extends (or creates) the running
// summary, prunes the message log to the last 4 entries, and resets
// token_count before returning control to agent. Unlike graph.py's
// Command(update=..., goto=...) — which LangGraph applies to its own state
// store — each step here both returns a stepResult tagging its outgoing
// node and applies its own checkpoint.Store writes directly, since this
// system has no separate graph-state reducer layer to hand updates to.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corvidai/assistant-backend/internal/artifacts"
	"github.com/corvidai/assistant-backend/internal/checkpoint"
	"github.com/corvidai/assistant-backend/internal/config"
	"github.com/corvidai/assistant-backend/internal/model"
)

const defaultSystemPrompt = `You are a helpful AI assistant with access to a sandboxed code execution tool.

You manage one important directory inside your sandbox's filesystem:

* /session/artifacts/ - save any file here that you want to show the user (images, HTML, tables, ...); everything saved there is automatically ingested and deduplicated.

Do not display plots inline; save them to the artifact directory instead.`

const summarizerSystemPrompt = "You are a helpful AI assistant that summarizes conversations. Be concise but include details of any analysis performed; never include code; write in the same language as the conversation."

// node names the Agent Runtime's two steps.
type node string

const (
	nodeAgent     node = "agent"
	nodeSummarize node = "summarize"
	nodeEnd       node = ""
)

// stepResult tags a step's outgoing transition, mirroring graph.py's
// Command(update=..., goto=...) pairing without a shared state-reducer
// layer: the step has already applied update to the checkpoint.Store by the
// time it returns.
type stepResult struct {
	next node
}

// EventKind identifies the category of a streamed Event.
type EventKind string

const (
	EventToken          EventKind = "token"
	EventToolStart      EventKind = "tool_start"
	EventToolEnd        EventKind = "tool_end"
	EventSummarizeStart EventKind = "summarizing_start"
	EventSummarizeDone  EventKind = "summarizing_done"
)

// Event is one unit of progress the Agent Runtime reports while running;
// the Streaming Orchestrator maps these onto SSE frames.
type Event struct {
	Kind       EventKind
	Text       string // EventToken
	ToolCallID string // EventToolStart / EventToolEnd
	ToolName   string // EventToolStart / EventToolEnd
	ToolInput  json.RawMessage
	Output     string // EventToolEnd
	Artifacts  []artifacts.Descriptor
}

// Sink receives Events as the run progresses.
type Sink func(Event)

// ToolHandler executes one tool invocation. It returns the tool's textual
// result (what the model sees), any artifacts produced, and whether the
// call failed.
type ToolHandler func(ctx context.Context, threadID, runID, toolCallID string, input json.RawMessage) (output string, produced []artifacts.Descriptor, isError bool)

// Tool pairs a model-visible definition with its local handler.
type Tool struct {
	Definition model.ToolDefinition
	Handler    ToolHandler
}

// ThreadConfig holds the per-thread overrides stored in the configs table;
// zero values fall back to the process-wide defaults in config.Config.
type ThreadConfig struct {
	Model         string
	Temperature   float64
	SystemPrompt  string
	ContextWindow int
}

func (tc ThreadConfig) Resolve(defaults config.Config) ThreadConfig {
	out := tc
	if out.Model == "" {
		out.Model = defaults.DefaultModel
	}
	if out.Temperature == 0 {
		out.Temperature = defaults.DefaultTemperature
	}
	if out.ContextWindow == 0 {
		out.ContextWindow = defaults.ContextWindow
	}
	return out
}

// Runtime is the Agent Runtime.
type Runtime struct {
	chat       model.Client
	summarizer model.Client
	checkpoint *checkpoint.Store
	defaults   config.Config
	tools      map[string]Tool
}

// New returns a Runtime. summarizer is a distinct, dedicated-small-model
// client (graph.py's agent_summarizer hardcodes ChatOpenAI("gpt-4o-mini"),
// separate from the main agent's configurable model_name); the model id it
// runs is defaults.SummarizerModel, not the thread's resolved chat model.
func New(chat, summarizer model.Client, store *checkpoint.Store, defaults config.Config, tools []Tool) *Runtime {
	m := make(map[string]Tool, len(tools))
	for _, t := range tools {
		m[t.Definition.Name] = t
	}
	return &Runtime{chat: chat, summarizer: summarizer, checkpoint: store, defaults: defaults, tools: m}
}

// Run appends userText to the thread's durable message log as a new user
// turn, then drives the agent↔summarize state machine to completion,
// reporting progress on sink. It returns once a turn-final assistant
// message has been produced and persisted.
func (r *Runtime) Run(ctx context.Context, threadID, runID string, cfg ThreadConfig, userText string, sink Sink) error {
	cfg = cfg.Resolve(r.defaults)

	if err := r.checkpoint.AppendMessages(ctx, threadID, []checkpoint.Message{
		{ID: uuid.NewString(), Role: "user", Content: userText},
	}); err != nil {
		return fmt.Errorf("agent: append user turn: %w", err)
	}

	current := nodeAgent
	for current != nodeEnd {
		state, err := r.checkpoint.Load(ctx, threadID)
		if err != nil {
			return fmt.Errorf("agent: load state: %w", err)
		}

		var res stepResult
		switch current {
		case nodeAgent:
			res, err = r.stepAgent(ctx, threadID, runID, cfg, state, sink)
		case nodeSummarize:
			res, err = r.stepSummarize(ctx, threadID, cfg, state, sink)
		default:
			return fmt.Errorf("agent: unknown node %q", current)
		}
		if err != nil {
			return err
		}
		current = res.next
	}
	return nil
}

// stepAgent is graph.py's agent_node: threshold-check token_count first; if
// over, hand off to summarize before doing any model work. Otherwise run
// the tool-dispatch loop to a final answer and persist it.
func (r *Runtime) stepAgent(ctx context.Context, threadID, runID string, cfg ThreadConfig, state checkpoint.State, sink Sink) (stepResult, error) {
	threshold := float64(cfg.ContextWindow) * 0.9
	if float64(state.TokenCount) >= threshold {
		return stepResult{next: nodeSummarize}, nil
	}

	messages := buildMessages(cfg, state)

	final, usage, err := r.reactLoop(ctx, threadID, runID, cfg, messages, sink)
	if err != nil {
		return stepResult{}, fmt.Errorf("agent: react loop: %w", err)
	}

	if err := r.checkpoint.AppendMessages(ctx, threadID, []checkpoint.Message{
		{ID: uuid.NewString(), Role: "assistant", Content: final},
	}); err != nil {
		return stepResult{}, fmt.Errorf("agent: persist assistant turn: %w", err)
	}
	if err := r.checkpoint.SetTokenCount(ctx, threadID, usage.InputTokens); err != nil {
		return stepResult{}, fmt.Errorf("agent: persist token count: %w", err)
	}

	return stepResult{next: nodeEnd}, nil
}

// stepSummarize is graph.py's summarize_conversation: extend (or create)
// the running summary with a dedicated model call, prune the message log
// to the last 4 entries, reset token_count, and hand back to agent.
func (r *Runtime) stepSummarize(ctx context.Context, threadID string, cfg ThreadConfig, state checkpoint.State, sink Sink) (stepResult, error) {
	sink(Event{Kind: EventSummarizeStart})

	var prompt string
	if state.Summary != "" {
		prompt = fmt.Sprintf(
			"This is the summary of the conversation to date: %s\n\nExtend the summary by taking into account the new messages above:",
			state.Summary,
		)
	} else {
		prompt = "Create a summary of the conversation above:"
	}

	req := model.Request{
		Model:       r.defaults.SummarizerModel,
		Temperature: 0,
		Messages: append(
			toModelMessages(summarizerSystemPrompt, state.Messages),
			model.Message{Role: model.RoleUser, Parts: []model.Part{model.TextPart{Text: prompt}}},
		),
	}
	resp, err := r.summarizer.Complete(ctx, req)
	if err != nil {
		return stepResult{}, fmt.Errorf("agent: summarize: %w", err)
	}

	var summary strings.Builder
	for _, m := range resp.Content {
		summary.WriteString(m.Text())
	}

	keep := 4
	var pruneIDs []string
	if len(state.Messages) > keep {
		for _, m := range state.Messages[:len(state.Messages)-keep] {
			pruneIDs = append(pruneIDs, m.ID)
		}
	}

	if err := r.checkpoint.SetSummary(ctx, threadID, summary.String()); err != nil {
		return stepResult{}, fmt.Errorf("agent: persist summary: %w", err)
	}
	if err := r.checkpoint.RemoveMessages(ctx, threadID, pruneIDs); err != nil {
		return stepResult{}, fmt.Errorf("agent: prune messages: %w", err)
	}
	if err := r.checkpoint.SetTokenCount(ctx, threadID, 0); err != nil {
		return stepResult{}, fmt.Errorf("agent: reset token count: %w", err)
	}

	sink(Event{Kind: EventSummarizeDone})
	return stepResult{next: nodeAgent}, nil
}

// buildMessages assembles the model request's message list: the system
// prompt, an optional summary-prefix system message (present only for this
// invocation, never persisted — graph.py's "dynamic at invocation" note),
// then the durable message log.
func buildMessages(cfg ThreadConfig, state checkpoint.State) []model.Message {
	prompt := defaultSystemPrompt
	if cfg.SystemPrompt != "" {
		prompt += "\n\nBelow are the user's thread-specific instructions; follow them, but prioritize the instructions above in case of conflict:\n" + cfg.SystemPrompt
	}

	var out []model.Message
	out = append(out, model.Message{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: prompt}}})
	if state.Summary != "" {
		out = append(out, model.Message{
			Role:  model.RoleSystem,
			Parts: []model.Part{model.TextPart{Text: "Summary of conversation earlier: " + state.Summary}},
		})
	}
	for _, m := range state.Messages {
		out = append(out, model.Message{Role: model.ConversationRole(m.Role), Parts: []model.Part{model.TextPart{Text: m.Content}}})
	}
	return out
}

func toModelMessages(systemPrompt string, msgs []checkpoint.Message) []model.Message {
	out := []model.Message{{Role: model.RoleSystem, Parts: []model.Part{model.TextPart{Text: systemPrompt}}}}
	for _, m := range msgs {
		out = append(out, model.Message{Role: model.ConversationRole(m.Role), Parts: []model.Part{model.TextPart{Text: m.Content}}})
	}
	return out
}

// reactLoop drives the model through zero or more tool-call rounds until it
// produces a final text answer, streaming token/tool_start/tool_end events
// as it goes. It returns the final answer text and the usage reported by
// the last model call, which stepAgent treats as the new token_count.
func (r *Runtime) reactLoop(ctx context.Context, threadID, runID string, cfg ThreadConfig, messages []model.Message, sink Sink) (string, model.TokenUsage, error) {
	defs := make([]model.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}

	for {
		req := model.Request{
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Messages:    messages,
			Tools:       defs,
		}
		stream, err := r.chat.Stream(ctx, req)
		if err != nil {
			return "", model.TokenUsage{}, err
		}

		var answer strings.Builder
		var calls []model.ToolCall
		var usage model.TokenUsage
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				stream.Close()
				return "", model.TokenUsage{}, err
			}
			switch chunk.Type {
			case model.ChunkText:
				answer.WriteString(chunk.Text)
				sink(Event{Kind: EventToken, Text: chunk.Text})
			case model.ChunkToolCall:
				if chunk.ToolCall != nil {
					calls = append(calls, *chunk.ToolCall)
				}
			case model.ChunkStop:
				if chunk.Usage != nil {
					usage = *chunk.Usage
				}
			}
		}
		stream.Close()

		if len(calls) == 0 {
			return answer.String(), usage, nil
		}

		assistantParts := make([]model.Part, 0, len(calls)+1)
		if answer.Len() > 0 {
			assistantParts = append(assistantParts, model.TextPart{Text: answer.String()})
		}
		for _, c := range calls {
			assistantParts = append(assistantParts, model.ToolUsePart{ID: c.ID, Name: c.Name, Input: c.Payload})
		}
		messages = append(messages, model.Message{Role: model.RoleAssistant, Parts: assistantParts})

		resultParts := make([]model.Part, 0, len(calls))
		for _, c := range calls {
			output, produced, isError := r.dispatch(ctx, threadID, runID, c, sink)
			resultParts = append(resultParts, model.ToolResultPart{ToolUseID: c.ID, Content: output, IsError: isError})
			_ = produced // already reported via EventToolEnd
		}
		messages = append(messages, model.Message{Role: model.RoleUser, Parts: resultParts})
	}
}

func (r *Runtime) dispatch(ctx context.Context, threadID, runID string, call model.ToolCall, sink Sink) (output string, produced []artifacts.Descriptor, isError bool) {
	sink(Event{Kind: EventToolStart, ToolCallID: call.ID, ToolName: call.Name, ToolInput: call.Payload})

	tool, ok := r.tools[call.Name]
	if !ok {
		output = fmt.Sprintf("tool %q is not available", call.Name)
		sink(Event{Kind: EventToolEnd, ToolCallID: call.ID, ToolName: call.Name, Output: output})
		return output, nil, true
	}

	output, produced, isError = tool.Handler(ctx, threadID, runID, call.ID, call.Payload)
	sink(Event{Kind: EventToolEnd, ToolCallID: call.ID, ToolName: call.Name, Output: output, Artifacts: produced})
	return output, produced, isError
}

// CodeSandboxInput is the schema code_sandbox expects, unmarshaled from a
// model.ToolCall's Payload.
type CodeSandboxInput struct {
	Code    string `json:"code"`
	Timeout int    `json:"timeout_seconds,omitempty"`
}

// DefaultExecTimeout bounds a sandbox exec when CodeSandboxInput.Timeout is
// unset.
const DefaultExecTimeout = 30 * time.Second
