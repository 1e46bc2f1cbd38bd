// Package model defines the provider-agnostic message, tool, and streaming
// types that sit at the LLM provider boundary spec.md §1 explicitly keeps
// out of scope: the core depends on the Client interface only, never on a
// concrete provider SDK.
//
// Grounded on goadesign-goa-ai/runtime/agent/model/model.go, trimmed to the
// parts this system exercises: text content, tool use/result, and token
// usage. The teacher's multimodal parts (images, documents, citations,
// thinking, cache checkpoints) have no corresponding SPEC_FULL.md component —
// the sandbox/dataset tools and the agent's two-node state machine never
// produce or consume them — so they are dropped rather than carried as dead
// generality.
package model

import (
	"context"
	"encoding/json"
)

// ConversationRole is the role for a message in a conversation.
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
)

// Part is implemented by every message content block.
type Part interface{ isPart() }

// TextPart is plain assistant/user-visible text.
type TextPart struct{ Text string }

// ToolUsePart declares a tool invocation requested by the assistant.
type ToolUsePart struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultPart carries a tool result fed back to the model.
type ToolResultPart struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// Message is a single chat message: a role plus ordered content parts.
type Message struct {
	Role  ConversationRole
	Parts []Part
}

// Text concatenates the text parts of the message, for convenience.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// ToolDefinition describes one tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID      string
	Name    string
	Payload json.RawMessage
}

// TokenUsage reports token consumption for one model call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Request captures the inputs to one model invocation.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []ToolDefinition
}

// Response is the result of a non-streaming invocation.
type Response struct {
	Content    []Message
	ToolCalls  []ToolCall
	Usage      TokenUsage
	StopReason string
}

// ChunkType classifies a streamed Chunk.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkStop     ChunkType = "stop"
)

// Chunk is one incremental streaming event from the model.
type Chunk struct {
	Type       ChunkType
	Text       string
	ToolCall   *ToolCall
	Usage      *TokenUsage
	StopReason string
}

// Streamer delivers incremental model output. Callers drain Recv until it
// returns io.EOF, then Close.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the provider-agnostic model boundary the Agent Runtime depends
// on. Production code is backed by the Anthropic adapter in this module's
// model/anthropic package; tests substitute a fake.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Streamer, error)
}
