// Package anthropic implements model.Client on top of the Anthropic Claude
// Messages API.
//
// Adapted from goadesign-goa-ai/features/model/anthropic/client.go: the
// MessagesClient seam, request preparation, and response/usage translation
// follow that file closely. Trimmed for this system's narrower model
// package (no tool-name sanitization map, no thinking/caching/citations)
// since the agent runtime here registers a small, fixed tool set (the
// code_sandbox tool) whose names are already
// provider-safe identifiers chosen by this codebase, not derived from a
// generic "toolset.tool" namespacing scheme.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/corvidai/assistant-backend/internal/model"
)

// MessagesClient captures the subset of the Anthropic SDK used here. It is
// satisfied by *sdk.MessageService so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client implements model.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	defaultTemp  float64
	maxTokens    int
}

// Options configures default request parameters applied when a Request
// leaves them zero.
type Options struct {
	DefaultModel string
	Temperature  float64
	MaxTokens    int
}

// New builds an Anthropic-backed model.Client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		defaultTemp:  opts.Temperature,
		maxTokens:    opts.MaxTokens,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// transport, authenticated with apiKey.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translateResponse(msg), nil
}

// Stream invokes Messages.NewStreaming and adapts events into model.Chunks.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: messages.new stream: %w", err)
	}
	return &streamer{stream: stream, acc: sdk.Message{}}, nil
}

func (c *Client) prepareRequest(req model.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.defaultTemp
	}

	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return params, nil
}

func encodeMessages(msgs []model.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	system := make([]sdk.TextBlockParam, 0, len(msgs))

	for _, m := range msgs {
		if m.Role == model.RoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(model.TextPart); ok && v.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: v.Text})
				}
			}
			continue
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ToolUsePart:
				var input any = map[string]any{}
				if len(v.Input) > 0 {
					if err := json.Unmarshal(v.Input, &input); err != nil {
						return nil, nil, fmt.Errorf("anthropic: decode tool_use input: %w", err)
					}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, input, v.Name))
			case model.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, v.Content, v.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message) model.Response {
	resp := model.Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			resp.Content = append(resp.Content, model.Message{
				Role:  model.RoleAssistant,
				Parts: []model.Part{model.TextPart{Text: block.Text}},
			})
		case "tool_use":
			payload, _ := json.Marshal(block.Input)
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:      block.ID,
				Name:    block.Name,
				Payload: payload,
			})
		}
	}
	resp.Usage = model.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return resp
}

// streamer adapts the Anthropic SSE stream into model.Chunks, accumulating
// enough state to report usage in the terminal ChunkStop.
type streamer struct {
	stream      *ssestream.Stream[sdk.MessageStreamEventUnion]
	acc         sdk.Message
	toolUseNext int // index into acc.Content of the next tool_use block to emit
	done        bool
}

func (s *streamer) Recv() (model.Chunk, error) {
	if s.done {
		return s.nextPendingToolUse()
	}
	for s.stream.Next() {
		event := s.stream.Current()
		if err := s.acc.Accumulate(event); err != nil {
			return model.Chunk{}, fmt.Errorf("anthropic: accumulate stream event: %w", err)
		}
		switch variant := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if variant.Delta.Text != "" {
				return model.Chunk{Type: model.ChunkText, Text: variant.Delta.Text}, nil
			}
		case sdk.MessageStopEvent:
			s.done = true
			return model.Chunk{
				Type:       model.ChunkStop,
				StopReason: string(s.acc.StopReason),
				Usage: &model.TokenUsage{
					InputTokens:  int(s.acc.Usage.InputTokens),
					OutputTokens: int(s.acc.Usage.OutputTokens),
				},
			}, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return model.Chunk{}, fmt.Errorf("anthropic: stream: %w", err)
	}
	s.done = true
	return s.nextPendingToolUse()
}

// nextPendingToolUse drains any tool_use blocks accumulated by the final
// message, emitting one ChunkToolCall per call before signalling EOF. The
// Anthropic stream protocol delivers MessageStopEvent before callers have
// had a chance to read tool_use blocks out of content-block-stop events, so
// the adapter surfaces them here instead of inline during the event loop.
func (s *streamer) nextPendingToolUse() (model.Chunk, error) {
	for s.toolUseNext < len(s.acc.Content) {
		block := s.acc.Content[s.toolUseNext]
		s.toolUseNext++
		if block.Type != "tool_use" {
			continue
		}
		payload, _ := json.Marshal(block.Input)
		return model.Chunk{
			Type: model.ChunkToolCall,
			ToolCall: &model.ToolCall{
				ID:      block.ID,
				Name:    block.Name,
				Payload: payload,
			},
		}, nil
	}
	return model.Chunk{}, io.EOF
}

func (s *streamer) Close() error {
	return s.stream.Close()
}
