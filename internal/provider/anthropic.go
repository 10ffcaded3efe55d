package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const defaultMaxTokens = 8192

// Anthropic backs the Provider interface with the Claude API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic builds the adapter. An empty apiKey falls back to the
// SDK's environment lookup.
func NewAnthropic(apiKey, defaultModel string) *Anthropic {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if defaultModel == "" {
		defaultModel = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

// Stream starts a streaming completion and adapts SDK events to the
// provider event shape.
func (a *Anthropic) Stream(ctx context.Context, req Request) (Stream, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	sse := a.client.Messages.NewStreaming(ctx, params)

	s := &anthropicStream{events: make(chan streamItem, 16), cancel: func() { _ = sse.Close() }}
	go s.pump(sse)
	return s, nil
}

type streamItem struct {
	event Event
	err   error
}

type anthropicStream struct {
	events chan streamItem
	cancel func()
}

func (s *anthropicStream) Next() (Event, error) {
	item, ok := <-s.events
	if !ok {
		return Event{}, io.EOF
	}
	return item.event, item.err
}

func (s *anthropicStream) Close() error {
	s.cancel()
	return nil
}

// pump translates SSE events. Text and thinking deltas stream through
// immediately; tool input JSON accumulates until the block closes.
func (s *anthropicStream) pump(sse *ssestream.Stream[anthropic.MessageStreamEventUnion]) {
	defer close(s.events)

	var currentCall *ToolCall
	var currentInput strings.Builder
	stopReason := ""

	for sse.Next() {
		event := sse.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCall = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					s.events <- streamItem{event: Event{Kind: EventTextDelta, Text: delta.Text}}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					s.events <- streamItem{event: Event{Kind: EventReasoningDelta, Text: delta.Thinking}}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentCall != nil {
				args := currentInput.String()
				if args == "" {
					args = "{}"
				}
				currentCall.Arguments = json.RawMessage(args)
				s.events <- streamItem{event: Event{Kind: EventToolCall, Call: currentCall}}
				currentCall = nil
			}

		case "message_delta":
			if reason := event.AsMessageDelta().Delta.StopReason; reason != "" {
				stopReason = string(reason)
			}

		case "message_stop":
			s.events <- streamItem{event: Event{Kind: EventDone, StopReason: stopReason}}
			return
		}
	}

	if err := sse.Err(); err != nil {
		s.events <- streamItem{err: fmt.Errorf("anthropic: %w", err)}
		return
	}
	s.events <- streamItem{event: Event{Kind: EventDone, StopReason: stopReason}}
}

func convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Text != "" {
			content = append(content, anthropic.NewTextBlock(msg.Text))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.CallID, tr.Output, tr.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}
	return result, nil
}
