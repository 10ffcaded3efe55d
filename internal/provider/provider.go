// Package provider abstracts the model backend behind a streaming
// interface the session loop consumes.
package provider

import (
	"context"
	"encoding/json"
)

// Role of a conversation message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolDef describes one tool in the request catalogue.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolCall is the model asking for a tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult feeds a completed call back to the model.
type ToolResult struct {
	CallID  string
	Output  string
	IsError bool
}

// Message is one turn of conversation history.
type Message struct {
	Role        string
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Request is one model invocation.
type Request struct {
	Model  string
	System string
	// Messages is the full history, oldest first.
	Messages []Message
	Tools    []ToolDef
}

// EventKind discriminates stream events.
type EventKind string

const (
	// EventTextDelta appends text to the current assistant message.
	EventTextDelta EventKind = "text_delta"
	// EventReasoningDelta appends to the reasoning part.
	EventReasoningDelta EventKind = "reasoning_delta"
	// EventToolCall is a complete tool invocation request.
	EventToolCall EventKind = "tool_call"
	// EventDone closes the turn and carries the stop reason.
	EventDone EventKind = "done"
)

// Event is one unit of streamed model output.
type Event struct {
	Kind       EventKind
	Text       string
	Call       *ToolCall
	StopReason string
}

// Stream yields events until io.EOF.
type Stream interface {
	// Next blocks for the next event; io.EOF ends the stream.
	Next() (Event, error)
	Close() error
}

// Provider turns a request into a stream of events.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}
