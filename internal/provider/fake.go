package provider

import (
	"context"
	"io"
	"sync"
)

// Fake is a scripted provider for tests: each call to Stream consumes
// the next scripted turn.
type Fake struct {
	mu sync.Mutex
	// Turns are consumed in order; a request past the end yields an
	// immediate done event.
	Turns [][]Event
	// Requests records what the session loop sent, for assertions.
	Requests []Request
}

// Stream pops the next scripted turn.
func (f *Fake) Stream(ctx context.Context, req Request) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)

	var events []Event
	if len(f.Turns) > 0 {
		events = f.Turns[0]
		f.Turns = f.Turns[1:]
	} else {
		events = []Event{{Kind: EventDone, StopReason: "end_turn"}}
	}
	return &fakeStream{events: events}, nil
}

type fakeStream struct {
	events []Event
	pos    int
}

func (s *fakeStream) Next() (Event, error) {
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *fakeStream) Close() error { return nil }

// TextTurn scripts a plain text reply ending the turn.
func TextTurn(text string) []Event {
	return []Event{
		{Kind: EventTextDelta, Text: text},
		{Kind: EventDone, StopReason: "end_turn"},
	}
}

// ToolTurn scripts a turn that requests one tool call.
func ToolTurn(call ToolCall) []Event {
	return []Event{
		{Kind: EventToolCall, Call: &call},
		{Kind: EventDone, StopReason: "tool_use"},
	}
}
