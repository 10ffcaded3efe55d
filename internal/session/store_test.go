package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hotaru-ai/hotaru/internal/bus"
	"github.com/hotaru-ai/hotaru/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenFile(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db, bus.New(nil), nil)
}

func appendText(t *testing.T, s *Store, sessionID, role, text string) Message {
	t.Helper()
	msg := Message{ID: NewID(), SessionID: sessionID, Role: role, CreatedAt: time.Now()}
	part := Part{ID: NewID(), MessageID: msg.ID, Type: PartText, Text: text}
	if err := s.AppendMessage(context.Background(), msg, []Part{part}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	return msg
}

func texts(t *testing.T, s *Store, sessionID string) []string {
	t.Helper()
	messages, err := s.Messages(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	var out []string
	for _, m := range messages {
		for _, p := range m.Parts {
			if p.Type == PartText {
				out = append(out, p.Text)
			}
		}
	}
	return out
}

func TestMessagesKeepHistoryOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, t.TempDir(), "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	want := []string{"first", "second", "third", "fourth"}
	for i, text := range want {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		appendText(t, s, sess.ID, role, text)
	}

	got := texts(t, s, sess.ID)
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUndoRedoRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, t.TempDir(), "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	appendText(t, s, sess.ID, RoleUser, "U1")
	appendText(t, s, sess.ID, RoleAssistant, "A1")
	appendText(t, s, sess.ID, RoleUser, "U2")
	appendText(t, s, sess.ID, RoleAssistant, "A2")

	if err := s.Undo(ctx, sess.ID); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	got := texts(t, s, sess.ID)
	if len(got) != 2 || got[0] != "U1" || got[1] != "A1" {
		t.Fatalf("after undo, history = %v, want [U1 A1]", got)
	}
	if depth := s.RedoDepth(sess.ID); depth != 1 {
		t.Fatalf("RedoDepth() = %d, want 1", depth)
	}

	if err := s.Redo(ctx, sess.ID); err != nil {
		t.Fatalf("Redo() error = %v", err)
	}
	got = texts(t, s, sess.ID)
	want := []string{"U1", "A1", "U2", "A2"}
	if len(got) != len(want) {
		t.Fatalf("after redo, history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("after redo, message %d = %q, want %q", i, got[i], want[i])
		}
	}
	if depth := s.RedoDepth(sess.ID); depth != 0 {
		t.Errorf("RedoDepth() after redo = %d, want 0", depth)
	}
}

func TestUndoRemovesToolParts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, t.TempDir(), "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	appendText(t, s, sess.ID, RoleUser, "look around")
	msg := Message{ID: NewID(), SessionID: sess.ID, Role: RoleAssistant, CreatedAt: time.Now()}
	part := Part{
		ID:        NewID(),
		MessageID: msg.ID,
		Type:      PartTool,
		CallID:    "call_1",
		Tool:      "glob",
		State:     ToolCompleted,
		Output:    "main.go",
	}
	if err := s.AppendMessage(ctx, msg, []Part{part}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	if err := s.Undo(ctx, sess.ID); err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	parts, err := s.Parts(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Parts() error = %v", err)
	}
	if len(parts) != 0 {
		t.Fatalf("tool parts survived undo: %v", parts)
	}

	if err := s.Redo(ctx, sess.ID); err != nil {
		t.Fatalf("Redo() error = %v", err)
	}
	parts, err = s.Parts(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Parts() after redo error = %v", err)
	}
	if len(parts) != 1 || parts[0].Tool != "glob" || parts[0].Output != "main.go" {
		t.Fatalf("tool part not restored: %v", parts)
	}
}

func TestUndoEmptySessionFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, t.TempDir(), "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.Undo(ctx, sess.ID); err == nil {
		t.Fatal("Undo() on empty session succeeded, want error")
	}
	if err := s.Redo(ctx, sess.ID); err == nil {
		t.Fatal("Redo() with empty stack succeeded, want error")
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, t.TempDir(), "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	msg := appendText(t, s, sess.ID, RoleUser, "hello")

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := s.GetSession(ctx, sess.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSession() after delete error = %v, want ErrNotFound", err)
	}
	messages, err := s.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("messages survived delete: %v", messages)
	}
	parts, err := s.Parts(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Parts() error = %v", err)
	}
	if len(parts) != 0 {
		t.Errorf("parts survived delete: %v", parts)
	}
}

func TestSetStatusPublishesEvent(t *testing.T) {
	db, err := storage.OpenFile(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	b := bus.New(nil)
	s := NewStore(db, b, nil)
	ctx := context.Background()

	var statuses []string
	b.Subscribe(EventStatus, func(ctx context.Context, ev bus.Event) {
		var props struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(ev.Properties, &props); err == nil {
			statuses = append(statuses, props.Status)
		}
	})

	sess, err := s.CreateSession(ctx, t.TempDir(), "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.SetStatus(ctx, sess.ID, StatusWorking); err != nil {
		t.Fatalf("SetStatus(working) error = %v", err)
	}
	if err := s.SetStatus(ctx, sess.ID, StatusIdle); err != nil {
		t.Fatalf("SetStatus(idle) error = %v", err)
	}

	if len(statuses) != 2 || statuses[0] != StatusWorking || statuses[1] != StatusIdle {
		t.Fatalf("statuses = %v, want [working idle]", statuses)
	}
	loaded, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if loaded.Status != StatusIdle {
		t.Errorf("persisted status = %q, want idle", loaded.Status)
	}
}

func TestNewIDOrdering(t *testing.T) {
	prev := NewID()
	for i := 0; i < 50; i++ {
		time.Sleep(time.Microsecond)
		next := NewID()
		if next <= prev {
			t.Fatalf("ids not increasing: %q then %q", prev, next)
		}
		prev = next
	}
}
