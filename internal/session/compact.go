package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hotaru-ai/hotaru/internal/provider"
)

const compactPrompt = `Summarise the conversation so far for your own future reference.
Capture the user's goal, decisions made, files touched, and any unresolved
problems. Be specific about paths and names; omit pleasantries.`

// Compact asks the model for a summary of the session and appends it as
// a compaction part. Prompt assembly afterwards keeps the summary and
// drops the detail that preceded it.
func (r *Runner) Compact(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if _, busy := r.active[sessionID]; busy {
		r.mu.Unlock()
		return fmt.Errorf("session %s is already working", sessionID)
	}
	r.mu.Unlock()

	history, err := r.store.Messages(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return fmt.Errorf("session %s has no history to compact", sessionID)
	}

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	messages := historyToPrompt(history)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Text: compactPrompt})

	stream, err := r.prov.Stream(ctx, provider.Request{
		Model:    r.model(),
		Messages: messages,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if ev.Kind == provider.EventTextDelta {
			summary.WriteString(ev.Text)
		}
		if ev.Kind == provider.EventDone {
			break
		}
	}
	if summary.Len() == 0 {
		return fmt.Errorf("session %s: empty compaction summary", sessionID)
	}

	msg := Message{
		ID:        NewID(),
		SessionID: sess.ID,
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}
	part := Part{
		ID:        NewID(),
		MessageID: msg.ID,
		Type:      PartCompaction,
		Text:      summary.String(),
	}
	return r.store.AppendMessage(ctx, msg, []Part{part})
}

// RecordCommand announces a slash command execution, e.g. "/init". The
// runtime listens for these to update project state.
func (r *Runner) RecordCommand(ctx context.Context, sessionID, command string) {
	r.store.publish(ctx, EventCommandExecuted, map[string]any{
		"session_id": sessionID,
		"command":    command,
	})
}
