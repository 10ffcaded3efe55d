package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hotaru-ai/hotaru/internal/bus"
	"github.com/hotaru-ai/hotaru/internal/storage"
)

// Store persists sessions, messages, and parts over the key-value
// store, publishing change events as records move.
type Store struct {
	db     storage.Store
	bus    *bus.Bus
	logger *slog.Logger

	// redo holds turns removed by Undo, newest last, per session.
	// In-memory only: a restart empties it.
	redoMu sync.Mutex
	redo   map[string][]removedTurn
}

type removedTurn struct {
	messages []Message
	parts    map[string][]Part // message id -> parts
}

// NewStore wires the session store.
func NewStore(db storage.Store, b *bus.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		bus:    b,
		logger: logger.With("component", "session"),
		redo:   make(map[string][]removedTurn),
	}
}

func sessionKey(id string) storage.Key      { return storage.Key{"session", id} }
func messageKey(sid, id string) storage.Key { return storage.Key{"message", sid, id} }
func partKey(mid, id string) storage.Key    { return storage.Key{"part", mid, id} }

func (s *Store) publish(ctx context.Context, def bus.Definition, props map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, def, props); err != nil {
		s.logger.Warn("failed to publish event", "event", def.Type, "error", err)
	}
}

// CreateSession creates and announces a new session.
func (s *Store) CreateSession(ctx context.Context, directory, agent string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        NewID(),
		Directory: directory,
		Agent:     agent,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := storage.WriteJSON(ctx, s.db, sessionKey(sess.ID), sess); err != nil {
		return nil, err
	}
	s.publish(ctx, EventCreated, map[string]any{"id": sess.ID})
	return sess, nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := storage.ReadJSON[Session](ctx, s.db, sessionKey(id))
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// UpdateSession saves the record and announces the change.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now()
	if err := storage.WriteJSON(ctx, s.db, sessionKey(sess.ID), sess); err != nil {
		return err
	}
	s.publish(ctx, EventUpdated, map[string]any{"id": sess.ID})
	return nil
}

// SetStatus persists and broadcasts the session status.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	err := s.db.Update(ctx, sessionKey(id), func(raw json.RawMessage) (json.RawMessage, error) {
		if raw == nil {
			return nil, storage.ErrNotFound
		}
		var sess Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, err
		}
		sess.Status = status
		sess.UpdatedAt = time.Now()
		return json.Marshal(sess)
	})
	if err != nil {
		return err
	}
	s.publish(ctx, EventStatus, map[string]any{"id": id, "status": status})
	return nil
}

// ListSessions returns every session id, oldest first.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	keys, err := s.db.List(ctx, storage.Key{"session"})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(k)-1])
	}
	return ids, nil
}

// DeleteSession removes the session with all its messages and parts in
// one transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	messages, err := s.Messages(ctx, id)
	if err != nil {
		return err
	}
	ops := []storage.Op{storage.Delete(sessionKey(id))}
	for _, m := range messages {
		ops = append(ops, storage.Delete(messageKey(id, m.Message.ID)))
		for _, p := range m.Parts {
			ops = append(ops, storage.Delete(partKey(m.Message.ID, p.ID)))
		}
	}
	if err := s.db.Transaction(ctx, ops); err != nil {
		return err
	}
	s.redoMu.Lock()
	delete(s.redo, id)
	s.redoMu.Unlock()
	s.publish(ctx, EventDeleted, map[string]any{"id": id})
	return nil
}

// AppendMessage persists a message with its initial parts.
func (s *Store) AppendMessage(ctx context.Context, msg Message, parts []Part) error {
	if err := storage.WriteJSON(ctx, s.db, messageKey(msg.SessionID, msg.ID), msg); err != nil {
		return err
	}
	for _, p := range parts {
		if err := s.SavePart(ctx, msg.SessionID, p); err != nil {
			return err
		}
	}
	s.publish(ctx, EventMessageUpdated, map[string]any{"session_id": msg.SessionID, "message_id": msg.ID})
	return nil
}

// SavePart writes one part and announces it.
func (s *Store) SavePart(ctx context.Context, sessionID string, p Part) error {
	if err := storage.WriteJSON(ctx, s.db, partKey(p.MessageID, p.ID), p); err != nil {
		return err
	}
	s.publish(ctx, EventPartUpdated, map[string]any{
		"session_id": sessionID,
		"message_id": p.MessageID,
		"part_id":    p.ID,
		"type":       p.Type,
	})
	return nil
}

// Messages loads the session history in id (creation) order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]MessageWithParts, error) {
	keys, err := s.db.List(ctx, storage.Key{"message", sessionID})
	if err != nil {
		return nil, err
	}
	out := make([]MessageWithParts, 0, len(keys))
	for _, k := range keys {
		msg, err := storage.ReadJSON[Message](ctx, s.db, k)
		if err != nil {
			return nil, err
		}
		parts, err := s.Parts(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, MessageWithParts{Message: msg, Parts: parts})
	}
	return out, nil
}

// Parts loads one message's parts in creation order.
func (s *Store) Parts(ctx context.Context, messageID string) ([]Part, error) {
	keys, err := s.db.List(ctx, storage.Key{"part", messageID})
	if err != nil {
		return nil, err
	}
	out := make([]Part, 0, len(keys))
	for _, k := range keys {
		p, err := storage.ReadJSON[Part](ctx, s.db, k)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Undo atomically removes every message from the last user turn
// onward and pushes the removed records onto the session's redo stack.
func (s *Store) Undo(ctx context.Context, sessionID string) error {
	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return err
	}
	// Find the last user message; everything from it onward goes.
	start := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Message.Role == RoleUser {
			start = i
			break
		}
	}
	if start < 0 {
		return fmt.Errorf("session: nothing to undo in %s", sessionID)
	}

	turn := removedTurn{parts: make(map[string][]Part)}
	var ops []storage.Op
	for _, m := range messages[start:] {
		turn.messages = append(turn.messages, m.Message)
		turn.parts[m.Message.ID] = m.Parts
		ops = append(ops, storage.Delete(messageKey(sessionID, m.Message.ID)))
		for _, p := range m.Parts {
			ops = append(ops, storage.Delete(partKey(m.Message.ID, p.ID)))
		}
	}
	if err := s.db.Transaction(ctx, ops); err != nil {
		return err
	}

	s.redoMu.Lock()
	s.redo[sessionID] = append(s.redo[sessionID], turn)
	s.redoMu.Unlock()

	s.publish(ctx, EventUpdated, map[string]any{"id": sessionID})
	return nil
}

// Redo restores the most recently undone turn with the reverse
// transaction.
func (s *Store) Redo(ctx context.Context, sessionID string) error {
	s.redoMu.Lock()
	stack := s.redo[sessionID]
	if len(stack) == 0 {
		s.redoMu.Unlock()
		return fmt.Errorf("session: nothing to redo in %s", sessionID)
	}
	turn := stack[len(stack)-1]
	s.redo[sessionID] = stack[:len(stack)-1]
	s.redoMu.Unlock()

	var ops []storage.Op
	for _, m := range turn.messages {
		op, err := storage.Put(messageKey(sessionID, m.ID), m)
		if err != nil {
			return err
		}
		ops = append(ops, op)
		for _, p := range turn.parts[m.ID] {
			pop, err := storage.Put(partKey(m.ID, p.ID), p)
			if err != nil {
				return err
			}
			ops = append(ops, pop)
		}
	}
	if err := s.db.Transaction(ctx, ops); err != nil {
		// Put the turn back so the user can retry.
		s.redoMu.Lock()
		s.redo[sessionID] = append(s.redo[sessionID], turn)
		s.redoMu.Unlock()
		return err
	}

	s.publish(ctx, EventUpdated, map[string]any{"id": sessionID})
	return nil
}

// RedoDepth reports how many undone turns are restorable.
func (s *Store) RedoDepth(sessionID string) int {
	s.redoMu.Lock()
	defer s.redoMu.Unlock()
	return len(s.redo[sessionID])
}
