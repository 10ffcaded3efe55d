package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hotaru-ai/hotaru/internal/bus"
)

// Question events mirror the permission ask/reply family.
var (
	EventQuestionAsked = bus.Define("question.asked", `{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"session_id": {"type": "string"},
			"text": {"type": "string"},
			"options": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["id", "text"]
	}`)
	EventQuestionReplied = bus.Define("question.replied", `{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"answer": {"type": "string"}
		},
		"required": ["id"]
	}`)
	EventQuestionRejected = bus.Define("question.rejected", `{
		"type": "object",
		"properties": {
			"id": {"type": "string"}
		},
		"required": ["id"]
	}`)
)

// Question is a free-form prompt to the user with optional
// multiple-choice answers.
type Question struct {
	ID        string
	SessionID string
	Text      string
	Options   []string
	// AllowCustom permits an answer outside Options.
	AllowCustom bool
}

type pendingQuestion struct {
	question Question
	result   chan questionResult
}

type questionResult struct {
	answer string
	err    error
}

// Questions blocks a caller until the user answers or rejects.
type Questions struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingQuestion
}

// NewQuestions creates the question service.
func NewQuestions(b *bus.Bus, logger *slog.Logger) *Questions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Questions{
		bus:     b,
		logger:  logger.With("component", "question"),
		pending: make(map[string]*pendingQuestion),
	}
}

// Ask publishes the question and suspends until an answer arrives.
func (q *Questions) Ask(ctx context.Context, question Question) (string, error) {
	if question.ID == "" {
		question.ID = uuid.NewString()
	}

	pend := &pendingQuestion{question: question, result: make(chan questionResult, 1)}
	q.mu.Lock()
	q.pending[question.ID] = pend
	q.mu.Unlock()

	if q.bus != nil {
		err := q.bus.Publish(ctx, EventQuestionAsked, map[string]any{
			"id":         question.ID,
			"session_id": question.SessionID,
			"text":       question.Text,
			"options":    question.Options,
		})
		if err != nil {
			q.logger.Warn("failed to publish question.asked", "error", err)
		}
	}

	select {
	case res := <-pend.result:
		return res.answer, res.err
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, question.ID)
		q.mu.Unlock()
		return "", ctx.Err()
	}
}

// Answer resolves a pending question.
func (q *Questions) Answer(ctx context.Context, id, answer string) error {
	q.mu.Lock()
	pend, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("question: no pending question %q", id)
	}
	if !pend.question.AllowCustom && len(pend.question.Options) > 0 && !contains(pend.question.Options, answer) {
		q.mu.Unlock()
		return fmt.Errorf("question: answer %q is not one of the options", answer)
	}
	delete(q.pending, id)
	q.mu.Unlock()

	pend.result <- questionResult{answer: answer}
	if q.bus != nil {
		err := q.bus.Publish(ctx, EventQuestionReplied, map[string]any{"id": id, "answer": answer})
		if err != nil {
			q.logger.Warn("failed to publish question.replied", "error", err)
		}
	}
	return nil
}

// Reject dismisses a pending question.
func (q *Questions) Reject(ctx context.Context, id string) error {
	q.mu.Lock()
	pend, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("question: no pending question %q", id)
	}
	delete(q.pending, id)
	q.mu.Unlock()

	pend.result <- questionResult{err: ErrRejected}
	if q.bus != nil {
		err := q.bus.Publish(ctx, EventQuestionRejected, map[string]any{"id": id})
		if err != nil {
			q.logger.Warn("failed to publish question.rejected", "error", err)
		}
	}
	return nil
}

// Shutdown rejects everything still pending.
func (q *Questions) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	pending := q.pending
	q.pending = make(map[string]*pendingQuestion)
	q.mu.Unlock()
	for _, pend := range pending {
		pend.result <- questionResult{err: ErrRejected}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
