// Package session persists conversations and drives the turn loop.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session status values published on session.status.
const (
	StatusIdle    = "idle"
	StatusWorking = "working"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part types.
const (
	PartText       = "text"
	PartReasoning  = "reasoning"
	PartTool       = "tool"
	PartFile       = "file"
	PartStepStart  = "step_start"
	PartStepFinish = "step_finish"
	PartPatch      = "patch"
	PartCompaction = "compaction"
	PartSubtask    = "subtask"
)

// Tool part states.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// Session is the root record, keyed session/{id}.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Directory string    `json:"directory"`
	Agent     string    `json:"agent,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is keyed message/{session_id}/{id}; its id sorts after every
// earlier message in the session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Part is keyed part/{message_id}/{id}. One struct covers the tagged
// union; Type picks which fields are meaningful.
type Part struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Type      string `json:"type"`

	Text string `json:"text,omitempty"`

	// Tool call fields.
	CallID    string          `json:"call_id,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	State     string          `json:"state,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`

	// File attachment fields.
	MIME     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	Content  []byte `json:"content,omitempty"`
}

// MessageWithParts is the loaded view of one message.
type MessageWithParts struct {
	Message Message
	Parts   []Part
}

// NewID returns a time-ordered identifier: ids created later sort
// after ids created earlier, so storage key order is history order.
func NewID() string {
	now := time.Now().UnixNano()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%016x%s", now, suffix)
}
