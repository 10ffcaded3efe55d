package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hotaru-ai/hotaru/internal/bus"
	"github.com/hotaru-ai/hotaru/internal/config"
	"github.com/hotaru-ai/hotaru/internal/permission"
	"github.com/hotaru-ai/hotaru/internal/provider"
	"github.com/hotaru-ai/hotaru/internal/skill"
	"github.com/hotaru-ai/hotaru/internal/tool"
)

const (
	// maxSteps bounds one user turn; the loop stops even if the model
	// keeps requesting tools.
	maxSteps = 25

	// doomloopThreshold is how many consecutive failures of the same
	// tool trigger a doomloop permission ask.
	doomloopThreshold = 3

	// Attachment caps for @path references in the user message.
	maxAttachments     = 8
	maxAttachmentBytes = 1 << 20
)

var attachmentPattern = regexp.MustCompile(`@([\w./~-]+)`)

// Runner drives conversation turns for sessions.
type Runner struct {
	store    *Store
	registry *tool.Registry
	perms    *permission.Service
	prov     provider.Provider
	cfg      *config.Config
	bus      *bus.Bus
	logger   *slog.Logger
	worktree string
	skills   *skill.Registry

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewRunner wires the session loop.
func NewRunner(store *Store, registry *tool.Registry, perms *permission.Service, prov provider.Provider, cfg *config.Config, b *bus.Bus, worktree string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:    store,
		registry: registry,
		perms:    perms,
		prov:     prov,
		cfg:      cfg,
		bus:      b,
		logger:   logger.With("component", "session"),
		worktree: worktree,
		active:   make(map[string]context.CancelFunc),
	}
}

// SetSkills installs the skill registry listed in system prompts.
func (r *Runner) SetSkills(skills *skill.Registry) { r.skills = skills }

func (r *Runner) skillList() []skill.Skill {
	if r.skills == nil {
		return nil
	}
	return r.skills.List()
}

// Interrupt aborts the active turn of a session, if any.
func (r *Runner) Interrupt(sessionID string) {
	r.mu.Lock()
	cancel, ok := r.active[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Busy reports whether a turn is running for the session.
func (r *Runner) Busy(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

// Shutdown interrupts every active turn.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.active))
	for _, cancel := range r.active {
		cancels = append(cancels, cancel)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Prompt appends a user message and runs the conversation turn to
// completion. It returns once the session is idle again.
func (r *Runner) Prompt(ctx context.Context, sessionID, text string) error {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if r.cfg != nil && sess.Agent != "" {
		if ac, ok := r.cfg.Agents[sess.Agent]; ok && ac.Disabled {
			return fmt.Errorf("agent %q is disabled", sess.Agent)
		}
	}

	r.mu.Lock()
	if _, busy := r.active[sessionID]; busy {
		r.mu.Unlock()
		return fmt.Errorf("session %s is already working", sessionID)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	r.active[sessionID] = cancel
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.active, sessionID)
		r.mu.Unlock()
	}()

	if err := r.appendUserMessage(ctx, sess, text); err != nil {
		return err
	}
	if err := r.store.SetStatus(ctx, sessionID, StatusWorking); err != nil {
		return err
	}
	// Status updates after the turn use the parent context so an
	// interrupt still lands the session back on idle.
	defer func() {
		if err := r.store.SetStatus(ctx, sessionID, StatusIdle); err != nil {
			r.logger.Warn("failed to reset session status", "session", sessionID, "error", err)
		}
	}()

	return r.runTurn(turnCtx, sess)
}

// appendUserMessage parses @path references into file parts, capped in
// count and size, and persists the message.
func (r *Runner) appendUserMessage(ctx context.Context, sess *Session, text string) error {
	msg := Message{
		ID:        NewID(),
		SessionID: sess.ID,
		Role:      RoleUser,
		CreatedAt: time.Now(),
	}
	parts := []Part{{
		ID:        NewID(),
		MessageID: msg.ID,
		Type:      PartText,
		Text:      text,
	}}

	for _, match := range attachmentPattern.FindAllStringSubmatch(text, -1) {
		if len(parts)-1 >= maxAttachments {
			break
		}
		path := match[1]
		if !filepath.IsAbs(path) {
			path = filepath.Join(sess.Directory, path)
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Size() > maxAttachmentBytes {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		parts = append(parts, Part{
			ID:        NewID(),
			MessageID: msg.ID,
			Type:      PartFile,
			MIME:      mimeFor(path),
			Filename:  path,
			Content:   data,
		})
	}

	return r.store.AppendMessage(ctx, msg, parts)
}

func mimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".json":
		return "application/json"
	default:
		return "text/plain"
	}
}

// runTurn loops model steps until no tool calls remain or the step
// budget runs out.
func (r *Runner) runTurn(ctx context.Context, sess *Session) error {
	system := buildSystemPrompt(r.cfg, sess.Agent, sess.Directory, r.worktree, r.skillList())
	tools := catalogue(r.registry)

	// Consecutive failures per tool within this turn.
	failures := make(map[string]int)

	for step := 0; step < maxSteps; step++ {
		history, err := r.store.Messages(ctx, sess.ID)
		if err != nil {
			return err
		}

		req := provider.Request{
			Model:    r.model(),
			System:   system,
			Messages: historyToPrompt(history),
			Tools:    tools,
		}

		calls, err := r.streamStep(ctx, sess, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if len(calls) == 0 {
			return nil
		}

		for _, call := range calls {
			if err := r.dispatch(ctx, sess, call, failures); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}

	r.logger.Warn("turn hit step budget", "session", sess.ID, "steps", maxSteps)
	return nil
}

func (r *Runner) model() string {
	if r.cfg != nil {
		return r.cfg.Provider.Model
	}
	return ""
}

// streamStep runs one model call, persisting text and reasoning parts
// as they stream, and returns the tool calls the model requested.
func (r *Runner) streamStep(ctx context.Context, sess *Session, req provider.Request) ([]provider.ToolCall, error) {
	stream, err := r.prov.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	msg := Message{
		ID:        NewID(),
		SessionID: sess.ID,
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}
	if err := r.store.AppendMessage(ctx, msg, nil); err != nil {
		return nil, err
	}

	var calls []provider.ToolCall
	var textPart *Part
	var reasoningPart *Part

	flush := func(p **Part) error {
		if *p == nil {
			return nil
		}
		err := r.store.SavePart(ctx, sess.ID, **p)
		*p = nil
		return err
	}

	appendDelta := func(p **Part, partType, delta string) error {
		if *p == nil {
			*p = &Part{ID: NewID(), MessageID: msg.ID, Type: partType}
		}
		(*p).Text += delta
		r.store.publish(ctx, EventPartDelta, map[string]any{
			"session_id": sess.ID,
			"message_id": msg.ID,
			"part_id":    (*p).ID,
			"delta":      delta,
		})
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch ev.Kind {
		case provider.EventTextDelta:
			if err := flush(&reasoningPart); err != nil {
				return nil, err
			}
			if err := appendDelta(&textPart, PartText, ev.Text); err != nil {
				return nil, err
			}
		case provider.EventReasoningDelta:
			if err := flush(&textPart); err != nil {
				return nil, err
			}
			if err := appendDelta(&reasoningPart, PartReasoning, ev.Text); err != nil {
				return nil, err
			}
		case provider.EventToolCall:
			if ev.Call != nil {
				calls = append(calls, *ev.Call)
			}
		case provider.EventDone:
			if err := flush(&textPart); err != nil {
				return nil, err
			}
			if err := flush(&reasoningPart); err != nil {
				return nil, err
			}
			return calls, nil
		}
	}

	if err := flush(&textPart); err != nil {
		return nil, err
	}
	if err := flush(&reasoningPart); err != nil {
		return nil, err
	}
	return calls, nil
}

// dispatch runs one tool call through the registry envelope, persisting
// its state transitions and any attachments.
func (r *Runner) dispatch(ctx context.Context, sess *Session, call provider.ToolCall, failures map[string]int) error {
	msg := Message{
		ID:        NewID(),
		SessionID: sess.ID,
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}
	part := Part{
		ID:        NewID(),
		MessageID: msg.ID,
		Type:      PartTool,
		CallID:    call.ID,
		Tool:      call.Name,
		State:     ToolPending,
		Arguments: call.Arguments,
	}
	if err := r.store.AppendMessage(ctx, msg, []Part{part}); err != nil {
		return err
	}

	if failures[call.Name] >= doomloopThreshold {
		if err := r.askDoomloop(ctx, sess, call.Name); err != nil {
			part.State = ToolError
			part.Output = "tool loop stopped: " + err.Error()
			if serr := r.store.SavePart(ctx, sess.ID, part); serr != nil {
				return serr
			}
			return err
		}
		failures[call.Name] = 0
	}

	part.State = ToolRunning
	if err := r.store.SavePart(ctx, sess.ID, part); err != nil {
		return err
	}

	tctx := &tool.Context{
		Context:   ctx,
		SessionID: sess.ID,
		MessageID: msg.ID,
		CallID:    call.ID,
		Agent:     sess.Agent,
		Directory: sess.Directory,
		Worktree:  r.worktree,
		Ask:       r.askFunc(sess),
		Metadata: func(m map[string]any) {
			meta := part.Metadata
			if meta == nil {
				meta = make(map[string]any)
			}
			for k, v := range m {
				meta[k] = v
			}
			part.Metadata = meta
			if err := r.store.SavePart(ctx, sess.ID, part); err != nil {
				r.logger.Warn("failed to save tool metadata", "tool", call.Name, "error", err)
			}
		},
	}

	res, err := r.registry.Execute(tctx, call.Name, call.Arguments)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		failures[call.Name]++
		part.State = ToolError
		part.Output = err.Error()
		return r.store.SavePart(ctx, sess.ID, part)
	}

	failures[call.Name] = 0
	part.State = ToolCompleted
	part.Output = res.Output
	if len(res.Metadata) > 0 {
		part.Metadata = res.Metadata
	}
	if err := r.store.SavePart(ctx, sess.ID, part); err != nil {
		return err
	}

	for _, att := range res.Attachments {
		filePart := Part{
			ID:        NewID(),
			MessageID: msg.ID,
			Type:      PartFile,
			MIME:      att.MIME,
			Filename:  att.Name,
			Content:   att.Data,
		}
		if err := r.store.SavePart(ctx, sess.ID, filePart); err != nil {
			return err
		}
	}
	return nil
}

// askDoomloop prompts the user after repeated failures of one tool.
func (r *Runner) askDoomloop(ctx context.Context, sess *Session, toolName string) error {
	if r.perms == nil {
		return nil
	}
	return r.perms.Ask(ctx, permission.Request{
		SessionID:  sess.ID,
		Agent:      sess.Agent,
		Permission: "doomloop",
		Patterns:   []string{toolName},
		Metadata: map[string]any{
			"tool":     toolName,
			"failures": doomloopThreshold,
		},
	})
}

// askFunc adapts the permission service to the tool.Context contract.
func (r *Runner) askFunc(sess *Session) func(ctx context.Context, perm string, patterns, alwaysPatterns []string, metadata map[string]any) error {
	if r.perms == nil {
		return nil
	}
	return func(ctx context.Context, perm string, patterns, alwaysPatterns []string, metadata map[string]any) error {
		return r.perms.Ask(ctx, permission.Request{
			SessionID:      sess.ID,
			Agent:          sess.Agent,
			Permission:     perm,
			Patterns:       patterns,
			AlwaysPatterns: alwaysPatterns,
			Metadata:       metadata,
		})
	}
}

// historyToPrompt converts stored messages to the provider shape. Tool
// parts expand to an assistant tool call plus a user tool result, which
// is the sequencing the model API expects. Compaction parts replace the
// detail that preceded them.
func historyToPrompt(history []MessageWithParts) []provider.Message {
	// A compaction part restarts the prompt from its summary.
	start := 0
	for i, m := range history {
		for _, p := range m.Parts {
			if p.Type == PartCompaction {
				start = i
			}
		}
	}

	var out []provider.Message
	for _, m := range history[start:] {
		var text strings.Builder
		var calls []provider.ToolCall
		var results []provider.ToolResult

		for _, p := range m.Parts {
			switch p.Type {
			case PartText:
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(p.Text)
			case PartCompaction:
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString("Summary of the conversation so far:\n" + p.Text)
			case PartFile:
				fmt.Fprintf(&text, "\n<attachment file=%q mime=%q>\n%s\n</attachment>", p.Filename, p.MIME, string(p.Content))
			case PartTool:
				args := p.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				calls = append(calls, provider.ToolCall{ID: p.CallID, Name: p.Tool, Arguments: args})
				switch p.State {
				case ToolCompleted:
					results = append(results, provider.ToolResult{CallID: p.CallID, Output: p.Output})
				case ToolError:
					results = append(results, provider.ToolResult{CallID: p.CallID, Output: p.Output, IsError: true})
				}
			}
		}

		if text.Len() == 0 && len(calls) == 0 {
			continue
		}
		role := provider.RoleUser
		if m.Message.Role == RoleAssistant {
			role = provider.RoleAssistant
		}
		out = append(out, provider.Message{Role: role, Text: text.String(), ToolCalls: calls})
		if len(results) > 0 {
			out = append(out, provider.Message{Role: provider.RoleUser, ToolResults: results})
		}
	}
	return out
}
