package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hotaru-ai/hotaru/internal/bus"
	"github.com/hotaru-ai/hotaru/internal/storage"
)

// ErrRejected is returned to an asker when the user refuses the request.
var ErrRejected = errors.New("permission rejected by user")

// DeniedError is returned when a rule forbids the action without asking.
type DeniedError struct {
	Permission string
	Pattern    string
	Rules      []Rule
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission %q denied for %q", e.Permission, e.Pattern)
}

// CorrectedError is a rejection that carries guidance for the model.
type CorrectedError struct {
	Message string
}

func (e *CorrectedError) Error() string {
	return "permission rejected with feedback: " + e.Message
}

// Event definitions.
var (
	EventAsked = bus.Define("permission.asked", `{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"session_id": {"type": "string"},
			"permission": {"type": "string"},
			"patterns": {"type": "array", "items": {"type": "string"}},
			"metadata": {"type": "object"}
		},
		"required": ["id", "session_id", "permission"]
	}`)
	EventReplied = bus.Define("permission.replied", `{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"session_id": {"type": "string"},
			"reply": {"type": "string"}
		},
		"required": ["id", "reply"]
	}`)
)

// Request asks for approval of one or more (permission, pattern) pairs.
type Request struct {
	ID             string
	SessionID      string
	Agent          string
	Permission     string
	Patterns       []string
	AlwaysPatterns []string
	Metadata       map[string]any
}

// ReplyKind is the user's answer to a pending request.
type ReplyKind string

const (
	ReplyOnce   ReplyKind = "once"
	ReplyAlways ReplyKind = "always"
	ReplyReject ReplyKind = "reject"
)

// Reply resolves a pending request. Message carries optional feedback
// on rejection.
type Reply struct {
	Kind    ReplyKind
	Message string
}

type pendingRequest struct {
	req    Request
	result chan error
}

// Service evaluates permission rules and blocks callers on unresolved
// asks until the user replies.
type Service struct {
	bus    *bus.Bus
	store  storage.Store
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingRequest
	defaults Ruleset
	config   Ruleset
	agents   map[string]Ruleset
	sessions map[string]Ruleset
}

// NewService creates a permission service. store may be nil; sticky
// approvals are then session-memory only.
func NewService(b *bus.Bus, store storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bus:      b,
		store:    store,
		logger:   logger.With("component", "permission"),
		pending:  make(map[string]*pendingRequest),
		agents:   make(map[string]Ruleset),
		sessions: make(map[string]Ruleset),
	}
}

// SetDefaults installs the built-in baseline rules.
func (s *Service) SetDefaults(rules Ruleset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = rules
}

// SetConfigRules installs user config rules. Already-pending requests
// keep the ruleset they were evaluated under; only new requests see the
// update.
func (s *Service) SetConfigRules(rules Ruleset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = rules
}

// SetAgentRules installs per-agent rules.
func (s *Service) SetAgentRules(agent string, rules Ruleset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent] = rules
}

// mergedLocked returns the rulesets in precedence order for a request.
func (s *Service) mergedLocked(agent, sessionID string) []Ruleset {
	return []Ruleset{s.defaults, s.config, s.agents[agent], s.sessions[sessionID]}
}

// Ask evaluates the request and blocks until it resolves. Any pattern
// resolving to deny fails immediately; all-allow returns without
// prompting; otherwise the caller suspends until Resolve or rejection.
func (s *Service) Ask(ctx context.Context, req Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if len(req.Patterns) == 0 {
		req.Patterns = []string{"*"}
	}

	s.mu.Lock()
	rulesets := s.mergedLocked(req.Agent, req.SessionID)
	needsAsk := false
	for _, pattern := range req.Patterns {
		action, rules := Evaluate(req.Permission, pattern, rulesets...)
		switch action {
		case ActionDeny:
			s.mu.Unlock()
			return &DeniedError{Permission: req.Permission, Pattern: pattern, Rules: rules}
		case ActionAsk:
			needsAsk = true
		}
	}
	if !needsAsk {
		s.mu.Unlock()
		return nil
	}

	pend := &pendingRequest{req: req, result: make(chan error, 1)}
	s.pending[req.ID] = pend
	s.mu.Unlock()

	if s.bus != nil {
		err := s.bus.Publish(ctx, EventAsked, map[string]any{
			"id":         req.ID,
			"session_id": req.SessionID,
			"permission": req.Permission,
			"patterns":   req.Patterns,
			"metadata":   req.Metadata,
		})
		if err != nil {
			s.logger.Warn("failed to publish permission.asked", "error", err)
		}
	}

	select {
	case err := <-pend.result:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Resolve answers a pending request. An always reply appends sticky
// allow rules for the session and auto-resumes sibling requests that now
// fully resolve to allow; a rejection cascades to every other pending
// request on the same session.
func (s *Service) Resolve(ctx context.Context, id string, reply Reply) error {
	s.mu.Lock()
	pend, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("permission: no pending request %q", id)
	}
	delete(s.pending, id)

	var resumed []*pendingRequest
	var rejected []*pendingRequest
	var result error

	switch reply.Kind {
	case ReplyAlways:
		patterns := pend.req.AlwaysPatterns
		if len(patterns) == 0 {
			patterns = pend.req.Patterns
		}
		session := s.sessions[pend.req.SessionID]
		for _, pattern := range patterns {
			session = append(session, Rule{
				Permission: pend.req.Permission,
				Pattern:    pattern,
				Action:     ActionAllow,
			})
		}
		s.sessions[pend.req.SessionID] = session
		resumed = s.resumableLocked(pend.req.SessionID)
	case ReplyReject:
		if reply.Message != "" {
			result = &CorrectedError{Message: reply.Message}
		} else {
			result = ErrRejected
		}
		for rid, other := range s.pending {
			if other.req.SessionID == pend.req.SessionID {
				delete(s.pending, rid)
				rejected = append(rejected, other)
			}
		}
	}
	sessionID := pend.req.SessionID
	s.mu.Unlock()

	pend.result <- result
	for _, other := range resumed {
		other.result <- nil
	}
	for _, other := range rejected {
		other.result <- ErrRejected
	}

	if reply.Kind == ReplyAlways && s.store != nil {
		s.persistSession(ctx, sessionID)
	}
	if s.bus != nil {
		err := s.bus.Publish(ctx, EventReplied, map[string]any{
			"id":         id,
			"session_id": sessionID,
			"reply":      string(reply.Kind),
		})
		if err != nil {
			s.logger.Warn("failed to publish permission.replied", "error", err)
		}
	}
	return nil
}

// resumableLocked removes and returns pending requests of a session
// whose every pattern now resolves to allow.
func (s *Service) resumableLocked(sessionID string) []*pendingRequest {
	var resumed []*pendingRequest
	for rid, other := range s.pending {
		if other.req.SessionID != sessionID {
			continue
		}
		rulesets := s.mergedLocked(other.req.Agent, sessionID)
		allAllow := true
		for _, pattern := range other.req.Patterns {
			if action, _ := Evaluate(other.req.Permission, pattern, rulesets...); action != ActionAllow {
				allAllow = false
				break
			}
		}
		if allAllow {
			delete(s.pending, rid)
			resumed = append(resumed, other)
		}
	}
	return resumed
}

// RejectSession rejects every pending request for a session.
func (s *Service) RejectSession(sessionID string) {
	s.mu.Lock()
	var rejected []*pendingRequest
	for rid, pend := range s.pending {
		if pend.req.SessionID == sessionID {
			delete(s.pending, rid)
			rejected = append(rejected, pend)
		}
	}
	s.mu.Unlock()
	for _, pend := range rejected {
		pend.result <- ErrRejected
	}
}

// Pending lists the currently pending requests.
func (s *Service) Pending() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, 0, len(s.pending))
	for _, pend := range s.pending {
		out = append(out, pend.req)
	}
	return out
}

// SessionRules returns the sticky approvals accumulated for a session.
func (s *Service) SessionRules(sessionID string) Ruleset {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := make(Ruleset, len(s.sessions[sessionID]))
	copy(rules, s.sessions[sessionID])
	return rules
}

// Shutdown rejects everything still pending.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.mu.Unlock()
	for _, pend := range pending {
		pend.result <- ErrRejected
	}
	return nil
}

func (s *Service) persistSession(ctx context.Context, sessionID string) {
	s.mu.Lock()
	rules := make(Ruleset, len(s.sessions[sessionID]))
	copy(rules, s.sessions[sessionID])
	s.mu.Unlock()
	if err := storage.WriteJSON(ctx, s.store, storage.K("approval", sessionID), rules); err != nil {
		s.logger.Warn("failed to persist sticky approvals", "session", sessionID, "error", err)
	}
}

// LoadSession restores persisted sticky approvals for a session.
func (s *Service) LoadSession(ctx context.Context, sessionID string) error {
	if s.store == nil {
		return nil
	}
	rules, err := storage.ReadJSON[Ruleset](ctx, s.store, storage.K("approval", sessionID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	s.mu.Lock()
	s.sessions[sessionID] = rules
	s.mu.Unlock()
	return nil
}
