package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hotaru-ai/hotaru/internal/bus"
	"github.com/hotaru-ai/hotaru/internal/config"
	"github.com/hotaru-ai/hotaru/internal/tool"
)

const connectTimeout = 30 * time.Second

var (
	EventToolsChanged = bus.Define("mcp.tools.changed", `{
		"type": "object",
		"properties": {
			"server": {"type": "string"},
			"count": {"type": "integer"}
		},
		"required": ["server"]
	}`)
	EventBrowserOpenFailed = bus.Define("mcp.browser.open.failed", `{
		"type": "object",
		"properties": {
			"server": {"type": "string"},
			"url": {"type": "string"}
		},
		"required": ["url"]
	}`)
)

// ServerState is the externally visible state of one configured
// server.
type ServerState struct {
	Name   string
	Status Status
	Error  string
	Tools  int
}

type serverEntry struct {
	config ServerConfig
	status Status
	err    error
	client *Client
	// tools registered in the registry, so disconnect can remove them.
	registered []string
}

// Manager owns every configured MCP server: lifecycle, status, OAuth,
// and bridging their tools into the local registry under
// {client}_{tool}.
type Manager struct {
	logger   *slog.Logger
	bus      *bus.Bus
	registry *tool.Registry
	auth     *AuthStore
	callback *CallbackServer

	mu      sync.Mutex
	servers map[string]*serverEntry
}

// NewManager builds the manager from config. Nothing connects until
// Start.
func NewManager(logger *slog.Logger, b *bus.Bus, registry *tool.Registry, auth *AuthStore, configs map[string]config.MCPServer) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:   logger.With("component", "mcp"),
		bus:      b,
		registry: registry,
		auth:     auth,
		callback: NewCallbackServer(logger),
		servers:  make(map[string]*serverEntry),
	}
	for name, c := range configs {
		m.servers[name] = &serverEntry{config: FromConfig(name, c)}
	}
	return m
}

// Start connects every enabled server concurrently and returns once
// all attempts settle. Individual failures are recorded as status, not
// returned: a dead server must not take the runtime down.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := m.Connect(ctx, name); err != nil {
				m.logger.Warn("MCP server unavailable", "server", name, "error", err)
			}
		}(name)
	}
	wg.Wait()
	return nil
}

// Connect (re)connects one server and bridges its tools.
func (m *Manager) Connect(ctx context.Context, name string) error {
	m.mu.Lock()
	entry, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mcp: unknown server %q", name)
	}
	cfg := entry.config
	m.mu.Unlock()

	if !cfg.Enabled {
		m.setStatus(name, StatusDisabled, nil)
		return nil
	}

	client := newClient(cfg, newTransport(cfg, m.authHeaderFor(name)))
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := client.Connect(connectCtx); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			m.setStatus(name, StatusNeedsAuth, err)
		} else {
			m.setStatus(name, StatusFailed, err)
		}
		return err
	}

	m.mu.Lock()
	if entry.client != nil {
		go func(old *Client) { _ = old.Close() }(entry.client)
		m.unregisterLocked(entry)
	}
	entry.client = client
	entry.status = StatusConnected
	entry.err = nil
	m.mu.Unlock()

	m.bridgeTools(ctx, name, client)
	return nil
}

// Disconnect closes the server and removes its tools.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	entry, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("mcp: unknown server %q", name)
	}
	client := entry.client
	entry.client = nil
	entry.status = StatusDisabled
	m.unregisterLocked(entry)
	m.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	m.publishToolsChanged(ctx, name, 0)
	return nil
}

// bridgeTools registers the server's tools as {name}_{tool}.
func (m *Manager) bridgeTools(ctx context.Context, name string, client *Client) {
	descriptors := client.Tools()

	m.mu.Lock()
	entry := m.servers[name]
	m.unregisterLocked(entry)
	for _, desc := range descriptors {
		id := name + "_" + desc.Name
		m.registry.Register(&mcpTool{
			id:          id,
			server:      name,
			name:        desc.Name,
			description: desc.Description,
			schema:      desc.InputSchema,
			client:      client,
		})
		entry.registered = append(entry.registered, id)
	}
	m.mu.Unlock()

	m.publishToolsChanged(ctx, name, len(descriptors))
}

// unregisterLocked removes previously bridged tools. Caller holds mu.
func (m *Manager) unregisterLocked(entry *serverEntry) {
	for _, id := range entry.registered {
		m.registry.Unregister(id)
	}
	entry.registered = nil
}

func (m *Manager) publishToolsChanged(ctx context.Context, name string, count int) {
	if m.bus == nil {
		return
	}
	err := m.bus.Publish(ctx, EventToolsChanged, map[string]any{"server": name, "count": count})
	if err != nil {
		m.logger.Warn("failed to publish mcp.tools.changed", "error", err)
	}
}

func (m *Manager) setStatus(name string, status Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.servers[name]; ok {
		entry.status = status
		entry.err = err
	}
}

// States returns the status of every configured server, sorted by
// name.
func (m *Manager) States() []ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerState, 0, len(m.servers))
	for name, entry := range m.servers {
		state := ServerState{Name: name, Status: entry.status, Tools: len(entry.registered)}
		if state.Status == "" {
			state.Status = StatusFailed
		}
		if entry.err != nil {
			state.Error = entry.err.Error()
		}
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Client returns the connected client for a server.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.servers[name]
	if !ok || entry.client == nil {
		return nil, false
	}
	return entry.client, true
}

// Shutdown closes every client and the callback server.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.servers))
	for _, entry := range m.servers {
		if entry.client != nil {
			clients = append(clients, entry.client)
			entry.client = nil
		}
		m.unregisterLocked(entry)
	}
	m.mu.Unlock()

	for _, client := range clients {
		_ = client.Close()
	}
	return m.callback.Shutdown(ctx)
}

// mcpTool adapts one remote tool descriptor to the local contract.
type mcpTool struct {
	id          string
	server      string
	name        string
	description string
	schema      json.RawMessage
	client      *Client
}

func (t *mcpTool) ID() string          { return t.id }
func (t *mcpTool) Description() string { return t.description }
func (t *mcpTool) Schema() json.RawMessage {
	if len(t.schema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return t.schema
}
func (t *mcpTool) AutoTruncate() bool { return true }

// Execute asks for the mcp_{server} permission, then proxies
// tools/call. Remote schemas are validated server-side.
func (t *mcpTool) Execute(ctx *tool.Context, params json.RawMessage) (*tool.Result, error) {
	err := ctx.RequestPermission("mcp_"+t.server, []string{t.name}, []string{"*"}, map[string]any{
		"server":    t.server,
		"tool":      t.name,
		"arguments": json.RawMessage(params),
	})
	if err != nil {
		return nil, err
	}

	text, err := t.client.CallTool(ctx, t.name, params)
	if err != nil {
		return nil, err
	}
	return &tool.Result{
		Title:    t.id,
		Output:   text,
		Metadata: map[string]any{"server": t.server},
	}, nil
}
