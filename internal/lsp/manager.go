package lsp

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hotaru-ai/hotaru/internal/bus"
	"github.com/hotaru-ai/hotaru/internal/config"
)

// EventUpdated fires after a touched file's diagnostics settle.
var EventUpdated = bus.Define("lsp.updated", `{
	"type": "object",
	"properties": {
		"server": {"type": "string"},
		"path": {"type": "string"}
	},
	"required": ["path"]
}`)

// Manager spawns one client per (server, workspace root) pair, lazily,
// and remembers servers that failed to start so they are not retried on
// every file touch.
type Manager struct {
	logger *slog.Logger
	bus    *bus.Bus
	defs   []ServerDefinition

	// spawn is swapped out by tests.
	spawn func(ctx context.Context, logger *slog.Logger, def ServerDefinition, root string, env map[string]string) (*Client, error)

	mu      sync.Mutex
	clients map[string]*Client
	broken  map[string]bool
}

// NewManager builds a manager over the given server catalogue. Use
// Definitions to merge config overrides into the builtin catalogue.
func NewManager(logger *slog.Logger, b *bus.Bus, defs []ServerDefinition) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:  logger.With("component", "lsp"),
		bus:     b,
		defs:    defs,
		spawn:   newClient,
		clients: make(map[string]*Client),
		broken:  make(map[string]bool),
	}
}

// Definitions merges config overrides into the builtin catalogue.
// Disabled servers are dropped; unknown ids with a command become new
// definitions.
func Definitions(overrides map[string]config.LSPServer) []ServerDefinition {
	defs := builtinServers()
	seen := make(map[string]int, len(defs))
	for i, d := range defs {
		seen[d.ID] = i
	}

	out := defs[:0]
	for _, d := range defs {
		override, ok := overrides[d.ID]
		if !ok {
			out = append(out, d)
			continue
		}
		if override.Disabled {
			continue
		}
		if len(override.Command) > 0 {
			d.Command = override.Command
		}
		if len(override.Extensions) > 0 {
			d.Extensions = override.Extensions
		}
		if len(override.Env) > 0 {
			d.Env = override.Env
		}
		if len(override.Options) > 0 {
			d.Options = override.Options
		}
		out = append(out, d)
	}
	for id, override := range overrides {
		if _, known := seen[id]; known || override.Disabled || len(override.Command) == 0 {
			continue
		}
		out = append(out, ServerDefinition{
			ID:         id,
			Command:    override.Command,
			Extensions: override.Extensions,
			Env:        override.Env,
			Options:    override.Options,
		})
	}
	return out
}

// TouchFile routes the file to every matching server, spawning clients
// on first use. When wait is set it blocks until diagnostics settle.
func (m *Manager) TouchFile(ctx context.Context, path string, wait bool) {
	for _, def := range m.defs {
		if !def.handles(path) {
			continue
		}
		root := def.findRoot(path, "/")
		if root == "" {
			continue
		}
		client := m.clientFor(ctx, def, root)
		if client == nil {
			continue
		}
		if err := client.TouchFile(ctx, path); err != nil {
			m.logger.Warn("failed to touch file", "server", def.ID, "path", path, "error", err)
			continue
		}
		if wait {
			client.WaitForDiagnostics(ctx, path)
		}
		if m.bus != nil {
			err := m.bus.Publish(ctx, EventUpdated, map[string]any{"server": def.ID, "path": path})
			if err != nil {
				m.logger.Warn("failed to publish lsp.updated", "error", err)
			}
		}
	}
}

// clientFor returns the cached client, spawning it on first use. A
// server that fails to start is marked broken and never retried for
// that root.
func (m *Manager) clientFor(ctx context.Context, def ServerDefinition, root string) *Client {
	key := def.ID + "\x00" + root

	m.mu.Lock()
	if m.broken[key] {
		m.mu.Unlock()
		return nil
	}
	if client, ok := m.clients[key]; ok {
		m.mu.Unlock()
		return client
	}
	m.mu.Unlock()

	client, err := m.spawn(ctx, m.logger, def, root, def.Env)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.logger.Warn("language server unavailable", "server", def.ID, "root", root, "error", err)
		m.broken[key] = true
		return nil
	}
	if existing, ok := m.clients[key]; ok {
		// Lost a spawn race; keep the first client.
		go func() { _ = client.Shutdown(context.Background()) }()
		return existing
	}
	m.clients[key] = client
	return client
}

// DiagnosticsForFile touches the file, waits for the servers to settle,
// and returns rendered error messages keyed by file path. Warnings and
// below are omitted.
func (m *Manager) DiagnosticsForFile(ctx context.Context, path string) map[string][]string {
	m.TouchFile(ctx, path, true)

	out := make(map[string][]string)
	for _, client := range m.snapshot() {
		for file, diags := range client.Diagnostics() {
			for _, d := range diags {
				if d.Severity != 0 && d.Severity != SeverityError {
					continue
				}
				out[file] = append(out[file], d.Render())
			}
		}
	}
	return out
}

// Diagnostics returns every known diagnostic, for the debug CLI.
func (m *Manager) Diagnostics() map[string][]Diagnostic {
	out := make(map[string][]Diagnostic)
	for _, client := range m.snapshot() {
		for file, diags := range client.Diagnostics() {
			out[file] = append(out[file], diags...)
		}
	}
	return out
}

// Broken lists the (server, root) pairs that failed to spawn.
func (m *Manager) Broken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.broken))
	for key := range m.broken {
		out = append(out, strings.ReplaceAll(key, "\x00", " at "))
	}
	sort.Strings(out)
	return out
}

func (m *Manager) snapshot() []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

// Shutdown stops every client.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for _, client := range clients {
		if err := client.Shutdown(ctx); err != nil {
			m.logger.Warn("language server shutdown", "server", client.ServerID, "error", err)
		}
	}
	return nil
}
