// Package runtime assembles the subsystems into one container with a
// deterministic start and shutdown order.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hotaru-ai/hotaru/internal/bus"
	"github.com/hotaru-ai/hotaru/internal/config"
	"github.com/hotaru-ai/hotaru/internal/lsp"
	"github.com/hotaru-ai/hotaru/internal/mcp"
	"github.com/hotaru-ai/hotaru/internal/permission"
	"github.com/hotaru-ai/hotaru/internal/provider"
	"github.com/hotaru-ai/hotaru/internal/scope"
	"github.com/hotaru-ai/hotaru/internal/session"
	"github.com/hotaru-ai/hotaru/internal/skill"
	"github.com/hotaru-ai/hotaru/internal/storage"
	"github.com/hotaru-ai/hotaru/internal/tool"
)

// Health of a started runtime.
type Health string

const (
	HealthReady    Health = "ready"
	HealthDegraded Health = "degraded"
	HealthFailed   Health = "failed"
)

// EventProjectUpdated fires when project-level state changes, e.g.
// after /init marks the project initialised.
var EventProjectUpdated = bus.Define("project.updated", `{
	"type": "object",
	"properties": {
		"project_id": {"type": "string"},
		"initialised": {"type": "boolean"}
	},
	"required": ["project_id"]
}`)

// Options tune runtime startup.
type Options struct {
	// Directory is the working directory; defaults to the process cwd.
	Directory string
	// Provider overrides the config-selected model provider. Tests
	// inject a fake here.
	Provider provider.Provider
	Logger   *slog.Logger
}

// Runtime is the assembled container.
type Runtime struct {
	Logger      *slog.Logger
	Config      *config.Config
	Bus         *bus.Bus
	Store       storage.Store
	Scopes      *scope.Registry
	Permissions *permission.Service
	Questions   *permission.Questions
	Tools       *tool.Registry
	LSP         *lsp.Manager
	MCP         *mcp.Manager
	Skills      *skill.Registry
	Provider    provider.Provider
	Sessions    *session.Store
	Runner      *session.Runner

	Directory string
	Worktree  string
	ProjectID string

	mu      sync.Mutex
	health  Health
	started bool

	stopRetention func()
	stopWatch     func()
	unsubscribe   func()
}

// projectRecord is the per-project document keyed project/{id}.
type projectRecord struct {
	Initialised bool `json:"initialised"`
}

// Start builds and starts a runtime for the directory. MCP startup is
// critical: its failure rolls everything back. LSP problems only
// degrade health because servers spawn lazily anyway.
func Start(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	directory := opts.Directory
	if directory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("runtime: resolve working directory: %w", err)
		}
		directory = wd
	}

	r := &Runtime{Logger: logger.With("component", "runtime"), health: HealthFailed}
	r.Bus = bus.New(logger)
	r.Scopes = scope.NewRegistry(r.Bus, logger)

	// Resolve the instance first; config layering depends on the
	// worktree root.
	err := r.Scopes.Provide(ctx, directory, func(ctx context.Context) error {
		inst, err := scope.FromContext(ctx)
		if err != nil {
			return err
		}
		r.Directory = inst.Directory
		r.Worktree = inst.Worktree
		r.ProjectID = inst.ProjectID
		return nil
	})
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(r.Worktree)
	if err != nil {
		return nil, fmt.Errorf("runtime: load config: %w", err)
	}
	r.Config = cfg

	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: open storage: %w", err)
	}
	r.Store = store

	rollback := func() {
		if r.stopRetention != nil {
			r.stopRetention()
		}
		if r.stopWatch != nil {
			r.stopWatch()
		}
		r.Scopes.DisposeAll(ctx)
		r.Bus.Reset()
		if err := store.Close(); err != nil {
			r.Logger.Warn("failed to close storage during rollback", "error", err)
		}
	}

	r.Permissions = permission.NewService(r.Bus, store, logger)
	r.Permissions.SetDefaults(defaultRules())
	r.Permissions.SetConfigRules(configRules(cfg.Permissions))
	for agent, ac := range cfg.Agents {
		r.Permissions.SetAgentRules(agent, configRules(ac.Permissions))
	}
	r.Questions = permission.NewQuestions(r.Bus, logger)

	r.LSP = lsp.NewManager(logger, r.Bus, lsp.Definitions(cfg.LSP))
	r.Tools = tool.NewRegistry(logger, config.ToolOutputDir(), r.LSP)
	for _, t := range tool.Builtins() {
		r.Tools.Register(t)
	}

	skillDirs := []string{filepath.Join(config.ConfigDir(), "skills")}
	if r.Worktree != "" && r.Worktree != "/" {
		skillDirs = append(skillDirs, filepath.Join(r.Worktree, ".hotaru", "skills"))
	}
	r.Skills = skill.NewRegistry(skillDirs)
	r.Tools.Register(skill.Tool(r.Skills))

	stopRetention, err := tool.StartRetention(logger, config.ToolOutputDir())
	if err != nil {
		r.Logger.Warn("tool output retention not started", "error", err)
	} else {
		r.stopRetention = stopRetention
	}

	r.MCP = mcp.NewManager(logger, r.Bus, r.Tools, mcp.NewAuthStore(config.MCPAuthPath()), cfg.MCP)

	// MCP connects and the config watcher arms concurrently. Individual
	// server failures surface as statuses, not errors. The parent
	// context is deliberately not wrapped: the watcher outlives Start.
	var g errgroup.Group
	g.Go(func() error { return r.MCP.Start(ctx) })
	g.Go(func() error {
		stop, err := config.Watch(ctx, r.Bus, logger, r.Worktree)
		if err != nil {
			r.Logger.Warn("config watcher not started", "error", err)
			return nil
		}
		r.stopWatch = stop
		return nil
	})
	if err := g.Wait(); err != nil {
		rollback()
		return nil, fmt.Errorf("runtime: start mcp: %w", err)
	}

	r.Provider = opts.Provider
	if r.Provider == nil {
		r.Provider = provider.NewAnthropic(cfg.Provider.APIKey, cfg.Provider.Model)
	}

	r.Sessions = session.NewStore(store, r.Bus, logger)
	r.Runner = session.NewRunner(r.Sessions, r.Tools, r.Permissions, r.Provider, cfg, r.Bus, r.Worktree, logger)
	r.Runner.SetSkills(r.Skills)

	r.unsubscribe = r.Bus.Subscribe(session.EventCommandExecuted, r.onCommand)

	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	report := r.Report()
	r.Logger.Info("runtime started",
		"directory", r.Directory,
		"worktree", r.Worktree,
		"health", string(report.Status))
	return r, nil
}

// SubsystemHealth is one entry in the health report.
type SubsystemHealth struct {
	Status   Health `json:"status"`
	Critical bool   `json:"critical"`
	Error    string `json:"error,omitempty"`
}

// HealthReport is the rollup plus per-subsystem detail.
type HealthReport struct {
	Status     Health                     `json:"status"`
	Subsystems map[string]SubsystemHealth `json:"subsystems"`
}

// Bind returns ctx with the runtime's bus bound, so request-scoped code
// publishes to this container.
func (r *Runtime) Bind(ctx context.Context) context.Context {
	return bus.WithBus(ctx, r.Bus)
}

// Health reports the current rollup status.
func (r *Runtime) Health() Health {
	return r.Report().Status
}

// Report inspects every subsystem. A failed critical subsystem fails
// the rollup; non-critical trouble only degrades it.
func (r *Runtime) Report() HealthReport {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		return HealthReport{Status: HealthFailed, Subsystems: map[string]SubsystemHealth{}}
	}

	subsystems := map[string]SubsystemHealth{
		"storage":    {Status: HealthReady, Critical: true},
		"permission": {Status: HealthReady, Critical: true},
		"session":    {Status: HealthReady, Critical: true},
	}

	mcpHealth := SubsystemHealth{Status: HealthReady, Critical: true}
	var failedServers []string
	for _, state := range r.MCP.States() {
		if state.Status == mcp.StatusFailed {
			failedServers = append(failedServers, state.Name)
		}
	}
	if len(failedServers) > 0 {
		mcpHealth.Status = HealthDegraded
		mcpHealth.Error = "unreachable: " + strings.Join(failedServers, ", ")
	}
	subsystems["mcp"] = mcpHealth

	lspHealth := SubsystemHealth{Status: HealthReady}
	if broken := r.LSP.Broken(); len(broken) > 0 {
		lspHealth.Status = HealthDegraded
		lspHealth.Error = "failed to spawn: " + strings.Join(broken, ", ")
	}
	subsystems["lsp"] = lspHealth

	status := HealthReady
	for _, sub := range subsystems {
		if sub.Status != HealthReady {
			status = HealthDegraded
		}
	}
	r.mu.Lock()
	r.health = status
	r.mu.Unlock()
	return HealthReport{Status: status, Subsystems: subsystems}
}

// onCommand marks the project initialised when /init runs.
func (r *Runtime) onCommand(ctx context.Context, ev bus.Event) {
	var props struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(ev.Properties, &props); err != nil || props.Command != "/init" {
		return
	}
	key := storage.K("project", r.ProjectID)
	if err := storage.WriteJSON(ctx, r.Store, key, projectRecord{Initialised: true}); err != nil {
		r.Logger.Warn("failed to mark project initialised", "project", r.ProjectID, "error", err)
		return
	}
	err := r.Bus.Publish(ctx, EventProjectUpdated, map[string]any{
		"project_id":  r.ProjectID,
		"initialised": true,
	})
	if err != nil {
		r.Logger.Warn("failed to publish project.updated", "error", err)
	}
}

// ProjectInitialised reports whether /init ran for this project.
func (r *Runtime) ProjectInitialised(ctx context.Context) bool {
	rec, err := storage.ReadJSON[projectRecord](ctx, r.Store, storage.K("project", r.ProjectID))
	return err == nil && rec.Initialised
}

// Shutdown tears the container down in phases: the session runner
// first so no new turns start, then the services concurrently, then
// the instances, then the registries. Service errors are logged, never
// raised.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	if err := r.Runner.Shutdown(ctx); err != nil {
		r.Logger.Warn("runner shutdown failed", "error", err)
	}

	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	if r.stopWatch != nil {
		r.stopWatch()
	}
	if r.stopRetention != nil {
		r.stopRetention()
	}

	var wg sync.WaitGroup
	shutdowns := map[string]func(context.Context) error{
		"mcp":        r.MCP.Shutdown,
		"lsp":        r.LSP.Shutdown,
		"permission": r.Permissions.Shutdown,
		"question":   r.Questions.Shutdown,
	}
	for name, fn := range shutdowns {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				r.Logger.Warn("service shutdown failed", "service", name, "error", err)
			}
		}(name, fn)
	}
	wg.Wait()

	r.Scopes.DisposeAll(ctx)
	r.Bus.Reset()

	if err := r.Store.Close(); err != nil {
		r.Logger.Warn("storage close failed", "error", err)
	}
	r.Logger.Info("runtime stopped")
}

// openStore picks the configured storage backend.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "", "file":
		return storage.OpenFile(config.StorageDir(), logger)
	case "sqlite":
		return storage.OpenSQLite(config.StorageDBPath(), logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// configRules converts config rule entries to the permission form.
func configRules(rules []config.PermissionRule) permission.Ruleset {
	out := make(permission.Ruleset, 0, len(rules))
	for _, rule := range rules {
		out = append(out, permission.Rule{
			Permission: rule.Permission,
			Pattern:    rule.Pattern,
			Action:     permission.Action(rule.Action),
		})
	}
	return out
}

// defaultRules is the built-in baseline: reads are free, mutations ask.
func defaultRules() permission.Ruleset {
	return permission.Ruleset{
		{Permission: "read", Pattern: "**", Action: permission.ActionAllow},
		{Permission: "glob", Pattern: "**", Action: permission.ActionAllow},
		{Permission: "grep", Pattern: "**", Action: permission.ActionAllow},
		{Permission: "edit", Pattern: "**", Action: permission.ActionAsk},
		{Permission: "bash", Pattern: "**", Action: permission.ActionAsk},
		{Permission: "external_directory", Pattern: "**", Action: permission.ActionAsk},
		{Permission: "doomloop", Pattern: "**", Action: permission.ActionAsk},
	}
}
