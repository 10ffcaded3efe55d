// Package scope binds runtime state to a working directory. An Instance
// is created once per directory, owns lazily-created per-project
// resources, and disposes them when torn down.
package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hotaru-ai/hotaru/internal/bus"
)

// ErrNoInstance is returned when instance-scoped state is read outside a
// Provide call chain.
var ErrNoInstance = errors.New("scope: no instance bound to context")

// EventDisposed fires after an instance's disposers have completed.
var EventDisposed = bus.Define("server.instance.disposed", `{
	"type": "object",
	"properties": {
		"directory": {"type": "string"}
	},
	"required": ["directory"]
}`)

// Instance is a runtime scope bound to one working directory.
type Instance struct {
	// Directory is the absolute working directory.
	Directory string
	// Worktree is the git worktree root, or "/" outside version control.
	Worktree string
	// ProjectID is the repository's first-commit hash, or "global".
	ProjectID string

	mu       sync.Mutex
	states   map[string]any
	disposed bool
	disposer []namedDisposer
	logger   *slog.Logger
	bus      *bus.Bus
}

type namedDisposer struct {
	name string
	fn   func(ctx context.Context) error
}

type instanceEntry struct {
	instance *Instance
	ready    chan struct{}
	initErr  error
}

// Registry owns every live instance, keyed by directory.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*instanceEntry
	logger    *slog.Logger
	bus       *bus.Bus
}

// NewRegistry creates an instance registry.
func NewRegistry(b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		instances: make(map[string]*instanceEntry),
		logger:    logger.With("component", "scope"),
		bus:       b,
	}
}

type instanceKey struct{}

// FromContext returns the instance bound to ctx.
func FromContext(ctx context.Context) (*Instance, error) {
	inst, ok := ctx.Value(instanceKey{}).(*Instance)
	if !ok {
		return nil, ErrNoInstance
	}
	return inst, nil
}

// WithInstance binds an instance into a context.
func WithInstance(ctx context.Context, inst *Instance) context.Context {
	return context.WithValue(ctx, instanceKey{}, inst)
}

// Provide runs fn with the instance for directory bound into the
// context, creating the instance on first use. A concurrent Provide for
// the same directory waits for the first initialisation instead of
// racing it.
func (r *Registry) Provide(ctx context.Context, directory string, fn func(ctx context.Context) error) error {
	return r.ProvideInit(ctx, directory, nil, fn)
}

// ProvideInit is Provide with an initialisation hook: when the call
// creates the instance, init runs exactly once inside the new scope
// before fn, and concurrent callers wait for it. A failed init removes
// the instance so a later call can retry.
func (r *Registry) ProvideInit(ctx context.Context, directory string, init, fn func(ctx context.Context) error) error {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return fmt.Errorf("scope: resolve %s: %w", directory, err)
	}

	r.mu.Lock()
	entry, ok := r.instances[abs]
	if !ok {
		entry = &instanceEntry{ready: make(chan struct{})}
		r.instances[abs] = entry
		r.mu.Unlock()

		inst := &Instance{
			Directory: abs,
			Worktree:  resolveWorktree(abs),
			ProjectID: resolveProjectID(abs),
			states:    make(map[string]any),
			logger:    r.logger,
			bus:       r.bus,
		}
		entry.instance = inst
		r.logger.Info("instance created",
			"directory", abs,
			"worktree", inst.Worktree,
			"project", inst.ProjectID)
		if init != nil {
			entry.initErr = init(WithInstance(ctx, inst))
		}
		close(entry.ready)
		if entry.initErr != nil {
			r.mu.Lock()
			delete(r.instances, abs)
			r.mu.Unlock()
			_ = inst.dispose(ctx)
			return entry.initErr
		}
	} else {
		r.mu.Unlock()
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if entry.initErr != nil {
			return entry.initErr
		}
	}

	return fn(WithInstance(ctx, entry.instance))
}

// Get returns the live instance for a directory, if any.
func (r *Registry) Get(directory string) (*Instance, bool) {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.instances[abs]
	if !ok || entry.instance == nil {
		return nil, false
	}
	return entry.instance, true
}

// List returns every live instance.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, entry := range r.instances {
		if entry.instance != nil {
			out = append(out, entry.instance)
		}
	}
	return out
}

// Dispose tears down one instance, running its disposers, and removes it
// from the registry.
func (r *Registry) Dispose(ctx context.Context, directory string) error {
	abs, err := filepath.Abs(directory)
	if err != nil {
		return err
	}
	r.mu.Lock()
	entry, ok := r.instances[abs]
	delete(r.instances, abs)
	r.mu.Unlock()
	if !ok || entry.instance == nil {
		return nil
	}
	return entry.instance.dispose(ctx)
}

// DisposeAll tears down every live instance. Used at shutdown.
func (r *Registry) DisposeAll(ctx context.Context) {
	for _, inst := range r.List() {
		if err := r.Dispose(ctx, inst.Directory); err != nil {
			r.logger.Warn("instance dispose failed", "directory", inst.Directory, "error", err)
		}
	}
}

// dispose runs every registered disposer concurrently. Disposers that
// take longer than 10 seconds get a soft warning; the wait itself is
// bounded only by ctx.
func (i *Instance) dispose(ctx context.Context) error {
	i.mu.Lock()
	if i.disposed {
		i.mu.Unlock()
		return nil
	}
	i.disposed = true
	disposers := i.disposer
	i.disposer = nil
	i.states = make(map[string]any)
	i.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(disposers))
	for idx, d := range disposers {
		wg.Add(1)
		go func(idx int, d namedDisposer) {
			defer wg.Done()
			slow := time.AfterFunc(10*time.Second, func() {
				i.logger.Warn("disposer is slow", "directory", i.Directory, "state", d.name)
			})
			defer slow.Stop()
			errs[idx] = d.fn(ctx)
		}(idx, d)
	}
	wg.Wait()

	if i.bus != nil {
		if err := i.bus.Publish(ctx, EventDisposed, map[string]any{"directory": i.Directory}); err != nil {
			i.logger.Warn("failed to publish dispose event", "error", err)
		}
	}
	return errors.Join(errs...)
}

// resolveWorktree finds the git worktree top, or "/" without VCS.
func resolveWorktree(dir string) string {
	out, err := gitOutput(dir, "rev-parse", "--show-toplevel")
	if err != nil || out == "" {
		return "/"
	}
	return out
}

// resolveProjectID derives a stable project id from the repository's
// first commit, falling back to "global" for non-git directories.
func resolveProjectID(dir string) string {
	out, err := gitOutput(dir, "rev-list", "--max-parents=0", "HEAD")
	if err != nil || out == "" {
		return "global"
	}
	// A repo can have several root commits; take the first line for
	// stability.
	lines := strings.Split(out, "\n")
	return strings.TrimSpace(lines[0])
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
