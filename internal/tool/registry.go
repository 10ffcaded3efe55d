package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	truncateLines = 2000
	truncateBytes = 50 * 1024

	// Diagnostics appended after edit/write are capped so one broken
	// file cannot flood the conversation.
	maxDiagnosticsPerFile = 10
	maxOtherFiles         = 5
)

// DiagnosticsSource supplies post-edit diagnostics. The LSP manager
// implements it; the registry only needs rendered messages per file.
type DiagnosticsSource interface {
	DiagnosticsForFile(ctx context.Context, path string) map[string][]string
}

// feedbackTools are the tools whose results get a diagnostics block.
var feedbackTools = map[string]bool{
	"edit":        true,
	"write":       true,
	"apply_patch": true,
}

// Registry owns the tool map and applies the execution envelope.
type Registry struct {
	logger      *slog.Logger
	outputDir   string
	diagnostics DiagnosticsSource

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry spilling truncated output under
// outputDir. diagnostics may be nil.
func NewRegistry(logger *slog.Logger, outputDir string, diagnostics DiagnosticsSource) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger.With("component", "tool"),
		outputDir:   outputDir,
		diagnostics: diagnostics,
		tools:       make(map[string]Tool),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.ID()] = t
	r.mu.Unlock()
}

// Unregister removes a tool; used when an MCP server disconnects.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.tools, id)
	r.mu.Unlock()
}

// Get returns the tool by id.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// List returns all tools ordered by id, for the model's tool catalogue.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Execute runs a tool through the envelope: validate, execute,
// truncate, then append LSP feedback for file-mutating tools. Errors
// other than validation come back as (*Result, error) pairs the session
// loop turns into conversation text.
func (r *Registry) Execute(ctx *Context, id string, params json.RawMessage) (*Result, error) {
	t, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("tool: unknown tool %q", id)
	}

	started := time.Now()
	res, err := t.Execute(ctx, params)
	if err != nil {
		r.logger.Debug("tool failed", "tool", id, "call", ctx.CallID, "error", err, "elapsed", time.Since(started))
		return nil, err
	}

	if t.AutoTruncate() {
		if terr := r.truncate(ctx, res); terr != nil {
			r.logger.Warn("failed to spill truncated output", "tool", id, "error", terr)
		}
	}
	if feedbackTools[id] {
		r.appendDiagnostics(ctx, res)
	}

	r.logger.Debug("tool completed", "tool", id, "call", ctx.CallID, "elapsed", time.Since(started))
	return res, nil
}

// truncate caps the output at 2000 lines / 50 KB, writes the full text
// to a timestamped spill file, and appends a hint telling the model how
// to read the rest.
func (r *Registry) truncate(ctx *Context, res *Result) error {
	lines := strings.Split(res.Output, "\n")
	if len(lines) <= truncateLines && len(res.Output) <= truncateBytes {
		return nil
	}

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%d-%s.txt", time.Now().Unix(), ctx.CallID)
	path := filepath.Join(r.outputDir, name)
	if err := os.WriteFile(path, []byte(res.Output), 0o644); err != nil {
		return err
	}

	head := lines
	if len(head) > truncateLines {
		head = head[:truncateLines]
	}
	kept := strings.Join(head, "\n")
	if len(kept) > truncateBytes {
		cut := truncateBytes
		// Do not split a multi-byte rune at the cap.
		for cut > 0 && !utf8.RuneStart(kept[cut]) {
			cut--
		}
		kept = kept[:cut]
	}
	res.Output = kept + fmt.Sprintf(
		"\n\n[output truncated: %d lines total; full output saved to %s, use the read tool to view the rest]",
		len(lines), path)
	res.setMetadata("truncated", true)
	res.setMetadata("output_path", path)
	return nil
}

// appendDiagnostics touches the edited file, waits for the language
// server, and appends errors so the model sees them on the next turn.
func (r *Registry) appendDiagnostics(ctx *Context, res *Result) {
	if r.diagnostics == nil {
		return
	}
	path, _ := res.Metadata["path"].(string)
	if path == "" {
		return
	}

	byFile := r.diagnostics.DiagnosticsForFile(ctx, path)
	if len(byFile) == 0 {
		return
	}

	var b strings.Builder
	if own := byFile[path]; len(own) > 0 {
		if len(own) > maxDiagnosticsPerFile {
			own = own[:maxDiagnosticsPerFile]
		}
		fmt.Fprintf(&b, "\n\n<diagnostics file=%q>\n%s\n</diagnostics>", path, strings.Join(own, "\n"))
	}
	other := make([]string, 0, len(byFile))
	for file, msgs := range byFile {
		if file != path && len(msgs) > 0 {
			other = append(other, file)
		}
	}
	sort.Strings(other)
	if len(other) > maxOtherFiles {
		other = other[:maxOtherFiles]
	}
	for _, file := range other {
		msgs := byFile[file]
		if len(msgs) > maxDiagnosticsPerFile {
			msgs = msgs[:maxDiagnosticsPerFile]
		}
		fmt.Fprintf(&b, "\n\n<diagnostics file=%q>\n%s\n</diagnostics>", file, strings.Join(msgs, "\n"))
	}
	res.Output += b.String()
}

// CheckExternalDirectory asks for the external_directory permission
// when path resolves outside both the working directory and the
// worktree. A worktree of "/" means no repository and skips the check
// against it.
func CheckExternalDirectory(ctx *Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if within(abs, ctx.Directory) {
		return nil
	}
	if ctx.Worktree != "" && ctx.Worktree != "/" && within(abs, ctx.Worktree) {
		return nil
	}
	return ctx.RequestPermission("external_directory", []string{filepath.Dir(abs) + "/*"}, []string{filepath.Dir(abs) + "/*"}, map[string]any{
		"path": abs,
	})
}

func within(path, root string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}
