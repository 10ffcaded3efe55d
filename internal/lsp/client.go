package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	initializeTimeout = 45 * time.Second
	diagnosticsWait   = 3 * time.Second
	// Servers publish diagnostics in bursts; waiters wake once the
	// burst has been quiet for this long.
	diagnosticsDebounce = 150 * time.Millisecond
)

// Client is one running language server bound to a workspace root.
type Client struct {
	ServerID string
	Root     string

	logger *slog.Logger
	cmd    *exec.Cmd
	conn   *conn

	mu          sync.Mutex
	diagnostics map[string][]Diagnostic
	versions    map[string]int
	opened      map[string]bool
	waiters     map[string][]chan struct{}
	debounce    map[string]*time.Timer
}

// newClient spawns the server process and runs the initialize
// handshake.
func newClient(ctx context.Context, logger *slog.Logger, def ServerDefinition, root string, env map[string]string) (*Client, error) {
	if len(def.Command) == 0 {
		return nil, fmt.Errorf("lsp: server %s has no command", def.ID)
	}
	cmd := exec.Command(def.Command[0], def.Command[1:]...)
	cmd.Dir = root
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("lsp: start %s: %w", def.ID, err)
	}

	c := &Client{
		ServerID:    def.ID,
		Root:        root,
		logger:      logger.With("component", "lsp", "server", def.ID, "root", root),
		cmd:         cmd,
		diagnostics: make(map[string][]Diagnostic),
		versions:    make(map[string]int),
		opened:      make(map[string]bool),
		waiters:     make(map[string][]chan struct{}),
		debounce:    make(map[string]*time.Timer),
	}
	c.conn = newConn(c.logger, stdout, stdin, c.handleServerMessage)
	go logStderr(c.logger, stderr)

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()
	params := initializeParams{
		ProcessID: os.Getpid(),
		RootURI:   pathToURI(root),
		Capabilities: map[string]any{
			"textDocument": map[string]any{
				"publishDiagnostics": map[string]any{},
				"synchronization":    map[string]any{"didSave": true},
			},
		},
		InitializationOptions: def.Options,
	}
	var result initializeResult
	if err := c.conn.Call(initCtx, "initialize", params, &result); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("lsp: initialize %s: %w", def.ID, err)
	}
	if err := c.conn.Notify("initialized", map[string]any{}); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	c.logger.Info("language server initialised")
	return c, nil
}

// handleServerMessage answers server-initiated traffic with the minimum
// the protocol requires.
func (c *Client) handleServerMessage(method string, params json.RawMessage, id *json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		var p publishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.logger.Warn("bad publishDiagnostics payload", "error", err)
			return
		}
		c.storeDiagnostics(uriToPath(p.URI), p.Diagnostics)
	case "workspace/configuration":
		var p struct {
			Items []any `json:"items"`
		}
		_ = json.Unmarshal(params, &p)
		if id != nil {
			_ = c.conn.Respond(id, make([]any, len(p.Items)))
		}
	case "window/workDoneProgress/create", "client/registerCapability", "client/unregisterCapability":
		if id != nil {
			_ = c.conn.Respond(id, nil)
		}
	case "window/logMessage", "window/showMessage", "$/progress", "telemetry/event":
		// ignored
	default:
		if id != nil {
			_ = c.conn.Respond(id, nil)
		}
	}
}

func (c *Client) storeDiagnostics(path string, diags []Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diagnostics[path] = diags

	if t := c.debounce[path]; t != nil {
		t.Stop()
	}
	c.debounce[path] = time.AfterFunc(diagnosticsDebounce, func() { c.wakeWaiters(path) })
}

func (c *Client) wakeWaiters(path string) {
	c.mu.Lock()
	waiters := c.waiters[path]
	delete(c.waiters, path)
	delete(c.debounce, path)
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// TouchFile opens or re-sends the file so the server re-analyses it.
func (c *Client) TouchFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text := string(data)
	uri := pathToURI(path)

	c.mu.Lock()
	opened := c.opened[path]
	if opened {
		c.versions[path]++
	} else {
		// The first didOpen carries version 0; didChange bumps from there.
		c.versions[path] = 0
	}
	version := c.versions[path]
	c.opened[path] = true
	c.mu.Unlock()

	if !opened {
		return c.conn.Notify("textDocument/didOpen", didOpenParams{
			TextDocument: textDocumentItem{
				URI:        uri,
				LanguageID: languageID(path),
				Version:    version,
				Text:       text,
			},
		})
	}
	return c.conn.Notify("textDocument/didChange", didChangeParams{
		TextDocument:   versionedTextDocumentIdentifier{URI: uri, Version: version},
		ContentChanges: []contentChange{{Text: text}},
	})
}

// WaitForDiagnostics blocks until the server has been quiet about path
// for the debounce window, or the wait budget elapses. Publishes for
// other files do not wake it.
func (c *Client) WaitForDiagnostics(ctx context.Context, path string) {
	w := make(chan struct{})
	c.mu.Lock()
	c.waiters[path] = append(c.waiters[path], w)
	c.mu.Unlock()

	select {
	case <-w:
	case <-time.After(diagnosticsWait):
	case <-ctx.Done():
	}
}

// Diagnostics returns the current diagnostics snapshot, keyed by file
// path.
func (c *Client) Diagnostics() map[string][]Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]Diagnostic, len(c.diagnostics))
	for path, diags := range c.diagnostics {
		out[path] = append([]Diagnostic(nil), diags...)
	}
	return out
}

// Hover, Definition, References, DocumentSymbols and WorkspaceSymbols
// proxy the corresponding protocol requests.

func (c *Client) Hover(ctx context.Context, path string, pos Position) (json.RawMessage, error) {
	var result json.RawMessage
	err := c.conn.Call(ctx, "textDocument/hover", textDocumentPositionParams{
		TextDocument: textDocumentIdentifier{URI: pathToURI(path)},
		Position:     pos,
	}, &result)
	return result, err
}

func (c *Client) Definition(ctx context.Context, path string, pos Position) ([]Location, error) {
	var result []Location
	err := c.conn.Call(ctx, "textDocument/definition", textDocumentPositionParams{
		TextDocument: textDocumentIdentifier{URI: pathToURI(path)},
		Position:     pos,
	}, &result)
	return result, err
}

func (c *Client) References(ctx context.Context, path string, pos Position) ([]Location, error) {
	params := referenceParams{}
	params.TextDocument = textDocumentIdentifier{URI: pathToURI(path)}
	params.Position = pos
	params.Context.IncludeDeclaration = true
	var result []Location
	err := c.conn.Call(ctx, "textDocument/references", params, &result)
	return result, err
}

func (c *Client) DocumentSymbols(ctx context.Context, path string) ([]DocumentSymbol, error) {
	var result []DocumentSymbol
	err := c.conn.Call(ctx, "textDocument/documentSymbol", documentSymbolParams{
		TextDocument: textDocumentIdentifier{URI: pathToURI(path)},
	}, &result)
	return result, err
}

func (c *Client) WorkspaceSymbols(ctx context.Context, query string) ([]SymbolInformation, error) {
	var result []SymbolInformation
	err := c.conn.Call(ctx, "workspace/symbol", workspaceSymbolParams{Query: query}, &result)
	return result, err
}

// Shutdown runs the protocol shutdown handshake, then kills the
// process if it lingers.
func (c *Client) Shutdown(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = c.conn.Call(callCtx, "shutdown", nil, nil)
	_ = c.conn.Notify("exit", nil)

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		_ = c.cmd.Process.Kill()
		return <-done
	}
}

func logStderr(logger *slog.Logger, r interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			logger.Debug("server stderr", "output", strings.TrimSpace(string(buf[:n])))
		}
		if err != nil {
			return
		}
	}
}

func pathToURI(path string) string {
	return "file://" + filepath.ToSlash(path)
}

func uriToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return uri
	}
	return u.Path
}

func languageID(path string) string {
	switch filepath.Ext(path) {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".py":
		return "python"
	case ".c":
		return "c"
	case ".cc", ".cpp", ".cxx", ".hpp":
		return "cpp"
	case ".h":
		return "c"
	default:
		return strings.TrimPrefix(filepath.Ext(path), ".")
	}
}
