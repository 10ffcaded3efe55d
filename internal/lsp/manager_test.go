package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hotaru-ai/hotaru/internal/config"
)

func writeAnchor(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFindRootWalksUp(t *testing.T) {
	root := t.TempDir()
	writeAnchor(t, root, "go.mod")
	sub := filepath.Join(root, "internal", "pkg")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	def := builtinServers()[0] // gopls
	if got := def.findRoot(filepath.Join(sub, "x.go"), "/"); got != root {
		t.Errorf("findRoot = %q, want %q", got, root)
	}
	if got := def.findRoot(filepath.Join(t.TempDir(), "x.go"), "/"); got != "" {
		t.Errorf("findRoot without anchor = %q, want empty", got)
	}
}

func TestDenoSuppressesTSServer(t *testing.T) {
	root := t.TempDir()
	writeAnchor(t, root, "package.json", "deno.json")

	var ts ServerDefinition
	for _, def := range builtinServers() {
		if def.ID == "typescript-language-server" {
			ts = def
		}
	}
	if got := ts.findRoot(filepath.Join(root, "main.ts"), "/"); got != "" {
		t.Errorf("findRoot = %q, deno project should suppress tsserver", got)
	}
}

// A server that fails to spawn is remembered as broken; later touches
// do not retry it.
func TestBrokenServerSpawnedOnce(t *testing.T) {
	root := t.TempDir()
	writeAnchor(t, root, "go.mod")
	file := filepath.Join(root, "main.go")
	if err := os.WriteFile(file, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var attempts atomic.Int32
	m := NewManager(slog.Default(), nil, builtinServers())
	m.spawn = func(ctx context.Context, logger *slog.Logger, def ServerDefinition, root string, env map[string]string) (*Client, error) {
		attempts.Add(1)
		return nil, fmt.Errorf("binary not installed")
	}

	m.TouchFile(context.Background(), file, false)
	m.TouchFile(context.Background(), file, false)

	if got := attempts.Load(); got != 1 {
		t.Errorf("spawn attempts = %d, want 1", got)
	}
}

func TestPyrightUsesVirtualEnvInterpreter(t *testing.T) {
	venv := t.TempDir()
	t.Setenv("VIRTUAL_ENV", venv)

	for _, def := range builtinServers() {
		if def.ID != "pyright" {
			continue
		}
		python, _ := def.Options["python"].(map[string]any)
		if got := python["pythonPath"]; got != filepath.Join(venv, "bin", "python") {
			t.Errorf("pythonPath = %v, want venv interpreter", got)
		}
		return
	}
	t.Fatal("pyright not in the builtin catalogue")
}

func TestDefinitionsConfigOverride(t *testing.T) {
	defs := Definitions(map[string]config.LSPServer{
		"gopls":  {Disabled: true},
		"zls":    {Command: []string{"zls"}, Extensions: []string{".zig"}},
		"clangd": {Command: []string{"clangd-18"}},
	})

	ids := make(map[string][]string)
	for _, d := range defs {
		ids[d.ID] = d.Command
	}
	if _, ok := ids["gopls"]; ok {
		t.Error("disabled server still present")
	}
	if cmd, ok := ids["zls"]; !ok || cmd[0] != "zls" {
		t.Errorf("custom server = %v", cmd)
	}
	if cmd := ids["clangd"]; len(cmd) == 0 || cmd[0] != "clangd-18" {
		t.Errorf("clangd command = %v, want override", cmd)
	}
}

func newBareClient() *Client {
	return &Client{
		ServerID:    "fake",
		logger:      slog.Default(),
		diagnostics: make(map[string][]Diagnostic),
		versions:    make(map[string]int),
		opened:      make(map[string]bool),
		waiters:     make(map[string][]chan struct{}),
		debounce:    make(map[string]*time.Timer),
	}
}

// Diagnostics arriving in a burst wake a waiter exactly once, after the
// burst has been quiet for the debounce window.
func TestDiagnosticsDebounceSingleWakeup(t *testing.T) {
	c := newBareClient()

	woke := make(chan time.Duration, 1)
	start := time.Now()
	go func() {
		c.WaitForDiagnostics(context.Background(), "/tmp/a.go")
		woke <- time.Since(start)
	}()
	time.Sleep(20 * time.Millisecond) // let the waiter register

	for i := 0; i < 5; i++ {
		c.storeDiagnostics("/tmp/a.go", []Diagnostic{{Message: fmt.Sprintf("m%d", i)}})
		time.Sleep(30 * time.Millisecond)
	}
	burstEnd := time.Since(start)

	select {
	case elapsed := <-woke:
		if elapsed < burstEnd {
			t.Errorf("waiter woke at %v, before the burst ended at %v", elapsed, burstEnd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke after diagnostics settled")
	}

	if got := c.Diagnostics()["/tmp/a.go"]; len(got) != 1 || got[0].Message != "m4" {
		t.Errorf("diagnostics = %v, want latest publish to replace earlier ones", got)
	}
}

// A waiter on one path stays asleep while diagnostics arrive for other
// files only; otherwise an edit could read another file's stale results.
func TestWaiterIgnoresUnrelatedFile(t *testing.T) {
	c := newBareClient()

	woke := make(chan struct{})
	go func() {
		c.WaitForDiagnostics(context.Background(), "/tmp/edited.go")
		close(woke)
	}()
	time.Sleep(20 * time.Millisecond) // let the waiter register

	c.storeDiagnostics("/tmp/other.go", []Diagnostic{{Message: "unrelated"}})

	select {
	case <-woke:
		t.Fatal("waiter woke from an unrelated file's publish")
	case <-time.After(500 * time.Millisecond):
	}

	c.storeDiagnostics("/tmp/edited.go", nil)
	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke for its own path")
	}
}

// The first didOpen for a file carries version 0; later touches send
// didChange with incremented versions.
func TestTouchFileVersionsStartAtZero(t *testing.T) {
	file := filepath.Join(t.TempDir(), "main.go")
	if err := os.WriteFile(file, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	clientIn, _ := io.Pipe()
	serverIn, clientOut := io.Pipe()
	c := newBareClient()
	c.conn = newConn(slog.Default(), clientIn, clientOut, nil)

	type notified struct {
		method  string
		version int
	}
	got := make(chan notified, 2)
	go func() {
		br := bufio.NewReader(serverIn)
		for {
			msg, ok := readFrame(br)
			if !ok {
				return
			}
			var params struct {
				TextDocument struct {
					Version int `json:"version"`
				} `json:"textDocument"`
			}
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				t.Error(err)
				return
			}
			got <- notified{msg.Method, params.TextDocument.Version}
		}
	}()

	for i := 0; i < 2; i++ {
		if err := c.TouchFile(context.Background(), file); err != nil {
			t.Fatalf("TouchFile() #%d error = %v", i+1, err)
		}
	}

	want := []notified{
		{"textDocument/didOpen", 0},
		{"textDocument/didChange", 1},
	}
	for _, w := range want {
		select {
		case n := <-got:
			if n != w {
				t.Errorf("notification = %+v, want %+v", n, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("never saw %s", w.method)
		}
	}
}

func TestDiagnosticRender(t *testing.T) {
	d := Diagnostic{
		Range:    Range{Start: Position{Line: 0, Character: 16}},
		Severity: SeverityError,
		Message:  `"h" is not defined`,
	}
	if got := d.Render(); got != `1:17 - error: "h" is not defined` {
		t.Errorf("Render() = %q", got)
	}
}
