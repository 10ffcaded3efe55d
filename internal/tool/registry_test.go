package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	dir := t.TempDir()
	return &Context{
		Context:   context.Background(),
		SessionID: "s1",
		CallID:    "call-1",
		Directory: dir,
		Worktree:  dir,
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry(slog.Default(), t.TempDir(), nil)
	r.Register(New(Def[struct {
		Count int `json:"count"`
	}]{
		ID:          "demo",
		Description: "demo",
		Run: func(ctx *Context, params struct {
			Count int `json:"count"`
		}) (*Result, error) {
			return &Result{Output: "ok"}, nil
		},
	}))

	_, err := r.Execute(testContext(t), "demo", json.RawMessage(`{"count": "three"}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Execute() error = %v, want ValidationError", err)
	}

	if _, err := r.Execute(testContext(t), "demo", json.RawMessage(`{"count": 3}`)); err != nil {
		t.Fatalf("Execute() with valid args error = %v", err)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(slog.Default(), t.TempDir(), nil)
	if _, err := r.Execute(testContext(t), "nope", nil); err == nil {
		t.Fatal("Execute() accepted an unknown tool")
	}
}

// Output over 2000 lines comes back truncated with the full text
// spilled to a timestamped file the retention sweep will collect.
func TestTruncationRoundTrip(t *testing.T) {
	outDir := t.TempDir()
	r := NewRegistry(slog.Default(), outDir, nil)

	var full strings.Builder
	for i := 1; i <= 5000; i++ {
		fmt.Fprintf(&full, "line %d\n", i)
	}
	r.Register(New(Def[struct{}]{
		ID:           "spew",
		Description:  "spew",
		AutoTruncate: true,
		Run: func(ctx *Context, _ struct{}) (*Result, error) {
			return &Result{Output: full.String()}, nil
		},
	}))

	res, err := r.Execute(testContext(t), "spew", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Metadata["truncated"] != true {
		t.Error("metadata.truncated not set")
	}
	outputPath, _ := res.Metadata["output_path"].(string)
	if outputPath == "" {
		t.Fatal("metadata.output_path not set")
	}

	visible := strings.Split(res.Output, "\n[output truncated")[0]
	if n := len(strings.Split(strings.TrimRight(visible, "\n"), "\n")); n > 2000 {
		t.Errorf("visible output has %d lines, want <= 2000", n)
	}
	spilled, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read spill file: %v", err)
	}
	if string(spilled) != full.String() {
		t.Error("spill file does not contain the full output")
	}
}

// The byte cap must not cut through a multi-byte rune.
func TestTruncationKeepsRuneBoundary(t *testing.T) {
	r := NewRegistry(slog.Default(), t.TempDir(), nil)

	// One long line of three-byte runes crosses the 50 KB cap at an
	// offset that is not a rune boundary.
	output := strings.Repeat("日", 20000)
	r.Register(New(Def[struct{}]{
		ID:           "runes",
		Description:  "runes",
		AutoTruncate: true,
		Run: func(ctx *Context, _ struct{}) (*Result, error) {
			return &Result{Output: output}, nil
		},
	}))

	res, err := r.Execute(testContext(t), "runes", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	visible := strings.Split(res.Output, "\n\n[output truncated")[0]
	if !utf8.ValidString(visible) {
		t.Error("truncated output is not valid UTF-8")
	}
}

func TestRetentionSweepUsesEmbeddedTimestamp(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	old := fmt.Sprintf("%d-old.txt", now.Add(-8*24*time.Hour).Unix())
	fresh := fmt.Sprintf("%d-fresh.txt", now.Add(-time.Hour).Unix())
	for _, name := range []string{old, fresh, "unstamped.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if n := sweepSpillDir(slog.Default(), dir, now); n != 1 {
		t.Errorf("sweep deleted %d files, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(dir, old)); !os.IsNotExist(err) {
		t.Error("expired file survived the sweep")
	}
	if _, err := os.Stat(filepath.Join(dir, fresh)); err != nil {
		t.Error("fresh file was deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, "unstamped.txt")); err != nil {
		t.Error("unstamped file was deleted")
	}
}

type fakeDiagnostics struct {
	byFile map[string][]string
}

func (f *fakeDiagnostics) DiagnosticsForFile(ctx context.Context, path string) map[string][]string {
	return f.byFile
}

func TestEditAppendsDiagnostics(t *testing.T) {
	ctx := testContext(t)
	path := filepath.Join(ctx.Directory, "foo.py")
	if err := os.WriteFile(path, []byte("def f(): return g()\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	diags := &fakeDiagnostics{byFile: map[string][]string{
		path: {`1:17 - error: "h" is not defined`},
	}}
	r := NewRegistry(slog.Default(), t.TempDir(), diags)
	r.Register(NewEdit())

	args, _ := json.Marshal(map[string]any{
		"path":       path,
		"old_string": "g()",
		"new_string": "h()",
	})
	res, err := r.Execute(ctx, "edit", args)
	if err != nil {
		t.Fatalf("Execute(edit) error = %v", err)
	}
	if !strings.HasPrefix(res.Output, "Edit applied successfully.") {
		t.Errorf("output = %q", res.Output)
	}
	if !strings.Contains(res.Output, fmt.Sprintf("<diagnostics file=%q>", path)) {
		t.Errorf("output missing diagnostics block: %q", res.Output)
	}
	if !strings.Contains(res.Output, `"h" is not defined`) {
		t.Errorf("output missing diagnostic message: %q", res.Output)
	}

	updated, _ := os.ReadFile(path)
	if string(updated) != "def f(): return h()\n" {
		t.Errorf("file content = %q", updated)
	}
}

func TestEditRejectsAmbiguousMatch(t *testing.T) {
	ctx := testContext(t)
	path := filepath.Join(ctx.Directory, "a.txt")
	if err := os.WriteFile(path, []byte("x\nx\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(slog.Default(), t.TempDir(), nil)
	r.Register(NewEdit())

	args, _ := json.Marshal(map[string]any{"path": path, "old_string": "x", "new_string": "y"})
	if _, err := r.Execute(ctx, "edit", args); err == nil {
		t.Fatal("edit accepted an ambiguous old_string")
	}

	args, _ = json.Marshal(map[string]any{"path": path, "old_string": "x", "new_string": "y", "replace_all": true})
	if _, err := r.Execute(ctx, "edit", args); err != nil {
		t.Fatalf("edit with replace_all error = %v", err)
	}
	updated, _ := os.ReadFile(path)
	if string(updated) != "y\ny\n" {
		t.Errorf("file content = %q", updated)
	}
}

func TestExternalDirectoryCheck(t *testing.T) {
	ctx := testContext(t)
	asked := false
	ctx.Ask = func(_ context.Context, permission string, patterns, always []string, metadata map[string]any) error {
		if permission == "external_directory" {
			asked = true
		}
		return nil
	}

	if err := CheckExternalDirectory(ctx, filepath.Join(ctx.Directory, "inside.txt")); err != nil {
		t.Fatal(err)
	}
	if asked {
		t.Error("in-tree path triggered external_directory")
	}

	if err := CheckExternalDirectory(ctx, "/etc/hosts"); err != nil {
		t.Fatal(err)
	}
	if !asked {
		t.Error("outside path did not trigger external_directory")
	}
}
