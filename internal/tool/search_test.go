package tool

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGlobFindsNestedFiles(t *testing.T) {
	ctx := testContext(t)
	for _, p := range []string{"main.go", "sub/util.go", "sub/data.txt"} {
		full := filepath.Join(ctx.Directory, p)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte("package x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	r := NewRegistry(slog.Default(), t.TempDir(), nil)
	r.Register(NewGlob())

	args, _ := json.Marshal(map[string]any{"pattern": "**/*.go"})
	res, err := r.Execute(ctx, "glob", args)
	if err != nil {
		t.Fatalf("Execute(glob) error = %v", err)
	}
	if !strings.Contains(res.Output, "util.go") {
		t.Errorf("glob missed nested file: %q", res.Output)
	}
	if strings.Contains(res.Output, "data.txt") {
		t.Errorf("glob matched non-go file: %q", res.Output)
	}
}

func TestGrepReportsLineNumbers(t *testing.T) {
	ctx := testContext(t)
	path := filepath.Join(ctx.Directory, "notes.txt")
	if err := os.WriteFile(path, []byte("alpha\nbeta\ngamma beta\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRegistry(slog.Default(), t.TempDir(), nil)
	r.Register(NewGrep())

	args, _ := json.Marshal(map[string]any{"pattern": "beta"})
	res, err := r.Execute(ctx, "grep", args)
	if err != nil {
		t.Fatalf("Execute(grep) error = %v", err)
	}
	if !strings.Contains(res.Output, "notes.txt:2: beta") {
		t.Errorf("grep output = %q", res.Output)
	}
	if res.Metadata["count"] != 2 {
		t.Errorf("count = %v, want 2", res.Metadata["count"])
	}
}
