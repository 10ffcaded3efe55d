package tool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sergi/go-diff/diffmatchpatch"
)

type writeParams struct {
	Path    string `json:"path" jsonschema:"description=File path to create or overwrite"`
	Content string `json:"content" jsonschema:"description=Full file content"`
}

// NewWrite returns the file write tool.
func NewWrite() Tool {
	return New(Def[writeParams]{
		ID:          "write",
		Description: "Create or overwrite a file with the given content.",
		Run:         runWrite,
	})
}

func runWrite(ctx *Context, params writeParams) (*Result, error) {
	path := resolvePath(ctx, params.Path)
	if err := CheckExternalDirectory(ctx, path); err != nil {
		return nil, err
	}

	old, readErr := os.ReadFile(path)
	existed := readErr == nil

	err := ctx.RequestPermission("edit", []string{path}, []string{filepath.Dir(path) + "/*"}, map[string]any{
		"path": path,
		"diff": unifiedDiff(string(old), params.Content),
	})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	verb := "created"
	if existed {
		verb = "overwritten"
	}
	return &Result{
		Title:    path,
		Output:   fmt.Sprintf("File %s successfully.", verb),
		Metadata: map[string]any{"path": path, "existed": existed},
	}, nil
}

// unifiedDiff renders a compact line diff for permission prompts.
func unifiedDiff(old, new string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(old, new)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	patches := dmp.PatchMake(old, diffs)
	return dmp.PatchToText(patches)
}

// resolvePath anchors relative paths at the working directory.
func resolvePath(ctx *Context, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(ctx.Directory, path)
}
