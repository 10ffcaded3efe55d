package tool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type editParams struct {
	Path       string `json:"path" jsonschema:"description=File to edit"`
	OldString  string `json:"old_string" jsonschema:"description=Exact text to replace"`
	NewString  string `json:"new_string" jsonschema:"description=Replacement text"`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence instead of requiring uniqueness"`
}

// NewEdit returns the exact-match replace tool.
func NewEdit() Tool {
	return New(Def[editParams]{
		ID:          "edit",
		Description: "Replace an exact string in a file. The old string must be unique unless replace_all is set.",
		Run:         runEdit,
	})
}

func runEdit(ctx *Context, params editParams) (*Result, error) {
	if params.OldString == params.NewString {
		return nil, &ValidationError{ToolID: "edit", Err: fmt.Errorf("old_string and new_string are identical")}
	}
	path := resolvePath(ctx, params.Path)
	if err := CheckExternalDirectory(ctx, path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}
	content := string(data)

	count := strings.Count(content, params.OldString)
	switch {
	case count == 0:
		return nil, fmt.Errorf("edit: old_string not found in %s", path)
	case count > 1 && !params.ReplaceAll:
		return nil, fmt.Errorf("edit: old_string occurs %d times in %s; provide more context or set replace_all", count, path)
	}

	var updated string
	if params.ReplaceAll {
		updated = strings.ReplaceAll(content, params.OldString, params.NewString)
	} else {
		updated = strings.Replace(content, params.OldString, params.NewString, 1)
	}

	diff := unifiedDiff(content, updated)
	err = ctx.RequestPermission("edit", []string{path}, []string{filepath.Dir(path) + "/*"}, map[string]any{
		"path": path,
		"diff": diff,
	})
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("edit: %w", err)
	}

	return &Result{
		Title:    path,
		Output:   "Edit applied successfully.",
		Metadata: map[string]any{"path": path, "diff": diff, "replacements": count},
	}, nil
}
