package tool

import (
	"fmt"
	"os"
	"strings"
)

const readDefaultLimit = 2000

type readParams struct {
	Path   string `json:"path" jsonschema:"description=Absolute or working-directory-relative file path"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line to start reading from"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return"`
}

// NewRead returns the file read tool.
func NewRead() Tool {
	return New(Def[readParams]{
		ID:          "read",
		Description: "Read a file, returning numbered lines. Large files are windowed via offset and limit.",
		Run:         runRead,
	})
}

func runRead(ctx *Context, params readParams) (*Result, error) {
	path := resolvePath(ctx, params.Path)
	if err := CheckExternalDirectory(ctx, path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	lines := strings.Split(string(data), "\n")

	offset := params.Offset
	if offset < 1 {
		offset = 1
	}
	limit := params.Limit
	if limit <= 0 {
		limit = readDefaultLimit
	}
	if offset > len(lines) {
		return nil, fmt.Errorf("read: offset %d past end of %d-line file", offset, len(lines))
	}
	end := offset - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := offset - 1; i < end; i++ {
		fmt.Fprintf(&b, "%d\t%s\n", i+1, lines[i])
	}
	if end < len(lines) {
		fmt.Fprintf(&b, "\n[%d more lines; re-read with offset=%d]", len(lines)-end, end+1)
	}

	return &Result{
		Title:    path,
		Output:   b.String(),
		Metadata: map[string]any{"path": path, "lines": len(lines)},
	}, nil
}
