package tool

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hotaru-ai/hotaru/internal/permission"
)

const globMaxResults = 100

type globParams struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern, ** matches across directories"`
	Path    string `json:"path,omitempty" jsonschema:"description=Directory to search, defaults to the working directory"`
}

// NewGlob returns the file name matching tool.
func NewGlob() Tool {
	return New(Def[globParams]{
		ID:          "glob",
		Description: "Find files by glob pattern, newest first.",
		Run:         runGlob,
	})
}

type globHit struct {
	path    string
	modTime time.Time
}

func runGlob(ctx *Context, params globParams) (*Result, error) {
	root := ctx.Directory
	if params.Path != "" {
		root = resolvePath(ctx, params.Path)
	}
	if err := CheckExternalDirectory(ctx, root); err != nil {
		return nil, err
	}

	var hits []globHit
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if !permission.Matches(params.Pattern, rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		hits = append(hits, globHit{path: path, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].modTime.After(hits[j].modTime) })
	total := len(hits)
	if len(hits) > globMaxResults {
		hits = hits[:globMaxResults]
	}

	if total == 0 {
		return &Result{Title: params.Pattern, Output: "No files matched."}, nil
	}
	paths := make([]string, len(hits))
	for i, h := range hits {
		paths[i] = h.path
	}
	output := strings.Join(paths, "\n")
	if total > len(hits) {
		output += fmt.Sprintf("\n[%d more matches not shown]", total-len(hits))
	}
	return &Result{
		Title:    params.Pattern,
		Output:   output,
		Metadata: map[string]any{"count": total},
	}, nil
}

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", ".hg", ".svn":
		return true
	}
	return false
}
