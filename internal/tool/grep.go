package tool

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hotaru-ai/hotaru/internal/permission"
)

const (
	grepMaxMatches  = 100
	grepMaxLineLen  = 500
	grepBinarySniff = 8000
)

type grepParams struct {
	Pattern string `json:"pattern" jsonschema:"description=Regular expression to search for"`
	Path    string `json:"path,omitempty" jsonschema:"description=Directory or file to search, defaults to the working directory"`
	Include string `json:"include,omitempty" jsonschema:"description=Glob filter for file names, e.g. *.go"`
}

// NewGrep returns the content search tool.
func NewGrep() Tool {
	return New(Def[grepParams]{
		ID:          "grep",
		Description: "Search file contents with a regular expression.",
		Run:         runGrep,
	})
}

func runGrep(ctx *Context, params grepParams) (*Result, error) {
	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return nil, &ValidationError{ToolID: "grep", Err: err}
	}
	root := ctx.Directory
	if params.Path != "" {
		root = resolvePath(ctx, params.Path)
	}
	if err := CheckExternalDirectory(ctx, root); err != nil {
		return nil, err
	}

	var matches []string
	total := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if params.Include != "" {
			if ok, _ := filepath.Match(params.Include, d.Name()); !ok {
				rel, rerr := filepath.Rel(root, path)
				if rerr != nil || !permission.Matches(params.Include, rel) {
					return nil
				}
			}
		}
		total += grepFile(re, path, &matches)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("grep: %w", walkErr)
	}

	if total == 0 {
		return &Result{Title: params.Pattern, Output: "No matches."}, nil
	}
	output := strings.Join(matches, "\n")
	if total > len(matches) {
		output += fmt.Sprintf("\n[%d more matches not shown]", total-len(matches))
	}
	return &Result{
		Title:    params.Pattern,
		Output:   output,
		Metadata: map[string]any{"count": total},
	}, nil
}

// grepFile appends up to the global cap and returns how many lines
// matched in total. Binary files are skipped.
func grepFile(re *regexp.Regexp, path string, matches *[]string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	sniff := make([]byte, grepBinarySniff)
	n, _ := f.Read(sniff)
	if bytes.IndexByte(sniff[:n], 0) >= 0 {
		return 0
	}
	if _, err := f.Seek(0, 0); err != nil {
		return 0
	}

	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !re.MatchString(line) {
			continue
		}
		count++
		if len(*matches) < grepMaxMatches {
			if len(line) > grepMaxLineLen {
				line = line[:grepMaxLineLen] + "..."
			}
			*matches = append(*matches, fmt.Sprintf("%s:%d: %s", path, lineNo, line))
		}
	}
	return count
}
