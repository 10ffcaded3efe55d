package lsp

import (
	"os"
	"path/filepath"
)

// ServerDefinition describes how to spawn a language server and which
// files it owns.
type ServerDefinition struct {
	ID         string
	Command    []string
	Extensions []string
	// RootAnchors are files whose presence marks a workspace root,
	// searched upward from the edited file.
	RootAnchors []string
	// SuppressAnchors disable this server for a root; deno projects
	// carry package.json-adjacent files but must not get tsserver.
	SuppressAnchors []string
	Options         map[string]any
	Env             map[string]string
}

// builtinServers is the default catalogue; config can override or
// disable entries by id.
func builtinServers() []ServerDefinition {
	return []ServerDefinition{
		{
			ID:          "gopls",
			Command:     []string{"gopls"},
			Extensions:  []string{".go"},
			RootAnchors: []string{"go.mod", "go.work"},
		},
		{
			ID:          "rust-analyzer",
			Command:     []string{"rust-analyzer"},
			Extensions:  []string{".rs"},
			RootAnchors: []string{"Cargo.toml"},
		},
		{
			ID:              "typescript-language-server",
			Command:         []string{"typescript-language-server", "--stdio"},
			Extensions:      []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
			RootAnchors:     []string{"package-lock.json", "yarn.lock", "pnpm-lock.yaml", "tsconfig.json", "package.json"},
			SuppressAnchors: []string{"deno.json", "deno.jsonc"},
		},
		{
			ID:          "pyright",
			Command:     []string{"pyright-langserver", "--stdio"},
			Extensions:  []string{".py"},
			RootAnchors: []string{"pyproject.toml", "setup.py", "requirements.txt"},
			Options:     pyrightOptions(),
		},
		{
			ID:          "clangd",
			Command:     []string{"clangd"},
			Extensions:  []string{".c", ".cc", ".cpp", ".cxx", ".h", ".hpp"},
			RootAnchors: []string{"compile_commands.json", "CMakeLists.txt"},
		},
	}
}

// pyrightOptions points pyright at an active virtualenv's interpreter
// so imports resolve against the venv instead of the system python.
func pyrightOptions() map[string]any {
	venv := os.Getenv("VIRTUAL_ENV")
	if venv == "" {
		return nil
	}
	return map[string]any{
		"python": map[string]any{"pythonPath": filepath.Join(venv, "bin", "python")},
	}
}

// handles reports whether the definition covers the file extension.
func (d ServerDefinition) handles(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range d.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// findRoot walks from the file's directory up to limit looking for an
// anchor. A suppress anchor at any level disables the server for that
// file. Returns "" when no anchor is found.
func (d ServerDefinition) findRoot(path, limit string) string {
	dir := filepath.Dir(path)
	for {
		for _, anchor := range d.SuppressAnchors {
			if fileExists(filepath.Join(dir, anchor)) {
				return ""
			}
		}
		for _, anchor := range d.RootAnchors {
			if fileExists(filepath.Join(dir, anchor)) {
				return dir
			}
		}
		if dir == limit || dir == filepath.Dir(dir) {
			return ""
		}
		dir = filepath.Dir(dir)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
