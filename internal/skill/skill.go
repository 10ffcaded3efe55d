// Package skill discovers reusable instruction documents the model can
// load on demand.
package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hotaru-ai/hotaru/internal/tool"
)

// Skill is one loadable document.
type Skill struct {
	Name        string
	Description string
	Path        string
}

// Registry scans skill directories for markdown documents. Files are
// re-read on load so edits apply without a restart.
type Registry struct {
	dirs []string

	mu     sync.Mutex
	skills map[string]Skill
}

// NewRegistry creates a registry over the given directories, typically
// the user config skills dir and the project's .hotaru/skills.
func NewRegistry(dirs []string) *Registry {
	r := &Registry{dirs: dirs}
	r.refresh()
	return r
}

func (r *Registry) refresh() {
	skills := make(map[string]Skill)
	for _, dir := range r.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			name := strings.TrimSuffix(entry.Name(), ".md")
			// Later directories (project level) shadow earlier ones.
			skills[name] = Skill{
				Name:        name,
				Description: firstLine(path),
				Path:        path,
			}
		}
	}
	r.mu.Lock()
	r.skills = skills
	r.mu.Unlock()
}

// firstLine extracts a description from the document's first non-empty
// line, with any markdown heading marker stripped.
func firstLine(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			return line
		}
	}
	return ""
}

// List returns every discovered skill sorted by name.
func (r *Registry) List() []Skill {
	r.refresh()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load returns the full document for one skill.
func (r *Registry) Load(name string) (string, error) {
	r.refresh()
	r.mu.Lock()
	s, ok := r.skills[name]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("skill: unknown skill %q", name)
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("skill: read %s: %w", s.Path, err)
	}
	return string(data), nil
}

type loadParams struct {
	Name string `json:"name" jsonschema:"description=Name of the skill to load"`
}

// Tool exposes the registry to the model as a skill-loading tool.
func Tool(r *Registry) tool.Tool {
	return tool.New(tool.Def[loadParams]{
		ID:          "skill",
		Description: "Loads a skill document by name. Use the skill list in the system prompt to pick one.",
		Run: func(ctx *tool.Context, params loadParams) (*tool.Result, error) {
			content, err := r.Load(params.Name)
			if err != nil {
				return nil, err
			}
			return &tool.Result{
				Title:    "skill: " + params.Name,
				Output:   content,
				Metadata: map[string]any{"skill": params.Name},
			}, nil
		},
	})
}
