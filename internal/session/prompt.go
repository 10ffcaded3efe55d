package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hotaru-ai/hotaru/internal/config"
	"github.com/hotaru-ai/hotaru/internal/provider"
	"github.com/hotaru-ai/hotaru/internal/skill"
	"github.com/hotaru-ai/hotaru/internal/tool"
)

const basePrompt = `You are hotaru, a coding agent working inside the user's repository.

Use the available tools to inspect and modify the project. Prefer small
targeted edits over rewrites. When a tool fails, read the error and
adjust; do not repeat the same call unchanged. Reply concisely.`

// instructionFiles are searched in order at each directory level; the
// first hit at the closest level wins.
var instructionFiles = []string{"AGENTS.md", "CLAUDE.md"}

// findInstructions walks from directory up to the worktree root and
// returns the content and base name of the first instruction file
// found. HOTARU_DISABLE_CLAUDE_CODE skips CLAUDE.md.
func findInstructions(directory, worktree string) (string, string) {
	names := instructionFiles
	if os.Getenv("HOTARU_DISABLE_CLAUDE_CODE") != "" {
		names = []string{"AGENTS.md"}
	}

	dir := directory
	for {
		for _, name := range names {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err == nil && len(data) > 0 {
				return string(data), name
			}
		}
		if dir == worktree || dir == "/" || dir == filepath.Dir(dir) {
			return "", ""
		}
		dir = filepath.Dir(dir)
	}
}

// buildSystemPrompt assembles the system prompt from the base prompt,
// the agent override, discovered instruction files, configured extras,
// and the available skill catalogue.
func buildSystemPrompt(cfg *config.Config, agent, directory, worktree string, skills []skill.Skill) string {
	var sections []string

	prompt := basePrompt
	if cfg != nil && agent != "" {
		if ac, ok := cfg.Agents[agent]; ok && ac.Prompt != "" {
			prompt = ac.Prompt
		}
	}
	sections = append(sections, prompt)

	// HOTARU_DISABLE_CLAUDE_CODE_PROMPT keeps CLAUDE.md discoverable but
	// leaves its content out of the system prompt.
	inst, name := findInstructions(directory, worktree)
	if inst != "" && !(name == "CLAUDE.md" && os.Getenv("HOTARU_DISABLE_CLAUDE_CODE_PROMPT") != "") {
		sections = append(sections, "<project-instructions>\n"+inst+"\n</project-instructions>")
	}

	if cfg != nil {
		for _, path := range cfg.Instructions {
			if !filepath.IsAbs(path) {
				path = filepath.Join(worktree, path)
			}
			data, err := os.ReadFile(path)
			if err != nil || len(data) == 0 {
				continue
			}
			sections = append(sections, fmt.Sprintf("<instructions file=%q>\n%s\n</instructions>", path, string(data)))
		}
	}

	if len(skills) > 0 {
		var b strings.Builder
		b.WriteString("Available skills (load one with the skill tool):")
		for _, s := range skills {
			fmt.Fprintf(&b, "\n- %s: %s", s.Name, s.Description)
		}
		sections = append(sections, b.String())
	}

	sections = append(sections, fmt.Sprintf("Working directory: %s", directory))
	return strings.Join(sections, "\n\n")
}

// catalogue renders the registry into the provider's tool definitions.
func catalogue(reg *tool.Registry) []provider.ToolDef {
	var defs []provider.ToolDef
	for _, t := range reg.List() {
		defs = append(defs, provider.ToolDef{
			Name:        t.ID(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}
