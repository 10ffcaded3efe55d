package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hotaru-ai/hotaru/internal/config"
	"github.com/hotaru-ai/hotaru/internal/skill"
)

func TestFindInstructionsWalksToWorktree(t *testing.T) {
	worktree := t.TempDir()
	nested := filepath.Join(worktree, "pkg", "deep")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(worktree, "AGENTS.md"), []byte("root rules"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	got, name := findInstructions(nested, worktree)
	if got != "root rules" || name != "AGENTS.md" {
		t.Errorf("findInstructions() = %q from %q, want root rules from AGENTS.md", got, name)
	}
}

func TestFindInstructionsClosestWins(t *testing.T) {
	worktree := t.TempDir()
	nested := filepath.Join(worktree, "sub")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(worktree, "AGENTS.md"), []byte("root"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(nested, "CLAUDE.md"), []byte("nested"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if got, _ := findInstructions(nested, worktree); got != "nested" {
		t.Errorf("findInstructions() = %q, want nested", got)
	}
}

func TestFindInstructionsDisableClaudeMd(t *testing.T) {
	worktree := t.TempDir()
	if err := os.WriteFile(filepath.Join(worktree, "CLAUDE.md"), []byte("claude rules"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if got, _ := findInstructions(worktree, worktree); got != "claude rules" {
		t.Fatalf("findInstructions() = %q, want claude rules", got)
	}

	t.Setenv("HOTARU_DISABLE_CLAUDE_CODE", "1")
	if got, _ := findInstructions(worktree, worktree); got != "" {
		t.Errorf("findInstructions() with CLAUDE.md disabled = %q, want empty", got)
	}
}

func TestFindInstructionsAgentsBeatsClaude(t *testing.T) {
	worktree := t.TempDir()
	if err := os.WriteFile(filepath.Join(worktree, "AGENTS.md"), []byte("agents"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(worktree, "CLAUDE.md"), []byte("claude"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if got, _ := findInstructions(worktree, worktree); got != "agents" {
		t.Errorf("findInstructions() = %q, want agents", got)
	}
}

// HOTARU_DISABLE_CLAUDE_CODE_PROMPT drops a discovered CLAUDE.md from
// the system prompt without affecting AGENTS.md.
func TestBuildSystemPromptDisableClaudePrompt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("claude rules"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if got := buildSystemPrompt(nil, "", dir, dir, nil); !strings.Contains(got, "claude rules") {
		t.Fatalf("CLAUDE.md content missing from prompt: %q", got)
	}

	t.Setenv("HOTARU_DISABLE_CLAUDE_CODE_PROMPT", "1")
	if got := buildSystemPrompt(nil, "", dir, dir, nil); strings.Contains(got, "claude rules") {
		t.Errorf("CLAUDE.md content still in prompt: %q", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("agents rules"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if got := buildSystemPrompt(nil, "", dir, dir, nil); !strings.Contains(got, "agents rules") {
		t.Errorf("AGENTS.md content suppressed: %q", got)
	}
}

func TestBuildSystemPromptAgentOverride(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Agents: map[string]config.AgentConfig{
			"reviewer": {Prompt: "You only review code."},
		},
	}

	got := buildSystemPrompt(cfg, "reviewer", dir, dir, nil)
	if !strings.HasPrefix(got, "You only review code.") {
		t.Errorf("agent prompt not applied: %q", got)
	}

	got = buildSystemPrompt(cfg, "", dir, dir, nil)
	if !strings.HasPrefix(got, "You are hotaru") {
		t.Errorf("default prompt missing: %q", got)
	}
	if !strings.Contains(got, "Working directory: "+dir) {
		t.Errorf("working directory missing: %q", got)
	}
}

func TestBuildSystemPromptExtraInstructions(t *testing.T) {
	dir := t.TempDir()
	extra := filepath.Join(dir, "STYLE.md")
	if err := os.WriteFile(extra, []byte("tabs not spaces"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg := &config.Config{Instructions: []string{"STYLE.md"}}

	got := buildSystemPrompt(cfg, "", dir, dir, nil)
	if !strings.Contains(got, "tabs not spaces") {
		t.Errorf("extra instructions missing: %q", got)
	}
}

func TestBuildSystemPromptListsSkills(t *testing.T) {
	dir := t.TempDir()
	skills := []skill.Skill{
		{Name: "review", Description: "Code review checklist"},
	}

	got := buildSystemPrompt(nil, "", dir, dir, skills)
	if !strings.Contains(got, "review: Code review checklist") {
		t.Errorf("skill catalogue missing: %q", got)
	}

	got = buildSystemPrompt(nil, "", dir, dir, nil)
	if strings.Contains(got, "Available skills") {
		t.Errorf("empty skill catalogue rendered: %q", got)
	}
}
