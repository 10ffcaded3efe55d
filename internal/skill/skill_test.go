package skill

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hotaru-ai/hotaru/internal/tool"
)

func writeSkill(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestListAndLoad(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "review", "# Code review\n\nRead every changed file before commenting.")
	writeSkill(t, dir, "deploy", "Deploy checklist\nSteps follow.")

	r := NewRegistry([]string{dir})
	skills := r.List()
	if len(skills) != 2 {
		t.Fatalf("List() returned %d skills, want 2", len(skills))
	}
	if skills[0].Name != "deploy" || skills[1].Name != "review" {
		t.Errorf("skills not sorted by name: %v", skills)
	}
	if skills[1].Description != "Code review" {
		t.Errorf("description = %q, want heading text", skills[1].Description)
	}

	content, err := r.Load("review")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !strings.Contains(content, "Read every changed file") {
		t.Errorf("Load() content = %q", content)
	}

	if _, err := r.Load("missing"); err == nil {
		t.Error("Load() of unknown skill succeeded, want error")
	}
}

func TestProjectShadowsUser(t *testing.T) {
	userDir := t.TempDir()
	projectDir := t.TempDir()
	writeSkill(t, userDir, "review", "user version")
	writeSkill(t, projectDir, "review", "project version")

	r := NewRegistry([]string{userDir, projectDir})
	content, err := r.Load("review")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if content != "project version" {
		t.Errorf("Load() = %q, want the project copy", content)
	}
}

func TestRefreshPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry([]string{dir})
	if got := r.List(); len(got) != 0 {
		t.Fatalf("List() of empty dir = %v", got)
	}

	writeSkill(t, dir, "late", "added after startup")
	if got := r.List(); len(got) != 1 || got[0].Name != "late" {
		t.Fatalf("List() after adding a skill = %v", got)
	}
}

func TestSkillTool(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "review", "be thorough")

	tl := Tool(NewRegistry([]string{dir}))
	ctx := &tool.Context{Context: context.Background()}

	res, err := tl.Execute(ctx, json.RawMessage(`{"name":"review"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Output != "be thorough" {
		t.Errorf("Output = %q", res.Output)
	}

	if _, err := tl.Execute(ctx, json.RawMessage(`{"name":"nope"}`)); err == nil {
		t.Error("Execute() with unknown skill succeeded, want error")
	}
}
