package tool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/hotaru-ai/hotaru/internal/permission"
)

// A deny rule stops the bash tool before any process is spawned.
func TestBashDeniedBeforeSpawn(t *testing.T) {
	perms := permission.NewService(nil, nil, nil)
	perms.SetConfigRules(permission.Ruleset{
		{Permission: "bash", Pattern: "rm -rf /*", Action: permission.ActionDeny},
	})

	ctx := testContext(t)
	ctx.Ask = func(c context.Context, perm string, patterns, always []string, metadata map[string]any) error {
		return perms.Ask(c, permission.Request{
			SessionID:      ctx.SessionID,
			Permission:     perm,
			Patterns:       patterns,
			AlwaysPatterns: always,
			Metadata:       metadata,
		})
	}

	r := NewRegistry(slog.Default(), t.TempDir(), nil)
	r.Register(NewBash())

	marker := t.TempDir() + "/spawned"
	args, _ := json.Marshal(map[string]any{"command": "rm -rf /*", "description": "touch " + marker})
	_, err := r.Execute(ctx, "bash", args)

	var denied *permission.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("Execute(bash) error = %v, want DeniedError", err)
	}
	if len(denied.Rules) == 0 {
		t.Error("DeniedError carries no matching rules")
	}
}

func TestBashRunsAllowedCommand(t *testing.T) {
	ctx := testContext(t) // nil Ask allows everything
	r := NewRegistry(slog.Default(), t.TempDir(), nil)
	r.Register(NewBash())

	args, _ := json.Marshal(map[string]any{"command": "echo hello"})
	res, err := r.Execute(ctx, "bash", args)
	if err != nil {
		t.Fatalf("Execute(bash) error = %v", err)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestBashNonZeroExitReturnedAsText(t *testing.T) {
	ctx := testContext(t)
	r := NewRegistry(slog.Default(), t.TempDir(), nil)
	r.Register(NewBash())

	args, _ := json.Marshal(map[string]any{"command": "echo oops >&2; exit 3"})
	res, err := r.Execute(ctx, "bash", args)
	if err != nil {
		t.Fatalf("Execute(bash) error = %v, want exit code in output", err)
	}
	if !strings.Contains(res.Output, "oops") || !strings.Contains(res.Output, "exit code 3") {
		t.Errorf("output = %q", res.Output)
	}
	if res.Metadata["exit_code"] != 3 {
		t.Errorf("metadata.exit_code = %v", res.Metadata["exit_code"])
	}
}

// An active virtualenv's bin directory lands on the child's PATH.
func TestBashPutsVirtualEnvOnPath(t *testing.T) {
	venv := t.TempDir()
	t.Setenv("VIRTUAL_ENV", venv)

	ctx := testContext(t)
	r := NewRegistry(slog.Default(), t.TempDir(), nil)
	r.Register(NewBash())

	args, _ := json.Marshal(map[string]any{"command": `printf %s "$PATH"`})
	res, err := r.Execute(ctx, "bash", args)
	if err != nil {
		t.Fatalf("Execute(bash) error = %v", err)
	}
	if !strings.Contains(res.Output, venv+"/bin") {
		t.Errorf("PATH = %q, want venv bin on it", res.Output)
	}
}

func TestAlwaysPatternsFor(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"npm test", "npm test*"},
		{"git push --force", "git push*"},
		{"ls", "ls*"},
	}
	for _, tt := range tests {
		got := alwaysPatternsFor(tt.command)
		if len(got) == 0 || got[0] != tt.want {
			t.Errorf("alwaysPatternsFor(%q) = %v, want first %q", tt.command, got, tt.want)
		}
	}
}
