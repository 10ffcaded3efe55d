package runtime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hotaru-ai/hotaru/internal/bus"
	"github.com/hotaru-ai/hotaru/internal/provider"
	"github.com/hotaru-ai/hotaru/internal/session"
)

func startTestRuntime(t *testing.T, fake *provider.Fake) *Runtime {
	t.Helper()
	t.Setenv("HOTARU_TEST_HOME", t.TempDir())
	t.Setenv("HOTARU_TEST_MANAGED_CONFIG_DIR", filepath.Join(t.TempDir(), "managed"))
	t.Setenv("HOTARU_CONFIG_CONTENT", "")

	rt, err := Start(context.Background(), Options{
		Directory: t.TempDir(),
		Provider:  fake,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { rt.Shutdown(context.Background()) })
	return rt
}

func TestStartReportsReady(t *testing.T) {
	rt := startTestRuntime(t, &provider.Fake{})
	if got := rt.Health(); got != HealthReady {
		t.Errorf("Health() = %q, want ready", got)
	}
	if rt.Worktree != "/" {
		t.Errorf("Worktree = %q, want / outside a repository", rt.Worktree)
	}
	if rt.ProjectID != "global" {
		t.Errorf("ProjectID = %q, want global", rt.ProjectID)
	}
}

func TestReportListsSubsystems(t *testing.T) {
	rt := startTestRuntime(t, &provider.Fake{})
	report := rt.Report()
	if report.Status != HealthReady {
		t.Errorf("Status = %q, want ready", report.Status)
	}
	for _, name := range []string{"storage", "permission", "session", "mcp", "lsp"} {
		sub, ok := report.Subsystems[name]
		if !ok {
			t.Errorf("subsystem %q missing from report", name)
			continue
		}
		if sub.Status != HealthReady {
			t.Errorf("subsystem %q status = %q, want ready", name, sub.Status)
		}
	}
	if !report.Subsystems["mcp"].Critical {
		t.Error("mcp not marked critical")
	}
	if report.Subsystems["lsp"].Critical {
		t.Error("lsp marked critical")
	}
}

func TestPromptThroughContainer(t *testing.T) {
	fake := &provider.Fake{Turns: [][]provider.Event{provider.TextTurn("assembled")}}
	rt := startTestRuntime(t, fake)
	ctx := context.Background()

	sess, err := rt.Sessions.CreateSession(ctx, rt.Directory, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := rt.Runner.Prompt(ctx, sess.ID, "hello"); err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}

	history, err := rt.Sessions.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(history) != 2 || history[1].Parts[0].Text != "assembled" {
		t.Fatalf("history = %+v", history)
	}
}

func TestInitCommandMarksProject(t *testing.T) {
	rt := startTestRuntime(t, &provider.Fake{})
	ctx := context.Background()

	if rt.ProjectInitialised(ctx) {
		t.Fatal("project initialised before /init")
	}

	var updated bool
	rt.Bus.Subscribe(EventProjectUpdated, func(ctx context.Context, ev bus.Event) {
		var props struct {
			ProjectID   string `json:"project_id"`
			Initialised bool   `json:"initialised"`
		}
		if err := json.Unmarshal(ev.Properties, &props); err == nil && props.Initialised {
			updated = true
		}
	})

	rt.Runner.RecordCommand(ctx, "sess", "/init")
	if !rt.ProjectInitialised(ctx) {
		t.Error("project not marked initialised after /init")
	}
	if !updated {
		t.Error("project.updated not published")
	}

	// Other commands do not touch project state.
	rt.Runner.RecordCommand(ctx, "sess", "/help")
}

func TestBuiltinToolsRegistered(t *testing.T) {
	rt := startTestRuntime(t, &provider.Fake{})
	want := []string{"bash", "edit", "glob", "grep", "read", "skill", "write"}
	tools := rt.Tools.List()
	if len(tools) != len(want) {
		t.Fatalf("got %d tools, want %d", len(tools), len(want))
	}
	for i, id := range want {
		if tools[i].ID() != id {
			t.Errorf("tool %d = %q, want %q", i, tools[i].ID(), id)
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Setenv("HOTARU_TEST_HOME", t.TempDir())
	t.Setenv("HOTARU_TEST_MANAGED_CONFIG_DIR", filepath.Join(t.TempDir(), "managed"))
	t.Setenv("HOTARU_CONFIG_CONTENT", "")

	rt, err := Start(context.Background(), Options{Directory: t.TempDir(), Provider: &provider.Fake{}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rt.Shutdown(context.Background())
	rt.Shutdown(context.Background())

	if got := rt.Health(); got != HealthFailed {
		t.Errorf("Health() after shutdown = %q, want failed", got)
	}
}

func TestStartRejectsUnknownBackend(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOTARU_TEST_HOME", home)
	t.Setenv("HOTARU_TEST_MANAGED_CONFIG_DIR", filepath.Join(t.TempDir(), "managed"))
	t.Setenv("HOTARU_CONFIG_CONTENT", "")

	cfgDir := filepath.Join(home, ".config", "hotaru")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	content := `{"storage": {"backend": "cloud"}}`
	if err := os.WriteFile(filepath.Join(cfgDir, "hotaru.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Start(context.Background(), Options{Directory: t.TempDir(), Provider: &provider.Fake{}}); err == nil {
		t.Fatal("Start() with unknown backend succeeded, want error")
	}
}

func TestSessionEventsFlowThroughContainerBus(t *testing.T) {
	fake := &provider.Fake{Turns: [][]provider.Event{provider.TextTurn("ok")}}
	rt := startTestRuntime(t, fake)
	ctx := context.Background()

	var statuses []string
	rt.Bus.Subscribe(session.EventStatus, func(ctx context.Context, ev bus.Event) {
		var props struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(ev.Properties, &props); err == nil {
			statuses = append(statuses, props.Status)
		}
	})

	sess, err := rt.Sessions.CreateSession(ctx, rt.Directory, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := rt.Runner.Prompt(ctx, sess.ID, "go"); err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}

	if len(statuses) != 2 || statuses[0] != session.StatusWorking || statuses[1] != session.StatusIdle {
		t.Fatalf("statuses = %v, want [working idle]", statuses)
	}
}
