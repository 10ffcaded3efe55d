package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hotaru-ai/hotaru/internal/config"
	"github.com/hotaru-ai/hotaru/internal/tool"
)

// fakeTransport scripts JSON-RPC responses by method.
type fakeTransport struct {
	responses map[string]any
	errs      map[string]error
	connected bool
	events    chan *JSONRPCNotification
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: map[string]any{},
		errs:      map[string]error{},
		events:    make(chan *JSONRPCNotification, 8),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeTransport) Close() error                      { f.connected = false; return nil }
func (f *fakeTransport) Connected() bool                   { return f.connected }
func (f *fakeTransport) Events() <-chan *JSONRPCNotification {
	return f.events
}
func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error { return nil }
func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err, ok := f.errs[method]; ok {
		return nil, err
	}
	resp, ok := f.responses[method]
	if !ok {
		return nil, fmt.Errorf("unscripted method %s", method)
	}
	return json.Marshal(resp)
}

func scriptedServer(tools ...ToolDescriptor) *fakeTransport {
	f := newFakeTransport()
	f.responses["initialize"] = map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo":      map[string]any{"name": "fake", "version": "1"},
		"capabilities":    map[string]any{},
	}
	f.responses["tools/list"] = toolsListResult{Tools: tools}
	return f
}

func TestClientConnectAndCallTool(t *testing.T) {
	transport := scriptedServer(ToolDescriptor{Name: "search", InputSchema: json.RawMessage(`{"type":"object"}`)})
	transport.responses["tools/call"] = toolsCallResult{
		Content: []ContentBlock{{Type: "text", Text: "found it"}},
	}

	c := newClient(ServerConfig{Name: "gh", Enabled: true}, transport)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := c.Tools(); len(got) != 1 || got[0].Name != "search" {
		t.Errorf("Tools() = %v", got)
	}

	text, err := c.CallTool(context.Background(), "search", json.RawMessage(`{"q":"x"}`))
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if text != "found it" {
		t.Errorf("CallTool() = %q", text)
	}
}

func TestCallToolIsErrorBecomesError(t *testing.T) {
	transport := scriptedServer()
	transport.responses["tools/call"] = toolsCallResult{
		Content: []ContentBlock{{Type: "text", Text: "boom"}},
		IsError: true,
	}
	c := newClient(ServerConfig{Name: "gh"}, transport)

	if _, err := c.CallTool(context.Background(), "search", nil); err == nil {
		t.Fatal("CallTool() on isError result returned nil error")
	}
}

func managerWithFake(t *testing.T, name string) (*Manager, *tool.Registry) {
	t.Helper()
	registry := tool.NewRegistry(slog.Default(), t.TempDir(), nil)
	auth := NewAuthStore(filepath.Join(t.TempDir(), "mcp-auth.json"))
	m := NewManager(slog.Default(), nil, registry, auth, map[string]config.MCPServer{
		name: {URL: "https://mcp.example/rpc"},
	})
	return m, registry
}

func TestManagerBridgesToolsUnderPrefixedNames(t *testing.T) {
	transport := scriptedServer(
		ToolDescriptor{Name: "search", Description: "search code", InputSchema: json.RawMessage(`{"type":"object"}`)},
		ToolDescriptor{Name: "issues", InputSchema: json.RawMessage(`{"type":"object"}`)},
	)
	m, registry := managerWithFake(t, "github")

	client := newClient(m.servers["github"].config, transport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	m.servers["github"].client = client
	m.servers["github"].status = StatusConnected
	m.bridgeTools(context.Background(), "github", client)

	if _, ok := registry.Get("github_search"); !ok {
		t.Error("github_search not registered")
	}
	if _, ok := registry.Get("github_issues"); !ok {
		t.Error("github_issues not registered")
	}

	if err := m.Disconnect(context.Background(), "github"); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if _, ok := registry.Get("github_search"); ok {
		t.Error("github_search still registered after disconnect")
	}

	states := m.States()
	if len(states) != 1 || states[0].Status != StatusDisabled {
		t.Errorf("States() = %+v", states)
	}
}

func TestBridgedToolExecutes(t *testing.T) {
	transport := scriptedServer(ToolDescriptor{Name: "echo", InputSchema: json.RawMessage(`{"type":"object"}`)})
	transport.responses["tools/call"] = toolsCallResult{
		Content: []ContentBlock{{Type: "text", Text: "hello"}},
	}
	m, registry := managerWithFake(t, "util")

	client := newClient(m.servers["util"].config, transport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.servers["util"].client = client
	m.bridgeTools(context.Background(), "util", client)

	ctx := &tool.Context{Context: context.Background(), Directory: t.TempDir()}
	res, err := registry.Execute(ctx, "util_echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Output != "hello" {
		t.Errorf("output = %q", res.Output)
	}
}

func TestAuthStoreBindsServerURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp-auth.json")
	store := NewAuthStore(path)

	entry := AuthEntry{
		ServerURL:   "https://mcp.example/rpc",
		ClientID:    "cid",
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.Set("github", entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("auth file mode = %o, want 0600", info.Mode().Perm())
	}

	if got, ok := store.Get("github", "https://mcp.example/rpc"); !ok || got.AccessToken != "tok" {
		t.Errorf("Get() = (%+v, %v)", got, ok)
	}
	if _, ok := store.Get("github", "https://other.example/rpc"); ok {
		t.Error("entry returned for a different server_url")
	}

	if err := store.Delete("github"); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Get("github", "https://mcp.example/rpc"); ok {
		t.Error("entry survived Delete")
	}
}

// An interrupted authorization flow survives a restart: the verifier
// and state are on disk until the token exchange clears them.
func TestAuthStorePersistsPendingFlow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp-auth.json")
	store := NewAuthStore(path)

	entry := AuthEntry{
		ServerURL:    "https://mcp.example/rpc",
		ClientID:     "cid",
		CodeVerifier: "pkce-verifier",
		OAuthState:   "state-abc",
	}
	if err := store.Set("github", entry); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// A fresh store over the same file sees the in-flight flow.
	reopened := NewAuthStore(path)
	got, ok := reopened.Get("github", "https://mcp.example/rpc")
	if !ok || got.CodeVerifier != "pkce-verifier" || got.OAuthState != "state-abc" {
		t.Errorf("Get() after reopen = (%+v, %v)", got, ok)
	}

	entry.CodeVerifier = ""
	entry.OAuthState = ""
	entry.AccessToken = "tok"
	if err := store.Set("github", entry); err != nil {
		t.Fatal(err)
	}
	got, _ = reopened.Get("github", "https://mcp.example/rpc")
	if got.CodeVerifier != "" || got.OAuthState != "" {
		t.Errorf("flow material not cleared after exchange: %+v", got)
	}
}

func TestAuthEntryExpiry(t *testing.T) {
	if (AuthEntry{}).Expired() {
		t.Error("entry without expiry reported expired")
	}
	if !(AuthEntry{ExpiresAt: time.Now().Add(-time.Minute)}).Expired() {
		t.Error("past expiry not reported")
	}
	if (AuthEntry{ExpiresAt: time.Now().Add(time.Hour)}).Expired() {
		t.Error("future expiry reported expired")
	}
}
