package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Client wraps one server's transport with the MCP handshake and the
// tool operations the agent needs.
type Client struct {
	Config    ServerConfig
	transport Transport
	logger    *slog.Logger

	mu         sync.Mutex
	serverName string
	tools      []ToolDescriptor
}

func newClient(cfg ServerConfig, transport Transport) *Client {
	return &Client{
		Config:    cfg,
		transport: transport,
		logger:    slog.Default().With("component", "mcp", "server", cfg.Name),
	}
}

// Connect establishes the transport and runs initialize, then caches
// the server's tool list.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	var result initializeResult
	raw, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "hotaru",
			"version": "1.0",
		},
	})
	if err != nil {
		_ = c.transport.Close()
		return err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.mu.Unlock()

	if err := c.RefreshTools(ctx); err != nil {
		_ = c.transport.Close()
		return err
	}
	c.logger.Info("connected to MCP server", "name", result.ServerInfo.Name, "tools", len(c.Tools()))
	return nil
}

// RefreshTools re-fetches tools/list.
func (c *Client) RefreshTools(ctx context.Context) error {
	raw, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decode tools/list result: %w", err)
	}
	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
	return nil
}

// Tools returns the cached descriptor list.
func (c *Client) Tools() []ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolDescriptor(nil), c.tools...)
}

// CallTool invokes a tool and flattens the content blocks into text.
// A result flagged isError comes back as a Go error so the session
// loop surfaces it to the model.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	raw, err := c.transport.Call(ctx, "tools/call", toolsCallParams{Name: name, Arguments: arguments})
	if err != nil {
		return "", err
	}
	var result toolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode tools/call result: %w", err)
	}

	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("tool %s: %s", name, text)
	}
	return text, nil
}

// Events exposes the transport's notification channel.
func (c *Client) Events() <-chan *JSONRPCNotification { return c.transport.Events() }

// Connected reports the transport state.
func (c *Client) Connected() bool { return c.transport.Connected() }

// Close tears down the transport.
func (c *Client) Close() error { return c.transport.Close() }
