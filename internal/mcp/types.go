// Package mcp connects to Model Context Protocol servers and bridges
// their tools into the local registry.
package mcp

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hotaru-ai/hotaru/internal/config"
)

const protocolVersion = "2024-11-05"

// ErrUnauthorized marks a 401 from a remote server; the manager turns
// it into the needs_auth status.
var ErrUnauthorized = errors.New("mcp: unauthorized")

// Status of a configured server.
type Status string

const (
	StatusConnected               Status = "connected"
	StatusDisabled                Status = "disabled"
	StatusFailed                  Status = "failed"
	StatusNeedsAuth               Status = "needs_auth"
	StatusNeedsClientRegistration Status = "needs_client_registration"
)

// ServerConfig is the resolved configuration for one server.
type ServerConfig struct {
	Name    string
	Command []string
	URL     string
	Env     map[string]string
	Headers map[string]string
	Timeout time.Duration
	Enabled bool
}

// FromConfig resolves the config-file form.
func FromConfig(name string, c config.MCPServer) ServerConfig {
	return ServerConfig{
		Name:    name,
		Command: c.Command,
		URL:     c.URL,
		Env:     c.Environment,
		Headers: c.Headers,
		Timeout: c.Timeout.Std(30 * time.Second),
		Enabled: c.IsEnabled(),
	}
}

// Remote reports whether this server is reached over HTTP.
func (c ServerConfig) Remote() bool { return c.URL != "" }

// JSONRPCRequest is a request with an id.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse answers a request.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification has no id.
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ToolDescriptor is one entry from tools/list.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is one piece of a tools/call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type toolsCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Capabilities map[string]any `json:"capabilities"`
}
