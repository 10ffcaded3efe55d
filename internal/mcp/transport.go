package mcp

import (
	"context"
	"encoding/json"
)

// Transport moves JSON-RPC messages to and from one server.
type Transport interface {
	// Connect establishes the transport.
	Connect(ctx context.Context) error

	// Close tears the transport down.
	Close() error

	// Call sends a request and waits for its response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification.
	Notify(ctx context.Context, method string, params any) error

	// Events delivers server-initiated notifications.
	Events() <-chan *JSONRPCNotification

	// Connected reports whether the transport is usable.
	Connected() bool
}

// authHeaderFunc supplies the Authorization header for remote servers;
// nil or an empty return means no header.
type authHeaderFunc func() string

// newTransport picks the transport from the server configuration.
func newTransport(cfg ServerConfig, auth authHeaderFunc) Transport {
	if cfg.Remote() {
		return newHTTPTransport(cfg, auth)
	}
	return newStdioTransport(cfg)
}
