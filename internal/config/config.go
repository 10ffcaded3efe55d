// Package config loads the layered hotaru.json configuration.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the merged runtime configuration.
type Config struct {
	// Storage selects the persistence backend.
	Storage StorageConfig `yaml:"storage"`

	// Permissions are user rules evaluated after built-in defaults.
	Permissions []PermissionRule `yaml:"permissions"`

	// Agents carry per-agent rule overrides.
	Agents map[string]AgentConfig `yaml:"agents"`

	// MCP configures Model Context Protocol servers by name.
	MCP map[string]MCPServer `yaml:"mcp"`

	// LSP overrides or disables language server definitions by id.
	LSP map[string]LSPServer `yaml:"lsp"`

	// Provider configures the default model provider.
	Provider ProviderConfig `yaml:"provider"`

	// Instructions lists extra instruction files to load into prompts.
	Instructions []string `yaml:"instructions"`
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	// Backend is "file" (default) or "sqlite".
	Backend string `yaml:"backend"`
}

// PermissionRule mirrors permission.Rule in config form.
type PermissionRule struct {
	Permission string `yaml:"permission"`
	Pattern    string `yaml:"pattern"`
	Action     string `yaml:"action"`
}

// AgentConfig carries per-agent settings.
type AgentConfig struct {
	Prompt      string           `yaml:"prompt"`
	Permissions []PermissionRule `yaml:"permissions"`
	Disabled    bool             `yaml:"disabled"`
}

// MCPServer configures one MCP server. Command implies a local stdio
// server; URL implies a remote HTTP server.
type MCPServer struct {
	Command     []string          `yaml:"command"`
	URL         string            `yaml:"url"`
	Environment map[string]string `yaml:"environment"`
	Headers     map[string]string `yaml:"headers"`
	Enabled     *bool             `yaml:"enabled"`
	Timeout     Duration          `yaml:"timeout"`
}

// IsEnabled defaults to true when unset.
func (m MCPServer) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

// LSPServer overrides a built-in language server definition.
type LSPServer struct {
	Command    []string          `yaml:"command"`
	Extensions []string          `yaml:"extensions"`
	Disabled   bool              `yaml:"disabled"`
	Env        map[string]string `yaml:"env"`
	Options    map[string]any    `yaml:"options"`
}

// Duration decodes "30s" style strings in config files.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library form, falling back to def when the
// duration is unset.
func (d Duration) Std(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// ProviderConfig selects the model.
type ProviderConfig struct {
	Name   string `yaml:"name"`
	Model  string `yaml:"model"`
	APIKey string `yaml:"api_key"`
}
