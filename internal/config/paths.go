package config

import (
	"os"
	"path/filepath"
)

// homeDir honours HOTARU_TEST_HOME so tests never touch the real home.
func homeDir() string {
	if h := os.Getenv("HOTARU_TEST_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// DataDir is where hotaru keeps persistent state (storage, auth files,
// tool output, snapshots).
func DataDir() string {
	if h := os.Getenv("HOTARU_TEST_HOME"); h != "" {
		return filepath.Join(h, ".local", "share", "hotaru")
	}
	if x := os.Getenv("XDG_DATA_HOME"); x != "" {
		return filepath.Join(x, "hotaru")
	}
	return filepath.Join(homeDir(), ".local", "share", "hotaru")
}

// ConfigDir holds the user-level hotaru.json.
func ConfigDir() string {
	if d := os.Getenv("HOTARU_CONFIG_DIR"); d != "" {
		return d
	}
	if h := os.Getenv("HOTARU_TEST_HOME"); h != "" {
		return filepath.Join(h, ".config", "hotaru")
	}
	if x := os.Getenv("XDG_CONFIG_HOME"); x != "" {
		return filepath.Join(x, "hotaru")
	}
	return filepath.Join(homeDir(), ".config", "hotaru")
}

// ManagedConfigDir holds the administrator-managed hotaru.json, which
// has the highest precedence.
func ManagedConfigDir() string {
	if d := os.Getenv("HOTARU_TEST_MANAGED_CONFIG_DIR"); d != "" {
		return d
	}
	return "/etc/hotaru"
}

// Layers returns the config file paths for a worktree in merge order,
// lowest precedence first. Missing files are skipped by the loader.
func Layers(worktree string) []string {
	layers := []string{filepath.Join(ConfigDir(), "hotaru.json")}
	if os.Getenv("HOTARU_DISABLE_PROJECT_CONFIG") == "" && worktree != "" && worktree != "/" {
		layers = append(layers,
			filepath.Join(worktree, "hotaru.json"),
			filepath.Join(worktree, ".hotaru", "hotaru.json"),
		)
	}
	layers = append(layers, filepath.Join(ManagedConfigDir(), "hotaru.json"))
	return layers
}

// ToolOutputDir holds spilled tool output, retained seven days.
func ToolOutputDir() string { return filepath.Join(DataDir(), "tool-output") }

// StorageDir is the file backend root.
func StorageDir() string { return filepath.Join(DataDir(), "storage") }

// StorageDBPath is the sqlite backend file.
func StorageDBPath() string { return filepath.Join(DataDir(), "storage.db") }

// MCPAuthPath stores MCP OAuth material, mode 0600.
func MCPAuthPath() string { return filepath.Join(DataDir(), "mcp-auth.json") }

// ProviderAuthPath stores provider API keys, mode 0600.
func ProviderAuthPath() string { return filepath.Join(DataDir(), "provider-auth.json") }

// SnapshotDir is the per-session isolated git dir used by the snapshot
// tracker.
func SnapshotDir(sessionID string) string {
	return filepath.Join(DataDir(), "snapshot", sessionID)
}
