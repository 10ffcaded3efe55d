package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

var envPattern = regexp.MustCompile(`\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and merges every config layer for the worktree. Layers are
// deep-merged lowest precedence first; scalars and arrays in later
// layers replace earlier values, maps merge key by key. Unknown keys
// are an error so typos surface instead of silently doing nothing.
func Load(worktree string) (*Config, error) {
	merged := map[string]any{}

	layers := Layers(worktree)
	for i, path := range layers {
		raw, err := os.ReadFile(path)
		if err == nil {
			layer, perr := parseLayer(raw)
			if perr != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, perr)
			}
			merged = mergeMaps(merged, layer)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}

		// The inline layer slots in directly above the user config
		// and below the project layers.
		if i == 0 {
			if inline := os.Getenv("HOTARU_CONFIG_CONTENT"); inline != "" {
				extra, perr := parseLayer([]byte(inline))
				if perr != nil {
					return nil, fmt.Errorf("config: parse HOTARU_CONFIG_CONTENT: %w", perr)
				}
				merged = mergeMaps(merged, extra)
			}
		}
	}

	return decodeMerged(merged)
}

// parseLayer accepts JSON5 so config files may carry comments and
// trailing commas, and substitutes {env:VAR} references before decode.
func parseLayer(raw []byte) (map[string]any, error) {
	substituted := envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})

	var layer map[string]any
	if err := json5.Unmarshal(substituted, &layer); err != nil {
		return nil, err
	}
	return layer, nil
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// decodeMerged round-trips the merged map through strict yaml so that
// unknown keys fail loudly.
func decodeMerged(merged map[string]any) (*Config, error) {
	encoded, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: encode merged layers: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(encoded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "file"
	}
	if cfg.Storage.Backend != "file" && cfg.Storage.Backend != "sqlite" {
		return nil, fmt.Errorf("config: unknown storage backend %q", cfg.Storage.Backend)
	}
	return &cfg, nil
}
