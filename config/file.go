package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadFile reads bridge defaults from a YAML file and layers them over
// Defaults(). A missing file is not an error.
//
// Example:
//
//	model: gpt-5.1-codex
//	reasoning_effort: high
//	sandbox_mode: read-only
func LoadFile(path string) (Settings, error) {
	defaults := Defaults()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return defaults, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return defaults, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return Merge(defaults, raw), nil
}

// WriteFile persists settings as YAML, creating the parent directory.
func WriteFile(path string, s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
