package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/ent0n29/agenttest/internal/agent"
)

// loadAgentFile reads an agent definition from a YAML or JSON file.
func loadAgentFile(path string) (agent.TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return agent.TestConfig{}, fmt.Errorf("failed to read file %s: %w", path, err)
	}

	var cfg agent.TestConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return agent.TestConfig{}, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return agent.TestConfig{}, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return agent.TestConfig{}, errors.New("agent file must set name")
	}
	return cfg, nil
}
