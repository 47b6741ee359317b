package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// WorkerConfig describes a worker agent backed by a local command.
type WorkerConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Command     string            `yaml:"command" json:"command"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Description string            `yaml:"description" json:"description"`
}

// ConfigFile represents the structure of workers.yaml.
type ConfigFile struct {
	Workers []WorkerConfig `yaml:"workers" json:"workers"`
}

// LoadWorkers reads a YAML or JSON file and returns the workers by name.
// A missing file yields an empty map.
func LoadWorkers(path string) (map[string]WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]WorkerConfig{}, nil
		}
		return nil, fmt.Errorf("failed to read workers config: %w", err)
	}

	var cfg ConfigFile
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	workers := make(map[string]WorkerConfig, len(cfg.Workers))
	for _, w := range cfg.Workers {
		if w.Name == "" || w.Command == "" {
			continue
		}
		workers[w.Name] = w
	}
	return workers, nil
}
