package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a pipeline configuration from the given YAML file path.
// After parsing, it applies defaults to stages that don't specify their own values.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a pipeline config in standard locations and loads the
// first one found. Search order: ./pipeline.yaml, ~/.waveforge/config.yaml
func LoadDefault() (*PipelineConfig, error) {
	candidates := []string{"pipeline.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".waveforge", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no pipeline config found (searched: %v)", candidates)
}

// applyDefaults merges pipeline-level defaults into stages that don't
// set their own values and fills directory defaults.
func applyDefaults(cfg *PipelineConfig) {
	p := &cfg.Pipeline

	if p.ExpDir == "" {
		p.ExpDir = "exp"
	}
	if p.CacheDir == "" {
		p.CacheDir = filepath.Join(p.ExpDir, "cache")
	}
	if p.Defaults.Epochs <= 0 {
		p.Defaults.Epochs = 1
	}
	if p.Defaults.CheckpointEvery <= 0 {
		p.Defaults.CheckpointEvery = 100
	}

	for i := range p.Stages {
		s := &p.Stages[i]
		if s.Concurrency.Workers == 0 {
			s.Concurrency.Workers = p.Defaults.Workers
		}
	}
}
