package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// config is cmd/flow's YAML settings file: library bridge DSNs and the
// JIT artifact cache location, grounded in SPEC_FULL.md §10's driver
// description. Absent entirely, every field just keeps its zero value.
type config struct {
	Bridges      map[string]string `yaml:"bridges"`
	JITCachePath string            `yaml:"jit_cache_path"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{Bridges: map[string]string{}}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Bridges == nil {
		cfg.Bridges = map[string]string{}
	}
	return cfg, nil
}
