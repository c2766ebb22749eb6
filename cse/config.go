package cse

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SimulatorConfig selects the Simulator implementation for every run of a batch.
type SimulatorConfig struct {
	Kind   string   `yaml:"kind"`   // "scripted" (default) or "process"
	Binary string   `yaml:"binary"` // process: simulator executable
	Args   []string `yaml:"args"`   // process: extra arguments
}

// RunConfig groups the batch-wide run options.
type RunConfig struct {
	Runs      int             `yaml:"runs"`      // runs per policy configuration (must be > 0)
	MaxSteps  int             `yaml:"max_steps"` // step limit per run (must be > 0)
	Seed      int64           `yaml:"seed"`      // base seed; run i uses a seed derived from it
	Scenario  string          `yaml:"scenario"`  // scenario path handed to Simulator.Start
	Workers   int             `yaml:"workers"`   // parallel runs (0 = 1)
	SeedMode  SeedMode        `yaml:"seed_mode"` // "shared" (default) or "isolated"
	Output    string          `yaml:"output"`    // dataset path; empty keeps results in memory
	Simulator SimulatorConfig `yaml:"simulator"`
}

// ValidSimulatorKinds is the set of recognized simulator kinds.
var ValidSimulatorKinds = map[string]bool{"": true, "scripted": true, "process": true}

// LoadRunConfig reads and parses a YAML run configuration file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("reading run config: %w", err)}
	}
	var cfg RunConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, &ConfigError{Source: path, Err: fmt.Errorf("parsing run config: %w", err)}
	}
	return &cfg, nil
}

// Validate checks that all run options are in range.
func (c *RunConfig) Validate() error {
	if c.Runs <= 0 {
		return configErrorf("runs", "must be positive, got %d", c.Runs)
	}
	if c.MaxSteps <= 0 {
		return configErrorf("max_steps", "must be positive, got %d", c.MaxSteps)
	}
	if c.Workers < 0 {
		return configErrorf("workers", "must be non-negative, got %d", c.Workers)
	}
	if !IsValidSeedMode(string(c.SeedMode)) {
		return configErrorf("seed_mode", "unknown seed mode %q; valid: shared, isolated", c.SeedMode)
	}
	if !ValidSimulatorKinds[c.Simulator.Kind] {
		return configErrorf("simulator.kind", "unknown simulator kind %q; valid: scripted, process", c.Simulator.Kind)
	}
	if c.Simulator.Kind == "process" && c.Simulator.Binary == "" {
		return configErrorf("simulator.binary", "required for process simulator")
	}
	if c.Simulator.Kind != "process" && c.Scenario == "" {
		return configErrorf("scenario", "scripted simulator requires a scenario script path")
	}
	return nil
}

// WorkerCount returns the effective number of parallel runs.
func (c *RunConfig) WorkerCount() int {
	if c.Workers < 1 {
		return 1
	}
	return c.Workers
}
