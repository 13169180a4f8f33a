// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config describes a fuzzing campaign.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/bradleyjkemp/forkfuzz/coverage"
	"github.com/bradleyjkemp/forkfuzz/feedback"
)

type Config struct {
	// Target program and its arguments. "@@" is replaced by the input file.
	Target string   `yaml:"target"`
	Args   []string `yaml:"args"`
	// Env is added to the environment of the target.
	Env []string `yaml:"env"`
	// Seed input directories.
	Seeds []string `yaml:"seeds"`
	// AFL-style dictionary files.
	Dictionaries []string `yaml:"dictionaries"`
	// Go package patterns whose literals are added to the dictionary.
	GoPackages []string `yaml:"go_packages"`

	Timeout    time.Duration `yaml:"timeout"`
	KillSignal string        `yaml:"kill_signal"`
	// Delivery is "file" or "shmem".
	Delivery      string `yaml:"delivery"`
	DebugChild    bool   `yaml:"debug_child"`
	CaptureOutput bool   `yaml:"capture_output"`
	Persistent    bool   `yaml:"persistent"`
	MapSize       int    `yaml:"map_size"`
	AutoTokens    bool   `yaml:"auto_tokens"`

	// Feedback is one of feedback.Presets.
	Feedback          string `yaml:"feedback"`
	ObjectiveTimeouts bool   `yaml:"objective_timeouts"`
	// Scheduler is "queue" or "minimizer".
	Scheduler   string `yaml:"scheduler"`
	MaxStackPow int    `yaml:"max_stack_pow"`
	// StageIterations is the number of mutants per scheduled entry.
	StageIterations int    `yaml:"stage_iterations"`
	ForcedLoad      bool   `yaml:"forced_load"`
	Iters           uint64 `yaml:"iters"`
	// RandomSeed seeds all randomness of the run; 0 picks one from the clock.
	RandomSeed int64 `yaml:"random_seed"`

	// Workdir holds the run directory and the solutions.
	Workdir     string        `yaml:"workdir"`
	RunName     string        `yaml:"run_name"`
	Solutions   string        `yaml:"solutions"`
	MetricsAddr string        `yaml:"metrics_addr"`
	StatsPeriod time.Duration `yaml:"stats_period"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Timeout:         10 * time.Second,
		KillSignal:      "SIGKILL",
		Delivery:        "file",
		CaptureOutput:   true,
		MapSize:         coverage.MapSize,
		AutoTokens:      true,
		Feedback:        "AflEdges",
		Scheduler:       "queue",
		MaxStackPow:     6,
		StageIterations: 50,
		ForcedLoad:      true,
		Iters:           60000,
		Workdir:         ".",
		Solutions:       "crashes",
		StatsPeriod:     3 * time.Second,
	}
}

// Load reads a YAML file over the defaults. Unknown fields are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("target is not set")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if _, err := c.Signal(); err != nil {
		return err
	}
	switch c.Delivery {
	case "file", "shmem":
	default:
		return fmt.Errorf("delivery must be file or shmem, got %q", c.Delivery)
	}
	if c.MapSize <= 0 || c.MapSize > coverage.MapSize<<8 {
		return fmt.Errorf("map_size %v is out of range", c.MapSize)
	}
	known := false
	for _, p := range feedback.Presets {
		known = known || p == c.Feedback
	}
	if !known {
		return fmt.Errorf("unknown feedback %q, want one of %v", c.Feedback, feedback.Presets)
	}
	switch c.Scheduler {
	case "queue", "minimizer":
	default:
		return fmt.Errorf("scheduler must be queue or minimizer, got %q", c.Scheduler)
	}
	if c.MaxStackPow < 0 || c.MaxStackPow > 16 {
		return fmt.Errorf("max_stack_pow must be in [0, 16]")
	}
	if c.StageIterations <= 0 {
		return fmt.Errorf("stage_iterations must be positive")
	}
	if c.Solutions == "" {
		return fmt.Errorf("solutions dir is not set")
	}
	return nil
}

// Signal returns the signal sent to timed out children.
func (c *Config) Signal() (syscall.Signal, error) {
	sig := unix.SignalNum(c.KillSignal)
	if sig == 0 {
		return 0, fmt.Errorf("unknown kill signal %q", c.KillSignal)
	}
	return sig, nil
}

// RunDir is where the artifacts of the run are written.
func (c *Config) RunDir() string {
	return filepath.Join(c.Workdir, c.RunName)
}

// SolutionsDir is the directory of the solution store.
func (c *Config) SolutionsDir() string {
	if filepath.IsAbs(c.Solutions) {
		return c.Solutions
	}
	return filepath.Join(c.Workdir, c.Solutions)
}
