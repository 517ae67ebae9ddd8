// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"math"
	"net"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
	"github.com/matrixorigin/tracealloc/pkg/logutil"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/recorder"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/remote"
)

// Config is the toml configuration shared by every subcommand.
type Config struct {
	Log      logutil.LogConfig `toml:"log"`
	Heap     malloc.HeapConfig `toml:"heap"`
	Observer remote.Config     `toml:"observer"`
	Metrics  MetricsConfig     `toml:"metrics"`
	Recorder recorder.Config   `toml:"recorder"`
	Workload WorkloadConfig    `toml:"workload"`
}

type MetricsConfig struct {
	// ListenAddress of the debug http server. Empty disables it.
	ListenAddress string `toml:"listen-address"`
}

func (c *MetricsConfig) SetDefaultValues() {}

func (c *MetricsConfig) Validate() error {
	if c.ListenAddress == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.ListenAddress); err != nil {
		return moerr.NewBadConfig(context.TODO(), "metrics listen-address %q: %v", c.ListenAddress, err)
	}
	return nil
}

type WorkloadConfig struct {
	// Allocator is the traced upstream, heap or go.
	Allocator  string `toml:"allocator"`
	Operations int    `toml:"operations"`
	Seed       int64  `toml:"seed"`
	MaxSize    uint64 `toml:"max-size"`
	// LeakEvery leaves every LeakEvery-th allocation live at the end.
	LeakEvery int `toml:"leak-every"`
}

const (
	allocatorHeap = "heap"
	allocatorGo   = "go"

	defaultOperations = 10000
	defaultSeed       = 1
	defaultMaxSize    = 4 * malloc.KB
	defaultLeakEvery  = 50
)

func (c *WorkloadConfig) SetDefaultValues() {
	if c.Allocator == "" {
		c.Allocator = allocatorHeap
	}
	if c.Operations == 0 {
		c.Operations = defaultOperations
	}
	if c.Seed == 0 {
		c.Seed = defaultSeed
	}
	if c.MaxSize == 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.LeakEvery == 0 {
		c.LeakEvery = defaultLeakEvery
	}
}

func (c *WorkloadConfig) Validate() error {
	switch c.Allocator {
	case allocatorHeap, allocatorGo:
	default:
		return moerr.NewBadConfig(context.TODO(), "workload allocator must be heap or go, got %q", c.Allocator)
	}
	if c.Operations < 0 {
		return moerr.NewBadConfig(context.TODO(), "workload operations must not be negative, got %d", c.Operations)
	}
	if c.MaxSize > math.MaxInt64 {
		return moerr.NewBadConfig(context.TODO(), "workload max-size must not exceed %d, got %d", uint64(math.MaxInt64), c.MaxSize)
	}
	if c.LeakEvery < 0 {
		return moerr.NewBadConfig(context.TODO(), "workload leak-every must not be negative, got %d", c.LeakEvery)
	}
	return nil
}

func (c *Config) SetDefaultValues() {
	c.Log.SetDefaultValues()
	c.Heap.SetDefaultValues()
	c.Observer.SetDefaultValues()
	c.Metrics.SetDefaultValues()
	c.Recorder.SetDefaultValues()
	c.Workload.SetDefaultValues()
}

func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Heap.Validate(); err != nil {
		return err
	}
	if err := c.Observer.Validate(); err != nil {
		return err
	}
	if err := c.Metrics.Validate(); err != nil {
		return err
	}
	if err := c.Recorder.Validate(); err != nil {
		return err
	}
	return c.Workload.Validate()
}

// parseConfigFromFile decodes file without filling defaults. An empty file
// name yields the zero config.
func parseConfigFromFile(file string) (*Config, error) {
	cfg := &Config{}
	if file == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(file, cfg); err != nil {
		return nil, moerr.NewBadConfig(context.TODO(), "parse %s: %v", file, err)
	}
	return cfg, nil
}

// loadConfig reads the --config file, applies the command's flag
// overrides, fills defaults, validates, and sets up the global logger.
func loadConfig(cmd *cobra.Command, override func(*Config)) (*Config, error) {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := parseConfigFromFile(file)
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
	}
	cfg.SetDefaultValues()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logutil.SetupLogger(&cfg.Log)
	return cfg, nil
}

func overrideString(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func overrideInt(cmd *cobra.Command, name string, dst *int) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetInt(name)
	}
}

func overrideInt64(cmd *cobra.Command, name string, dst *int64) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetInt64(name)
	}
}
