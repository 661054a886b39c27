// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/warden/lib/config"
)

// ConfigFlag holds the --config flag shared by commands that read the
// agent's state.
type ConfigFlag struct {
	Path string
}

// AddFlag registers --config on flagSet.
func (c *ConfigFlag) AddFlag(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.Path, "config", "", "path to warden.yaml (default: $WARDEN_CONFIG)")
}

// Load reads the configuration named by --config, falling back to
// $WARDEN_CONFIG, and validates it.
func (c *ConfigFlag) Load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if c.Path != "" {
		cfg, err = config.LoadFile(c.Path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
