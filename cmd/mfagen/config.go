// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the mfagen configuration file
// ($XDG_CONFIG_HOME/mfagen/config.yaml). Fields are pointers so an absent
// key keeps the flag default.
type Config struct {
	Family    *string `yaml:"family"`
	Mobile    *bool   `yaml:"mobile"`
	Cores     *int    `yaml:"cores"`
	Tuning    *string `yaml:"tuning"`
	LogLevel  *string `yaml:"log_level"`
	LogFormat *string `yaml:"log_format"`

	// Server
	ServerAddress *string `yaml:"server_address"`

	// Bundle
	Jobs *int `yaml:"jobs"`
}

func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		var err error
		if dir, err = os.UserConfigDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(dir, "mfagen", "config.yaml")
}

// LoadConfig reads the config file at path, or at the default location
// when path is empty. A missing default file yields a zero Config; a
// missing explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// applyConfig copies config values into the global options whose flags
// were not set explicitly.
func (a *app) applyConfig(cmd *cli.Command, cfg Config) {
	if cfg.Family != nil && !cmd.IsSet("family") {
		a.family = *cfg.Family
	}
	if cfg.Mobile != nil && !cmd.IsSet("mobile") {
		a.mobile = *cfg.Mobile
	}
	if cfg.Cores != nil && !cmd.IsSet("cores") {
		a.cores = *cfg.Cores
	}
	if cfg.Tuning != nil && !cmd.IsSet("tuning") {
		a.tuningPath = *cfg.Tuning
	}
	if cfg.LogLevel != nil && !cmd.IsSet("log-level") {
		a.logLevel = *cfg.LogLevel
	}
	if cfg.LogFormat != nil && !cmd.IsSet("log-format") {
		a.logFormat = *cfg.LogFormat
	}
	a.cfg = cfg
}
