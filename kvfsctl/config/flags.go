// Copyright 2024 The gVisor Authors.
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

package config

import (
	"flag"
	"fmt"
	"strconv"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML or YAML configuration file.")
	flagSet.String("log-level", "warning", "log level: warning, info or debug.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("ref-leak-mode", "disabled", "sets reference leak check mode: disabled (default), warning, panic.")
	flagSet.String("cwd", "/", "initial working directory.")
	flagSet.Int("max-fds", 0, "size of the descriptor table, 0 for the default.")
	flagSet.Int64("pipe-size", 0, "capacity of new pipes in bytes, 0 for the default.")
}

// NewFromFlags creates a new Config. Values come from the file named by the
// "config" flag, if any, and are then overridden by flags explicitly set on
// the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if f := flagSet.Lookup("config"); f != nil && f.Value.String() != "" {
		var err error
		if conf, err = Load(f.Value.String()); err != nil {
			return nil, err
		}
	}
	var err error
	flagSet.Visit(func(f *flag.Flag) {
		if err == nil {
			err = conf.override(f.Name, f.Value.String())
		}
	})
	if err != nil {
		return nil, err
	}
	return conf, nil
}

// override sets the field backing the flag name to value.
func (c *Config) override(name, value string) error {
	switch name {
	case "config":
	case "log-level":
		c.LogLevel = value
	case "log-format":
		c.LogFormat = value
	case "ref-leak-mode":
		c.ReferenceLeak = value
	case "cwd":
		c.Cwd = value
	case "max-fds":
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid value %q for flag %q: %w", value, name, err)
		}
		c.MaxFDs = int32(n)
	case "pipe-size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value %q for flag %q: %w", value, name, err)
		}
		c.PipeSize = n
	}
	return nil
}
