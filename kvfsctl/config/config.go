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

// Package config holds the configuration of a kvfsctl run: the mount table
// to build, logging, reference leak checking and the initial working
// directory of the task that runs commands.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"kvfs.dev/kvfs/pkg/log"
	"kvfs.dev/kvfs/pkg/refs"
)

// Mount describes one entry of the mount table.
type Mount struct {
	// Path is the absolute path the filesystem is mounted at.
	Path string `toml:"path" yaml:"path" json:"path"`

	// Type is the registered filesystem type name, e.g. "ramfs".
	Type string `toml:"type" yaml:"type" json:"type"`

	// ReadOnly mounts the filesystem read-only.
	ReadOnly bool `toml:"read_only" yaml:"read_only" json:"read_only"`

	// Options is the filesystem-specific option string, e.g. "size=1048576".
	Options string `toml:"options" yaml:"options" json:"options"`
}

// String implements fmt.Stringer.
func (m Mount) String() string {
	mode := "rw"
	if m.ReadOnly {
		mode = "ro"
	}
	if m.Options == "" {
		return fmt.Sprintf("%s on %s (%s)", m.Type, m.Path, mode)
	}
	return fmt.Sprintf("%s on %s (%s,%s)", m.Type, m.Path, mode, m.Options)
}

// Config holds the configuration of kvfsctl.
type Config struct {
	// Mounts is the mount table, in mount order.
	Mounts []Mount `toml:"mount" yaml:"mount" json:"mount"`

	// LogLevel is one of "warning", "info" or "debug".
	LogLevel string `toml:"log_level" yaml:"log_level" json:"log_level"`

	// LogFormat is the format of log lines: "text" or "json".
	LogFormat string `toml:"log_format" yaml:"log_format" json:"log_format"`

	// ReferenceLeak is the reference leak checking mode: "disabled",
	// "warning" or "panic".
	ReferenceLeak string `toml:"ref_leak" yaml:"ref_leak" json:"ref_leak"`

	// Cwd is the initial working directory.
	Cwd string `toml:"cwd" yaml:"cwd" json:"cwd"`

	// MaxFDs is the size of the descriptor table. Zero means the kernel
	// default.
	MaxFDs int32 `toml:"max_fds" yaml:"max_fds" json:"max_fds"`

	// PipeSize is the capacity of new pipes in bytes. Zero means the pipe
	// default.
	PipeSize int64 `toml:"pipe_size" yaml:"pipe_size" json:"pipe_size"`
}

// Default returns the configuration used when no file is given: a ramfs root
// and devfs on /dev.
func Default() *Config {
	return &Config{
		Mounts: []Mount{
			{Path: "/", Type: "ramfs"},
			{Path: "/dev", Type: "devfs"},
		},
		LogLevel:      "warning",
		LogFormat:     "text",
		ReferenceLeak: "disabled",
		Cwd:           "/",
	}
}

// Load reads a configuration file. The format is chosen by extension:
// ".toml", or ".yaml"/".yml". Fields missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return ParseTOML(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return nil, fmt.Errorf("unknown config format %q", ext)
	}
}

// ParseTOML parses a TOML configuration.
func ParseTOML(data []byte) (*Config, error) {
	c := Default()
	c.Mounts = nil
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}
	c.defaultMounts()
	return c, nil
}

// ParseYAML parses a YAML configuration.
func ParseYAML(data []byte) (*Config, error) {
	c := Default()
	c.Mounts = nil
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("decoding YAML config: %w", err)
	}
	c.defaultMounts()
	return c, nil
}

func (c *Config) defaultMounts() {
	if len(c.Mounts) == 0 {
		c.Mounts = Default().Mounts
	}
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Validate checks c against the configuration schema, and checks that mount
// paths are unique and that every mount type is one of fsTypes.
func (c *Config) Validate(fsTypes []string) error {
	if err := validateSchema(c); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.LeakMode(); err != nil {
		return err
	}
	known := make(map[string]struct{}, len(fsTypes))
	for _, t := range fsTypes {
		known[t] = struct{}{}
	}
	seen := make(map[string]struct{}, len(c.Mounts))
	for _, m := range c.Mounts {
		if _, ok := known[m.Type]; !ok {
			return fmt.Errorf("mount %q: unknown filesystem type %q", m.Path, m.Type)
		}
		p := canonicalPath(m.Path)
		if _, ok := seen[p]; ok {
			return fmt.Errorf("duplicate mount path %q", m.Path)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// canonicalPath adds the trailing slash that mount paths are compared with.
func canonicalPath(p string) string {
	if !strings.HasSuffix(p, "/") {
		return p + "/"
	}
	return p
}

// Level returns the parsed log level.
func (c *Config) Level() (log.Level, error) {
	return log.ParseLevel(c.LogLevel)
}

// LeakMode returns the parsed reference leak checking mode.
func (c *Config) LeakMode() (refs.LeakMode, error) {
	var m refs.LeakMode
	if err := m.Set(c.ReferenceLeak); err != nil {
		return refs.NoLeakChecking, err
	}
	return m, nil
}

// Log logs the configuration at Info level.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("  log: level=%s format=%s", c.LogLevel, c.LogFormat)
	log.Infof("  ref_leak: %s", c.ReferenceLeak)
	log.Infof("  cwd: %s", c.Cwd)
	for _, m := range c.Mounts {
		log.Infof("  mount: %s", m)
	}
}
