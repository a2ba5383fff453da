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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kvfs.dev/kvfs/pkg/log"
	"kvfs.dev/kvfs/pkg/refs"
)

var fsTypes = []string{"devfs", "ramfs"}

const tomlConfig = `
log_level = "debug"
cwd = "/home"
max_fds = 64

[[mount]]
path = "/"
type = "ramfs"
options = "size=1048576"

[[mount]]
path = "/dev"
type = "devfs"
read_only = true
`

const yamlConfig = `
log_level: debug
cwd: /home
max_fds: 64
mount:
  - path: /
    type: ramfs
    options: size=1048576
  - path: /dev
    type: devfs
    read_only: true
`

func wantParsed() *Config {
	return &Config{
		Mounts: []Mount{
			{Path: "/", Type: "ramfs", Options: "size=1048576"},
			{Path: "/dev", Type: "devfs", ReadOnly: true},
		},
		LogLevel:      "debug",
		LogFormat:     "text",
		ReferenceLeak: "disabled",
		Cwd:           "/home",
		MaxFDs:        64,
	}
}

func TestParse(t *testing.T) {
	for _, test := range []struct {
		name  string
		parse func([]byte) (*Config, error)
		data  string
	}{
		{name: "toml", parse: ParseTOML, data: tomlConfig},
		{name: "yaml", parse: ParseYAML, data: yamlConfig},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, err := test.parse([]byte(test.data))
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if diff := cmp.Diff(wantParsed(), c); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
			if err := c.Validate(fsTypes); err != nil {
				t.Errorf("Validate failed: %v", err)
			}
		})
	}
}

func TestParseUnknownKeys(t *testing.T) {
	if _, err := ParseTOML([]byte(`logging = "debug"`)); err == nil {
		t.Errorf("ParseTOML with unknown key: got nil error, wanted error")
	}
	if _, err := ParseYAML([]byte("logging: debug\n")); err == nil {
		t.Errorf("ParseYAML with unknown key: got nil error, wanted error")
	}
}

func TestParseDefaultMounts(t *testing.T) {
	c, err := ParseTOML([]byte(`log_level = "info"`))
	if err != nil {
		t.Fatalf("ParseTOML failed: %v", err)
	}
	if diff := cmp.Diff(Default().Mounts, c.Mounts); diff != "" {
		t.Errorf("mounts mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string]string{
		"kvfs.toml": tomlConfig,
		"kvfs.yml":  yamlConfig,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		c, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%q) failed: %v", name, err)
		}
		if diff := cmp.Diff(wantParsed(), c); diff != "" {
			t.Errorf("Load(%q) mismatch (-want +got):\n%s", name, diff)
		}
	}
	if _, err := Load(filepath.Join(dir, "kvfs.json")); err == nil {
		t.Errorf("Load of missing file: got nil error, wanted error")
	}
	path := filepath.Join(dir, "kvfs.ini")
	os.WriteFile(path, nil, 0644)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown config format") {
		t.Errorf("Load(%q): got %v, wanted unknown format error", path, err)
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "default",
			modify: func(*Config) {},
		},
		{
			name: "duplicate mount",
			modify: func(c *Config) {
				c.Mounts = append(c.Mounts, Mount{Path: "/dev/", Type: "ramfs"})
			},
			wantErr: "duplicate mount path",
		},
		{
			name: "unknown type",
			modify: func(c *Config) {
				c.Mounts[1].Type = "procfs"
			},
			wantErr: "unknown filesystem type",
		},
		{
			name: "relative mount path",
			modify: func(c *Config) {
				c.Mounts[1].Path = "dev"
			},
			wantErr: "invalid config",
		},
		{
			name: "relative cwd",
			modify: func(c *Config) {
				c.Cwd = "home"
			},
			wantErr: "invalid config",
		},
		{
			name: "log format",
			modify: func(c *Config) {
				c.LogFormat = "xml"
			},
			wantErr: "invalid config",
		},
		{
			name: "log level",
			modify: func(c *Config) {
				c.LogLevel = "loud"
			},
			wantErr: "invalid log level",
		},
		{
			name: "leak mode",
			modify: func(c *Config) {
				c.ReferenceLeak = "sometimes"
			},
			wantErr: "invalid ref leak mode",
		},
		{
			name: "negative max fds",
			modify: func(c *Config) {
				c.MaxFDs = -1
			},
			wantErr: "invalid config",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			c := Default()
			test.modify(c)
			err := c.Validate(fsTypes)
			if test.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: got %v, wanted nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate: got %v, wanted error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestCopy(t *testing.T) {
	c := wantParsed()
	cp := c.Copy()
	if diff := cmp.Diff(c, cp); diff != "" {
		t.Fatalf("Copy mismatch (-orig +copy):\n%s", diff)
	}
	cp.Mounts[0].Options = ""
	if c.Mounts[0].Options != "size=1048576" {
		t.Errorf("modifying the copy changed the original: %+v", c.Mounts[0])
	}
}

func TestFromFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvfs.toml")
	if err := os.WriteFile(path, []byte(tomlConfig), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse([]string{"-config", path, "-cwd", "/tmp", "-ref-leak-mode", "warning", "-pipe-size", "8192"}); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	want := wantParsed()
	want.Cwd = "/tmp"
	want.ReferenceLeak = "warning"
	want.PipeSize = 8192
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if lvl, err := c.Level(); err != nil || lvl != log.Debug {
		t.Errorf("Level: got (%v, %v), wanted (%v, nil)", lvl, err, log.Debug)
	}
	if mode, err := c.LeakMode(); err != nil || mode != refs.LeaksLogWarning {
		t.Errorf("LeakMode: got (%v, %v), wanted (%v, nil)", mode, err, refs.LeaksLogWarning)
	}
}

func TestDefaultFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
