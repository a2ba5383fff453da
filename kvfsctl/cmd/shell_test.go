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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kvfs.dev/kvfs/kvfsctl/boot"
	"kvfs.dev/kvfs/kvfsctl/config"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	return newTestShellConfig(t, config.Default())
}

func newTestShellConfig(t *testing.T, conf *config.Config) (*shell, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()
	l, err := boot.New(ctx, conf)
	if err != nil {
		t.Fatalf("boot.New failed: %v", err)
	}
	t.Cleanup(func() { l.Destroy(ctx) })
	var out bytes.Buffer
	return &shell{ctx: ctx, t: l.Task(), out: &out}, &out
}

func TestScript(t *testing.T) {
	s, out := newTestShell(t)
	script := `
# Build a small tree.
mkdir /home /home/user
cd /home/user
pwd
write notes hello world
append notes second line
cat notes
touch empty
ls
pipe ping   pong
rm empty
ls /dev
cd ..
ls
`
	if err := runScript(s, strings.NewReader(script), false); err != nil {
		t.Fatalf("runScript failed: %v", err)
	}
	want := strings.Join([]string{
		"/home/user",
		"hello world",
		"second line",
		"file    empty",
		"file    notes",
		"ping pong",
		"chardev full",
		"file    mounts",
		"chardev null",
		"chardev zero",
		"dir     user",
		"",
	}, "\n")
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	// The pipe was closed after use.
	if fds := s.t.FDTable().GetFDs(); len(fds) != 0 {
		t.Errorf("descriptors left open: %v", fds)
	}
}

func TestScriptErrors(t *testing.T) {
	s, out := newTestShell(t)
	script := `mkdir /a
touch /a/f
rmdir /a
frobnicate
cd /missing
pwd
`
	err := runScript(s, strings.NewReader(script), true)
	if !errors.Is(err, linuxerr.ENOENT) {
		t.Errorf("runScript: got %v, wanted last error %v", err, linuxerr.ENOENT)
	}
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	want := []string{
		"line 3: rmdir: /a: directory not empty",
		"line 4: frobnicate: command not found",
		"line 5: cd: no such file or directory",
		"/",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}

	// Without keepGoing the first failure stops the script.
	out.Reset()
	err = runScript(s, strings.NewReader("rmdir /a\npwd\n"), false)
	if !errors.Is(err, linuxerr.ENOTEMPTY) {
		t.Errorf("runScript: got %v, wanted %v", err, linuxerr.ENOTEMPTY)
	}
	if out.Len() != 0 {
		t.Errorf("runScript kept going: output %q", out.String())
	}
}

func TestUsage(t *testing.T) {
	s, _ := newTestShell(t)
	for _, line := range []string{"cd", "cd a b", "umount", "mount ramfs"} {
		if err := s.exec(line); err == nil || !strings.HasPrefix(err.Error(), "usage: ") {
			t.Errorf("exec(%q): got %v, wanted usage error", line, err)
		}
	}
}

func TestMountCommands(t *testing.T) {
	s, out := newTestShell(t)
	for _, line := range []string{
		"mount ramfs /mnt size=8192",
		"write /mnt/f data",
		"cat /mnt/f",
	} {
		if err := s.exec(line); err != nil {
			t.Fatalf("exec(%q) failed: %v", line, err)
		}
	}
	if got, want := out.String(), "data\n"; got != want {
		t.Errorf("cat: got %q, wanted %q", got, want)
	}

	out.Reset()
	if err := s.exec("mounts"); err != nil {
		t.Fatalf("mounts failed: %v", err)
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		paths = append(paths, strings.Fields(line)[0])
	}
	if diff := cmp.Diff([]string{"/", "/dev/", "/mnt/"}, paths); diff != "" {
		t.Errorf("mounts mismatch (-want +got):\n%s", diff)
	}

	if err := s.exec("mount ramfs /mnt"); !errors.Is(err, linuxerr.EBUSY) {
		t.Errorf("mount over existing mount: got %v, wanted %v", err, linuxerr.EBUSY)
	}
	if err := s.exec("umount /mnt"); err != nil {
		t.Fatalf("umount failed: %v", err)
	}
	if err := s.exec("cat /mnt/f"); !errors.Is(err, linuxerr.ENOENT) {
		t.Errorf("cat after umount: got %v, wanted %v", err, linuxerr.ENOENT)
	}
}

func TestStat(t *testing.T) {
	s, out := newTestShell(t)
	if err := s.exec("stat /dev/null"); err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	got := out.String()
	for _, want := range []string{"/dev/null: ", "mode=S_IFCHR|0o666", "rdev=0x103"} {
		if !strings.Contains(got, want) {
			t.Errorf("stat output %q does not contain %q", got, want)
		}
	}
}

func TestPipeLargerThanCapacity(t *testing.T) {
	conf := config.Default()
	conf.PipeSize = 4096
	s, out := newTestShellConfig(t, conf)
	text := strings.Repeat("x", 5000)

	done := make(chan error, 1)
	go func() { done <- s.exec("pipe " + text) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pipe: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("pipe of %d bytes through a %d-byte pipe did not finish", len(text), conf.PipeSize)
	}
	if got, want := out.String(), text+"\n"; got != want {
		t.Errorf("pipe output: got %d bytes, wanted %d", len(got), len(want))
	}
	if fds := s.t.FDTable().GetFDs(); len(fds) != 0 {
		t.Errorf("descriptors left open after pipe: %v", fds)
	}
}
