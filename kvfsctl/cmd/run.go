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
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/term"
	"kvfs.dev/kvfs/pkg/log"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	keepGoing bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run shell commands against a freshly booted file system"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] [script] - run the commands in script, or read them from stdin.

When stdin is a terminal and no script is given, an interactive shell is
started. Type "help" for the list of commands.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.keepGoing, "k", false, "keep going after a command fails.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	l, err := load(ctx, args)
	if err != nil {
		return Errorf("%v", err)
	}
	defer l.Destroy(ctx)
	s := &shell{ctx: ctx, t: l.Task(), out: os.Stdout}

	if f.NArg() == 1 {
		script, err := os.Open(f.Arg(0))
		if err != nil {
			return Errorf("opening script: %v", err)
		}
		defer script.Close()
		if err := runScript(s, script, r.keepGoing); err != nil {
			return Errorf("%v", err)
		}
		return subcommands.ExitSuccess
	}

	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if err := interactive(s, fd); err != nil {
			return Errorf("%v", err)
		}
		return subcommands.ExitSuccess
	}
	if err := runScript(s, os.Stdin, r.keepGoing); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// runScript executes the lines of script in order. It stops at the first
// failing command unless keepGoing is set, in which case failures are
// reported on s.out and the last one is returned.
func runScript(s *shell, script io.Reader, keepGoing bool) error {
	var lastErr error
	scanner := bufio.NewScanner(script)
	for lineno := 1; scanner.Scan(); lineno++ {
		err := s.exec(scanner.Text())
		if err == nil {
			continue
		}
		err = fmt.Errorf("line %d: %w", lineno, err)
		if !keepGoing {
			return err
		}
		fmt.Fprintln(s.out, err)
		lastErr = err
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading script: %w", err)
	}
	return lastErr
}

// interactive runs a line-editing shell on the terminal fd until EOF.
func interactive(s *shell, fd int) error {
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("setting terminal to raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, s.prompt())
	if w, h, err := term.GetSize(fd); err == nil {
		t.SetSize(w, h)
	}
	s.out = t
	for {
		line, err := t.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "exit" {
			return nil
		}
		if err := s.exec(line); err != nil {
			log.Debugf("%q: %v", line, err)
			fmt.Fprintln(t, err)
		}
		t.SetPrompt(s.prompt())
	}
}
