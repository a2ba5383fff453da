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
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

// Ls implements subcommands.Command for the "ls" command.
type Ls struct{}

// Name implements subcommands.Command.Name.
func (*Ls) Name() string {
	return "ls"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Ls) Synopsis() string {
	return "list directories of a freshly booted file system"
}

// Usage implements subcommands.Command.Usage.
func (*Ls) Usage() string {
	return `ls [path]... - list the given directories, or the working directory.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Ls) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Ls) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	l, err := load(ctx, args)
	if err != nil {
		return Errorf("%v", err)
	}
	defer l.Destroy(ctx)
	s := &shell{ctx: ctx, t: l.Task(), out: os.Stdout}
	if err := s.ls(f.Args()); err != nil {
		return Errorf("ls: %v", err)
	}
	return subcommands.ExitSuccess
}
