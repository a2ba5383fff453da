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

// Mounts implements subcommands.Command for the "mounts" command.
type Mounts struct{}

// Name implements subcommands.Command.Name.
func (*Mounts) Name() string {
	return "mounts"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Mounts) Synopsis() string {
	return "print the configured mount table"
}

// Usage implements subcommands.Command.Usage.
func (*Mounts) Usage() string {
	return `mounts - print the mount table built from the configuration.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Mounts) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Mounts) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	l, err := load(ctx, args)
	if err != nil {
		return Errorf("%v", err)
	}
	defer l.Destroy(ctx)
	if err := printMounts(os.Stdout, l.Kernel().VFS()); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}
