// Copyright 2018 The gVisor Authors.
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

// Binary kvfsctl boots the virtual file system described by a configuration
// and runs commands against it.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"kvfs.dev/kvfs/kvfsctl/boot"
	"kvfs.dev/kvfs/kvfsctl/cmd"
	"kvfs.dev/kvfs/kvfsctl/config"
	"kvfs.dev/kvfs/pkg/log"
	"kvfs.dev/kvfs/pkg/refs"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
)

var logFile = flag.String("log", "", "file path where internal debug information is written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%.")

func main() {
	// Help and flags commands are generated automatically.
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")

	// Register user-facing kvfsctl commands.
	subcommands.Register(new(cmd.Ls), "")
	subcommands.Register(new(cmd.Mounts), "")
	subcommands.Register(new(cmd.Run), "")

	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	probe := vfs.New()
	boot.RegisterFilesystems(probe)
	if err := conf.Validate(probe.FilesystemTypes()); err != nil {
		cmd.Fatalf("%v", err)
	}

	var logTarget io.Writer = os.Stderr
	if *logFile != "" {
		f, err := log.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{
			Command:   flag.CommandLine.Arg(0),
			Timestamp: time.Now(),
		})
		if err != nil {
			cmd.Fatalf("%v", err)
		}
		logTarget = f
	}
	log.SetTarget(newEmitter(conf.LogFormat, logTarget))
	level, _ := conf.Level()
	log.SetLevel(level)

	leakMode, _ := conf.LeakMode()
	refs.SetLeakMode(leakMode)

	conf.Log()

	// Call the subcommand and pass in the configuration.
	status := subcommands.Execute(context.Background(), conf)
	if leakMode != refs.NoLeakChecking {
		refs.DoLeakCheck()
	}
	os.Exit(int(status))
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
