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

// Package cmd holds implementations of the kvfsctl commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"kvfs.dev/kvfs/kvfsctl/boot"
	"kvfs.dev/kvfs/kvfsctl/config"
	"kvfs.dev/kvfs/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the caller of kvfsctl, in addition to the debug log.
var ErrorLogger io.Writer = os.Stderr

// Errorf logs error to ErrorLogger and the debug log, and returns
// subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintln(ErrorLogger, msg)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

// load builds a Loader from the configuration passed to a command's Execute.
func load(ctx context.Context, args []any) (*boot.Loader, error) {
	conf := args[0].(*config.Config)
	return boot.New(ctx, conf)
}
