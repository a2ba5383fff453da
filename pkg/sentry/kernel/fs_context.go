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

package kernel

import (
	"context"
	"strings"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
	"kvfs.dev/kvfs/pkg/sync"
)

// FSContext contains filesystem context.
//
// This includes the working directory, kept as an absolute pathname that
// always ends with a slash.
type FSContext struct {
	// mu protects below.
	mu sync.Mutex

	// cwd is the current working directory.
	cwd string
}

// NewFSContext returns a new filesystem context with working directory cwd,
// which must be absolute.
func NewFSContext(cwd string) (*FSContext, error) {
	if !strings.HasPrefix(cwd, "/") {
		return nil, linuxerr.EINVAL
	}
	abs, err := vfs.AbsPath(cwd, "/")
	if err != nil {
		return nil, err
	}
	return &FSContext{cwd: dirPath(abs)}, nil
}

func dirPath(abs string) string {
	if !strings.HasSuffix(abs, "/") {
		abs += "/"
	}
	return abs
}

// WorkingDirectory returns the current working directory.
func (f *FSContext) WorkingDirectory() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cwd
}

// AbsPath returns the absolute, normalized form of path relative to the
// working directory.
func (f *FSContext) AbsPath(path string) (string, error) {
	return vfs.AbsPath(path, f.WorkingDirectory())
}

// Chdir changes the working directory to path, which must name an existing
// directory.
func (f *FSContext) Chdir(ctx context.Context, vfsObj *vfs.VirtualFilesystem, path string) error {
	abs, err := f.AbsPath(path)
	if err != nil {
		return err
	}
	fd, err := vfsObj.Open(ctx, abs, &vfs.OpenOptions{Flags: linux.O_RDONLY | linux.O_DIRECTORY})
	if err != nil {
		return err
	}
	fd.Close(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cwd = dirPath(abs)
	return nil
}

// Fork returns an independent copy of f.
func (f *FSContext) Fork() *FSContext {
	return &FSContext{cwd: f.WorkingDirectory()}
}
