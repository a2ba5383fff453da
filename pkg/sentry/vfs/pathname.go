// Copyright 2019 The gVisor Authors.
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

package vfs

import (
	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/fspath"
	"kvfs.dev/kvfs/pkg/sync"
)

var fspathBuilderPool = sync.Pool{
	New: func() any {
		return &fspath.Builder{}
	},
}

func getFSPathBuilder() *fspath.Builder {
	b := fspathBuilderPool.Get().(*fspath.Builder)
	b.Reset()
	return b
}

func putFSPathBuilder(b *fspath.Builder) {
	fspathBuilderPool.Put(b)
}

// maxPathComponents bounds the component stack of ComputeAbsPath, since a
// pathname of PATH_MAX bytes has at most PATH_MAX/2 components.
const maxPathComponents = linux.PATH_MAX / 2

// ComputeAbsPath writes the absolute, normalized form of path into dst and
// returns its length. A relative path is interpreted relative to cwd, which
// must be absolute. "." components are dropped and ".." components remove
// the preceding component; ".." at the root stays at the root. Runs of
// slashes are collapsed. The result ends with a slash if path does, or if its
// last component is "." or "..", unless the result is "/".
//
// ComputeAbsPath fails with ENOENT if path is empty, EINVAL if cwd is not
// absolute, and ENAMETOOLONG if the result does not fit in dst. dst is not
// written on failure.
func ComputeAbsPath(path, cwd string, dst []byte) (int, error) {
	if len(path) == 0 {
		return 0, linuxerr.ENOENT
	}
	var comps []string
	dirSuffix := false

	p, err := fspath.Parse(path)
	if err != nil {
		return 0, err
	}
	if !p.Absolute {
		c, err := fspath.Parse(cwd)
		if err != nil || !c.Absolute {
			return 0, linuxerr.EINVAL
		}
		comps, _ = appendComponents(comps, c.Begin)
	}
	comps, dirSuffix = appendComponents(comps, p.Begin)
	if len(comps) > maxPathComponents {
		return 0, linuxerr.ENAMETOOLONG
	}

	b := getFSPathBuilder()
	defer putFSPathBuilder(b)
	if (p.Dir || dirSuffix) && len(comps) > 0 {
		b.PrependByte('/')
	}
	for i := len(comps) - 1; i >= 0; i-- {
		b.PrependComponent(comps[i])
	}
	b.PrependByte('/')
	n, ok := b.CopyTo(dst)
	if !ok {
		return 0, linuxerr.ENAMETOOLONG
	}
	return n, nil
}

// appendComponents applies the components starting at pit to the stack
// comps. It returns the new stack, and whether the last component was a dot
// component.
func appendComponents(comps []string, pit fspath.Iterator) ([]string, bool) {
	dots := false
	for ; pit.Ok(); pit = pit.Next() {
		switch name := pit.String(); name {
		case ".":
			dots = true
		case "..":
			if len(comps) > 0 {
				comps = comps[:len(comps)-1]
			}
			dots = true
		default:
			comps = append(comps, name)
			dots = false
		}
	}
	return comps, dots
}

// AbsPath returns the absolute, normalized form of path relative to cwd, as
// for ComputeAbsPath. The result is limited to PATH_MAX bytes.
func AbsPath(path, cwd string) (string, error) {
	var buf [linux.PATH_MAX]byte
	n, err := ComputeAbsPath(path, cwd, buf[:])
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}
