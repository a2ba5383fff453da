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
	"context"
	"strings"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sync"
)

// FilesystemDefaultImpl may be embedded by implementations of FilesystemImpl
// to obtain implementations of the optional FilesystemImpl methods that fail
// with ENOTSUP.
type FilesystemDefaultImpl struct{}

// Dup implements FilesystemImpl.Dup.
func (FilesystemDefaultImpl) Dup(ctx context.Context, fd *FileDescription) (*FileDescription, error) {
	return nil, linuxerr.ENOTSUP
}

// Getdents implements FilesystemImpl.Getdents.
func (FilesystemDefaultImpl) Getdents(ctx context.Context, fd *FileDescription, cb IterDirentsCallback) error {
	return linuxerr.ENOTSUP
}

// Unlink implements FilesystemImpl.Unlink.
func (FilesystemDefaultImpl) Unlink(ctx context.Context, p *Path) error {
	return linuxerr.ENOTSUP
}

// Mkdir implements FilesystemImpl.Mkdir.
func (FilesystemDefaultImpl) Mkdir(ctx context.Context, p *Path, mode linux.FileMode) error {
	return linuxerr.ENOTSUP
}

// Rmdir implements FilesystemImpl.Rmdir.
func (FilesystemDefaultImpl) Rmdir(ctx context.Context, p *Path) error {
	return linuxerr.ENOTSUP
}

// Fstat implements FilesystemImpl.Fstat.
func (FilesystemDefaultImpl) Fstat(ctx context.Context, fd *FileDescription) (linux.Stat, error) {
	return linux.Stat{}, linuxerr.ENOTSUP
}

// FilesystemRWLock may be embedded by implementations of FilesystemImpl to
// obtain the structural lock methods.
type FilesystemRWLock struct {
	mu sync.RWMutex
}

// ExLock implements FilesystemImpl.ExLock.
func (l *FilesystemRWLock) ExLock() { l.mu.Lock() }

// ExUnlock implements FilesystemImpl.ExUnlock.
func (l *FilesystemRWLock) ExUnlock() { l.mu.Unlock() }

// ShLock implements FilesystemImpl.ShLock.
func (l *FilesystemRWLock) ShLock() { l.mu.RLock() }

// ShUnlock implements FilesystemImpl.ShUnlock.
func (l *FilesystemRWLock) ShUnlock() { l.mu.RUnlock() }

// GenericParseMountOptions parses a comma-separated list of options of the
// form "key" or "key=value", where neither key nor value contain commas, and
// returns it as a map. If str contains duplicate keys, then the last value
// wins. For example:
//
// str = "key0=value0,key1,key2=value2,key0=value3" -> map{'key0':'value3','key1':'','key2':'value2'}
func GenericParseMountOptions(str string) map[string]string {
	m := make(map[string]string)
	for _, opt := range strings.Split(str, ",") {
		if len(opt) > 0 {
			res := strings.SplitN(opt, "=", 2)
			if len(res) == 2 {
				m[res[0]] = res[1]
			} else {
				m[opt] = ""
			}
		}
	}
	return m
}
