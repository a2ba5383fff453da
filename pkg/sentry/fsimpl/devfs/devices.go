// Copyright 2020 The gVisor Authors.
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

package devfs

import (
	"bytes"
	"context"
	"fmt"

	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
)

// Minor numbers of the memory devices, from drivers/char/mem.c.
const (
	nullDevMinor = 3
	zeroDevMinor = 5
	fullDevMinor = 7
)

// nullFD implements vfs.FileDescriptionImpl for /dev/null.
type nullFD struct {
	fileDescription
}

func newNullFD(*filesystem) fileDescriptionImpl {
	return &nullFD{}
}

// Read implements vfs.FileDescriptionImpl.Read.
func (fd *nullFD) Read(ctx context.Context, dst []byte) (int64, error) {
	return 0, nil
}

// Write implements vfs.FileDescriptionImpl.Write.
func (fd *nullFD) Write(ctx context.Context, src []byte) (int64, error) {
	return int64(len(src)), nil
}

// Seek implements vfs.FileDescriptionImpl.Seek.
func (fd *nullFD) Seek(ctx context.Context, offset int64, whence int32) (int64, error) {
	return 0, nil
}

// zeroFD implements vfs.FileDescriptionImpl for /dev/zero.
type zeroFD struct {
	fileDescription
}

func newZeroFD(*filesystem) fileDescriptionImpl {
	return &zeroFD{}
}

// Read implements vfs.FileDescriptionImpl.Read.
func (fd *zeroFD) Read(ctx context.Context, dst []byte) (int64, error) {
	clear(dst)
	return int64(len(dst)), nil
}

// Write implements vfs.FileDescriptionImpl.Write.
func (fd *zeroFD) Write(ctx context.Context, src []byte) (int64, error) {
	return int64(len(src)), nil
}

// Seek implements vfs.FileDescriptionImpl.Seek.
func (fd *zeroFD) Seek(ctx context.Context, offset int64, whence int32) (int64, error) {
	return 0, nil
}

// MMap implements vfs.FileDescriptionImpl.MMap. Every mapping of /dev/zero
// is private, anonymous memory.
func (fd *zeroFD) MMap(ctx context.Context, opts *vfs.MMapOpts) error {
	if opts.Length == 0 {
		return linuxerr.EINVAL
	}
	opts.Mapping = make([]byte, opts.Length)
	return nil
}

// MUnmap implements vfs.FileDescriptionImpl.MUnmap.
func (fd *zeroFD) MUnmap(ctx context.Context, opts *vfs.MMapOpts) error {
	opts.Mapping = nil
	return nil
}

// fullFD implements vfs.FileDescriptionImpl for /dev/full.
type fullFD struct {
	fileDescription
}

func newFullFD(*filesystem) fileDescriptionImpl {
	return &fullFD{}
}

// Read implements vfs.FileDescriptionImpl.Read.
func (fd *fullFD) Read(ctx context.Context, dst []byte) (int64, error) {
	clear(dst)
	return int64(len(dst)), nil
}

// Write implements vfs.FileDescriptionImpl.Write.
func (fd *fullFD) Write(ctx context.Context, src []byte) (int64, error) {
	return 0, linuxerr.ENOSPC
}

// Seek implements vfs.FileDescriptionImpl.Seek.
func (fd *fullFD) Seek(ctx context.Context, offset int64, whence int32) (int64, error) {
	return 0, nil
}

// mountsFD implements vfs.FileDescriptionImpl for the mounts file, which
// lists the mount table of the VirtualFilesystem in registration order.
type mountsFD struct {
	fileDescription
	vfs.DynamicBytesFileDescriptionImpl

	vfsObj *vfs.VirtualFilesystem
}

func newMountsFD(vfsObj *vfs.VirtualFilesystem) fileDescriptionImpl {
	fd := &mountsFD{vfsObj: vfsObj}
	fd.SetDataSource(fd)
	return fd
}

// Generate implements vfs.DynamicBytesSource.Generate.
func (fd *mountsFD) Generate(ctx context.Context, buf *bytes.Buffer) error {
	var it vfs.MountIterator
	fd.vfsObj.Mounts().IterBegin(&it)
	defer it.End()
	for mp := it.Next(); mp != nil; mp = it.Next() {
		fs := mp.Filesystem()
		mode := "rw"
		if fs.ReadOnly() {
			mode = "ro"
		}
		fmt.Fprintf(buf, "%s %s %s %d\n", fs.TypeName(), mp.Path(), mode, fs.DeviceID())
	}
	return nil
}
