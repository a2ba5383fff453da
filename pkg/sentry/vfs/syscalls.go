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

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
)

// openFlags are the open(2) flags that Open honors. Others are dropped.
const openFlags = linux.O_ACCMODE | linux.O_CREAT | linux.O_EXCL | linux.O_NOCTTY | linux.O_TRUNC | linux.O_APPEND | linux.O_NONBLOCK | linux.O_DIRECTORY | linux.O_NOFOLLOW | linux.O_CLOEXEC

// Open returns a FileDescription providing access to the file at the given
// absolute path. The Filesystem is locked for writing if opts.Flags contains
// O_CREAT and for reading otherwise. On success, the reference taken on the
// Filesystem during resolution is transferred to the returned
// FileDescription.
func (vfs *VirtualFilesystem) Open(ctx context.Context, pathname string, opts *OpenOptions) (*FileDescription, error) {
	opts.Flags &= openFlags
	// "On Linux, the following bits are also honored in mode: [S_ISUID,
	// S_ISGID, S_ISVTX]" - open(2)
	opts.Mode &= 07777

	var p Path
	ropts := ResolveOptions{
		Exclusive:          opts.Flags&linux.O_CREAT != 0,
		FollowFinalSymlink: opts.Flags&linux.O_NOFOLLOW == 0,
	}
	if err := vfs.Resolve(ctx, pathname, &p, &ropts); err != nil {
		return nil, err
	}
	if err := checkOpen(&p, opts.Flags); err != nil {
		p.Release()
		return nil, err
	}
	fd, err := p.FS.impl.Open(ctx, &p, opts.Flags, opts.Mode)
	if err != nil {
		vfs.warnUnsupported("open", p.FS, err)
		p.Release()
		return nil, err
	}
	p.unlock()
	return fd, nil
}

// checkOpen applies the checks that open(2) makes before a filesystem is
// involved.
func checkOpen(p *Path, flags uint32) error {
	if flags&linux.O_DIRECTORY != 0 {
		p.MustBeDir = true
	}
	if !p.Exists() {
		if flags&linux.O_CREAT == 0 {
			return linuxerr.ENOENT
		}
		if p.MustBeDir {
			return linuxerr.EISDIR
		}
		if p.FS.ReadOnly() {
			return linuxerr.EROFS
		}
		return nil
	}
	if flags&(linux.O_CREAT|linux.O_EXCL) == linux.O_CREAT|linux.O_EXCL {
		return linuxerr.EEXIST
	}
	if p.MustBeDir && p.Type != TypeDir {
		return linuxerr.ENOTDIR
	}
	writable := MayWriteFileWithOpenFlags(flags) || flags&linux.O_TRUNC != 0
	if p.Type == TypeDir && (writable || flags&linux.O_CREAT != 0) {
		return linuxerr.EISDIR
	}
	if writable && p.FS.ReadOnly() && p.Type == TypeFile {
		return linuxerr.EROFS
	}
	return nil
}

// Stat returns metadata for the file at the given absolute path.
func (vfs *VirtualFilesystem) Stat(ctx context.Context, pathname string) (linux.Stat, error) {
	fd, err := vfs.Open(ctx, pathname, &OpenOptions{Flags: linux.O_RDONLY})
	if err != nil {
		return linux.Stat{}, err
	}
	defer fd.Close(ctx)
	stat, err := fd.Stat(ctx)
	vfs.warnUnsupported("stat", fd.fs, err)
	return stat, err
}

// Mkdir creates a directory at the given absolute path.
func (vfs *VirtualFilesystem) Mkdir(ctx context.Context, pathname string, opts *MkdirOptions) error {
	// "Under Linux, apart from the permission bits, the S_ISVTX mode bit is
	// also honored." - mkdir(2)
	opts.Mode &= 01777
	var p Path
	if err := vfs.Resolve(ctx, pathname, &p, &ResolveOptions{Exclusive: true}); err != nil {
		return err
	}
	defer p.Release()
	if p.Exists() {
		return linuxerr.EEXIST
	}
	if p.FS.ReadOnly() {
		return linuxerr.EROFS
	}
	err := p.FS.impl.Mkdir(ctx, &p, opts.Mode)
	vfs.warnUnsupported("mkdir", p.FS, err)
	return err
}

// Rmdir removes the empty directory at the given absolute path.
func (vfs *VirtualFilesystem) Rmdir(ctx context.Context, pathname string) error {
	var p Path
	if err := vfs.Resolve(ctx, pathname, &p, &ResolveOptions{Exclusive: true}); err != nil {
		return err
	}
	defer p.Release()
	switch {
	case !p.Exists():
		return linuxerr.ENOENT
	case p.Type != TypeDir:
		return linuxerr.ENOTDIR
	case p.LastComp == "":
		// The root of a Filesystem.
		return linuxerr.EBUSY
	case p.FS.ReadOnly():
		return linuxerr.EROFS
	}
	err := p.FS.impl.Rmdir(ctx, &p)
	vfs.warnUnsupported("rmdir", p.FS, err)
	return err
}

// Unlink removes the non-directory file at the given absolute path.
func (vfs *VirtualFilesystem) Unlink(ctx context.Context, pathname string) error {
	var p Path
	if err := vfs.Resolve(ctx, pathname, &p, &ResolveOptions{Exclusive: true}); err != nil {
		return err
	}
	defer p.Release()
	switch {
	case !p.Exists():
		return linuxerr.ENOENT
	case p.Type == TypeDir:
		return linuxerr.EISDIR
	case p.FS.ReadOnly():
		return linuxerr.EROFS
	}
	err := p.FS.impl.Unlink(ctx, &p)
	vfs.warnUnsupported("unlink", p.FS, err)
	return err
}

func (vfs *VirtualFilesystem) warnUnsupported(op string, fs *Filesystem, err error) {
	if linuxerr.Equals(linuxerr.ENOTSUP, err) {
		vfs.warnLog.Warningf("%s is not supported by %s filesystems", op, fs.TypeName())
	}
}

// A DescriptorTable holds the FileDescriptions of a task.
type DescriptorTable interface {
	// RemoveIf removes every FileDescription for which cond returns true and
	// returns them. The caller owns the returned FileDescriptions.
	RemoveIf(ctx context.Context, cond func(*FileDescription) bool) []*FileDescription
}

// CloseCloexecHandles closes every FileDescription in table with FD_CLOEXEC
// set, as execve(2) does, and returns how many were closed.
func CloseCloexecHandles(ctx context.Context, table DescriptorTable) int {
	fds := table.RemoveIf(ctx, (*FileDescription).CloseOnExec)
	for _, fd := range fds {
		fd.Close(ctx)
	}
	return len(fds)
}
