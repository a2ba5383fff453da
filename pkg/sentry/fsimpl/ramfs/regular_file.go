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

package ramfs

import (
	"context"
	"math"
	"sync/atomic"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
)

// blockSize is the reported st_blksize and the unit in which file data grows.
const blockSize = 4096

// regularFile is the impl of a regular file inode.
type regularFile struct {
	inode *inode

	// data is protected by inode.mu. len(data) is the allocated capacity
	// charged to filesystem.usedSize, rounded up to blockSize.
	data []byte

	// size is the file size. size is protected by inode.mu for writing and
	// may be loaded atomically.
	size atomic.Uint64
}

func (fs *filesystem) newRegularFile(mode linux.FileMode) *inode {
	rf := &regularFile{}
	ino := &inode{nlink: 1}
	ino.init(rf, fs, mode)
	rf.inode = ino
	return ino
}

func roundUpBlock(n uint64) uint64 {
	return (n + blockSize - 1) &^ (blockSize - 1)
}

// reserve grows the allocation of rf to hold at least n bytes, charging the
// growth against the filesystem size limit. It returns the number of bytes
// that are actually available, which may be less than n.
//
// Preconditions: inode.mu must be locked for writing.
func (rf *regularFile) reserveLocked(n uint64) uint64 {
	have := uint64(len(rf.data))
	if n <= have {
		return n
	}
	want := roundUpBlock(n) - have
	fs := rf.inode.fs
	for {
		used := fs.usedSize.Load()
		grant := want
		if fs.maxSize != 0 {
			if used >= fs.maxSize {
				return have
			}
			if avail := fs.maxSize - used; grant > avail {
				grant = avail
			}
		}
		if fs.usedSize.CompareAndSwap(used, used+grant) {
			rf.data = append(rf.data, make([]byte, grant)...)
			return min(n, have+grant)
		}
	}
}

// truncateLocked sets the size of rf to zero and releases its allocation. It
// reports whether the size changed.
//
// Preconditions: inode.mu must be locked for writing.
func (rf *regularFile) truncateLocked() bool {
	rf.inode.fs.usedSize.Add(-uint64(len(rf.data)))
	rf.data = nil
	return rf.size.Swap(0) != 0
}

// regularFileFD implements vfs.FileDescriptionImpl for regular files.
type regularFileFD struct {
	fileDescription
}

func (fd *regularFileFD) init(ino *inode, flags uint32, fs *vfs.Filesystem) {
	fd.fileDescription.init(ino, flags, fs, fd)
}

func (fd *regularFileFD) file() *regularFile {
	return fd.inode.impl.(*regularFile)
}

// Read implements vfs.FileDescriptionImpl.Read.
//
// Preconditions: the per-file lock is held for reading.
func (fd *regularFileFD) Read(ctx context.Context, dst []byte) (int64, error) {
	rf := fd.file()
	off := fd.vfsfd.Offset()
	size := int64(rf.size.Load())
	if off >= size {
		return 0, nil
	}
	n := copy(dst, rf.data[off:size])
	fd.vfsfd.SetOffset(off + int64(n))
	fd.inode.atime.Store(nowNano())
	return int64(n), nil
}

// Write implements vfs.FileDescriptionImpl.Write. Write is partial when the
// filesystem fills up, and fails with ENOSPC only if nothing was written.
//
// Preconditions: the per-file lock is held for writing.
func (fd *regularFileFD) Write(ctx context.Context, src []byte) (int64, error) {
	if len(src) == 0 {
		return 0, nil
	}
	rf := fd.file()
	off := fd.vfsfd.Offset()
	if fd.vfsfd.StatusFlags()&linux.O_APPEND != 0 {
		off = int64(rf.size.Load())
	}
	if uint64(off) > math.MaxInt64-uint64(len(src)) {
		return 0, linuxerr.EFBIG
	}
	end := uint64(off) + uint64(len(src))
	avail := rf.reserveLocked(end)
	if avail <= uint64(off) {
		return 0, linuxerr.ENOSPC
	}
	if size := rf.size.Load(); uint64(off) > size {
		clear(rf.data[size:off])
	}
	n := copy(rf.data[off:avail], src)
	if newEnd := uint64(off) + uint64(n); newEnd > rf.size.Load() {
		rf.size.Store(newEnd)
	}
	fd.vfsfd.SetOffset(off + int64(n))
	fd.inode.touchMtime()
	return int64(n), nil
}

// Seek implements vfs.FileDescriptionImpl.Seek.
func (fd *regularFileFD) Seek(ctx context.Context, offset int64, whence int32) (int64, error) {
	return vfs.GenericSeek(&fd.vfsfd, int64(fd.file().size.Load()), offset, whence)
}

// Ioctl implements vfs.FileDescriptionImpl.Ioctl. FIONREAD reports the number
// of bytes between the offset and the end of the file.
func (fd *regularFileFD) Ioctl(ctx context.Context, cmd uint32, arg uintptr) (uintptr, error) {
	if cmd != linux.FIONREAD {
		return fd.FileDescriptionDefaultImpl.Ioctl(ctx, cmd, arg)
	}
	size := int64(fd.file().size.Load())
	off := fd.vfsfd.Offset()
	if off >= size {
		return 0, nil
	}
	return uintptr(size - off), nil
}

// MMap implements vfs.FileDescriptionImpl.MMap. The mapping shares storage
// with the file, and must lie within the current file size.
func (fd *regularFileFD) MMap(ctx context.Context, opts *vfs.MMapOpts) error {
	if opts.Length == 0 || opts.Offset%blockSize != 0 {
		return linuxerr.EINVAL
	}
	fd.inode.mu.RLock()
	defer fd.inode.mu.RUnlock()
	rf := fd.file()
	end := opts.Offset + opts.Length
	if end < opts.Offset || end > rf.size.Load() {
		return linuxerr.ENXIO
	}
	opts.Mapping = rf.data[opts.Offset:end:end]
	return nil
}

// MUnmap implements vfs.FileDescriptionImpl.MUnmap.
func (fd *regularFileFD) MUnmap(ctx context.Context, opts *vfs.MMapOpts) error {
	opts.Mapping = nil
	return nil
}

// ExLock implements vfs.FileDescriptionImpl.ExLock.
func (fd *regularFileFD) ExLock() { fd.inode.mu.Lock() }

// ExUnlock implements vfs.FileDescriptionImpl.ExUnlock.
func (fd *regularFileFD) ExUnlock() { fd.inode.mu.Unlock() }

// ShLock implements vfs.FileDescriptionImpl.ShLock.
func (fd *regularFileFD) ShLock() { fd.inode.mu.RLock() }

// ShUnlock implements vfs.FileDescriptionImpl.ShUnlock.
func (fd *regularFileFD) ShUnlock() { fd.inode.mu.RUnlock() }
