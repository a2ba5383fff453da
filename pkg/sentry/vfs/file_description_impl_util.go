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
	"bytes"
	"context"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sync"
	"kvfs.dev/kvfs/pkg/waiter"
)

// FileDescriptionDefaultImpl may be embedded by implementations of
// FileDescriptionImpl to obtain implementations of many FileDescriptionImpl
// methods with default behavior analogous to Linux's.
//
// The per-file lock methods are no-ops, so files that embed
// FileDescriptionDefaultImpl opt out of per-file locking unless they also
// override ExLock, ExUnlock, ShLock and ShUnlock.
type FileDescriptionDefaultImpl struct{}

// Ioctl implements FileDescriptionImpl.Ioctl analogously to
// file_operations::unlocked_ioctl == NULL in Linux.
func (FileDescriptionDefaultImpl) Ioctl(ctx context.Context, cmd uint32, arg uintptr) (uintptr, error) {
	return 0, linuxerr.ENOTTY
}

// Fcntl implements FileDescriptionImpl.Fcntl.
func (FileDescriptionDefaultImpl) Fcntl(ctx context.Context, cmd int32, arg uintptr) (uintptr, error) {
	return 0, linuxerr.EINVAL
}

// MMap implements FileDescriptionImpl.MMap.
func (FileDescriptionDefaultImpl) MMap(ctx context.Context, opts *MMapOpts) error {
	return linuxerr.ENOTSUP
}

// MUnmap implements FileDescriptionImpl.MUnmap.
func (FileDescriptionDefaultImpl) MUnmap(ctx context.Context, opts *MMapOpts) error {
	return linuxerr.ENOTSUP
}

// Readiness implements waiter.Waitable.Readiness analogously to
// file_operations::poll == NULL in Linux: the file is always readable and
// writable, and never has an exceptional condition.
func (FileDescriptionDefaultImpl) Readiness(mask waiter.EventMask) waiter.EventMask {
	return mask & (waiter.ReadableEvents | waiter.WritableEvents)
}

// EventRegister implements waiter.Waitable.EventRegister.
func (FileDescriptionDefaultImpl) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (FileDescriptionDefaultImpl) EventUnregister(e *waiter.Entry) {
}

// ReadReadyQueue implements FileDescriptionImpl.ReadReadyQueue.
func (FileDescriptionDefaultImpl) ReadReadyQueue() *waiter.Queue { return nil }

// WriteReadyQueue implements FileDescriptionImpl.WriteReadyQueue.
func (FileDescriptionDefaultImpl) WriteReadyQueue() *waiter.Queue { return nil }

// ExceptQueue implements FileDescriptionImpl.ExceptQueue.
func (FileDescriptionDefaultImpl) ExceptQueue() *waiter.Queue { return nil }

// ExLock implements FileDescriptionImpl.ExLock.
func (FileDescriptionDefaultImpl) ExLock() {}

// ExUnlock implements FileDescriptionImpl.ExUnlock.
func (FileDescriptionDefaultImpl) ExUnlock() {}

// ShLock implements FileDescriptionImpl.ShLock.
func (FileDescriptionDefaultImpl) ShLock() {}

// ShUnlock implements FileDescriptionImpl.ShUnlock.
func (FileDescriptionDefaultImpl) ShUnlock() {}

// DirectoryFileDescriptionDefaultImpl may be embedded by implementations of
// FileDescriptionImpl that always represent directories to obtain
// implementations of non-directory I/O methods that return EISDIR.
type DirectoryFileDescriptionDefaultImpl struct{}

// Read implements FileDescriptionImpl.Read.
func (DirectoryFileDescriptionDefaultImpl) Read(ctx context.Context, dst []byte) (int64, error) {
	return 0, linuxerr.EISDIR
}

// Write implements FileDescriptionImpl.Write.
func (DirectoryFileDescriptionDefaultImpl) Write(ctx context.Context, src []byte) (int64, error) {
	return 0, linuxerr.EISDIR
}

// FileDescriptionRWLock may be embedded by implementations of
// FileDescriptionImpl to get a real per-file lock. Since it conflicts with
// the no-op methods of FileDescriptionDefaultImpl, implementations that embed
// both must forward the four lock methods explicitly.
type FileDescriptionRWLock struct {
	mu sync.RWMutex
}

// ExLock implements FileDescriptionImpl.ExLock.
func (l *FileDescriptionRWLock) ExLock() { l.mu.Lock() }

// ExUnlock implements FileDescriptionImpl.ExUnlock.
func (l *FileDescriptionRWLock) ExUnlock() { l.mu.Unlock() }

// ShLock implements FileDescriptionImpl.ShLock.
func (l *FileDescriptionRWLock) ShLock() { l.mu.RLock() }

// ShUnlock implements FileDescriptionImpl.ShUnlock.
func (l *FileDescriptionRWLock) ShUnlock() { l.mu.RUnlock() }

// DynamicBytesSource represents a data source for a
// DynamicBytesFileDescriptionImpl.
type DynamicBytesSource interface {
	// Generate writes the file's contents to buf.
	Generate(ctx context.Context, buf *bytes.Buffer) error
}

// StaticData implements DynamicBytesSource over a static string.
type StaticData struct {
	Data string
}

// Generate implements DynamicBytesSource.
func (s *StaticData) Generate(ctx context.Context, buf *bytes.Buffer) error {
	buf.WriteString(s.Data)
	return nil
}

// DynamicBytesFileDescriptionImpl may be embedded by implementations of
// FileDescriptionImpl that represent read-only regular files whose contents
// are backed by a bytes.Buffer that is regenerated when necessary, consistent
// with Linux's fs/seq_file.c:single_open().
//
// DynamicBytesFileDescriptionImpl.SetDataSource() must be called before first
// use.
type DynamicBytesFileDescriptionImpl struct {
	data     DynamicBytesSource // immutable
	mu       sync.Mutex         // protects the following fields
	buf      bytes.Buffer
	off      int64
	lastRead int64 // offset at which the last Read or Seek ended
}

// SetDataSource must be called exactly once on fd before first use.
func (fd *DynamicBytesFileDescriptionImpl) SetDataSource(data DynamicBytesSource) {
	fd.data = data
}

// Preconditions: fd.mu must be locked.
func (fd *DynamicBytesFileDescriptionImpl) preadLocked(ctx context.Context, dst []byte, offset int64) (int64, error) {
	// Regenerate the buffer if it's empty, or before a read at a new offset.
	// Compare fs/seq_file.c:seq_read() => traverse().
	switch {
	case offset != fd.lastRead:
		fd.buf.Reset()
		fallthrough
	case fd.buf.Len() == 0:
		if err := fd.data.Generate(ctx, &fd.buf); err != nil {
			fd.buf.Reset()
			// fd.off is not updated in this case.
			fd.lastRead = 0
			return 0, err
		}
	}
	bs := fd.buf.Bytes()
	if offset >= int64(len(bs)) {
		return 0, nil
	}
	n := copy(dst, bs[offset:])
	fd.lastRead = offset + int64(n)
	return int64(n), nil
}

// Read implements FileDescriptionImpl.Read.
func (fd *DynamicBytesFileDescriptionImpl) Read(ctx context.Context, dst []byte) (int64, error) {
	fd.mu.Lock()
	n, err := fd.preadLocked(ctx, dst, fd.off)
	fd.off += n
	fd.mu.Unlock()
	return n, err
}

// Write implements FileDescriptionImpl.Write.
func (fd *DynamicBytesFileDescriptionImpl) Write(ctx context.Context, src []byte) (int64, error) {
	return 0, linuxerr.EBADF
}

// Seek implements FileDescriptionImpl.Seek.
func (fd *DynamicBytesFileDescriptionImpl) Seek(ctx context.Context, offset int64, whence int32) (int64, error) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	switch whence {
	case linux.SEEK_SET:
		// Use offset as given.
	case linux.SEEK_CUR:
		offset += fd.off
	default:
		// fs/seq_file:seq_lseek() rejects SEEK_END etc.
		return 0, linuxerr.EINVAL
	}
	if offset < 0 {
		return 0, linuxerr.EINVAL
	}
	if offset != fd.lastRead {
		// Regenerate the file's contents immediately. Compare
		// fs/seq_file.c:seq_lseek() => traverse().
		fd.buf.Reset()
		if err := fd.data.Generate(ctx, &fd.buf); err != nil {
			fd.buf.Reset()
			fd.off = 0
			fd.lastRead = 0
			return 0, err
		}
		fd.lastRead = offset
	}
	fd.off = offset
	return offset, nil
}

// GenericSeek computes the new offset for lseek(2) on a file of the given
// size, and stores it in fd.
func GenericSeek(fd *FileDescription, size, offset int64, whence int32) (int64, error) {
	switch whence {
	case linux.SEEK_SET:
		// Use offset as given.
	case linux.SEEK_CUR:
		offset += fd.Offset()
	case linux.SEEK_END:
		offset += size
	default:
		return 0, linuxerr.EINVAL
	}
	if offset < 0 {
		return 0, linuxerr.EINVAL
	}
	fd.SetOffset(offset)
	return offset, nil
}
