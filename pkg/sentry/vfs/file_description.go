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
	"sync/atomic"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/waiter"
)

// A FileDescription represents an open file description, which is the entity
// referred to by a file descriptor (POSIX.1-2017 3.258 "Open File
// Description").
//
// Every FileDescription owns one reference on its Filesystem, which is
// dropped by Close. Dup creates a new FileDescription rather than sharing
// this one, so FileDescriptions are not themselves reference-counted.
//
// FileDescription is analogous to Linux's struct file.
type FileDescription struct {
	// fs is the Filesystem the file was opened on. fs is immutable.
	fs *Filesystem

	// fdFlags contains descriptor flags (FD_CLOEXEC).
	fdFlags atomic.Uint32

	// statusFlags contains status flags, "initialized by open(2) and possibly
	// modified by fcntl()" - fcntl(2).
	statusFlags atomic.Uint32

	// pos is the file offset. Drivers own its interpretation: it is a byte
	// offset for regular files and a directory index for directories.
	pos atomic.Int64

	// closed is set by Close.
	closed atomic.Bool

	// impl is the FileDescriptionImpl associated with this FileDescription.
	// impl is immutable. This should be the last field in FileDescription.
	impl FileDescriptionImpl
}

// FileCreationFlags are the set of flags passed to FileDescription.Init() but
// omitted from FileDescription.StatusFlags().
const FileCreationFlags = linux.O_CREAT | linux.O_EXCL | linux.O_NOCTTY | linux.O_TRUNC

// settableStatusFlags are the status flags that F_SETFL may change.
const settableStatusFlags = linux.O_APPEND | linux.O_NONBLOCK

// Init must be called before first use of fd. fd takes ownership of a
// reference on fs, which the caller must supply. flags is usually the full
// set of flags passed to open(2).
func (fd *FileDescription) Init(impl FileDescriptionImpl, flags uint32, fs *Filesystem) {
	fd.fs = fs
	fd.impl = impl
	fd.statusFlags.Store(flags &^ (FileCreationFlags | linux.O_CLOEXEC))
	if flags&linux.O_CLOEXEC != 0 {
		fd.fdFlags.Store(linux.FD_CLOEXEC)
	}
}

// Impl returns the FileDescriptionImpl associated with fd.
func (fd *FileDescription) Impl() FileDescriptionImpl {
	return fd.impl
}

// Filesystem returns the Filesystem fd was opened on.
func (fd *FileDescription) Filesystem() *Filesystem {
	return fd.fs
}

// StatusFlags returns file description status flags, as for fcntl(F_GETFL).
func (fd *FileDescription) StatusFlags() uint32 {
	return fd.statusFlags.Load()
}

// SetStatusFlags sets file description status flags, as for
// fcntl(F_SETFL). Only O_APPEND and O_NONBLOCK may be changed.
func (fd *FileDescription) SetStatusFlags(flags uint32) {
	for {
		old := fd.statusFlags.Load()
		nw := (old &^ settableStatusFlags) | (flags & settableStatusFlags)
		if fd.statusFlags.CompareAndSwap(old, nw) {
			return
		}
	}
}

// FDFlags returns the descriptor flags, as for fcntl(F_GETFD).
func (fd *FileDescription) FDFlags() uint32 {
	return fd.fdFlags.Load()
}

// SetFDFlags sets the descriptor flags, as for fcntl(F_SETFD).
func (fd *FileDescription) SetFDFlags(flags uint32) {
	fd.fdFlags.Store(flags & linux.FD_CLOEXEC)
}

// CloseOnExec returns true if FD_CLOEXEC is set.
func (fd *FileDescription) CloseOnExec() bool {
	return fd.FDFlags()&linux.FD_CLOEXEC != 0
}

// IsReadable returns true if fd was opened for reading.
func (fd *FileDescription) IsReadable() bool {
	return MayReadFileWithOpenFlags(fd.StatusFlags())
}

// IsWritable returns true if fd was opened for writing.
func (fd *FileDescription) IsWritable() bool {
	return MayWriteFileWithOpenFlags(fd.StatusFlags())
}

// Offset returns the file offset.
func (fd *FileDescription) Offset() int64 {
	return fd.pos.Load()
}

// SetOffset sets the file offset.
func (fd *FileDescription) SetOffset(off int64) {
	fd.pos.Store(off)
}

// MayReadFileWithOpenFlags returns true if a file with the given open(2)
// flags should be readable.
func MayReadFileWithOpenFlags(flags uint32) bool {
	switch flags & linux.O_ACCMODE {
	case linux.O_RDONLY, linux.O_RDWR:
		return true
	default:
		return false
	}
}

// MayWriteFileWithOpenFlags returns true if a file with the given open(2)
// flags should be writable.
func MayWriteFileWithOpenFlags(flags uint32) bool {
	switch flags & linux.O_ACCMODE {
	case linux.O_WRONLY, linux.O_RDWR:
		return true
	default:
		return false
	}
}

// FileDescriptionImpl contains implementation details for a
// FileDescription. Implementations of FileDescriptionImpl should contain
// their associated FileDescription by value as their first field.
//
// Read, Write, Seek, Ioctl and Fcntl are mandatory. FileDescriptionDefaultImpl
// provides the rest.
type FileDescriptionImpl interface {
	// Read reads from the file into dst at the current offset and advances
	// it. Read returns 0 at end of file.
	Read(ctx context.Context, dst []byte) (int64, error)

	// Write writes src to the file at the current offset, or at the end of
	// the file if O_APPEND is set, and advances the offset.
	Write(ctx context.Context, src []byte) (int64, error)

	// Seek changes the offset as for lseek(2) and returns the new offset.
	Seek(ctx context.Context, offset int64, whence int32) (int64, error)

	// Ioctl implements the ioctl(2) syscall.
	Ioctl(ctx context.Context, cmd uint32, arg uintptr) (uintptr, error)

	// Fcntl implements the fcntl(2) commands that FileDescription.Fcntl
	// does not handle generically.
	Fcntl(ctx context.Context, cmd int32, arg uintptr) (uintptr, error)

	// MMap maps the file into opts.Mapping.
	MMap(ctx context.Context, opts *MMapOpts) error

	// MUnmap undoes a previous MMap.
	MUnmap(ctx context.Context, opts *MMapOpts) error

	// Waitable reports readiness. An event in EventPri, EventErr or
	// EventHUp is an unfetched exceptional condition.
	waiter.Waitable

	// ReadReadyQueue, WriteReadyQueue and ExceptQueue return the queues
	// notified on the corresponding readiness changes, or nil if the file
	// is always ready.
	ReadReadyQueue() *waiter.Queue
	WriteReadyQueue() *waiter.Queue
	ExceptQueue() *waiter.Queue

	// Per-file lock serializing operations on the same open file.
	ExLock()
	ExUnlock()
	ShLock()
	ShUnlock()
}

// MMapOpts specifies a mapping request.
type MMapOpts struct {
	// Length is the length of the mapping.
	Length uint64

	// Offset is the offset into the file.
	Offset uint64

	// Mapping is set by MMap to the mapped bytes.
	Mapping []byte
}

// Read reads from fd into dst at the current offset.
func (fd *FileDescription) Read(ctx context.Context, dst []byte) (int64, error) {
	if !fd.IsReadable() {
		return 0, linuxerr.EBADF
	}
	fd.impl.ShLock()
	defer fd.impl.ShUnlock()
	return fd.impl.Read(ctx, dst)
}

// Write writes src to fd at the current offset.
func (fd *FileDescription) Write(ctx context.Context, src []byte) (int64, error) {
	if !fd.IsWritable() {
		return 0, linuxerr.EBADF
	}
	fd.impl.ExLock()
	defer fd.impl.ExUnlock()
	return fd.impl.Write(ctx, src)
}

// Seek changes the offset of fd.
func (fd *FileDescription) Seek(ctx context.Context, offset int64, whence int32) (int64, error) {
	fd.impl.ShLock()
	defer fd.impl.ShUnlock()
	return fd.impl.Seek(ctx, offset, whence)
}

// Ioctl implements the ioctl(2) syscall.
func (fd *FileDescription) Ioctl(ctx context.Context, cmd uint32, arg uintptr) (uintptr, error) {
	fd.impl.ExLock()
	defer fd.impl.ExUnlock()
	return fd.impl.Ioctl(ctx, cmd, arg)
}

// Fcntl implements the fcntl(2) syscall. Descriptor and status flag commands
// are handled here; other commands go to the FileDescriptionImpl.
func (fd *FileDescription) Fcntl(ctx context.Context, cmd int32, arg uintptr) (uintptr, error) {
	switch cmd {
	case linux.F_GETFD:
		return uintptr(fd.FDFlags()), nil
	case linux.F_SETFD:
		fd.SetFDFlags(uint32(arg))
		return 0, nil
	case linux.F_GETFL:
		return uintptr(fd.StatusFlags()), nil
	case linux.F_SETFL:
		fd.SetStatusFlags(uint32(arg))
		return 0, nil
	}
	fd.impl.ExLock()
	defer fd.impl.ExUnlock()
	return fd.impl.Fcntl(ctx, cmd, arg)
}

// MMap maps fd into memory.
func (fd *FileDescription) MMap(ctx context.Context, opts *MMapOpts) error {
	return fd.impl.MMap(ctx, opts)
}

// MUnmap undoes a previous MMap.
func (fd *FileDescription) MUnmap(ctx context.Context, opts *MMapOpts) error {
	return fd.impl.MUnmap(ctx, opts)
}

// Stat returns metadata for the file open at fd.
func (fd *FileDescription) Stat(ctx context.Context) (linux.Stat, error) {
	fd.fs.ShLock()
	defer fd.fs.ShUnlock()
	return fd.fs.impl.Fstat(ctx, fd)
}

// IterDirents invokes cb on each entry in the directory open at fd, starting
// from the first, while holding the filesystem lock for reading.
func (fd *FileDescription) IterDirents(ctx context.Context, cb IterDirentsCallback) error {
	fd.fs.ShLock()
	defer fd.fs.ShUnlock()
	return fd.fs.impl.Getdents(ctx, fd, cb)
}

// Readiness returns the events in mask that fd is ready for.
func (fd *FileDescription) Readiness(mask waiter.EventMask) waiter.EventMask {
	return fd.impl.Readiness(mask)
}

// EventRegister implements waiter.Waitable.EventRegister.
func (fd *FileDescription) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	fd.impl.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (fd *FileDescription) EventUnregister(e *waiter.Entry) {
	fd.impl.EventUnregister(e)
}

// ReadReady returns true if a read from fd would not block.
func (fd *FileDescription) ReadReady() bool {
	return fd.impl.Readiness(waiter.ReadableEvents)&waiter.ReadableEvents != 0
}

// WriteReady returns true if a write to fd would not block.
func (fd *FileDescription) WriteReady() bool {
	return fd.impl.Readiness(waiter.WritableEvents)&waiter.WritableEvents != 0
}

// exceptEvents are the events that make up an exceptional condition.
const exceptEvents = waiter.EventPri | waiter.EventErr | waiter.EventHUp

// ExceptReady returns true if fd has an unfetched exceptional condition.
func (fd *FileDescription) ExceptReady() bool {
	return fd.impl.Readiness(exceptEvents)&exceptEvents != 0
}

// ReadReadyQueue returns the queue notified when fd becomes readable, or nil.
func (fd *FileDescription) ReadReadyQueue() *waiter.Queue {
	return fd.impl.ReadReadyQueue()
}

// WriteReadyQueue returns the queue notified when fd becomes writable, or
// nil.
func (fd *FileDescription) WriteReadyQueue() *waiter.Queue {
	return fd.impl.WriteReadyQueue()
}

// ExceptQueue returns the queue notified on exceptional conditions, or nil.
func (fd *FileDescription) ExceptQueue() *waiter.Queue {
	return fd.impl.ExceptQueue()
}

// WaitReady blocks until fd is ready for an event in mask. It returns
// ErrInterrupted if ctx is done first.
func (fd *FileDescription) WaitReady(ctx context.Context, mask waiter.EventMask) (waiter.EventMask, error) {
	ready, err := waiter.Block(ctx, fd.impl, mask)
	if err != nil {
		return 0, linuxerr.ErrInterrupted
	}
	return ready, nil
}

// ExLock takes the per-file lock of fd for writing.
func (fd *FileDescription) ExLock() {
	fd.impl.ExLock()
}

// ExUnlock releases the lock taken by ExLock.
func (fd *FileDescription) ExUnlock() {
	fd.impl.ExUnlock()
}

// ShLock takes the per-file lock of fd for reading.
func (fd *FileDescription) ShLock() {
	fd.impl.ShLock()
}

// ShUnlock releases the lock taken by ShLock.
func (fd *FileDescription) ShUnlock() {
	fd.impl.ShUnlock()
}

// Close releases fd and the reference it holds on its Filesystem. Close must
// be called exactly once.
func (fd *FileDescription) Close(ctx context.Context) {
	if fd.closed.Swap(true) {
		panic("FileDescription closed twice")
	}
	fd.fs.impl.Close(ctx, fd)
	fd.fs.DecRef()
}

// Dup returns a new FileDescription for the same file. The new
// FileDescription holds its own reference on the Filesystem, starts with the
// offset of fd and has FD_CLOEXEC clear.
func (fd *FileDescription) Dup(ctx context.Context) (*FileDescription, error) {
	nfd, err := fd.fs.impl.Dup(ctx, fd)
	if err != nil {
		return nil, err
	}
	fd.fs.IncRef()
	nfd.fs = fd.fs
	nfd.SetFDFlags(0)
	return nfd, nil
}
