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

package pipe

import (
	"context"
	"fmt"
	"sync/atomic"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
	"kvfs.dev/kvfs/pkg/waiter"
)

// This file contains types enabling the pipe package to be used with the vfs
// package.

// Name is the name of the pipe filesystem. It is never mounted.
const Name = "pipefs"

// filesystem implements vfs.FilesystemImpl for the anonymous filesystem that
// owns every pipe handle.
type filesystem struct {
	vfsfs vfs.Filesystem
	vfs.FilesystemDefaultImpl
	vfs.FilesystemRWLock

	nextIno atomic.Uint64
}

// NewFilesystem returns a new pipe filesystem. The caller owns the returned
// reference.
func NewFilesystem(vfsObj *vfs.VirtualFilesystem) *vfs.Filesystem {
	fs := &filesystem{}
	fs.vfsfs.Init(vfsObj, Name, vfs.FSReadWrite, fs)
	return &fs.vfsfs
}

// Release implements vfs.FilesystemImpl.Release.
func (fs *filesystem) Release() {}

// GetEntry implements vfs.FilesystemImpl.GetEntry. pipefs has no namespace:
// its root is an empty directory.
func (fs *filesystem) GetEntry(ctx context.Context, dir vfs.Inode, name string, loc *vfs.Location) {
	*loc = vfs.Location{DirInode: fs}
	if dir == nil {
		loc.Inode = fs
		loc.Type = vfs.TypeDir
	}
}

// Open implements vfs.FilesystemImpl.Open.
func (fs *filesystem) Open(ctx context.Context, p *vfs.Path, flags uint32, mode linux.FileMode) (*vfs.FileDescription, error) {
	return nil, linuxerr.ENOTSUP
}

// Close implements vfs.FilesystemImpl.Close.
func (fs *filesystem) Close(ctx context.Context, fd *vfs.FileDescription) {
	fd.Impl().(*VFSPipeFD).release()
}

// Dup implements vfs.FilesystemImpl.Dup.
func (fs *filesystem) Dup(ctx context.Context, fd *vfs.FileDescription) (*vfs.FileDescription, error) {
	return newFD(fd.Impl().(*VFSPipeFD).pipe, fd.StatusFlags(), fd.Filesystem()), nil
}

// Fstat implements vfs.FilesystemImpl.Fstat.
func (fs *filesystem) Fstat(ctx context.Context, fd *vfs.FileDescription) (linux.Stat, error) {
	p := fd.Impl().(*VFSPipeFD).pipe
	return linux.Stat{
		Dev:     fs.vfsfs.DeviceID(),
		Ino:     p.ino,
		Nlink:   1,
		Mode:    uint32(linux.ModeNamedPipe | 0600),
		Size:    p.queued(),
		Blksize: atomicIOBytes,
	}, nil
}

// NewConnectedPipe creates a pipe of sizeBytes capacity and returns its read
// and write ends. Each handle holds its own reference on pipefs, which must
// have been returned by NewFilesystem. statusFlags may contain O_NONBLOCK.
func NewConnectedPipe(pipefs *vfs.Filesystem, sizeBytes int64, statusFlags uint32) (r, w *vfs.FileDescription) {
	fs, ok := pipefs.Impl().(*filesystem)
	if !ok {
		panic(fmt.Sprintf("NewConnectedPipe called with %s filesystem", pipefs.TypeName()))
	}
	p := newPipe(fs.nextIno.Add(1), sizeBytes)
	statusFlags &^= linux.O_ACCMODE
	pipefs.IncRef()
	r = newFD(p, linux.O_RDONLY|statusFlags, pipefs)
	pipefs.IncRef()
	w = newFD(p, linux.O_WRONLY|statusFlags, pipefs)
	return r, w
}

// newFD returns a handle to p. The caller must supply the reference on fs
// that the handle takes over.
func newFD(p *Pipe, statusFlags uint32, fs *vfs.Filesystem) *vfs.FileDescription {
	fd := &VFSPipeFD{pipe: p}
	fd.vfsfd.Init(fd, statusFlags, fs)
	switch {
	case fd.vfsfd.IsReadable() && fd.vfsfd.IsWritable():
		p.rOpen()
		p.wOpen()
	case fd.vfsfd.IsReadable():
		p.rOpen()
	case fd.vfsfd.IsWritable():
		p.wOpen()
	default:
		panic("invalid pipe flags: must be readable, writable, or both")
	}
	return &fd.vfsfd
}

// VFSPipeFD implements vfs.FileDescriptionImpl for pipes. Operations on a
// pipe are serialized by the pipe itself, so VFSPipeFD does not use the
// per-file lock.
type VFSPipeFD struct {
	vfsfd vfs.FileDescription
	vfs.FileDescriptionDefaultImpl

	pipe *Pipe
}

func (fd *VFSPipeFD) release() {
	var event waiter.EventMask
	if fd.vfsfd.IsReadable() {
		fd.pipe.rClose()
		event |= waiter.WritableEvents | waiter.EventErr
	}
	if fd.vfsfd.IsWritable() {
		fd.pipe.wClose()
		event |= waiter.ReadableEvents | waiter.EventHUp
	}
	if event == 0 {
		panic("invalid pipe flags: must be readable, writable, or both")
	}
	fd.pipe.Notify(event)
}

func (fd *VFSPipeFD) nonBlocking() bool {
	return fd.vfsfd.StatusFlags()&linux.O_NONBLOCK != 0
}

// Readiness implements waiter.Waitable.Readiness.
func (fd *VFSPipeFD) Readiness(mask waiter.EventMask) waiter.EventMask {
	switch {
	case fd.vfsfd.IsReadable() && fd.vfsfd.IsWritable():
		return fd.pipe.rwReadiness()
	case fd.vfsfd.IsReadable():
		return fd.pipe.rReadiness()
	case fd.vfsfd.IsWritable():
		return fd.pipe.wReadiness()
	default:
		panic("pipe FD is neither readable nor writable")
	}
}

// EventRegister implements waiter.Waitable.EventRegister.
func (fd *VFSPipeFD) EventRegister(e *waiter.Entry, mask waiter.EventMask) {
	fd.pipe.EventRegister(e, mask)
}

// EventUnregister implements waiter.Waitable.EventUnregister.
func (fd *VFSPipeFD) EventUnregister(e *waiter.Entry) {
	fd.pipe.EventUnregister(e)
}

// ReadReadyQueue implements vfs.FileDescriptionImpl.ReadReadyQueue.
func (fd *VFSPipeFD) ReadReadyQueue() *waiter.Queue {
	return &fd.pipe.Queue
}

// WriteReadyQueue implements vfs.FileDescriptionImpl.WriteReadyQueue.
func (fd *VFSPipeFD) WriteReadyQueue() *waiter.Queue {
	return &fd.pipe.Queue
}

// ExceptQueue implements vfs.FileDescriptionImpl.ExceptQueue.
func (fd *VFSPipeFD) ExceptQueue() *waiter.Queue {
	return &fd.pipe.Queue
}

// Read implements vfs.FileDescriptionImpl.Read. Read blocks while the pipe is
// empty and has writers, unless the handle is non-blocking.
func (fd *VFSPipeFD) Read(ctx context.Context, dst []byte) (int64, error) {
	for {
		n, err := fd.pipe.read(dst)
		if err != linuxerr.ErrWouldBlock {
			if n > 0 {
				fd.pipe.Notify(waiter.WritableEvents)
			}
			return n, err
		}
		if fd.nonBlocking() {
			return 0, linuxerr.EAGAIN
		}
		if _, err := fd.vfsfd.WaitReady(ctx, waiter.ReadableEvents|waiter.EventHUp); err != nil {
			return 0, linuxerr.EINTR
		}
	}
}

// Write implements vfs.FileDescriptionImpl.Write. A blocking Write returns
// only once all of src is queued, the read end is closed, or ctx is done.
func (fd *VFSPipeFD) Write(ctx context.Context, src []byte) (int64, error) {
	var total int64
	for {
		n, err := fd.pipe.write(src[total:])
		total += n
		if n > 0 {
			fd.pipe.Notify(waiter.ReadableEvents)
		}
		if err != linuxerr.ErrWouldBlock {
			if err != nil && total > 0 {
				return total, nil
			}
			return total, err
		}
		if fd.nonBlocking() {
			if total > 0 {
				return total, nil
			}
			return 0, linuxerr.EAGAIN
		}
		if _, err := fd.vfsfd.WaitReady(ctx, waiter.WritableEvents|waiter.EventErr); err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, linuxerr.EINTR
		}
	}
}

// Seek implements vfs.FileDescriptionImpl.Seek.
func (fd *VFSPipeFD) Seek(ctx context.Context, offset int64, whence int32) (int64, error) {
	return 0, linuxerr.ESPIPE
}

// Ioctl implements vfs.FileDescriptionImpl.Ioctl. FIONREAD returns the number
// of bytes queued in the pipe.
func (fd *VFSPipeFD) Ioctl(ctx context.Context, cmd uint32, arg uintptr) (uintptr, error) {
	if cmd != linux.FIONREAD {
		return fd.FileDescriptionDefaultImpl.Ioctl(ctx, cmd, arg)
	}
	return uintptr(fd.pipe.queued()), nil
}
