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

package linux

import (
	"context"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sentry/kernel"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
)

// Open implements Linux syscall open(2). A relative path is resolved against
// the working directory of t.
func Open(ctx context.Context, t *kernel.Task, path string, flags uint32, mode linux.FileMode) (int32, error) {
	abs, err := t.FSContext().AbsPath(path)
	if err != nil {
		return -1, err
	}
	file, err := t.Kernel().VFS().Open(ctx, abs, &vfs.OpenOptions{
		Flags: flags,
		Mode:  mode,
	})
	if err != nil {
		t.Debugf("open(%q, %#o): %v", abs, flags, err)
		return -1, err
	}
	return installFD(ctx, t, file, 0)
}

// installFD installs file in the lowest free descriptor of t at or above
// minFD, closing file if the table is full.
func installFD(ctx context.Context, t *kernel.Task, file *vfs.FileDescription, minFD int32) (int32, error) {
	fd, err := t.FDTable().NewFD(file, minFD)
	if err != nil {
		file.Close(ctx)
		return -1, err
	}
	return fd, nil
}

// Close implements Linux syscall close(2).
func Close(ctx context.Context, t *kernel.Task, fd int32) error {
	file := t.FDTable().Remove(fd)
	if file == nil {
		return linuxerr.EBADF
	}
	file.Close(ctx)
	return nil
}

// Dup implements Linux syscall dup(2).
func Dup(ctx context.Context, t *kernel.Task, fd int32) (int32, error) {
	return dupFrom(ctx, t, fd, 0, false)
}

func dupFrom(ctx context.Context, t *kernel.Task, fd, minFD int32, cloexec bool) (int32, error) {
	file := t.FDTable().Get(fd)
	if file == nil {
		return -1, linuxerr.EBADF
	}
	dup, err := file.Dup(ctx)
	if err != nil {
		return -1, err
	}
	if cloexec {
		dup.SetFDFlags(linux.FD_CLOEXEC)
	}
	return installFD(ctx, t, dup, minFD)
}

// Dup2 implements Linux syscall dup2(2).
func Dup2(ctx context.Context, t *kernel.Task, oldfd, newfd int32) (int32, error) {
	file := t.FDTable().Get(oldfd)
	if file == nil {
		return -1, linuxerr.EBADF
	}
	if oldfd == newfd {
		return newfd, nil
	}
	dup, err := file.Dup(ctx)
	if err != nil {
		return -1, err
	}
	orig, err := t.FDTable().NewFDAt(newfd, dup)
	if err != nil {
		dup.Close(ctx)
		return -1, err
	}
	if orig != nil {
		orig.Close(ctx)
	}
	return newfd, nil
}

// Fcntl implements Linux syscall fcntl(2).
func Fcntl(ctx context.Context, t *kernel.Task, fd int32, cmd int32, arg uintptr) (uintptr, error) {
	switch cmd {
	case linux.F_DUPFD, linux.F_DUPFD_CLOEXEC:
		if int64(arg) < 0 || uint64(arg) > uint64(^uint32(0)>>1) {
			return 0, linuxerr.EINVAL
		}
		nfd, err := dupFrom(ctx, t, fd, int32(arg), cmd == linux.F_DUPFD_CLOEXEC)
		return uintptr(nfd), err
	}
	file := t.FDTable().Get(fd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	return file.Fcntl(ctx, cmd, arg)
}

// Ioctl implements Linux syscall ioctl(2).
func Ioctl(ctx context.Context, t *kernel.Task, fd int32, cmd uint32, arg uintptr) (uintptr, error) {
	file := t.FDTable().Get(fd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	return file.Ioctl(ctx, cmd, arg)
}

// Mkdir implements Linux syscall mkdir(2).
func Mkdir(ctx context.Context, t *kernel.Task, path string, mode linux.FileMode) error {
	abs, err := t.FSContext().AbsPath(path)
	if err != nil {
		return err
	}
	return t.Kernel().VFS().Mkdir(ctx, abs, &vfs.MkdirOptions{Mode: mode})
}

// Rmdir implements Linux syscall rmdir(2).
func Rmdir(ctx context.Context, t *kernel.Task, path string) error {
	abs, err := t.FSContext().AbsPath(path)
	if err != nil {
		return err
	}
	return t.Kernel().VFS().Rmdir(ctx, abs)
}

// Unlink implements Linux syscall unlink(2).
func Unlink(ctx context.Context, t *kernel.Task, path string) error {
	abs, err := t.FSContext().AbsPath(path)
	if err != nil {
		return err
	}
	return t.Kernel().VFS().Unlink(ctx, abs)
}

// Chdir implements Linux syscall chdir(2).
func Chdir(ctx context.Context, t *kernel.Task, path string) error {
	return t.FSContext().Chdir(ctx, t.Kernel().VFS(), path)
}

// Getcwd implements Linux syscall getcwd(2). It writes the NUL-terminated
// working directory to buf and returns its length including the NUL.
func Getcwd(t *kernel.Task, buf []byte) (int, error) {
	cwd := t.FSContext().WorkingDirectory()
	if len(cwd) > 1 {
		// Only the root keeps its trailing slash.
		cwd = cwd[:len(cwd)-1]
	}
	if len(buf) < len(cwd)+1 {
		return 0, linuxerr.ERANGE
	}
	n := copy(buf, cwd)
	buf[n] = 0
	return n + 1, nil
}

// Pipe2 implements Linux syscall pipe2(2). It returns the read and write
// descriptors.
func Pipe2(ctx context.Context, t *kernel.Task, flags uint32) ([2]int32, error) {
	if flags&^(linux.O_NONBLOCK|linux.O_CLOEXEC) != 0 {
		return [2]int32{-1, -1}, linuxerr.EINVAL
	}
	r, w := t.Kernel().NewPipe(flags & linux.O_NONBLOCK)
	if flags&linux.O_CLOEXEC != 0 {
		r.SetFDFlags(linux.FD_CLOEXEC)
		w.SetFDFlags(linux.FD_CLOEXEC)
	}
	rfd, err := installFD(ctx, t, r, 0)
	if err != nil {
		w.Close(ctx)
		return [2]int32{-1, -1}, err
	}
	wfd, err := installFD(ctx, t, w, 0)
	if err != nil {
		if file := t.FDTable().Remove(rfd); file != nil {
			file.Close(ctx)
		}
		return [2]int32{-1, -1}, err
	}
	return [2]int32{rfd, wfd}, nil
}

// Execve implements the file-related part of Linux syscall execve(2):
// descriptors marked close-on-exec are closed.
func Execve(ctx context.Context, t *kernel.Task) {
	t.CloseOnExec(ctx)
}
