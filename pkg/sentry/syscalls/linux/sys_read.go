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

package linux

import (
	"context"

	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sentry/kernel"
)

// Read implements Linux syscall read(2).
func Read(ctx context.Context, t *kernel.Task, fd int32, dst []byte) (int64, error) {
	file := t.FDTable().Get(fd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	// Check that the file is readable.
	if !file.IsReadable() {
		return 0, linuxerr.EBADF
	}
	n, err := file.Read(ctx, dst)
	return n, handleIOError(t, n != 0, err, "read")
}

// Write implements Linux syscall write(2).
func Write(ctx context.Context, t *kernel.Task, fd int32, src []byte) (int64, error) {
	file := t.FDTable().Get(fd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	// Check that the file is writable.
	if !file.IsWritable() {
		return 0, linuxerr.EBADF
	}
	n, err := file.Write(ctx, src)
	return n, handleIOError(t, n != 0, err, "write")
}

// Lseek implements Linux syscall lseek(2).
func Lseek(ctx context.Context, t *kernel.Task, fd int32, offset int64, whence int32) (int64, error) {
	file := t.FDTable().Get(fd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	return file.Seek(ctx, offset, whence)
}
