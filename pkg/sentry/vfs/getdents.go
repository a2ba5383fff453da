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

package vfs

import (
	"context"
	"errors"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
)

// errDirentBufferFull stops directory iteration once the getdents64 buffer
// cannot hold the next record.
var errDirentBufferFull = errors.New("dirent buffer full")

// direntBuffer is an IterDirentsCallback that serializes linux_dirent64
// records into buf, skipping the first skip entries.
type direntBuffer struct {
	buf     []byte
	skip    int64
	index   int64
	written int
}

// Handle implements IterDirentsCallback.Handle.
func (db *direntBuffer) Handle(dirent Dirent) error {
	if db.index < db.skip {
		db.index++
		return nil
	}
	rec := linux.Dirent64{
		Ino:  dirent.Ino,
		Off:  db.index + 1,
		Type: dirent.Type.DirentType(),
		Name: dirent.Name,
	}
	size := rec.SizeBytes()
	if size > len(db.buf)-db.written {
		if db.written == 0 {
			return linuxerr.EINVAL
		}
		return errDirentBufferFull
	}
	rec.MarshalBytes(db.buf[db.written:])
	db.written += size
	db.index++
	return nil
}

// Getdents64 fills buf with linux_dirent64 records for the directory open at
// fd, starting after the entries returned by previous calls, and returns the
// number of bytes written. It returns 0 at the end of the directory and
// EINVAL if buf is too small for the next record.
//
// The filesystem lock is taken before the per-file lock, in the same order as
// every other path that holds both.
func (fd *FileDescription) Getdents64(ctx context.Context, buf []byte) (int, error) {
	fd.fs.ShLock()
	defer fd.fs.ShUnlock()
	fd.ExLock()
	defer fd.ExUnlock()
	db := direntBuffer{
		buf:  buf,
		skip: fd.Offset(),
	}
	if err := fd.fs.impl.Getdents(ctx, fd, &db); err != nil && err != errDirentBufferFull {
		if db.written == 0 {
			return 0, err
		}
	}
	fd.SetOffset(db.index)
	return db.written, nil
}
