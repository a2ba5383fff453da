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

package kernel

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
	"kvfs.dev/kvfs/pkg/sync"
)

// DefaultMaxFDs is the default number of descriptors a FDTable can hold.
const DefaultMaxFDs = 1024

// FDTable maps file descriptors to open FileDescriptions. The per-descriptor
// close-on-exec flag is kept by the FileDescription itself.
//
// The table owns every FileDescription it holds: Remove and RemoveIf hand
// ownership back to the caller, who must Close them.
type FDTable struct {
	// mu protects files.
	mu sync.Mutex

	// files is indexed by descriptor. A nil entry is a free slot.
	files []*vfs.FileDescription

	// used contains the number of non-nil entries. It may be read atomically
	// without holding mu (but not written).
	used atomic.Int32

	// max is the number of descriptors the table can hold. max is
	// immutable.
	max int32
}

// NewFDTable returns an empty FDTable holding at most maxFDs descriptors.
func NewFDTable(maxFDs int32) *FDTable {
	if maxFDs <= 0 {
		maxFDs = DefaultMaxFDs
	}
	return &FDTable{max: maxFDs}
}

// Size returns the number of file descriptors in use.
func (f *FDTable) Size() int {
	return int(f.used.Load())
}

// Preconditions: f.mu must be locked.
func (f *FDTable) getLocked(fd int32) *vfs.FileDescription {
	if fd < 0 || int(fd) >= len(f.files) {
		return nil
	}
	return f.files[fd]
}

// setLocked installs file at fd, which must be within the table limit, and
// returns the file previously installed there.
//
// Preconditions: f.mu must be locked.
func (f *FDTable) setLocked(fd int32, file *vfs.FileDescription) *vfs.FileDescription {
	if int(fd) >= len(f.files) {
		if file == nil {
			return nil
		}
		f.files = append(f.files, make([]*vfs.FileDescription, int(fd)+1-len(f.files))...)
	}
	orig := f.files[fd]
	f.files[fd] = file
	switch {
	case orig == nil && file != nil:
		f.used.Add(1)
	case orig != nil && file == nil:
		f.used.Add(-1)
	}
	return orig
}

// NewFD installs file at the lowest free descriptor greater than or equal to
// minFD and returns it. On success the table takes ownership of file. NewFD
// fails with EINVAL if minFD is outside the table and EMFILE if the table is
// full.
func (f *FDTable) NewFD(file *vfs.FileDescription, minFD int32) (int32, error) {
	if minFD < 0 || minFD >= f.max {
		return -1, linuxerr.EINVAL
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for fd := minFD; fd < f.max; fd++ {
		if f.getLocked(fd) == nil {
			f.setLocked(fd, file)
			return fd, nil
		}
	}
	return -1, linuxerr.EMFILE
}

// NewFDAt installs file at fd. If fd was in use, the FileDescription it held
// is returned and the caller must Close it.
func (f *FDTable) NewFDAt(fd int32, file *vfs.FileDescription) (*vfs.FileDescription, error) {
	if fd < 0 || fd >= f.max {
		return nil, linuxerr.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setLocked(fd, file), nil
}

// Get returns the FileDescription at fd, or nil if fd is not in use. The
// table keeps ownership of the returned FileDescription.
func (f *FDTable) Get(fd int32) *vfs.FileDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getLocked(fd)
}

// GetFDs returns the descriptors in use, in increasing order.
func (f *FDTable) GetFDs() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	fds := make([]int32, 0, f.Size())
	for fd, file := range f.files {
		if file != nil {
			fds = append(fds, int32(fd))
		}
	}
	return fds
}

// Remove removes fd from the table and returns the FileDescription it held,
// or nil if fd was not in use. The caller must Close the result.
func (f *FDTable) Remove(fd int32) *vfs.FileDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getLocked(fd) == nil {
		return nil
	}
	return f.setLocked(fd, nil)
}

// RemoveIf implements vfs.DescriptorTable.RemoveIf.
func (f *FDTable) RemoveIf(ctx context.Context, cond func(*vfs.FileDescription) bool) []*vfs.FileDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []*vfs.FileDescription
	for fd, file := range f.files {
		if file != nil && cond(file) {
			removed = append(removed, f.setLocked(int32(fd), nil))
		}
	}
	return removed
}

// Release closes every FileDescription in the table.
func (f *FDTable) Release(ctx context.Context) {
	for _, file := range f.RemoveIf(ctx, func(*vfs.FileDescription) bool { return true }) {
		file.Close(ctx)
	}
}

// String is a stringer for FDTable.
func (f *FDTable) String() string {
	var b bytes.Buffer
	f.mu.Lock()
	defer f.mu.Unlock()
	for fd, file := range f.files {
		if file != nil {
			fmt.Fprintf(&b, "\tfd:%d => %s filesystem, flags %#o\n", fd, file.Filesystem().TypeName(), file.StatusFlags())
		}
	}
	return b.String()
}
