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
	"strings"

	"github.com/google/btree"
	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
)

// dirent is a named link from a directory to an inode.
type dirent struct {
	name  string
	inode *inode
}

func direntLess(a, b *dirent) bool {
	return strings.Compare(a.name, b.name) < 0
}

// directory is the impl of a directory inode.
type directory struct {
	// parent is the parent directory, or nil for the root. parent is
	// immutable.
	parent *inode

	// children is ordered by name and protected by the filesystem
	// structural lock.
	children *btree.BTreeG[*dirent]
}

func (fs *filesystem) newDirectory(parent *inode, mode linux.FileMode) *inode {
	dir := &directory{
		parent:   parent,
		children: btree.NewG(2, direntLess),
	}
	ino := &inode{nlink: 2}
	ino.init(dir, fs, mode)
	return ino
}

// Preconditions: the filesystem structural lock must be held.
func (dir *directory) lookup(name string) *dirent {
	d, ok := dir.children.Get(&dirent{name: name})
	if !ok {
		return nil
	}
	return d
}

// insert links child into dir under name, transferring the caller's
// reference on child to the link.
//
// Preconditions: the filesystem structural lock must be held for writing.
func (dir *directory) insert(name string, child *inode) {
	if _, replaced := dir.children.ReplaceOrInsert(&dirent{name: name, inode: child}); replaced {
		panic("ramfs: duplicate directory entry " + name)
	}
}

// Preconditions: the filesystem structural lock must be held for writing.
func (dir *directory) remove(name string) {
	if _, ok := dir.children.Delete(&dirent{name: name}); !ok {
		panic("ramfs: missing directory entry " + name)
	}
}

// iterDirents emits ".", "..", then the children of dir in name order.
//
// Preconditions: the filesystem structural lock must be held.
func (dir *directory) iterDirents(self *inode, cb vfs.IterDirentsCallback) error {
	if err := cb.Handle(vfs.Dirent{Name: ".", Type: vfs.TypeDir, Ino: self.ino}); err != nil {
		return err
	}
	parent := dir.parent
	if parent == nil {
		parent = self
	}
	if err := cb.Handle(vfs.Dirent{Name: "..", Type: vfs.TypeDir, Ino: parent.ino}); err != nil {
		return err
	}
	var err error
	dir.children.Ascend(func(d *dirent) bool {
		err = cb.Handle(vfs.Dirent{
			Name: d.name,
			Type: d.inode.entryType(),
			Ino:  d.inode.ino,
		})
		return err == nil
	})
	return err
}

// releaseTree drops the links held by dir's subtree when the filesystem is
// released.
func (i *inode) releaseTree() {
	dir, ok := i.impl.(*directory)
	if !ok {
		return
	}
	dir.children.Ascend(func(d *dirent) bool {
		d.inode.releaseTree()
		d.inode.DecRef()
		return true
	})
	dir.children.Clear(false)
}

// directoryFD implements vfs.FileDescriptionImpl for directories.
type directoryFD struct {
	fileDescription
	vfs.DirectoryFileDescriptionDefaultImpl
}

func (fd *directoryFD) init(ino *inode, flags uint32, fs *vfs.Filesystem) {
	fd.fileDescription.init(ino, flags, fs, fd)
}

// Read implements vfs.FileDescriptionImpl.Read.
func (fd *directoryFD) Read(ctx context.Context, dst []byte) (int64, error) {
	return fd.DirectoryFileDescriptionDefaultImpl.Read(ctx, dst)
}

// Write implements vfs.FileDescriptionImpl.Write.
func (fd *directoryFD) Write(ctx context.Context, src []byte) (int64, error) {
	return fd.DirectoryFileDescriptionDefaultImpl.Write(ctx, src)
}

// Seek implements vfs.FileDescriptionImpl.Seek. The offset of a directory is
// the index of the next entry returned by getdents64.
func (fd *directoryFD) Seek(ctx context.Context, offset int64, whence int32) (int64, error) {
	switch whence {
	case linux.SEEK_SET:
		// Use offset as given.
	case linux.SEEK_CUR:
		offset += fd.vfsfd.Offset()
	default:
		return 0, linuxerr.EINVAL
	}
	if offset < 0 {
		return 0, linuxerr.EINVAL
	}
	fd.vfsfd.SetOffset(offset)
	return offset, nil
}
