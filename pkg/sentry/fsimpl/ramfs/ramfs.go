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

// Package ramfs provides a filesystem implementation that keeps all files in
// memory: the inode tree is the sole source of truth for the state of the
// filesystem.
//
// Lock order:
//
//	filesystem structural lock (vfs.FilesystemRWLock)
//	  inode.mu (the per-file lock of open files)
package ramfs

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/log"
	"kvfs.dev/kvfs/pkg/refs"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
	"kvfs.dev/kvfs/pkg/sync"
)

// Name is the default filesystem name.
const Name = "ramfs"

// FilesystemType implements vfs.FilesystemType.
type FilesystemType struct{}

// Name implements vfs.FilesystemType.Name.
func (FilesystemType) Name() string {
	return Name
}

// filesystem implements vfs.FilesystemImpl.
type filesystem struct {
	vfsfs vfs.Filesystem
	vfs.FilesystemDefaultImpl

	// FilesystemRWLock serializes changes to the inode tree.
	vfs.FilesystemRWLock

	// root is the root directory. root is immutable.
	root *inode

	// maxSize is the maximum number of bytes of file data, or 0 for no
	// limit. maxSize is immutable.
	maxSize uint64

	// usedSize is the number of bytes of file data.
	usedSize atomic.Uint64

	nextIno atomic.Uint64
}

// GetFilesystem implements vfs.FilesystemType.GetFilesystem.
//
// Supported mount options (opts.Data):
//
//	size=N  limit file data to N bytes
//	mode=M  octal permissions of the root directory (default 0777)
func (fstype FilesystemType) GetFilesystem(ctx context.Context, vfsObj *vfs.VirtualFilesystem, opts vfs.GetFilesystemOptions) (*vfs.Filesystem, error) {
	mopts := vfs.GenericParseMountOptions(opts.Data)
	fs := &filesystem{}
	rootMode := linux.FileMode(0777)
	if str, ok := mopts["size"]; ok {
		delete(mopts, "size")
		size, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			log.Warningf("ramfs.FilesystemType.GetFilesystem: invalid size: %q", str)
			return nil, linuxerr.EINVAL
		}
		fs.maxSize = size
	}
	if str, ok := mopts["mode"]; ok {
		delete(mopts, "mode")
		mode, err := strconv.ParseUint(str, 8, 32)
		if err != nil || mode&^07777 != 0 {
			log.Warningf("ramfs.FilesystemType.GetFilesystem: invalid mode: %q", str)
			return nil, linuxerr.EINVAL
		}
		rootMode = linux.FileMode(mode)
	}
	if len(mopts) != 0 {
		log.Warningf("ramfs.FilesystemType.GetFilesystem: unknown options: %v", mopts)
		return nil, linuxerr.EINVAL
	}

	flags := vfs.FSReadWrite
	if opts.ReadOnly {
		flags = vfs.FSReadOnly
	}
	fs.root = fs.newDirectory(nil, rootMode)
	fs.vfsfs.Init(vfsObj, Name, flags, fs)
	return &fs.vfsfs, nil
}

// Release implements vfs.FilesystemImpl.Release.
func (fs *filesystem) Release() {
	fs.root.releaseTree()
	fs.root.DecRef()
}

// inode represents a filesystem object.
type inode struct {
	// refs is held once for the link from the parent directory, and once
	// for every open FileDescription. When it reaches zero the file data is
	// freed.
	refs.Refs[inode]

	fs *filesystem

	// mu is the per-file lock of FileDescriptions open on this inode, and
	// protects the file contents.
	mu sync.RWMutex

	// mode excludes the file type bits, which are based on impl. mode is
	// immutable.
	mode linux.FileMode

	// nlink is protected by the filesystem structural lock.
	nlink uint32

	ino uint64 // immutable

	atime atomic.Int64 // nanoseconds
	ctime atomic.Int64 // nanoseconds
	mtime atomic.Int64 // nanoseconds

	impl any // immutable; *directory or *regularFile
}

func (i *inode) init(impl any, fs *filesystem, mode linux.FileMode) {
	i.InitRefs()
	i.fs = fs
	i.mode = mode.Permissions() | mode&07000
	i.ino = fs.nextIno.Add(1)
	now := nowNano()
	i.atime.Store(now)
	i.ctime.Store(now)
	i.mtime.Store(now)
	i.impl = impl
}

// DecRef drops a reference on i, freeing its data with the last one.
func (i *inode) DecRef() {
	i.Refs.DecRef(func() {
		if rf, ok := i.impl.(*regularFile); ok {
			i.mu.Lock()
			rf.truncateLocked()
			i.mu.Unlock()
		}
	})
}

func (i *inode) isDir() bool {
	_, ok := i.impl.(*directory)
	return ok
}

func (i *inode) entryType() vfs.EntryType {
	switch i.impl.(type) {
	case *directory:
		return vfs.TypeDir
	case *regularFile:
		return vfs.TypeFile
	default:
		panic(fmt.Sprintf("unknown inode type: %T", i.impl))
	}
}

func (i *inode) touchMtime() {
	now := nowNano()
	i.mtime.Store(now)
	i.ctime.Store(now)
}

func nowNano() int64 {
	return time.Now().UnixNano()
}

func nsecToTimespec(ns int64) linux.Timespec {
	return linux.Timespec{Sec: ns / 1e9, Nsec: ns % 1e9}
}

// Preconditions: the filesystem structural lock must be held.
func (i *inode) statTo(stat *linux.Stat) {
	stat.Dev = i.fs.vfsfs.DeviceID()
	stat.Ino = i.ino
	stat.Nlink = uint64(i.nlink)
	stat.Mode = uint32(i.entryType().FileType() | i.mode)
	stat.Blksize = blockSize
	stat.ATime = nsecToTimespec(i.atime.Load())
	stat.MTime = nsecToTimespec(i.mtime.Load())
	stat.CTime = nsecToTimespec(i.ctime.Load())
	if rf, ok := i.impl.(*regularFile); ok {
		size := rf.size.Load()
		stat.Size = int64(size)
		stat.Blocks = int64((size + 511) / 512)
	}
}

// GetEntry implements vfs.FilesystemImpl.GetEntry.
func (fs *filesystem) GetEntry(ctx context.Context, dir vfs.Inode, name string, loc *vfs.Location) {
	if dir == nil {
		*loc = vfs.Location{
			Inode:    fs.root,
			DirInode: fs.root,
			Type:     vfs.TypeDir,
		}
		return
	}
	parent := dir.(*inode)
	*loc = vfs.Location{DirInode: parent}
	if child := parent.impl.(*directory).lookup(name); child != nil {
		loc.Inode = child.inode
		loc.DirEntry = child
		loc.Type = child.inode.entryType()
	}
}

// Open implements vfs.FilesystemImpl.Open.
func (fs *filesystem) Open(ctx context.Context, p *vfs.Path, flags uint32, mode linux.FileMode) (*vfs.FileDescription, error) {
	var ino *inode
	if p.Exists() {
		ino = p.Inode.(*inode)
	} else {
		// The structural lock is held for writing, since O_CREAT is set.
		parent := p.DirInode.(*inode)
		ino = fs.newRegularFile(mode)
		parent.impl.(*directory).insert(p.LastComp, ino)
		parent.touchMtime()
	}

	switch impl := ino.impl.(type) {
	case *directory:
		fd := &directoryFD{}
		fd.init(ino, flags, p.FS)
		return &fd.vfsfd, nil
	case *regularFile:
		if flags&linux.O_TRUNC != 0 {
			ino.mu.Lock()
			if impl.truncateLocked() {
				ino.touchMtime()
			}
			ino.mu.Unlock()
		}
		fd := &regularFileFD{}
		fd.init(ino, flags, p.FS)
		return &fd.vfsfd, nil
	default:
		panic(fmt.Sprintf("unknown inode type: %T", ino.impl))
	}
}

// Close implements vfs.FilesystemImpl.Close.
func (fs *filesystem) Close(ctx context.Context, fd *vfs.FileDescription) {
	fileDescriptionOf(fd).inode.DecRef()
}

// Dup implements vfs.FilesystemImpl.Dup.
func (fs *filesystem) Dup(ctx context.Context, fd *vfs.FileDescription) (*vfs.FileDescription, error) {
	var nfd *vfs.FileDescription
	switch old := fd.Impl().(type) {
	case *directoryFD:
		d := &directoryFD{}
		d.init(old.inode, fd.StatusFlags(), fd.Filesystem())
		nfd = &d.vfsfd
	case *regularFileFD:
		r := &regularFileFD{}
		r.init(old.inode, fd.StatusFlags(), fd.Filesystem())
		nfd = &r.vfsfd
	default:
		panic(fmt.Sprintf("unknown FileDescriptionImpl: %T", fd.Impl()))
	}
	nfd.SetOffset(fd.Offset())
	return nfd, nil
}

// Fstat implements vfs.FilesystemImpl.Fstat.
func (fs *filesystem) Fstat(ctx context.Context, fd *vfs.FileDescription) (linux.Stat, error) {
	var stat linux.Stat
	fileDescriptionOf(fd).inode.statTo(&stat)
	return stat, nil
}

// Mkdir implements vfs.FilesystemImpl.Mkdir.
func (fs *filesystem) Mkdir(ctx context.Context, p *vfs.Path, mode linux.FileMode) error {
	parent := p.DirInode.(*inode)
	child := fs.newDirectory(parent, mode)
	parent.impl.(*directory).insert(p.LastComp, child)
	parent.nlink++
	parent.touchMtime()
	return nil
}

// Rmdir implements vfs.FilesystemImpl.Rmdir.
func (fs *filesystem) Rmdir(ctx context.Context, p *vfs.Path) error {
	child := p.Inode.(*inode)
	if child == fs.root {
		return linuxerr.EBUSY
	}
	if child.impl.(*directory).children.Len() != 0 {
		return linuxerr.ENOTEMPTY
	}
	parent := p.DirInode.(*inode)
	parent.impl.(*directory).remove(p.LastComp)
	parent.nlink--
	parent.touchMtime()
	child.nlink = 0
	child.DecRef()
	return nil
}

// Unlink implements vfs.FilesystemImpl.Unlink.
func (fs *filesystem) Unlink(ctx context.Context, p *vfs.Path) error {
	child := p.Inode.(*inode)
	if child.isDir() {
		return linuxerr.EISDIR
	}
	parent := p.DirInode.(*inode)
	parent.impl.(*directory).remove(p.LastComp)
	parent.touchMtime()
	child.nlink--
	child.ctime.Store(nowNano())
	child.DecRef()
	return nil
}

// Getdents implements vfs.FilesystemImpl.Getdents.
func (fs *filesystem) Getdents(ctx context.Context, fd *vfs.FileDescription, cb vfs.IterDirentsCallback) error {
	dfd, ok := fd.Impl().(*directoryFD)
	if !ok {
		return linuxerr.ENOTDIR
	}
	return dfd.inode.impl.(*directory).iterDirents(dfd.inode, cb)
}

// fileDescription is embedded by ramfs implementations of
// vfs.FileDescriptionImpl.
type fileDescription struct {
	vfsfd vfs.FileDescription
	vfs.FileDescriptionDefaultImpl

	// inode is the open file. A reference is held on inode.
	inode *inode
}

func (fd *fileDescription) init(ino *inode, flags uint32, fs *vfs.Filesystem, impl vfs.FileDescriptionImpl) {
	ino.IncRef()
	fd.inode = ino
	fd.vfsfd.Init(impl, flags, fs)
}

func fileDescriptionOf(fd *vfs.FileDescription) *fileDescription {
	switch impl := fd.Impl().(type) {
	case *directoryFD:
		return &impl.fileDescription
	case *regularFileFD:
		return &impl.fileDescription
	default:
		panic(fmt.Sprintf("unknown FileDescriptionImpl: %T", impl))
	}
}
