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

// Package devfs provides a filesystem holding a fixed set of device files.
package devfs

import (
	"context"
	"fmt"
	"sort"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/log"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
)

// Name is the devfs filesystem name.
const Name = "devfs"

// Major device number of the memory devices, from
// include/uapi/linux/major.h.
const memDevMajor = 1

// FilesystemType implements vfs.FilesystemType.
type FilesystemType struct{}

// Name implements vfs.FilesystemType.Name.
func (FilesystemType) Name() string {
	return Name
}

// GetFilesystem implements vfs.FilesystemType.GetFilesystem. devfs accepts
// no mount options.
func (FilesystemType) GetFilesystem(ctx context.Context, vfsObj *vfs.VirtualFilesystem, opts vfs.GetFilesystemOptions) (*vfs.Filesystem, error) {
	if opts.Data != "" {
		log.Warningf("devfs.FilesystemType.GetFilesystem: unknown options: %q", opts.Data)
		return nil, linuxerr.EINVAL
	}
	fs := &filesystem{}
	fs.root = &node{ino: 1, mode: linux.ModeDirectory | 0755}
	fs.devices = map[string]*node{
		"null": {ino: 2, mode: linux.ModeCharacterDevice | 0666, minor: nullDevMinor, open: newNullFD},
		"zero": {ino: 3, mode: linux.ModeCharacterDevice | 0666, minor: zeroDevMinor, open: newZeroFD},
		"full": {ino: 4, mode: linux.ModeCharacterDevice | 0666, minor: fullDevMinor, open: newFullFD},
		"mounts": {ino: 5, mode: linux.ModeRegular | 0444, open: func(*filesystem) fileDescriptionImpl {
			return newMountsFD(vfsObj)
		}},
	}
	for name := range fs.devices {
		fs.names = append(fs.names, name)
	}
	sort.Strings(fs.names)
	flags := vfs.FSReadWrite
	if opts.ReadOnly {
		flags = vfs.FSReadOnly
	}
	fs.vfsfs.Init(vfsObj, Name, flags, fs)
	return &fs.vfsfs, nil
}

// filesystem implements vfs.FilesystemImpl. The set of files is fixed, so
// the structural lock only orders handle creation against Release.
type filesystem struct {
	vfsfs vfs.Filesystem
	vfs.FilesystemDefaultImpl
	vfs.FilesystemRWLock

	root    *node
	devices map[string]*node
	names   []string // sorted keys of devices
}

// node is a file in devfs. All fields are immutable.
type node struct {
	ino   uint64
	mode  linux.FileMode
	minor uint32
	open  func(fs *filesystem) fileDescriptionImpl
}

func (n *node) entryType() vfs.EntryType {
	switch n.mode.FileType() {
	case linux.ModeDirectory:
		return vfs.TypeDir
	case linux.ModeCharacterDevice:
		return vfs.TypeCharDev
	case linux.ModeRegular:
		return vfs.TypeFile
	default:
		panic(fmt.Sprintf("unexpected devfs mode %v", n.mode))
	}
}

// fileDescriptionImpl is implemented by every devfs handle.
type fileDescriptionImpl interface {
	vfs.FileDescriptionImpl
	vfsFD() *vfs.FileDescription
	node() *node
	setNode(n *node)
}

// fileDescription is embedded by devfs handles.
type fileDescription struct {
	vfsfd vfs.FileDescription
	vfs.FileDescriptionDefaultImpl
	n *node
}

func (fd *fileDescription) vfsFD() *vfs.FileDescription { return &fd.vfsfd }
func (fd *fileDescription) node() *node                  { return fd.n }
func (fd *fileDescription) setNode(n *node)              { fd.n = n }

// Release implements vfs.FilesystemImpl.Release.
func (fs *filesystem) Release() {}

// GetEntry implements vfs.FilesystemImpl.GetEntry.
func (fs *filesystem) GetEntry(ctx context.Context, dir vfs.Inode, name string, loc *vfs.Location) {
	if dir == nil {
		*loc = vfs.Location{Inode: fs.root, DirInode: fs.root, Type: vfs.TypeDir}
		return
	}
	*loc = vfs.Location{DirInode: fs.root}
	if dir.(*node) != fs.root {
		return
	}
	if n, ok := fs.devices[name]; ok {
		loc.Inode = n
		loc.DirEntry = name
		loc.Type = n.entryType()
	}
}

// Open implements vfs.FilesystemImpl.Open.
func (fs *filesystem) Open(ctx context.Context, p *vfs.Path, flags uint32, mode linux.FileMode) (*vfs.FileDescription, error) {
	if !p.Exists() {
		// Files cannot be created in devfs.
		return nil, linuxerr.ENOTSUP
	}
	return fs.newFD(p.Inode.(*node), flags, p.FS), nil
}

func (fs *filesystem) newFD(n *node, flags uint32, vfsfs *vfs.Filesystem) *vfs.FileDescription {
	var impl fileDescriptionImpl
	if n == fs.root {
		impl = &rootDirFD{}
	} else {
		impl = n.open(fs)
	}
	impl.setNode(n)
	vfsfd := impl.vfsFD()
	vfsfd.Init(impl, flags, vfsfs)
	return vfsfd
}

// Close implements vfs.FilesystemImpl.Close.
func (fs *filesystem) Close(ctx context.Context, fd *vfs.FileDescription) {}

// Dup implements vfs.FilesystemImpl.Dup.
func (fs *filesystem) Dup(ctx context.Context, fd *vfs.FileDescription) (*vfs.FileDescription, error) {
	n := fd.Impl().(fileDescriptionImpl).node()
	nfd := fs.newFD(n, fd.StatusFlags(), fd.Filesystem())
	nfd.SetOffset(fd.Offset())
	return nfd, nil
}

// Getdents implements vfs.FilesystemImpl.Getdents.
func (fs *filesystem) Getdents(ctx context.Context, fd *vfs.FileDescription, cb vfs.IterDirentsCallback) error {
	if fd.Impl().(fileDescriptionImpl).node() != fs.root {
		return linuxerr.ENOTDIR
	}
	for _, name := range []string{".", ".."} {
		if err := cb.Handle(vfs.Dirent{Name: name, Type: vfs.TypeDir, Ino: fs.root.ino}); err != nil {
			return err
		}
	}
	for _, name := range fs.names {
		n := fs.devices[name]
		if err := cb.Handle(vfs.Dirent{Name: name, Type: n.entryType(), Ino: n.ino}); err != nil {
			return err
		}
	}
	return nil
}

// Fstat implements vfs.FilesystemImpl.Fstat.
func (fs *filesystem) Fstat(ctx context.Context, fd *vfs.FileDescription) (linux.Stat, error) {
	n := fd.Impl().(fileDescriptionImpl).node()
	stat := linux.Stat{
		Dev:     fs.vfsfs.DeviceID(),
		Ino:     n.ino,
		Nlink:   1,
		Mode:    uint32(n.mode),
		Blksize: 4096,
	}
	switch n.entryType() {
	case vfs.TypeDir:
		stat.Nlink = 2
	case vfs.TypeCharDev:
		stat.Rdev = makeDeviceID(memDevMajor, n.minor)
	}
	return stat, nil
}

// makeDeviceID encodes a device number as in include/linux/kdev_t.h:new_encode_dev.
func makeDeviceID(major, minor uint32) uint64 {
	return uint64((minor & 0xff) | (major&0xfff)<<8 | (minor>>8)<<20)
}

// rootDirFD implements vfs.FileDescriptionImpl for the devfs root.
type rootDirFD struct {
	fileDescription
	vfs.DirectoryFileDescriptionDefaultImpl
}

// Seek implements vfs.FileDescriptionImpl.Seek.
func (fd *rootDirFD) Seek(ctx context.Context, offset int64, whence int32) (int64, error) {
	if whence != linux.SEEK_SET {
		return 0, linuxerr.EINVAL
	}
	return vfs.GenericSeek(&fd.vfsfd, 0, offset, whence)
}
