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
	"fmt"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/log"
	"kvfs.dev/kvfs/pkg/refs"
)

// EntryType is the type of a filesystem entry, as reported by
// FilesystemImpl.GetEntry and directory iteration.
type EntryType uint8

// Entry types.
const (
	TypeNone EntryType = iota
	TypeFile
	TypeDir
	TypeSymlink
	TypeCharDev
	TypeBlockDev
	TypePipe
)

// String implements fmt.Stringer.String.
func (t EntryType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeSymlink:
		return "symlink"
	case TypeCharDev:
		return "chardev"
	case TypeBlockDev:
		return "blockdev"
	case TypePipe:
		return "pipe"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// DirentType returns the linux_dirent64.d_type value for t.
func (t EntryType) DirentType() uint8 {
	switch t {
	case TypeFile:
		return linux.DT_REG
	case TypeDir:
		return linux.DT_DIR
	case TypeSymlink:
		return linux.DT_LNK
	case TypeCharDev:
		return linux.DT_CHR
	case TypeBlockDev:
		return linux.DT_BLK
	case TypePipe:
		return linux.DT_FIFO
	default:
		return linux.DT_UNKNOWN
	}
}

// FileType returns the S_IFMT bits for t.
func (t EntryType) FileType() linux.FileMode {
	switch t {
	case TypeFile:
		return linux.ModeRegular
	case TypeDir:
		return linux.ModeDirectory
	case TypeSymlink:
		return linux.ModeSymlink
	case TypeCharDev:
		return linux.ModeCharacterDevice
	case TypeBlockDev:
		return linux.ModeBlockDevice
	case TypePipe:
		return linux.ModeNamedPipe
	default:
		return 0
	}
}

// Inode is an opaque reference to a filesystem-specific inode. Only the
// FilesystemImpl that produced it may interpret it.
type Inode any

// DirEntry is an opaque reference to a filesystem-specific directory entry.
type DirEntry any

// Location is the result of looking up one path component.
type Location struct {
	// Inode is the inode the component refers to, or nil if the component
	// does not exist.
	Inode Inode

	// DirInode is the directory containing the component.
	DirInode Inode

	// DirEntry is the entry for the component in DirInode, or nil if the
	// component does not exist.
	DirEntry DirEntry

	// Type is the type of Inode. It is TypeNone if Inode is nil.
	Type EntryType
}

// FSFlags are filesystem-wide flags.
type FSFlags uint32

// Filesystem flags.
const (
	FSReadOnly  FSFlags = 0
	FSReadWrite FSFlags = 1 << 0
)

// A Filesystem is a tree of nodes represented by a FilesystemImpl, together
// with the state every filesystem shares: its type name, device ID, flags and
// reference count.
//
// Filesystem is analogous to Linux's struct super_block.
type Filesystem struct {
	refs.Refs[Filesystem]

	// vfs is the VirtualFilesystem that owns this Filesystem. vfs is
	// immutable.
	vfs *VirtualFilesystem

	// typeName is the name of the filesystem type. typeName is immutable.
	typeName string

	// devID is the device ID of this Filesystem. devID is immutable.
	devID uint64

	// flags is immutable.
	flags FSFlags

	// impl is the FilesystemImpl associated with this Filesystem. impl is
	// immutable. This should be the last field in Dentry.
	impl FilesystemImpl
}

// Init must be called before first use of fs. It takes a device ID from vfsObj
// and leaves fs with a single reference, owned by the caller.
func (fs *Filesystem) Init(vfsObj *VirtualFilesystem, typeName string, flags FSFlags, impl FilesystemImpl) {
	fs.InitRefs()
	fs.vfs = vfsObj
	fs.typeName = typeName
	fs.devID = vfsObj.NewDeviceID()
	fs.flags = flags
	fs.impl = impl
}

// VirtualFilesystem returns the containing VirtualFilesystem.
func (fs *Filesystem) VirtualFilesystem() *VirtualFilesystem {
	return fs.vfs
}

// Impl returns the FilesystemImpl associated with fs.
func (fs *Filesystem) Impl() FilesystemImpl {
	return fs.impl
}

// TypeName returns the name of the filesystem type.
func (fs *Filesystem) TypeName() string {
	return fs.typeName
}

// DeviceID returns the device ID of fs.
func (fs *Filesystem) DeviceID() uint64 {
	return fs.devID
}

// Flags returns the filesystem flags.
func (fs *Filesystem) Flags() FSFlags {
	return fs.flags
}

// ReadOnly returns true if fs does not allow modification.
func (fs *Filesystem) ReadOnly() bool {
	return fs.flags&FSReadWrite == 0
}

// DecRef decrements fs' reference count. When the count reaches zero the
// FilesystemImpl is released.
func (fs *Filesystem) DecRef() {
	fs.Refs.DecRef(func() {
		if log.IsLogging(log.Debug) {
			log.Debugf("Releasing %s filesystem (dev %d)", fs.typeName, fs.devID)
		}
		fs.impl.Release()
	})
}

// ExLock takes the structural lock of fs for writing.
func (fs *Filesystem) ExLock() {
	fs.impl.ExLock()
}

// ExUnlock releases the structural lock taken by ExLock.
func (fs *Filesystem) ExUnlock() {
	fs.impl.ExUnlock()
}

// ShLock takes the structural lock of fs for reading.
func (fs *Filesystem) ShLock() {
	fs.impl.ShLock()
}

// ShUnlock releases the structural lock taken by ShLock.
func (fs *Filesystem) ShUnlock() {
	fs.impl.ShUnlock()
}

// FilesystemImpl contains implementation details for a Filesystem.
// Implementations of FilesystemImpl should contain their associated
// Filesystem by value as their first field.
//
// All methods that take a *Path are called with the structural lock held:
// exclusively for Unlink, Mkdir, Rmdir and Open with O_CREAT, shared
// otherwise. The *Path has been resolved by VirtualFilesystem.Resolve;
// p.LastComp is the name of the final component and p.Inode is nil if that
// component does not exist.
//
// FilesystemDefaultImpl provides the optional methods. The lock methods are
// mandatory; FilesystemRWLock provides them.
type FilesystemImpl interface {
	// Release is called when the last reference on the Filesystem is
	// dropped.
	Release()

	// GetEntry looks up name in the directory dir and stores the result in
	// loc. If dir is nil, GetEntry stores the root of the filesystem in loc
	// and name is ignored. If name does not exist, loc.Inode and
	// loc.DirEntry are set to nil and loc.Type to TypeNone, but
	// loc.DirInode is still set to dir.
	//
	// GetEntry is called with the structural lock held and may block.
	GetEntry(ctx context.Context, dir Inode, name string, loc *Location)

	// Open returns a new FileDescription for the file at p. If p does not
	// exist and flags contains O_CREAT, Open creates a regular file named
	// p.LastComp in p.DirInode with the given mode.
	Open(ctx context.Context, p *Path, flags uint32, mode linux.FileMode) (*FileDescription, error)

	// Close releases the resources held by fd. It is called exactly once
	// per FileDescription returned by Open or Dup.
	Close(ctx context.Context, fd *FileDescription)

	// Dup returns a new FileDescription that shares fd's backing file.
	Dup(ctx context.Context, fd *FileDescription) (*FileDescription, error)

	// Getdents invokes cb on the entries of the directory open at fd, in a
	// stable order, until cb returns an error. The structural lock is held
	// for reading.
	Getdents(ctx context.Context, fd *FileDescription, cb IterDirentsCallback) error

	// Unlink removes the non-directory file at p.
	Unlink(ctx context.Context, p *Path) error

	// Mkdir creates a directory named p.LastComp in p.DirInode.
	Mkdir(ctx context.Context, p *Path, mode linux.FileMode) error

	// Rmdir removes the empty directory at p.
	Rmdir(ctx context.Context, p *Path) error

	// Fstat returns metadata for the file open at fd.
	Fstat(ctx context.Context, fd *FileDescription) (linux.Stat, error)

	// Structural lock. A Filesystem has a single lock that serializes all
	// changes to its tree.
	ExLock()
	ExUnlock()
	ShLock()
	ShUnlock()
}

// Dirent holds the information contained in struct linux_dirent64.
type Dirent struct {
	// Name is the filename.
	Name string

	// Type is the file type.
	Type EntryType

	// Ino is the inode number.
	Ino uint64
}

// IterDirentsCallback receives Dirents from FilesystemImpl.Getdents.
type IterDirentsCallback interface {
	// Handle handles the given iterated Dirent. If Handle returns a non-nil
	// error, iteration stops and the error is returned by Getdents.
	Handle(dirent Dirent) error
}

// IterDirentsCallbackFunc implements IterDirentsCallback for a function with
// the semantics of IterDirentsCallback.Handle.
type IterDirentsCallbackFunc func(dirent Dirent) error

// Handle implements IterDirentsCallback.Handle.
func (f IterDirentsCallbackFunc) Handle(dirent Dirent) error {
	return f(dirent)
}
