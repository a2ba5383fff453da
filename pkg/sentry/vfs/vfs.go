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

// Package vfs implements a virtual filesystem layer.
//
// Lock order:
//
//	MountTable.mu
//	  Filesystem structural lock (FilesystemImpl.ExLock/ShLock)
//	    FileDescription per-file lock (FileDescriptionImpl.ExLock/ShLock)
//
// A Filesystem is reached by path through the MountTable, which matches the
// longest mounted path prefix. Resolve then walks the rest of the path one
// component at a time through FilesystemImpl.GetEntry.
package vfs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/log"
	"kvfs.dev/kvfs/pkg/sync"
)

// A VirtualFilesystem (VFS for short) combines Filesystems into a single
// namespace addressed by absolute paths.
//
// There is no analogue to the VirtualFilesystem type in Linux, as the
// equivalent state in Linux is global.
type VirtualFilesystem struct {
	// mounts is the mount table.
	mounts MountTable

	// lastDeviceID is the last device ID handed out by NewDeviceID.
	lastDeviceID atomic.Uint64

	// fsTypes contains all registered FilesystemTypes. fsTypes is protected
	// by fsTypesMu.
	fsTypesMu sync.RWMutex
	fsTypes   map[string]FilesystemType

	// warnLog reports unsupported operations without flooding the log.
	warnLog log.Logger
}

// Init initializes a new VirtualFilesystem with no mounts.
func (vfs *VirtualFilesystem) Init() {
	vfs.mounts.Init()
	vfs.fsTypes = make(map[string]FilesystemType)
	vfs.warnLog = log.BasicRateLimitedLogger(time.Minute)
}

// New returns an initialized VirtualFilesystem.
func New() *VirtualFilesystem {
	vfs := &VirtualFilesystem{}
	vfs.Init()
	return vfs
}

// NewDeviceID returns a device ID that has not been returned before.
func (vfs *VirtualFilesystem) NewDeviceID() uint64 {
	return vfs.lastDeviceID.Add(1)
}

// Mounts returns the mount table of vfs.
func (vfs *VirtualFilesystem) Mounts() *MountTable {
	return &vfs.mounts
}

// A FilesystemType constructs filesystems.
//
// FilesystemType is analogous to Linux's struct file_system_type.
type FilesystemType interface {
	// GetFilesystem returns a Filesystem configured by the given options,
	// with a reference owned by the caller.
	GetFilesystem(ctx context.Context, vfsObj *VirtualFilesystem, opts GetFilesystemOptions) (*Filesystem, error)

	// Name returns the name of this FilesystemType.
	Name() string
}

// RegisterFilesystemType registers the given FilesystemType in vfs with the
// given name.
func (vfs *VirtualFilesystem) RegisterFilesystemType(name string, fsType FilesystemType) error {
	vfs.fsTypesMu.Lock()
	defer vfs.fsTypesMu.Unlock()
	if existing, ok := vfs.fsTypes[name]; ok {
		return fmt.Errorf("name %q is already registered to filesystem type %T", name, existing)
	}
	vfs.fsTypes[name] = fsType
	return nil
}

// MustRegisterFilesystemType is equivalent to RegisterFilesystemType but
// panics on failure.
func (vfs *VirtualFilesystem) MustRegisterFilesystemType(name string, fsType FilesystemType) {
	if err := vfs.RegisterFilesystemType(name, fsType); err != nil {
		panic(fmt.Sprintf("failed to register filesystem type %T: %v", fsType, err))
	}
}

func (vfs *VirtualFilesystem) getFilesystemType(name string) FilesystemType {
	vfs.fsTypesMu.RLock()
	defer vfs.fsTypesMu.RUnlock()
	return vfs.fsTypes[name]
}

// FilesystemTypes returns the names of all registered FilesystemTypes.
func (vfs *VirtualFilesystem) FilesystemTypes() []string {
	vfs.fsTypesMu.RLock()
	defer vfs.fsTypesMu.RUnlock()
	names := make([]string, 0, len(vfs.fsTypes))
	for name := range vfs.fsTypes {
		names = append(names, name)
	}
	return names
}

// MountNew creates a Filesystem of the named type and mounts it at path. It
// fails with ENODEV if no such type is registered.
func (vfs *VirtualFilesystem) MountNew(ctx context.Context, fsTypeName, path string, opts *MountOptions) (*Filesystem, error) {
	fsType := vfs.getFilesystemType(fsTypeName)
	if fsType == nil {
		return nil, linuxerr.ENODEV
	}
	fs, err := fsType.GetFilesystem(ctx, vfs, opts.GetFilesystemOptions)
	if err != nil {
		return nil, err
	}
	if err := vfs.MountAt(fs, path); err != nil {
		fs.DecRef()
		return nil, err
	}
	return fs, nil
}

// MountAt mounts fs at path. On success the mount table takes ownership of
// the caller's reference on fs.
func (vfs *VirtualFilesystem) MountAt(fs *Filesystem, path string) error {
	if err := vfs.mounts.Add(fs, path); err != nil {
		return err
	}
	log.Infof("Mounted %s filesystem (dev %d) at %q", fs.TypeName(), fs.DeviceID(), path)
	return nil
}

// Umount unmounts the Filesystem mounted at path. It fails with EINVAL if
// nothing is mounted at path and with EBUSY if the Filesystem is still in
// use by open files.
func (vfs *VirtualFilesystem) Umount(path string) error {
	fs, err := vfs.mounts.RemoveIdle(path)
	if err != nil {
		return err
	}
	log.Infof("Unmounted %s filesystem (dev %d) from %q", fs.TypeName(), fs.DeviceID(), path)
	fs.DecRef()
	return nil
}
