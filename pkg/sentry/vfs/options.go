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

import "kvfs.dev/kvfs/pkg/abi/linux"

// GetFilesystemOptions contains options to FilesystemType.GetFilesystem.
type GetFilesystemOptions struct {
	// ReadOnly is true if the Filesystem must not allow modification.
	ReadOnly bool

	// Data is the string passed as the 5th argument to mount(2), which is
	// usually a comma-separated list of filesystem-specific mount options.
	Data string
}

// MountOptions contains options to VirtualFilesystem.MountNew.
type MountOptions struct {
	// GetFilesystemOptions contains options to FilesystemType.GetFilesystem.
	GetFilesystemOptions GetFilesystemOptions
}

// ResolveOptions contains options to VirtualFilesystem.Resolve.
type ResolveOptions struct {
	// If Exclusive is true, the Filesystem is locked for writing. Otherwise
	// it is locked for reading.
	Exclusive bool

	// If FollowFinalSymlink is true, and the final path component is a
	// symbolic link, the symbolic link should be followed. Symbolic links
	// are never followed, so this is accepted for future use only.
	FollowFinalSymlink bool
}

// OpenOptions contains options to VirtualFilesystem.Open.
type OpenOptions struct {
	// Flags contains access mode and flags as specified for open(2).
	Flags uint32

	// Mode is the file mode to use if a file is created.
	Mode linux.FileMode
}

// MkdirOptions contains options to VirtualFilesystem.Mkdir.
type MkdirOptions struct {
	// Mode is the file mode bits for the created directory.
	Mode linux.FileMode
}
