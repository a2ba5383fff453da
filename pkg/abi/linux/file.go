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

// Package linux contains the constants and types needed to interface with a
// Linux kernel.
package linux

import (
	"fmt"
	"strings"
)

// Constants for open(2).
const (
	O_ACCMODE   = 000000003
	O_RDONLY    = 000000000
	O_WRONLY    = 000000001
	O_RDWR      = 000000002
	O_CREAT     = 000000100
	O_EXCL      = 000000200
	O_NOCTTY    = 000000400
	O_TRUNC     = 000001000
	O_APPEND    = 000002000
	O_NONBLOCK  = 000004000
	O_DIRECTORY = 000200000
	O_NOFOLLOW  = 000400000
	O_CLOEXEC   = 002000000
)

// Constants for lseek(2).
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

// Filesystem limits.
const (
	NAME_MAX = 255
	PATH_MAX = 4096
)

// Values for mode_t.
const (
	FileTypeMask        = 0170000
	ModeSocket          = 0140000
	ModeSymlink         = 0120000
	ModeRegular         = 0100000
	ModeBlockDevice     = 060000
	ModeDirectory       = 040000
	ModeCharacterDevice = 020000
	ModeNamedPipe       = 010000

	PermissionsMask = 0777
)

// Stat represents struct stat.
type Stat struct {
	Dev     uint64
	Ino     uint64
	Nlink   uint64
	Mode    uint32
	UID     uint32
	GID     uint32
	_       int32
	Rdev    uint64
	Size    int64
	Blksize int64
	Blocks  int64
	ATime   Timespec
	MTime   Timespec
	CTime   Timespec
	_       [3]int64
}

// Timespec represents struct timespec.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// FileMode represents a mode_t.
type FileMode uint

// Permissions returns just the permission bits.
func (m FileMode) Permissions() FileMode {
	return m & PermissionsMask
}

// FileType returns just the file type bits.
func (m FileMode) FileType() FileMode {
	return m & FileTypeMask
}

// IsDir returns true if file type represents a directory.
func (m FileMode) IsDir() bool {
	return m.FileType() == ModeDirectory
}

var fileTypeNames = map[FileMode]string{
	ModeSocket:          "S_IFSOCK",
	ModeSymlink:         "S_IFLNK",
	ModeRegular:         "S_IFREG",
	ModeBlockDevice:     "S_IFBLK",
	ModeDirectory:       "S_IFDIR",
	ModeCharacterDevice: "S_IFCHR",
	ModeNamedPipe:       "S_IFIFO",
}

// String returns a string representation of m.
func (m FileMode) String() string {
	var s []string
	if ft := m.FileType(); ft != 0 {
		if name, ok := fileTypeNames[ft]; ok {
			s = append(s, name)
		} else {
			s = append(s, fmt.Sprintf("%#o", uint(ft)))
		}
	}
	s = append(s, fmt.Sprintf("0o%o", m.Permissions()))
	return strings.Join(s, "|")
}
