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
	"encoding/binary"
)

// Dirent types, from include/linux/fs_types.h.
const (
	DT_UNKNOWN = 0
	DT_FIFO    = 1
	DT_CHR     = 2
	DT_DIR     = 4
	DT_BLK     = 6
	DT_REG     = 8
	DT_LNK     = 10
	DT_SOCK    = 12
	DT_WHT     = 14
)

// DirentType are the friendly strings for linux_dirent64.d_type.
var DirentType = map[uint8]string{
	DT_UNKNOWN: "DT_UNKNOWN",
	DT_FIFO:    "DT_FIFO",
	DT_CHR:     "DT_CHR",
	DT_DIR:     "DT_DIR",
	DT_BLK:     "DT_BLK",
	DT_REG:     "DT_REG",
	DT_LNK:     "DT_LNK",
	DT_SOCK:    "DT_SOCK",
	DT_WHT:     "DT_WHT",
}

// direntHeaderSize is the size of the fixed part of struct linux_dirent64:
// d_ino (8), d_off (8), d_reclen (2), d_type (1).
const direntHeaderSize = 19

// Dirent64 is struct linux_dirent64, from include/linux/dirent.h.
type Dirent64 struct {
	Ino  uint64
	Off  int64
	Type uint8
	Name string
}

// SizeBytes returns the record length of d, including the NUL terminator and
// padding to an 8-byte boundary.
func (d *Dirent64) SizeBytes() int {
	return (direntHeaderSize + len(d.Name) + 1 + 7) &^ 7
}

// MarshalBytes serializes d into dst, which must be at least d.SizeBytes()
// bytes long, and returns the remainder of dst.
func (d *Dirent64) MarshalBytes(dst []byte) []byte {
	size := d.SizeBytes()
	binary.LittleEndian.PutUint64(dst[0:], d.Ino)
	binary.LittleEndian.PutUint64(dst[8:], uint64(d.Off))
	binary.LittleEndian.PutUint16(dst[16:], uint16(size))
	dst[18] = d.Type
	n := copy(dst[direntHeaderSize:], d.Name)
	clear(dst[direntHeaderSize+n : size])
	return dst[size:]
}

// UnmarshalBytes deserializes one record from src and returns the remainder
// of src. It returns nil and false if src does not hold a complete record.
func (d *Dirent64) UnmarshalBytes(src []byte) ([]byte, bool) {
	if len(src) < direntHeaderSize {
		return nil, false
	}
	reclen := int(binary.LittleEndian.Uint16(src[16:]))
	if reclen < direntHeaderSize+1 || reclen > len(src) {
		return nil, false
	}
	d.Ino = binary.LittleEndian.Uint64(src[0:])
	d.Off = int64(binary.LittleEndian.Uint64(src[8:]))
	d.Type = src[18]
	name := src[direntHeaderSize:reclen]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	d.Name = string(name)
	return src[reclen:], true
}
