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

package fspath

// Builder produces a pathname from components supplied leaf first, as when
// walking up a tree of named nodes. Bytes are accumulated at the end of buf
// and grow towards its start.
//
// The zero value is an empty Builder ready to use.
type Builder struct {
	buf     []byte
	start   int
	needSep bool
}

// Reset empties b, keeping its buffer for reuse.
func (b *Builder) Reset() {
	b.start = len(b.buf)
	b.needSep = false
}

// Len returns the number of accumulated bytes.
func (b *Builder) Len() int {
	return len(b.buf) - b.start
}

// reserve makes room for n more bytes in front of the accumulated ones.
func (b *Builder) reserve(n int) {
	if b.start >= n {
		return
	}
	size := max(2*len(b.buf), 64)
	for size < b.Len()+n {
		size *= 2
	}
	buf := make([]byte, size)
	start := size - b.Len()
	copy(buf[start:], b.buf[b.start:])
	b.buf, b.start = buf, start
}

// PrependComponent prepends the path component pc, inserting a separator
// if a component was prepended before.
func (b *Builder) PrependComponent(pc string) {
	if b.needSep {
		b.PrependByte('/')
	}
	b.reserve(len(pc))
	b.start -= len(pc)
	copy(b.buf[b.start:], pc)
	b.needSep = true
}

// PrependByte prepends c.
func (b *Builder) PrependByte(c byte) {
	b.reserve(1)
	b.start--
	b.buf[b.start] = c
}

// String returns the accumulated string.
func (b *Builder) String() string {
	return string(b.buf[b.start:])
}

// CopyTo copies the accumulated bytes into dst and returns the number of
// bytes copied. It copies nothing and returns false if dst is too small.
func (b *Builder) CopyTo(dst []byte) (int, bool) {
	if b.Len() > len(dst) {
		return 0, false
	}
	return copy(dst, b.buf[b.start:]), true
}
