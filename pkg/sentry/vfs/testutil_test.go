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
	"bytes"
	"context"
	"sort"
	"strings"
	"testing"

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sync"
)

// testNode is a file or directory of a testFS.
type testNode struct {
	ino      uint64
	typ      EntryType
	parent   *testNode
	children map[string]*testNode
	data     []byte
}

// testFS is a FilesystemImpl over a tree of testNodes that records the calls
// made on it.
type testFS struct {
	vfsfs Filesystem
	FilesystemDefaultImpl

	lock sync.RWMutex

	// mu protects the fields below.
	mu       sync.Mutex
	root     *testNode
	nextIno  uint64
	lookups  []string
	events   []string
	released bool
	closes   int
}

// newTestFS returns a testFS containing the given paths, relative to its
// root. Paths ending with '/' are directories. The caller owns the single
// reference on the returned Filesystem.
func newTestFS(vfsObj *VirtualFilesystem, flags FSFlags, paths ...string) *testFS {
	fs := &testFS{}
	fs.root = fs.newNode(nil, TypeDir)
	for _, p := range paths {
		dir := fs.root
		comps := strings.Split(strings.Trim(p, "/"), "/")
		for i, name := range comps {
			typ := TypeFile
			if i < len(comps)-1 || strings.HasSuffix(p, "/") {
				typ = TypeDir
			}
			n, ok := dir.children[name]
			if !ok {
				n = fs.newNode(dir, typ)
				dir.children[name] = n
			}
			dir = n
		}
	}
	fs.vfsfs.Init(vfsObj, "testfs", flags, fs)
	return fs
}

func (fs *testFS) newNode(parent *testNode, typ EntryType) *testNode {
	fs.nextIno++
	n := &testNode{
		ino:    fs.nextIno,
		typ:    typ,
		parent: parent,
	}
	if typ == TypeDir {
		n.children = make(map[string]*testNode)
	}
	return n
}

// mount mounts fs at path in vfsObj, giving the mount table its own
// reference.
func (fs *testFS) mount(t *testing.T, vfsObj *VirtualFilesystem, path string) {
	t.Helper()
	fs.vfsfs.IncRef()
	if err := vfsObj.MountAt(&fs.vfsfs, path); err != nil {
		t.Fatalf("MountAt(%q): %v", path, err)
	}
}

func (fs *testFS) record(event string) {
	fs.mu.Lock()
	fs.events = append(fs.events, event)
	fs.mu.Unlock()
}

// Lookups returns the names passed to GetEntry so far.
func (fs *testFS) Lookups() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.lookups...)
}

// Events returns the lock events so far.
func (fs *testFS) Events() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.events...)
}

// Release implements FilesystemImpl.Release.
func (fs *testFS) Release() {
	fs.mu.Lock()
	fs.released = true
	fs.mu.Unlock()
}

// ExLock implements FilesystemImpl.ExLock.
func (fs *testFS) ExLock() {
	fs.lock.Lock()
	fs.record("ExLock")
}

// ExUnlock implements FilesystemImpl.ExUnlock.
func (fs *testFS) ExUnlock() {
	fs.record("ExUnlock")
	fs.lock.Unlock()
}

// ShLock implements FilesystemImpl.ShLock.
func (fs *testFS) ShLock() {
	fs.lock.RLock()
	fs.record("ShLock")
}

// ShUnlock implements FilesystemImpl.ShUnlock.
func (fs *testFS) ShUnlock() {
	fs.record("ShUnlock")
	fs.lock.RUnlock()
}

// GetEntry implements FilesystemImpl.GetEntry.
func (fs *testFS) GetEntry(ctx context.Context, dir Inode, name string, loc *Location) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if dir == nil {
		*loc = Location{Inode: fs.root, DirInode: fs.root, DirEntry: fs.root, Type: TypeDir}
		return
	}
	fs.lookups = append(fs.lookups, name)
	d := dir.(*testNode)
	*loc = Location{DirInode: d}
	if n, ok := d.children[name]; ok {
		loc.Inode = n
		loc.DirEntry = n
		loc.Type = n.typ
	}
}

// Open implements FilesystemImpl.Open.
func (fs *testFS) Open(ctx context.Context, p *Path, flags uint32, mode linux.FileMode) (*FileDescription, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, _ := p.Inode.(*testNode)
	if n == nil {
		dir := p.DirInode.(*testNode)
		n = fs.newNode(dir, TypeFile)
		dir.children[p.LastComp] = n
	}
	if flags&linux.O_TRUNC != 0 {
		n.data = nil
	}
	fd := &testFD{node: n}
	fd.vfsfd.Init(fd, flags, p.FS)
	return &fd.vfsfd, nil
}

// Close implements FilesystemImpl.Close.
func (fs *testFS) Close(ctx context.Context, fd *FileDescription) {
	fs.mu.Lock()
	fs.closes++
	fs.mu.Unlock()
}

// Dup implements FilesystemImpl.Dup.
func (fs *testFS) Dup(ctx context.Context, fd *FileDescription) (*FileDescription, error) {
	old := fd.Impl().(*testFD)
	nfd := &testFD{node: old.node}
	nfd.vfsfd.Init(nfd, fd.StatusFlags(), fd.Filesystem())
	nfd.vfsfd.SetOffset(fd.Offset())
	return &nfd.vfsfd, nil
}

// Getdents implements FilesystemImpl.Getdents.
func (fs *testFS) Getdents(ctx context.Context, fd *FileDescription, cb IterDirentsCallback) error {
	n := fd.Impl().(*testFD).node
	if n.typ != TypeDir {
		return linuxerr.ENOTDIR
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := n.children[name]
		if err := cb.Handle(Dirent{Name: name, Type: c.typ, Ino: c.ino}); err != nil {
			return err
		}
	}
	return nil
}

// Mkdir implements FilesystemImpl.Mkdir.
func (fs *testFS) Mkdir(ctx context.Context, p *Path, mode linux.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir := p.DirInode.(*testNode)
	dir.children[p.LastComp] = fs.newNode(dir, TypeDir)
	return nil
}

// Fstat implements FilesystemImpl.Fstat.
func (fs *testFS) Fstat(ctx context.Context, fd *FileDescription) (linux.Stat, error) {
	n := fd.Impl().(*testFD).node
	return linux.Stat{
		Dev:  fs.vfsfs.DeviceID(),
		Ino:  n.ino,
		Mode: uint32(n.typ.FileType() | 0644),
		Size: int64(len(n.data)),
	}, nil
}

// testFD is the FileDescriptionImpl of testFS files.
type testFD struct {
	vfsfd FileDescription
	FileDescriptionDefaultImpl

	node *testNode
}

// Read implements FileDescriptionImpl.Read.
func (fd *testFD) Read(ctx context.Context, dst []byte) (int64, error) {
	off := fd.vfsfd.Offset()
	if off >= int64(len(fd.node.data)) {
		return 0, nil
	}
	n := copy(dst, fd.node.data[off:])
	fd.vfsfd.SetOffset(off + int64(n))
	return int64(n), nil
}

// Write implements FileDescriptionImpl.Write.
func (fd *testFD) Write(ctx context.Context, src []byte) (int64, error) {
	off := fd.vfsfd.Offset()
	var buf bytes.Buffer
	buf.Write(fd.node.data[:min(off, int64(len(fd.node.data)))])
	buf.Write(src)
	fd.node.data = buf.Bytes()
	fd.vfsfd.SetOffset(off + int64(len(src)))
	return int64(len(src)), nil
}

// Seek implements FileDescriptionImpl.Seek.
func (fd *testFD) Seek(ctx context.Context, offset int64, whence int32) (int64, error) {
	return GenericSeek(&fd.vfsfd, int64(len(fd.node.data)), offset, whence)
}

// testContext returns a Context for use in tests, cancelled when the test
// ends.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
