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
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
)

// newTestVFS returns a VirtualFilesystem with a ramfs mounted at "/",
// created with the given mount options.
func newTestVFS(t *testing.T, data string) (context.Context, *vfs.VirtualFilesystem) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	vfsObj := vfs.New()
	vfsObj.MustRegisterFilesystemType(Name, FilesystemType{})
	if _, err := vfsObj.MountNew(ctx, Name, "/", &vfs.MountOptions{
		GetFilesystemOptions: vfs.GetFilesystemOptions{Data: data},
	}); err != nil {
		t.Fatalf("failed to mount ramfs: %v", err)
	}
	return ctx, vfsObj
}

func openFile(ctx context.Context, t *testing.T, vfsObj *vfs.VirtualFilesystem, path string, flags uint32) *vfs.FileDescription {
	t.Helper()
	fd, err := vfsObj.Open(ctx, path, &vfs.OpenOptions{Flags: flags, Mode: 0644})
	if err != nil {
		t.Fatalf("Open(%q, %#o) failed: %v", path, flags, err)
	}
	return fd
}

func writeFile(ctx context.Context, t *testing.T, vfsObj *vfs.VirtualFilesystem, path, data string) {
	t.Helper()
	fd := openFile(ctx, t, vfsObj, path, linux.O_WRONLY|linux.O_CREAT|linux.O_TRUNC)
	defer fd.Close(ctx)
	if n, err := fd.Write(ctx, []byte(data)); err != nil || n != int64(len(data)) {
		t.Fatalf("Write(%q): got (%d, %v), wanted (%d, nil)", path, n, err, len(data))
	}
}

func readAll(ctx context.Context, t *testing.T, fd *vfs.FileDescription) string {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, 7)
	for {
		n, err := fd.Read(ctx, buf)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if n == 0 {
			return out.String()
		}
		out.Write(buf[:n])
	}
}

// listDir returns the names in the directory at path, in getdents64 order.
func listDir(ctx context.Context, t *testing.T, vfsObj *vfs.VirtualFilesystem, path string) []string {
	t.Helper()
	fd := openFile(ctx, t, vfsObj, path, linux.O_RDONLY|linux.O_DIRECTORY)
	defer fd.Close(ctx)
	var names []string
	buf := make([]byte, 64)
	for {
		n, err := fd.Getdents64(ctx, buf)
		if err != nil {
			t.Fatalf("Getdents64(%q) failed: %v", path, err)
		}
		if n == 0 {
			return names
		}
		rest := buf[:n]
		for len(rest) > 0 {
			var d linux.Dirent64
			var ok bool
			if rest, ok = d.UnmarshalBytes(rest); !ok {
				t.Fatalf("malformed dirent in %q", path)
			}
			names = append(names, d.Name)
		}
	}
}

func TestMountOptions(t *testing.T) {
	for _, test := range []struct {
		data    string
		wantErr error
	}{
		{data: ""},
		{data: "size=4096"},
		{data: "mode=0755,size=100"},
		{data: "size=lots", wantErr: linuxerr.EINVAL},
		{data: "mode=9", wantErr: linuxerr.EINVAL},
		{data: "mode=017777", wantErr: linuxerr.EINVAL},
		{data: "nr_inodes=4", wantErr: linuxerr.EINVAL},
	} {
		t.Run(test.data, func(t *testing.T) {
			vfsObj := vfs.New()
			fs, err := FilesystemType{}.GetFilesystem(context.Background(), vfsObj, vfs.GetFilesystemOptions{Data: test.data})
			if err != test.wantErr {
				t.Fatalf("GetFilesystem(%q): got error %v, wanted %v", test.data, err, test.wantErr)
			}
			if fs != nil {
				fs.DecRef()
			}
		})
	}
}

func TestRootMode(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, "mode=0750")
	stat, err := vfsObj.Stat(ctx, "/")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if got, want := linux.FileMode(stat.Mode), linux.FileMode(linux.ModeDirectory|0750); got != want {
		t.Errorf("root mode: got %v, wanted %v", got, want)
	}
	if stat.Nlink != 2 {
		t.Errorf("root nlink: got %d, wanted 2", stat.Nlink)
	}
}

func TestCreateReadBack(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, "")
	const data = "the quick brown fox"
	writeFile(ctx, t, vfsObj, "/fox", data)

	fd := openFile(ctx, t, vfsObj, "/fox", linux.O_RDONLY)
	defer fd.Close(ctx)
	if got := readAll(ctx, t, fd); got != data {
		t.Errorf("Read: got %q, wanted %q", got, data)
	}
	stat, err := fd.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if stat.Size != int64(len(data)) {
		t.Errorf("Stat size: got %d, wanted %d", stat.Size, len(data))
	}
	if got, want := linux.FileMode(stat.Mode), linux.FileMode(linux.ModeRegular|0644); got != want {
		t.Errorf("Stat mode: got %v, wanted %v", got, want)
	}
}

func TestDirectories(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, "")
	for _, dir := range []string{"/a", "/a/b", "/c"} {
		if err := vfsObj.Mkdir(ctx, dir, &vfs.MkdirOptions{Mode: 0755}); err != nil {
			t.Fatalf("Mkdir(%q) failed: %v", dir, err)
		}
	}
	writeFile(ctx, t, vfsObj, "/a/file", "x")

	if diff := cmp.Diff([]string{".", "..", "b", "file"}, listDir(ctx, t, vfsObj, "/a")); diff != "" {
		t.Errorf("/a entries mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{".", "..", "a", "c"}, listDir(ctx, t, vfsObj, "/")); diff != "" {
		t.Errorf("/ entries mismatch (-want +got):\n%s", diff)
	}

	stat, err := vfsObj.Stat(ctx, "/a")
	if err != nil {
		t.Fatalf("Stat(/a) failed: %v", err)
	}
	if stat.Nlink != 3 {
		t.Errorf("/a nlink: got %d, wanted 3", stat.Nlink)
	}

	if err := vfsObj.Rmdir(ctx, "/a"); err != linuxerr.ENOTEMPTY {
		t.Errorf("Rmdir(/a): got %v, wanted %v", err, linuxerr.ENOTEMPTY)
	}
	if err := vfsObj.Unlink(ctx, "/a/b"); err != linuxerr.EISDIR {
		t.Errorf("Unlink(/a/b): got %v, wanted %v", err, linuxerr.EISDIR)
	}
	if err := vfsObj.Rmdir(ctx, "/a/b"); err != nil {
		t.Fatalf("Rmdir(/a/b) failed: %v", err)
	}
	if err := vfsObj.Unlink(ctx, "/a/file"); err != nil {
		t.Fatalf("Unlink(/a/file) failed: %v", err)
	}
	if err := vfsObj.Rmdir(ctx, "/a"); err != nil {
		t.Fatalf("Rmdir(/a) failed: %v", err)
	}
	if diff := cmp.Diff([]string{".", "..", "c"}, listDir(ctx, t, vfsObj, "/")); diff != "" {
		t.Errorf("/ entries mismatch (-want +got):\n%s", diff)
	}
}

func TestUnlinkWhileOpen(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, "")
	writeFile(ctx, t, vfsObj, "/f", "still here")
	fd := openFile(ctx, t, vfsObj, "/f", linux.O_RDONLY)
	if err := vfsObj.Unlink(ctx, "/f"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if _, err := vfsObj.Stat(ctx, "/f"); err != linuxerr.ENOENT {
		t.Errorf("Stat after unlink: got %v, wanted %v", err, linuxerr.ENOENT)
	}
	if got := readAll(ctx, t, fd); got != "still here" {
		t.Errorf("Read after unlink: got %q, wanted %q", got, "still here")
	}
	stat, err := fd.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if stat.Nlink != 0 {
		t.Errorf("nlink after unlink: got %d, wanted 0", stat.Nlink)
	}
	rf := fd.Impl().(*regularFileFD).file()
	fd.Close(ctx)
	if rf.data != nil {
		t.Errorf("file data still allocated after last close")
	}
}

func TestTruncateAndAppend(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, "")
	writeFile(ctx, t, vfsObj, "/log", "one\n")

	fd := openFile(ctx, t, vfsObj, "/log", linux.O_WRONLY|linux.O_APPEND)
	if _, err := fd.Write(ctx, []byte("two\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	fd.Close(ctx)

	fd = openFile(ctx, t, vfsObj, "/log", linux.O_RDONLY)
	if got, want := readAll(ctx, t, fd), "one\ntwo\n"; got != want {
		t.Errorf("after append: got %q, wanted %q", got, want)
	}
	fd.Close(ctx)

	writeFile(ctx, t, vfsObj, "/log", "3")
	fd = openFile(ctx, t, vfsObj, "/log", linux.O_RDONLY)
	defer fd.Close(ctx)
	if got, want := readAll(ctx, t, fd), "3"; got != want {
		t.Errorf("after truncate: got %q, wanted %q", got, want)
	}
}

func TestSparseWrite(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, "")
	fd := openFile(ctx, t, vfsObj, "/sparse", linux.O_RDWR|linux.O_CREAT)
	defer fd.Close(ctx)
	if _, err := fd.Seek(ctx, 5, linux.SEEK_SET); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if _, err := fd.Write(ctx, []byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := fd.Seek(ctx, 0, linux.SEEK_SET); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if got, want := readAll(ctx, t, fd), "\x00\x00\x00\x00\x00x"; got != want {
		t.Errorf("got %q, wanted %q", got, want)
	}
	if off, err := fd.Seek(ctx, -2, linux.SEEK_END); err != nil || off != 4 {
		t.Errorf("Seek(-2, SEEK_END): got (%d, %v), wanted (4, nil)", off, err)
	}
}

func TestSizeLimit(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, fmt.Sprintf("size=%d", 2*blockSize))
	fd := openFile(ctx, t, vfsObj, "/big", linux.O_WRONLY|linux.O_CREAT)
	buf := make([]byte, 3*blockSize)
	n, err := fd.Write(ctx, buf)
	if err != nil || n != 2*blockSize {
		t.Fatalf("Write: got (%d, %v), wanted (%d, nil)", n, err, 2*blockSize)
	}
	if n, err := fd.Write(ctx, buf); err != linuxerr.ENOSPC {
		t.Fatalf("Write on full filesystem: got (%d, %v), wanted %v", n, err, linuxerr.ENOSPC)
	}
	fd.Close(ctx)

	// Truncation returns the space.
	writeFile(ctx, t, vfsObj, "/big", "")
	writeFile(ctx, t, vfsObj, "/other", string(buf[:blockSize]))
}

func TestDupSharesFile(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, "")
	writeFile(ctx, t, vfsObj, "/f", "abcdef")
	fd := openFile(ctx, t, vfsObj, "/f", linux.O_RDONLY)
	defer fd.Close(ctx)
	buf := make([]byte, 2)
	if _, err := fd.Read(ctx, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	dup, err := fd.Dup(ctx)
	if err != nil {
		t.Fatalf("Dup failed: %v", err)
	}
	if got, want := readAll(ctx, t, dup), "cdef"; got != want {
		t.Errorf("Read from dup: got %q, wanted %q", got, want)
	}
	dup.Close(ctx)
	if got, want := readAll(ctx, t, fd), "cdef"; got != want {
		t.Errorf("Read from original: got %q, wanted %q", got, want)
	}
}

func TestIoctlAndMMap(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, "")
	writeFile(ctx, t, vfsObj, "/m", string(bytes.Repeat([]byte("m"), 2*blockSize)))
	fd := openFile(ctx, t, vfsObj, "/m", linux.O_RDWR)
	defer fd.Close(ctx)

	if n, err := fd.Ioctl(ctx, linux.FIONREAD, 0); err != nil || n != 2*blockSize {
		t.Errorf("FIONREAD: got (%d, %v), wanted (%d, nil)", n, err, 2*blockSize)
	}
	if _, err := fd.Ioctl(ctx, linux.TCGETS, 0); err != linuxerr.ENOTTY {
		t.Errorf("TCGETS: got %v, wanted %v", err, linuxerr.ENOTTY)
	}

	opts := vfs.MMapOpts{Offset: blockSize, Length: blockSize}
	if err := fd.MMap(ctx, &opts); err != nil {
		t.Fatalf("MMap failed: %v", err)
	}
	opts.Mapping[0] = 'M'
	if _, err := fd.Seek(ctx, blockSize, linux.SEEK_SET); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := fd.Read(ctx, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got, want := string(buf), "Mm"; got != want {
		t.Errorf("Read through mapping: got %q, wanted %q", got, want)
	}
	if err := fd.MUnmap(ctx, &opts); err != nil {
		t.Errorf("MUnmap failed: %v", err)
	}

	for _, bad := range []vfs.MMapOpts{
		{Offset: 1, Length: 1},
		{Offset: 0, Length: 0},
	} {
		if err := fd.MMap(ctx, &bad); err != linuxerr.EINVAL {
			t.Errorf("MMap(%+v): got %v, wanted %v", bad, err, linuxerr.EINVAL)
		}
	}
	past := vfs.MMapOpts{Offset: 2 * blockSize, Length: blockSize}
	if err := fd.MMap(ctx, &past); err != linuxerr.ENXIO {
		t.Errorf("MMap past EOF: got %v, wanted %v", err, linuxerr.ENXIO)
	}
}

func TestDirectoryHandle(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, "")
	fd := openFile(ctx, t, vfsObj, "/", linux.O_RDONLY)
	defer fd.Close(ctx)
	if _, err := fd.Read(ctx, make([]byte, 1)); err != linuxerr.EISDIR {
		t.Errorf("Read on directory: got %v, wanted %v", err, linuxerr.EISDIR)
	}
	if _, err := fd.Seek(ctx, 0, linux.SEEK_END); err != linuxerr.EINVAL {
		t.Errorf("SEEK_END on directory: got %v, wanted %v", err, linuxerr.EINVAL)
	}

	// Rewinding restarts iteration.
	buf := make([]byte, 256)
	first, err := fd.Getdents64(ctx, buf)
	if err != nil || first == 0 {
		t.Fatalf("Getdents64: got (%d, %v)", first, err)
	}
	if n, err := fd.Getdents64(ctx, buf); err != nil || n != 0 {
		t.Errorf("Getdents64 at end: got (%d, %v), wanted (0, nil)", n, err)
	}
	if _, err := fd.Seek(ctx, 0, linux.SEEK_SET); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if n, err := fd.Getdents64(ctx, buf); err != nil || n != first {
		t.Errorf("Getdents64 after rewind: got (%d, %v), wanted (%d, nil)", n, err, first)
	}
}

func TestReadOnlyMount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	vfsObj := vfs.New()
	vfsObj.MustRegisterFilesystemType(Name, FilesystemType{})
	if _, err := vfsObj.MountNew(ctx, Name, "/", &vfs.MountOptions{
		GetFilesystemOptions: vfs.GetFilesystemOptions{ReadOnly: true},
	}); err != nil {
		t.Fatalf("MountNew failed: %v", err)
	}
	if _, err := vfsObj.Open(ctx, "/new", &vfs.OpenOptions{Flags: linux.O_CREAT | linux.O_WRONLY}); err != linuxerr.EROFS {
		t.Errorf("Open(O_CREAT): got %v, wanted %v", err, linuxerr.EROFS)
	}
	if err := vfsObj.Mkdir(ctx, "/d", &vfs.MkdirOptions{}); err != linuxerr.EROFS {
		t.Errorf("Mkdir: got %v, wanted %v", err, linuxerr.EROFS)
	}
}

func TestUmountBusy(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, "")
	if _, err := vfsObj.MountNew(ctx, Name, "/tmp", &vfs.MountOptions{}); err != nil {
		t.Fatalf("MountNew failed: %v", err)
	}
	writeFile(ctx, t, vfsObj, "/tmp/x", "x")
	fd := openFile(ctx, t, vfsObj, "/tmp/x", linux.O_RDONLY)
	if err := vfsObj.Umount("/tmp"); err != linuxerr.EBUSY {
		t.Errorf("Umount with open file: got %v, wanted %v", err, linuxerr.EBUSY)
	}
	fd.Close(ctx)
	if err := vfsObj.Umount("/tmp"); err != nil {
		t.Errorf("Umount failed: %v", err)
	}
	if _, err := vfsObj.Stat(ctx, "/tmp/x"); err != linuxerr.ENOENT {
		t.Errorf("Stat after umount: got %v, wanted %v", err, linuxerr.ENOENT)
	}
}

// Getdents64 on a file, O_TRUNC opens of the same file and directory
// creation all take both the filesystem lock and the file's inode lock. They
// must agree on the order even while a writer is queued on the filesystem
// lock.
func TestConcurrentLockOrder(t *testing.T) {
	ctx, vfsObj := newTestVFS(t, "")
	writeFile(ctx, t, vfsObj, "/f", "data")
	fileFD := openFile(ctx, t, vfsObj, "/f", linux.O_RDONLY)
	defer fileFD.Close(ctx)

	const iterations = 2000
	var g errgroup.Group
	g.Go(func() error {
		buf := make([]byte, 256)
		for i := 0; i < iterations; i++ {
			if _, err := fileFD.Getdents64(ctx, buf); !linuxerr.Equals(linuxerr.ENOTDIR, err) {
				return fmt.Errorf("Getdents64 on a file: got %v, wanted %v", err, linuxerr.ENOTDIR)
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < iterations; i++ {
			fd, err := vfsObj.Open(ctx, "/f", &vfs.OpenOptions{Flags: linux.O_WRONLY | linux.O_TRUNC})
			if err != nil {
				return fmt.Errorf("Open(O_TRUNC): %v", err)
			}
			fd.Close(ctx)
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < iterations; i++ {
			name := fmt.Sprintf("/d%d", i%4)
			if err := vfsObj.Mkdir(ctx, name, &vfs.MkdirOptions{Mode: 0755}); err != nil {
				return fmt.Errorf("Mkdir(%q): %v", name, err)
			}
			if err := vfsObj.Rmdir(ctx, name); err != nil {
				return fmt.Errorf("Rmdir(%q): %v", name, err)
			}
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(30 * time.Second):
		t.Fatalf("Getdents64, Open(O_TRUNC) and Mkdir did not finish: lock order inversion")
	}
}
