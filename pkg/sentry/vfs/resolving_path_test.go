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
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
)

// newResolveTest returns a VirtualFilesystem with a testFS mounted at "/"
// containing the given paths.
func newResolveTest(t *testing.T, paths ...string) (*VirtualFilesystem, *testFS) {
	t.Helper()
	vfsObj := New()
	fs := newTestFS(vfsObj, FSReadWrite, paths...)
	fs.mount(t, vfsObj, "/")
	fs.vfsfs.DecRef()
	return vfsObj, fs
}

// checkIdle fails the test if fs has references beyond the mount table's or
// if its structural lock is held.
func checkIdle(t *testing.T, fs *testFS) {
	t.Helper()
	if got := fs.vfsfs.ReadRefs(); got != 1 {
		t.Errorf("refs: got %d, wanted 1", got)
	}
	if !fs.lock.TryLock() {
		t.Errorf("structural lock is still held")
		return
	}
	fs.lock.Unlock()
}

func TestResolveRoot(t *testing.T) {
	ctx := testContext(t)
	vfsObj, fs := newResolveTest(t, "a/b")

	var p Path
	if err := vfsObj.Resolve(ctx, "/", &p, &ResolveOptions{}); err != nil {
		t.Fatalf("Resolve(/): %v", err)
	}
	if p.Inode != fs.root || p.Type != TypeDir || p.LastComp != "" {
		t.Errorf("Resolve(/): got (%v, %v, %q), wanted the root directory", p.Inode, p.Type, p.LastComp)
	}
	if got := fs.Lookups(); len(got) != 0 {
		t.Errorf("Resolve(/) looked up %v, wanted no lookups", got)
	}
	p.Release()
	checkIdle(t, fs)
}

func TestResolveErrors(t *testing.T) {
	ctx := testContext(t)
	vfsObj, fs := newResolveTest(t, "dir/", "dir/sub/", "file")

	for _, test := range []struct {
		path string
		want error
	}{
		{"", linuxerr.ENOENT},
		{"relative", linuxerr.ENOENT},
		{"/missing/x", linuxerr.ENOENT},
		{"/dir/missing/x", linuxerr.ENOENT},
		{"/missing/.", linuxerr.ENOENT},
		{"/file/", linuxerr.ENOTDIR},
		{"/file/x", linuxerr.ENOTDIR},
		{"/file/.", linuxerr.ENOTDIR},
		{"/dir/..", linuxerr.ENOTSUP},
		{"/dir/../file", linuxerr.ENOTSUP},
		{"/dir/...", linuxerr.ENOTSUP},
		{"/" + strings.Repeat("x", 256), linuxerr.ENAMETOOLONG},
	} {
		t.Run(test.path, func(t *testing.T) {
			var p Path
			err := vfsObj.Resolve(ctx, test.path, &p, &ResolveOptions{})
			if err != test.want {
				t.Errorf("Resolve(%q): got %v, wanted %v", test.path, err, test.want)
			}
			if p.FS != nil || p.Inode != nil {
				t.Errorf("Resolve(%q) failed but left %+v", test.path, p)
			}
			checkIdle(t, fs)
		})
	}
}

func TestResolveSuccess(t *testing.T) {
	ctx := testContext(t)
	vfsObj, fs := newResolveTest(t, "dir/", "dir/sub/", "file")
	dir := fs.root.children["dir"]

	for _, test := range []struct {
		path     string
		wantNode *testNode
		wantDir  *testNode
		wantType EntryType
		wantLast string
		wantMBD  bool
	}{
		{"/dir", dir, fs.root, TypeDir, "dir", false},
		{"/dir/", dir, fs.root, TypeDir, "dir", true},
		{"//dir//sub", dir.children["sub"], dir, TypeDir, "sub", false},
		{"/dir/.", dir, fs.root, TypeDir, "dir", false},
		{"/./dir/./sub/.", dir.children["sub"], dir, TypeDir, "sub", false},
		{"/file", fs.root.children["file"], fs.root, TypeFile, "file", false},
		{"/new", nil, fs.root, TypeNone, "new", false},
		{"/dir/new/", nil, dir, TypeNone, "new", true},
	} {
		t.Run(test.path, func(t *testing.T) {
			var p Path
			if err := vfsObj.Resolve(ctx, test.path, &p, &ResolveOptions{}); err != nil {
				t.Fatalf("Resolve(%q): %v", test.path, err)
			}
			if n, _ := p.Inode.(*testNode); n != test.wantNode {
				t.Errorf("Resolve(%q): got inode %v, wanted %v", test.path, n, test.wantNode)
			}
			if p.DirInode != test.wantDir {
				t.Errorf("Resolve(%q): got dir inode %v, wanted %v", test.path, p.DirInode, test.wantDir)
			}
			if p.Type != test.wantType {
				t.Errorf("Resolve(%q): got type %v, wanted %v", test.path, p.Type, test.wantType)
			}
			if p.LastComp != test.wantLast {
				t.Errorf("Resolve(%q): got last component %q, wanted %q", test.path, p.LastComp, test.wantLast)
			}
			if p.MustBeDir != test.wantMBD {
				t.Errorf("Resolve(%q): got MustBeDir %t, wanted %t", test.path, p.MustBeDir, test.wantMBD)
			}
			if p.Exists() != (test.wantNode != nil) {
				t.Errorf("Resolve(%q): got Exists() %t, wanted %t", test.path, p.Exists(), test.wantNode != nil)
			}
			p.Release()
			checkIdle(t, fs)
		})
	}
}

func TestResolveAcrossMounts(t *testing.T) {
	ctx := testContext(t)
	vfsObj, root := newResolveTest(t, "a/", "a/b/", "a/b/c")
	sub := newTestFS(vfsObj, FSReadWrite, "b/c")
	sub.mount(t, vfsObj, "/a")
	sub.vfsfs.DecRef()

	var p Path
	if err := vfsObj.Resolve(ctx, "/a/b/c", &p, &ResolveOptions{}); err != nil {
		t.Fatalf("Resolve(/a/b/c): %v", err)
	}
	if p.FS != &sub.vfsfs {
		t.Errorf("Resolve(/a/b/c) resolved on device %d, wanted %d", p.FS.DeviceID(), sub.vfsfs.DeviceID())
	}
	if want := sub.root.children["b"].children["c"]; p.Inode != want {
		t.Errorf("Resolve(/a/b/c): got inode %v, wanted %v", p.Inode, want)
	}
	p.Release()

	if got := root.Lookups(); len(got) != 0 {
		t.Errorf("root filesystem lookups: got %v, wanted none", got)
	}
	if diff := cmp.Diff([]string{"b", "c"}, sub.Lookups()); diff != "" {
		t.Errorf("mounted filesystem lookups mismatch (-want +got):\n%s", diff)
	}
	checkIdle(t, sub)
}

func TestResolveLockModes(t *testing.T) {
	ctx := testContext(t)
	vfsObj, fs := newResolveTest(t, "dir/")

	var p Path
	if err := vfsObj.Resolve(ctx, "/dir", &p, &ResolveOptions{Exclusive: true}); err != nil {
		t.Fatalf("Resolve(/dir, exclusive): %v", err)
	}
	if !p.Exclusive() {
		t.Errorf("Path.Exclusive: got false, wanted true")
	}
	p.Release()
	p.Release()
	if err := vfsObj.Resolve(ctx, "/dir/x/y", &p, &ResolveOptions{}); err == nil {
		t.Fatalf("Resolve(/dir/x/y) succeeded, wanted ENOENT")
	}

	want := []string{"ExLock", "ExUnlock", "ShLock", "ShUnlock"}
	if diff := cmp.Diff(want, fs.Events()); diff != "" {
		t.Errorf("lock events mismatch (-want +got):\n%s", diff)
	}
	checkIdle(t, fs)
}

func TestResolveReleaseBalance(t *testing.T) {
	ctx := testContext(t)
	vfsObj, fs := newResolveTest(t, "a/b")
	baseline := fs.vfsfs.ReadRefs()

	const n = 16
	paths := make([]Path, n)
	for i := range paths {
		if err := vfsObj.Resolve(ctx, "/a/b", &paths[i], &ResolveOptions{}); err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
	}
	if got, want := fs.vfsfs.ReadRefs(), baseline+n; got != want {
		t.Errorf("refs with %d resolutions: got %d, wanted %d", n, got, want)
	}
	for i := range paths {
		paths[i].Release()
	}
	if got := fs.vfsfs.ReadRefs(); got != baseline {
		t.Errorf("refs after release: got %d, wanted %d", got, baseline)
	}
	checkIdle(t, fs)
}

// TestResolveSharedAndExclusive checks that shared lockers are admitted
// together and that an exclusive locker waits for all of them.
func TestResolveSharedAndExclusive(t *testing.T) {
	ctx := testContext(t)
	vfsObj, _ := newResolveTest(t, "f")

	const readers = 4
	var (
		shared     [readers]Path
		exclusive  Path
		exDone     atomic.Bool
		exAcquired = make(chan struct{})
	)
	for i := range shared {
		if err := vfsObj.Resolve(ctx, "/f", &shared[i], &ResolveOptions{}); err != nil {
			t.Fatalf("shared Resolve #%d: %v", i, err)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := vfsObj.Resolve(ctx, "/f", &exclusive, &ResolveOptions{Exclusive: true}); err != nil {
			return err
		}
		exDone.Store(true)
		close(exAcquired)
		return nil
	})

	for i := range shared {
		time.Sleep(10 * time.Millisecond)
		if exDone.Load() {
			t.Fatalf("exclusive locker admitted while %d shared lockers are active", readers-i)
		}
		shared[i].Release()
	}
	<-exAcquired
	if err := g.Wait(); err != nil {
		t.Fatalf("exclusive Resolve: %v", err)
	}
	exclusive.Release()
}
