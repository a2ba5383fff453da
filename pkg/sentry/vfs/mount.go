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
	"fmt"
	"strings"

	"github.com/google/btree"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sync"
)

// A Mountpoint binds a Filesystem to an absolute path.
//
// Mountpoint is analogous to Linux's struct mount, minus the tree structure:
// mountpoints are matched by path prefix rather than by dentry.
type Mountpoint struct {
	// fs is the mounted Filesystem. The Mountpoint holds a reference on fs.
	// fs is immutable.
	fs *Filesystem

	// path is the canonical mount path, which always ends with '/'. path is
	// immutable.
	path string

	// seq is the registration order. seq is immutable.
	seq uint64
}

// Filesystem returns the mounted Filesystem.
func (mp *Mountpoint) Filesystem() *Filesystem {
	return mp.fs
}

// Path returns the canonical mount path, including the trailing '/'.
func (mp *Mountpoint) Path() string {
	return mp.path
}

// String implements fmt.Stringer.String.
func (mp *Mountpoint) String() string {
	return fmt.Sprintf("%s on %s", mp.fs.TypeName(), mp.path)
}

func mountpointLess(a, b *Mountpoint) bool {
	return a.seq < b.seq
}

// MountTable is the registry of mountpoints.
//
// Lock order: MountTable.mu before Filesystem structural locks.
type MountTable struct {
	// mu protects the fields below. Readers (BestMatch and iteration) share
	// it; Add and Remove take it exclusively.
	mu sync.RWMutex

	// mounts holds all Mountpoints ordered by registration.
	mounts *btree.BTreeG[*Mountpoint]

	// paths maps canonical paths to Mountpoints.
	paths map[string]*Mountpoint

	// nextSeq is the seq of the next Mountpoint added.
	nextSeq uint64
}

// Init must be called before first use of mt.
func (mt *MountTable) Init() {
	mt.mounts = btree.NewG(8, mountpointLess)
	mt.paths = make(map[string]*Mountpoint)
}

// canonicalMountPath returns the normalized form of the absolute path, as
// for AbsPath, with exactly one trailing '/'. It fails with EINVAL if path is
// not absolute.
func canonicalMountPath(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", linuxerr.EINVAL
	}
	cpath, err := AbsPath(path, "/")
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(cpath, "/") {
		cpath += "/"
	}
	return cpath, nil
}

// Add registers fs at path. It takes ownership of a reference on fs, which
// the caller must supply. path is normalized first, so "/a//b/" and
// "/a/./b" name the same mountpoint as "/a/b". Add fails with EINVAL if path
// is not absolute, and EBUSY if something is already mounted at path.
func (mt *MountTable) Add(fs *Filesystem, path string) error {
	cpath, err := canonicalMountPath(path)
	if err != nil {
		return err
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()
	if _, ok := mt.paths[cpath]; ok {
		return linuxerr.EBUSY
	}
	mp := &Mountpoint{
		fs:   fs,
		path: cpath,
		seq:  mt.nextSeq,
	}
	mt.nextSeq++
	mt.mounts.ReplaceOrInsert(mp)
	mt.paths[cpath] = mp
	return nil
}

// Remove unregisters the Mountpoint of fs and drops the reference the table
// held on fs. Removing a Filesystem that is not mounted is a
// programming error.
func (mt *MountTable) Remove(fs *Filesystem) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mp := mt.findLocked(fs)
	if mp == nil {
		panic(fmt.Sprintf("filesystem %p (%s) is not mounted", fs, fs.TypeName()))
	}
	mt.removeLocked(mp)
	fs.DecRef()
}

// RemoveIdle unregisters the Mountpoint at path, provided that the table
// holds the only reference on its Filesystem, and returns the Filesystem
// with that reference. RemoveIdle fails with EINVAL if nothing is mounted at
// path and EBUSY if the Filesystem is in use.
func (mt *MountTable) RemoveIdle(path string) (*Filesystem, error) {
	cpath, err := canonicalMountPath(path)
	if err != nil {
		return nil, linuxerr.EINVAL
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mp, ok := mt.paths[cpath]
	if !ok {
		return nil, linuxerr.EINVAL
	}
	// Every new reference is taken by BestMatch under mt.mu, so the count
	// cannot grow while mt.mu is held for writing.
	if mp.fs.ReadRefs() > 1 {
		return nil, linuxerr.EBUSY
	}
	mt.removeLocked(mp)
	return mp.fs, nil
}

// Preconditions: mt.mu must be locked.
func (mt *MountTable) findLocked(fs *Filesystem) *Mountpoint {
	var found *Mountpoint
	mt.mounts.Ascend(func(mp *Mountpoint) bool {
		if mp.fs == fs {
			found = mp
			return false
		}
		return true
	})
	return found
}

// Preconditions: mt.mu must be locked for writing.
func (mt *MountTable) removeLocked(mp *Mountpoint) {
	mt.mounts.Delete(mp)
	delete(mt.paths, mp.path)
}

// Lookup returns the Mountpoint whose canonical path equals that of path, or
// nil.
func (mt *MountTable) Lookup(path string) *Mountpoint {
	cpath, err := canonicalMountPath(path)
	if err != nil {
		return nil
	}
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.paths[cpath]
}

// Len returns the number of mountpoints.
func (mt *MountTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.mounts.Len()
}

// Mountpoints returns a snapshot of all Mountpoints in registration order.
func (mt *MountTable) Mountpoints() []*Mountpoint {
	var it MountIterator
	mt.IterBegin(&it)
	defer it.End()
	var mps []*Mountpoint
	for mp := it.Next(); mp != nil; mp = it.Next() {
		mps = append(mps, mp)
	}
	return mps
}

// MountIterator is a cursor over a MountTable. While a MountIterator is
// active, the table is locked for reading.
type MountIterator struct {
	mt   *MountTable
	next uint64
}

// IterBegin positions it at the first Mountpoint of mt and locks mt for
// reading. it.End must be called when iteration is done.
func (mt *MountTable) IterBegin(it *MountIterator) {
	mt.mu.RLock()
	it.mt = mt
	it.next = 0
}

// Next returns the next Mountpoint, or nil at the end of the table.
func (it *MountIterator) Next() *Mountpoint {
	var found *Mountpoint
	it.mt.mounts.AscendGreaterOrEqual(&Mountpoint{seq: it.next}, func(mp *Mountpoint) bool {
		found = mp
		return false
	})
	if found != nil {
		it.next = found.seq + 1
	}
	return found
}

// End finishes iteration and unlocks the table.
func (it *MountIterator) End() {
	if it.mt == nil {
		panic("MountIterator.End called without IterBegin")
	}
	it.mt.mu.RUnlock()
	it.mt = nil
}

// CheckMatch returns the number of leading bytes of path that mountpoint,
// a canonical mount path ending with '/', covers. Matching respects path
// segment boundaries: "/dev/" covers "/dev/null" and "/dev" but not
// "/devices". CheckMatch returns 0 if mountpoint does not cover path.
func CheckMatch(mountpoint, path string) int {
	m := 0
	for m < len(mountpoint) && m < len(path) && mountpoint[m] == path[m] {
		m++
	}
	switch {
	case m == len(mountpoint):
		return m
	case m == len(path) && m == len(mountpoint)-1:
		// path names the mount directory itself, without a trailing slash.
		return m
	default:
		return 0
	}
}

// BestMatch returns the Filesystem of the Mountpoint covering the longest
// prefix of the absolute path, with an added reference, and the rest of path
// to resolve within it. The rest always starts with '/'. If two Mountpoints
// cover the same length, the one registered first wins. BestMatch returns a
// nil Filesystem if no Mountpoint covers path.
func (mt *MountTable) BestMatch(path string) (*Filesystem, string) {
	var (
		it      MountIterator
		best    *Mountpoint
		bestLen int
	)
	mt.IterBegin(&it)
	defer it.End()
	for mp := it.Next(); mp != nil; mp = it.Next() {
		if n := CheckMatch(mp.path, path); n > bestLen {
			best = mp
			bestLen = n
		}
	}
	if best == nil {
		return nil, ""
	}
	best.fs.IncRef()
	if bestLen >= len(path) {
		return best.fs, "/"
	}
	return best.fs, path[bestLen-1:]
}
