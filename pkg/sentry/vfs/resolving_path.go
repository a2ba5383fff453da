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

	"kvfs.dev/kvfs/pkg/abi/linux"
	"kvfs.dev/kvfs/pkg/cleanup"
	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/fspath"
	"kvfs.dev/kvfs/pkg/log"
)

// Path is the result of resolving a pathname: the Filesystem containing the
// final component, and the Location of that component within it.
//
// A successfully resolved Path holds a reference on FS and FS's structural
// lock, in the mode requested from Resolve. Both are dropped by Release.
//
// Path is loosely analogous to Linux's struct nameidata.
type Path struct {
	// FS is the Filesystem containing the final path component.
	FS *Filesystem

	// Location is the final path component. If it does not exist,
	// Location.Inode is nil and Location.DirInode is the directory in which
	// it would be created.
	Location

	// LastComp is the name of the final path component, without slashes. It
	// is empty if the path resolved to the root of FS.
	LastComp string

	// MustBeDir is true if the pathname ended with a slash.
	MustBeDir bool

	// exclusive is true if FS is locked for writing.
	exclusive bool

	// locked is true if the structural lock of FS is held.
	locked bool
}

// Exists returns true if the final path component exists.
func (p *Path) Exists() bool {
	return p.Inode != nil
}

// Exclusive returns true if p holds the structural lock of p.FS for writing.
func (p *Path) Exclusive() bool {
	return p.exclusive
}

// unlock releases the structural lock of p.FS, if held.
func (p *Path) unlock() {
	if !p.locked {
		return
	}
	if p.exclusive {
		p.FS.ExUnlock()
	} else {
		p.FS.ShUnlock()
	}
	p.locked = false
}

// Release unlocks p.FS and then drops the reference on it. Release is
// idempotent.
func (p *Path) Release() {
	p.unlock()
	if p.FS != nil {
		p.FS.DecRef()
	}
	*p = Path{}
}

// Resolve resolves the absolute pathname into p. The Filesystem is chosen by
// longest prefix match in the mount table, and the rest of pathname is then
// walked one component at a time with FilesystemImpl.GetEntry:
//
//   - Runs of slashes are collapsed and "." components are skipped.
//   - ".." and other components made only of dots fail with ENOTSUP.
//   - A missing component fails with ENOENT unless it is the last one, in
//     which case Resolve succeeds and p.Inode is nil.
//   - An existing non-directory component followed by more path, or followed
//     by a trailing slash, fails with ENOTDIR.
//
// Resolve fails with ENOENT for an empty pathname or if nothing is mounted
// at a prefix of pathname. Symbolic links are not followed.
//
// On success, the caller must call p.Release. On failure, p holds nothing.
func (vfs *VirtualFilesystem) Resolve(ctx context.Context, pathname string, p *Path, opts *ResolveOptions) error {
	*p = Path{}
	if len(pathname) == 0 {
		return linuxerr.ENOENT
	}
	fs, rest := vfs.mounts.BestMatch(pathname)
	if fs == nil {
		return linuxerr.ENOENT
	}
	cu := cleanup.Make(func() { *p = Path{} })
	defer cu.Clean()
	cu.Add(fs.DecRef)

	if opts.Exclusive {
		fs.ExLock()
		cu.Add(fs.ExUnlock)
	} else {
		fs.ShLock()
		cu.Add(fs.ShUnlock)
	}

	// rest always starts with '/', so it is never empty.
	parsed, err := fspath.Parse(rest)
	if err != nil {
		return err
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Resolving %q as %q on %s filesystem (dev %d)", pathname, rest, fs.TypeName(), fs.DeviceID())
	}

	fs.impl.GetEntry(ctx, nil, "", &p.Location)
	lastComp := ""
	for pit := parsed.Begin; pit.Ok(); pit = pit.Next() {
		// Every component, including ".", must be looked up in an existing
		// directory.
		if p.Inode == nil {
			return linuxerr.ENOENT
		}
		if p.Type != TypeDir {
			return linuxerr.ENOTDIR
		}
		name := pit.String()
		if name == "." {
			continue
		}
		if pit.IsDots() {
			return linuxerr.ENOTSUP
		}
		if len(name) > linux.NAME_MAX {
			return linuxerr.ENAMETOOLONG
		}
		dir := p.Inode
		fs.impl.GetEntry(ctx, dir, name, &p.Location)
		lastComp = name
	}
	if parsed.Dir && p.Inode != nil && p.Type != TypeDir {
		return linuxerr.ENOTDIR
	}

	cu.Release()
	p.FS = fs
	p.LastComp = lastComp
	p.MustBeDir = parsed.Dir
	p.exclusive = opts.Exclusive
	p.locked = true
	return nil
}
