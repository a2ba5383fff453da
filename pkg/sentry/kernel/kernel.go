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

// Package kernel provides the per-task state that sits above the virtual
// filesystem: descriptor tables, working directories, and the pipe
// filesystem.
//
// Lock order (outermost locks must be taken first):
//
//	FDTable.mu
//	  vfs.MountTable.mu
//	    vfs.FileDescription per-file lock
//	      vfs.Filesystem structural lock
//
// FSContext.mu is a leaf lock.
package kernel

import (
	"context"
	"sync/atomic"

	"kvfs.dev/kvfs/pkg/log"
	"kvfs.dev/kvfs/pkg/sentry/kernel/pipe"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
)

// Kernel holds the state shared by all tasks. It must be initialized by
// calling Init.
type Kernel struct {
	// vfs is the VirtualFilesystem of every task. vfs is immutable.
	vfs *vfs.VirtualFilesystem

	// pipeFS is the filesystem owning every pipe handle. pipeFS is
	// immutable.
	pipeFS *vfs.Filesystem

	// maxFDs is the size limit of new descriptor tables. maxFDs is
	// immutable.
	maxFDs int32

	// pipeSize is the capacity of new pipes. pipeSize is immutable.
	pipeSize int64

	lastTID atomic.Int32
}

// InitKernelArgs holds arguments to Init.
type InitKernelArgs struct {
	// VFS is the VirtualFilesystem shared by all tasks.
	VFS *vfs.VirtualFilesystem

	// MaxFDs is the number of descriptors each task may hold. If zero,
	// DefaultMaxFDs is used.
	MaxFDs int32

	// PipeSize is the capacity of pipes in bytes. If zero,
	// pipe.DefaultPipeSize is used.
	PipeSize int64
}

// Init initializes the Kernel with no tasks.
func (k *Kernel) Init(args InitKernelArgs) {
	k.vfs = args.VFS
	k.maxFDs = args.MaxFDs
	if k.maxFDs <= 0 {
		k.maxFDs = DefaultMaxFDs
	}
	k.pipeSize = args.PipeSize
	if k.pipeSize <= 0 {
		k.pipeSize = pipe.DefaultPipeSize
	}
	k.pipeFS = pipe.NewFilesystem(k.vfs)
}

// VFS returns the VirtualFilesystem of k.
func (k *Kernel) VFS() *vfs.VirtualFilesystem {
	return k.vfs
}

// NewPipe returns the read and write ends of a new pipe.
func (k *Kernel) NewPipe(statusFlags uint32) (r, w *vfs.FileDescription) {
	return pipe.NewConnectedPipe(k.pipeFS, k.pipeSize, statusFlags)
}

// NewTask returns a task with an empty descriptor table and working
// directory cwd.
func (k *Kernel) NewTask(cwd string) (*Task, error) {
	fsc, err := NewFSContext(cwd)
	if err != nil {
		return nil, err
	}
	t := &Task{
		k:         k,
		tid:       k.lastTID.Add(1),
		fdTable:   NewFDTable(k.maxFDs),
		fsContext: fsc,
	}
	log.Debugf("[%d] Task created with working directory %q", t.tid, fsc.WorkingDirectory())
	return t, nil
}

// Release drops the reference on the pipe filesystem. Every task must have
// been released first.
func (k *Kernel) Release() {
	k.pipeFS.DecRef()
}

// Task is a thread of execution as far as files are concerned: a descriptor
// table and a working directory.
type Task struct {
	k         *Kernel
	tid       int32
	fdTable   *FDTable
	fsContext *FSContext
}

// Kernel returns the Kernel of t.
func (t *Task) Kernel() *Kernel {
	return t.k
}

// ThreadID returns the ID of t.
func (t *Task) ThreadID() int32 {
	return t.tid
}

// FDTable returns the descriptor table of t.
func (t *Task) FDTable() *FDTable {
	return t.fdTable
}

// FSContext returns the filesystem context of t.
func (t *Task) FSContext() *FSContext {
	return t.fsContext
}

// Debugf logs a debug message prefixed with the ID of t.
func (t *Task) Debugf(format string, v ...any) {
	if log.IsLogging(log.Debug) {
		log.Debugf("[%d] "+format, append([]any{t.tid}, v...)...)
	}
}

// Fork returns a new task with a copy of the working directory of t and
// duplicates of its descriptors, at the same numbers.
func (t *Task) Fork(ctx context.Context) (*Task, error) {
	nt := &Task{
		k:         t.k,
		tid:       t.k.lastTID.Add(1),
		fdTable:   NewFDTable(t.k.maxFDs),
		fsContext: t.fsContext.Fork(),
	}
	for _, fd := range t.fdTable.GetFDs() {
		file := t.fdTable.Get(fd)
		if file == nil {
			continue
		}
		dup, err := file.Dup(ctx)
		if err != nil {
			nt.Release(ctx)
			return nil, err
		}
		// The descriptor keeps its close-on-exec flag across fork.
		dup.SetFDFlags(file.FDFlags())
		orig, err := nt.fdTable.NewFDAt(fd, dup)
		if err != nil {
			dup.Close(ctx)
			nt.Release(ctx)
			return nil, err
		}
		if orig != nil {
			orig.Close(ctx)
		}
	}
	return nt, nil
}

// CloseOnExec closes the descriptors of t marked close-on-exec, as execve(2)
// does, and returns how many were closed.
func (t *Task) CloseOnExec(ctx context.Context) int {
	n := vfs.CloseCloexecHandles(ctx, t.fdTable)
	t.Debugf("execve closed %d close-on-exec descriptors", n)
	return n
}

// Release closes every descriptor of t.
func (t *Task) Release(ctx context.Context) {
	t.fdTable.Release(ctx)
}
