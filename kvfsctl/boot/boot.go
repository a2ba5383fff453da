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

// Package boot builds a kernel from a kvfsctl configuration: it registers
// the filesystem types, mounts the configured mount table and creates the
// task that commands run as.
package boot

import (
	"context"
	"fmt"

	"kvfs.dev/kvfs/kvfsctl/config"
	"kvfs.dev/kvfs/pkg/cleanup"
	"kvfs.dev/kvfs/pkg/log"
	"kvfs.dev/kvfs/pkg/sentry/fsimpl/devfs"
	"kvfs.dev/kvfs/pkg/sentry/fsimpl/ramfs"
	"kvfs.dev/kvfs/pkg/sentry/kernel"
	"kvfs.dev/kvfs/pkg/sentry/vfs"
)

// Loader keeps state needed to run commands against a kernel.
type Loader struct {
	vfs  *vfs.VirtualFilesystem
	k    *kernel.Kernel
	task *kernel.Task

	// mounts are the mount paths created by New, in mount order.
	mounts []string
}

// RegisterFilesystems registers every filesystem type kvfsctl can mount.
func RegisterFilesystems(vfsObj *vfs.VirtualFilesystem) {
	vfsObj.MustRegisterFilesystemType(ramfs.Name, ramfs.FilesystemType{})
	vfsObj.MustRegisterFilesystemType(devfs.Name, devfs.FilesystemType{})
}

// New creates a Loader from conf, which must have been validated.
func New(ctx context.Context, conf *config.Config) (*Loader, error) {
	vfsObj := vfs.New()
	RegisterFilesystems(vfsObj)

	l := &Loader{vfs: vfsObj}
	cu := cleanup.Make(func() { l.unmountAll() })
	defer cu.Clean()
	for _, m := range conf.Mounts {
		fs, err := vfsObj.MountNew(ctx, m.Type, m.Path, &vfs.MountOptions{
			GetFilesystemOptions: vfs.GetFilesystemOptions{
				ReadOnly: m.ReadOnly,
				Data:     m.Options,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("mounting %s: %w", m, err)
		}
		log.Debugf("Mounted %s (dev %d)", m, fs.DeviceID())
		l.mounts = append(l.mounts, m.Path)
	}

	l.k = &kernel.Kernel{}
	l.k.Init(kernel.InitKernelArgs{
		VFS:      vfsObj,
		MaxFDs:   conf.MaxFDs,
		PipeSize: conf.PipeSize,
	})
	cu.Add(l.k.Release)

	task, err := l.k.NewTask(conf.Cwd)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	// The working directory must exist.
	if err := task.FSContext().Chdir(ctx, vfsObj, conf.Cwd); err != nil {
		task.Release(ctx)
		return nil, fmt.Errorf("working directory %q: %w", conf.Cwd, err)
	}
	l.task = task
	cu.Release()
	return l, nil
}

// Kernel returns the kernel.
func (l *Loader) Kernel() *kernel.Kernel {
	return l.k
}

// Task returns the task commands run as.
func (l *Loader) Task() *kernel.Task {
	return l.task
}

// Destroy releases the task, unmounts every filesystem and releases the
// kernel.
func (l *Loader) Destroy(ctx context.Context) {
	l.task.Release(ctx)
	l.k.Release()
	l.unmountAll()
}

// unmountAll unmounts the filesystems mounted by New in reverse order.
// Filesystems that were already unmounted are skipped.
func (l *Loader) unmountAll() {
	for i := len(l.mounts) - 1; i >= 0; i-- {
		if err := l.vfs.Umount(l.mounts[i]); err != nil {
			log.Debugf("Umount(%q): %v", l.mounts[i], err)
		}
	}
	l.mounts = nil
}
