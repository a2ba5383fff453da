// Copyright 2020 The gVisor Authors.
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
	"context"

	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/sentry/kernel"
)

// Getdents64 implements Linux syscall getdents64(2).
func Getdents64(ctx context.Context, t *kernel.Task, fd int32, buf []byte) (int, error) {
	file := t.FDTable().Get(fd)
	if file == nil {
		return 0, linuxerr.EBADF
	}
	return file.Getdents64(ctx, buf)
}
