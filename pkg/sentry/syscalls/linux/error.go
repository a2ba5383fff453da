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

// Package linux implements the file-related system calls on top of the
// kernel and vfs packages. Each system call takes the calling Task and typed
// arguments, and returns its result and an error; Return folds the two into
// the single value seen at the system call boundary.
package linux

import (
	"io"

	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/log"
	"kvfs.dev/kvfs/pkg/sentry/kernel"
)

// Return returns ret if err is nil, and the negated errno of err otherwise.
func Return(ret int64, err error) int64 {
	if err != nil {
		return -int64(linuxerr.ToErrno(err))
	}
	return ret
}

// handleIOError handles special error cases for partial results. For some
// errors, we may consume the error and return only the partial read/write.
//
// op is used only for logging.
func handleIOError(t *kernel.Task, partialResult bool, err error, op string) error {
	switch err {
	case nil:
		// Typical successful syscall.
		return nil
	case io.EOF:
		// EOF is always consumed. If this is a partial read/write
		// (result != 0), the application will see that, otherwise
		// they will see 0.
		return nil
	case linuxerr.ErrInterrupted:
		// The syscall was interrupted. Return nil if it completed
		// partially, otherwise EINTR.
		if partialResult {
			return nil
		}
		return linuxerr.EINTR
	case linuxerr.ErrWouldBlock:
		if partialResult {
			return nil
		}
		return linuxerr.EAGAIN
	}

	if !partialResult {
		// Typical syscall error.
		return err
	}

	switch err {
	case linuxerr.EINTR, linuxerr.EPIPE, linuxerr.ENOSPC:
		// The partial read/write is returned, and the error will be
		// returned by the next call.
		return nil
	}

	// An unknown error is encountered with a partial read/write.
	log.Warningf("[%d] Invalid request partialResult %v and err (type %T) %v for %s operation", t.ThreadID(), partialResult, err, err, op)
	return nil
}
