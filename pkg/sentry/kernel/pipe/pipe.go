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

// Package pipe provides an in-memory implementation of a unidirectional
// pipe.
//
// The goal of this pipe is to emulate the pipe syscall in all of its
// edge cases and guarantees of atomic IO.
package pipe

import (
	"fmt"
	"sync/atomic"

	"kvfs.dev/kvfs/pkg/errors/linuxerr"
	"kvfs.dev/kvfs/pkg/ilist"
	"kvfs.dev/kvfs/pkg/sync"
	"kvfs.dev/kvfs/pkg/waiter"
)

const (
	// DefaultPipeSize is the system-wide default size of a pipe in bytes.
	DefaultPipeSize = 65536

	// MinimumPipeSize is the minimum size of a pipe.
	MinimumPipeSize = 4096

	// atomicIOBytes is the maximum number of bytes that the pipe will
	// guarantee atomic reads or writes atomically.
	// See write(2) and pipe(7), "Pipe capacity".
	atomicIOBytes = 4096
)

// buffer is a chunk of data queued in a pipe.
type buffer struct {
	ilist.Entry
	data []byte
}

// Pipe is an encapsulation of a platform-independent pipe.
// It manages a buffered byte queue shared between a reader/writer
// pair.
type Pipe struct {
	waiter.Queue

	// ino is the inode number reported by fstat. ino is immutable.
	ino uint64

	// mu protects all pipe internal state below.
	mu sync.Mutex

	// data is the buffered byte queue.
	data ilist.List

	// max is the maximum size of the pipe in bytes. When this max has been
	// reached, writers will get ErrWouldBlock.
	max int64

	// size is the current size of the pipe in bytes.
	size int64

	// readers is the number of active readers for this pipe.
	readers atomic.Int32

	// writers is the number of active writers for this pipe.
	writers atomic.Int32

	// hadWriter indicates if this pipe ever had a writer. Note that this
	// does not necessarily indicate there is *currently* a writer, just that
	// there has been a writer at some point since the pipe was created.
	hadWriter bool
}

func newPipe(ino uint64, sizeBytes int64) *Pipe {
	if sizeBytes < MinimumPipeSize {
		sizeBytes = MinimumPipeSize
	}
	return &Pipe{
		ino: ino,
		max: sizeBytes,
	}
}

// read reads data from the pipe into dst and returns the number of bytes
// read, or returns ErrWouldBlock if the pipe is empty.
func (p *Pipe) read(dst []byte) (int64, error) {
	// Don't block for a zero-length read even if the pipe is empty.
	if len(dst) == 0 {
		return 0, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// If there is nothing to read at the moment but there is a writer, tell
	// the caller to block.
	if p.size == 0 {
		if !p.HasWriters() {
			// There are no writers, return EOF.
			return 0, nil
		}
		return 0, linuxerr.ErrWouldBlock
	}
	var n int64
	for e := p.data.Front(); e != nil && len(dst) != 0; e = p.data.Front() {
		b := e.(*buffer)
		copied := copy(dst, b.data)
		n += int64(copied)
		dst = dst[copied:]
		b.data = b.data[copied:]
		if len(b.data) == 0 {
			p.data.Remove(b)
		}
	}
	p.size -= n
	return n, nil
}

// write writes data from src into the pipe and returns the number of bytes
// written. If no bytes are written because the pipe is full (or has less than
// atomicIOBytes free capacity), write returns ErrWouldBlock.
func (p *Pipe) write(src []byte) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.HasReaders() {
		return 0, linuxerr.EPIPE
	}

	// POSIX requires that a write smaller than atomicIOBytes (PIPE_BUF) be
	// atomic, but requires no atomicity for writes larger than this.
	avail := p.max - p.size
	canWrite := int64(len(src))
	if canWrite > avail {
		if canWrite <= atomicIOBytes || avail == 0 {
			return 0, linuxerr.ErrWouldBlock
		}
		canWrite = avail
	}

	// Copy data into a pipe-owned buffer.
	p.data.PushBack(&buffer{data: append([]byte(nil), src[:canWrite]...)})
	p.size += canWrite
	if canWrite < int64(len(src)) {
		// Partial write due to full pipe.
		return canWrite, linuxerr.ErrWouldBlock
	}
	return canWrite, nil
}

// rOpen signals a new reader of the pipe.
func (p *Pipe) rOpen() {
	p.readers.Add(1)
}

// wOpen signals a new writer of the pipe.
func (p *Pipe) wOpen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hadWriter = true
	p.writers.Add(1)
}

// rClose signals that a reader has closed their end of the pipe.
func (p *Pipe) rClose() {
	if newReaders := p.readers.Add(-1); newReaders < 0 {
		panic(fmt.Sprintf("Refcounting bug, pipe has negative readers: %v", newReaders))
	}
}

// wClose signals that a writer has closed their end of the pipe.
func (p *Pipe) wClose() {
	if newWriters := p.writers.Add(-1); newWriters < 0 {
		panic(fmt.Sprintf("Refcounting bug, pipe has negative writers: %v.", newWriters))
	}
}

// HasReaders returns whether the pipe has any active readers.
func (p *Pipe) HasReaders() bool {
	return p.readers.Load() > 0
}

// HasWriters returns whether the pipe has any active writers.
func (p *Pipe) HasWriters() bool {
	return p.writers.Load() > 0
}

// Preconditions: p.mu must be locked.
func (p *Pipe) rReadinessLocked() waiter.EventMask {
	ready := waiter.EventMask(0)
	if p.HasReaders() && p.size != 0 {
		ready |= waiter.EventIn
	}
	if !p.HasWriters() && p.hadWriter {
		// POLLHUP must be suppressed until the pipe has had at least one
		// writer at some point. Otherwise a reader thread may poll and
		// immediately get a POLLHUP before the writer ever opens the pipe,
		// which the reader may interpret as the writer opening then closing
		// the pipe.
		ready |= waiter.EventHUp
	}
	return ready
}

// rReadiness returns a mask that states whether the read end of the pipe is
// ready for reading.
func (p *Pipe) rReadiness() waiter.EventMask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rReadinessLocked()
}

// Preconditions: p.mu must be locked.
func (p *Pipe) wReadinessLocked() waiter.EventMask {
	ready := waiter.EventMask(0)
	// Report writability only once a write of up to atomicIOBytes can
	// complete without blocking.
	if p.HasWriters() && p.max-p.size >= atomicIOBytes {
		ready |= waiter.EventOut
	}
	if !p.HasReaders() {
		ready |= waiter.EventErr
	}
	return ready
}

// wReadiness returns a mask that states whether the write end of the pipe
// is ready for writing.
func (p *Pipe) wReadiness() waiter.EventMask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wReadinessLocked()
}

// rwReadiness returns a mask that states whether a read-write handle to the
// pipe is ready for IO.
func (p *Pipe) rwReadiness() waiter.EventMask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rReadinessLocked() | p.wReadinessLocked()
}

// queued returns the number of bytes queued in the pipe.
func (p *Pipe) queued() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}
