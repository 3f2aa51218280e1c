// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/ifrt/backends"
	"github.com/gomlx/ifrt/pkg/core/futures"
	"github.com/gomlx/ifrt/pkg/core/status"
	"k8s.io/klog/v2"
)

// deviceBuffer is a backend buffer shared by the arrays that hold it: it is finalized when the last
// holder releases it.
type deviceBuffer struct {
	backend backends.Backend
	buffer  backends.Buffer
	refs    atomic.Int32

	// host, if set, is held for as long as the buffer is alive: set for zero-copy host buffers.
	host *hostRef
}

func newDeviceBuffer(backend backends.Backend, buffer backends.Buffer, host *hostRef) *deviceBuffer {
	b := &deviceBuffer{backend: backend, buffer: buffer, host: host}
	b.refs.Store(1)
	if host != nil {
		host.acquire()
	}
	return b
}

func (b *deviceBuffer) acquire() *deviceBuffer {
	b.refs.Add(1)
	return b
}

func (b *deviceBuffer) release() {
	if b.refs.Add(-1) != 0 {
		return
	}
	// If the backend was finalized, all its buffers are already gone.
	if !b.backend.IsFinalized() {
		if err := b.backend.BufferFinalize(b.buffer); err != nil {
			klog.Warningf("arrays: failed to finalize device buffer: %+v", err)
		}
	}
	b.buffer = nil
	if b.host != nil {
		b.host.release()
		b.host = nil
	}
}

// storage holds the device buffers of an array, one per position of its sharding's device list.
//
// Positions of non-addressable devices (and positions not yet materialized) hold nil.
// It must not reference the Array itself, so it can be released by the Array's cleanup.
//
// Operations that read the buffers after the storage is ready (copies, disassembly) pin it: a release
// requested while the storage is pinned is postponed until the last unpin.
type storage struct {
	mu               sync.Mutex
	buffers          []*deviceBuffer
	pins             int
	releaseRequested bool
	freed            bool

	// ready is resolved once all addressable positions are materialized, or failed.
	ready futures.Future
}

func newStorage(numPositions int, ready futures.Future) *storage {
	return &storage{buffers: make([]*deviceBuffer, numPositions), ready: ready}
}

// set the buffer of position pos, taking ownership of one reference.
// If the storage was already freed, the buffer is released immediately.
func (s *storage) set(pos int, buf *deviceBuffer) {
	s.mu.Lock()
	if s.freed {
		s.mu.Unlock()
		buf.release()
		return
	}
	previous := s.buffers[pos]
	s.buffers[pos] = buf
	s.mu.Unlock()
	if previous != nil {
		previous.release()
	}
}

// acquire a reference to the buffer of position pos: the caller must release it.
func (s *storage) acquire(pos int) (*deviceBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return nil, status.FailedPreconditionf("array data was already freed")
	}
	buf := s.buffers[pos]
	if buf == nil {
		return nil, status.FailedPreconditionf("array has no data for shard #%d", pos)
	}
	return buf.acquire(), nil
}

// pin the storage: it won't be freed until unpin is called.
// It fails if a release was already requested.
func (s *storage) pin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releaseRequested {
		return status.FailedPreconditionf("array data is being freed")
	}
	s.pins++
	return nil
}

func (s *storage) unpin() {
	s.mu.Lock()
	s.pins--
	if s.pins > 0 || !s.releaseRequested || s.freed {
		s.mu.Unlock()
		return
	}
	s.lockedFree()
}

// release all buffers, as soon as the storage is not pinned. It is idempotent.
func (s *storage) release() {
	s.mu.Lock()
	if s.releaseRequested {
		s.mu.Unlock()
		return
	}
	s.releaseRequested = true
	if s.pins > 0 {
		s.mu.Unlock()
		return
	}
	s.lockedFree()
}

// lockedFree must be called with s.mu locked, and it unlocks it.
func (s *storage) lockedFree() {
	s.freed = true
	buffers := s.buffers
	s.buffers = nil
	s.mu.Unlock()
	for _, buf := range buffers {
		if buf != nil {
			buf.release()
		}
	}
}

// releaseWhenReady releases the storage once its transfers are done.
// It is used as the cleanup function of arrays that are garbage collected without being deleted.
func releaseWhenReady(s *storage) {
	s.ready.OnReady(func(error) { s.release() })
}
