// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/ifrt/backends"
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/dtypes"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Compile-time check:
var _ backends.DataInterface = (*Backend)(nil)

// Buffer for the CPU backend holds a shape, its location and a reference to the flat data.
//
// The flat data is either owned by the buffer (taken from the backend pool) or shared: aliased
// from the client's memory, in which case it is never returned to the pool.
type Buffer struct {
	shape  shapes.Shape
	device *Device
	memory *Memory
	valid  atomic.Bool
	shared bool

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

type bufferPoolKey struct {
	dtype  dtypes.DType
	length int
}

// getBufferPool for given dtype/length.
func (b *Backend) getBufferPool(dtype dtypes.DType, length int) *sync.Pool {
	key := bufferPoolKey{dtype: dtype, length: length}
	poolInterface, ok := b.bufferPools.Load(key)
	if !ok {
		poolInterface, _ = b.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() interface{} {
				return &Buffer{
					flat: dtypes.MakeFlat(dtype, length),
				}
			},
		})
	}
	return poolInterface.(*sync.Pool)
}

// getBuffer from backend pool of buffers.
func (b *Backend) getBuffer(shape shapes.Shape, device *Device, memory *Memory) *Buffer {
	pool := b.getBufferPool(shape.DType, shape.Size())
	buf := pool.Get().(*Buffer)
	buf.shape = shape.Clone()
	buf.device = device
	buf.memory = memory
	buf.shared = false
	buf.valid.Store(true)
	b.trackBuffer(buf, +1)
	return buf
}

// putBuffer back into the backend pool of buffers.
// After this any references to buffer should be dropped.
func (b *Backend) putBuffer(buffer *Buffer) {
	b.trackBuffer(buffer, -1)
	if buffer.shared {
		// Drop the reference to the client's memory.
		buffer.flat = nil
		return
	}
	if buffer.shape.DType == dtypes.String {
		// Don't keep the strings alive while the buffer is in the pool.
		reflect.ValueOf(buffer.flat).Clear()
	}
	pool := b.getBufferPool(buffer.shape.DType, buffer.shape.Size())
	pool.Put(buffer)
}

func (b *Backend) trackBuffer(buffer *Buffer, delta int64) {
	b.liveBuffers.Add(delta)
	b.liveBytes.Add(delta * int64(buffer.shape.Memory()))
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// checkFlat checks that flat is a slice of the Go type of shape.DType with shape.Size() elements.
func checkFlat(flat any, shape shapes.Shape) error {
	flatDType, err := dtypes.FromFlat(flat)
	if err != nil {
		return status.WithCode(status.InvalidArgument, err)
	}
	if flatDType != shape.DType {
		return status.InvalidArgumentf("flat data type (%s) does not match shape DType (%s)",
			reflect.TypeOf(flat).Elem(), shape.DType)
	}
	if length := reflect.ValueOf(flat).Len(); length != shape.Size() {
		return status.InvalidArgumentf("flat data has %d elements, shape %s requires %d", length, shape, shape.Size())
	}
	return nil
}

func (b *Backend) buffer(backendBuffer backends.Buffer) (*Buffer, error) {
	buf, ok := backendBuffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("buffer is not a %q backend buffer", BackendName)
	}
	if !buf.valid.Load() {
		return nil, status.FailedPreconditionf("buffer %p was already finalized", buf)
	}
	return buf, nil
}

func (b *Backend) location(device devices.Device, memoryKind devices.MemoryKind) (*Device, *Memory, error) {
	if err := b.checkOk(); err != nil {
		return nil, nil, err
	}
	d, err := b.device(device)
	if err != nil {
		return nil, nil, err
	}
	memory, err := d.findMemory(memoryKind)
	if err != nil {
		return nil, nil, err
	}
	return d, memory, nil
}

// BufferFinalize allows the client to inform backend that buffer is no longer needed and associated resources can be
// freed immediately.
//
// A finalized buffer should never be used again. Preferably, the caller should set its references to it to nil.
func (b *Backend) BufferFinalize(backendBuffer backends.Buffer) error {
	buffer, ok := backendBuffer.(*Buffer)
	if !ok || buffer == nil || !buffer.valid.CompareAndSwap(true, false) {
		var issues []string
		if buffer == nil {
			issues = append(issues, "buffer was nil or not a cpu buffer")
		} else {
			issues = append(issues, "buffer was marked as invalid")
		}
		return errors.Errorf("BufferFinalize(%p): %s -- buffer was already finalized!?", buffer, strings.Join(issues, ", "))
	}
	if klog.V(3).Enabled() {
		klog.Infof("BufferFinalize(%p): shape=%s, device=%s, shared=%v", buffer, buffer.shape, buffer.device, buffer.shared)
	}
	b.putBuffer(buffer)
	return nil
}

// BufferShape returns the shape for the buffer.
func (b *Backend) BufferShape(backendBuffer backends.Buffer) (shapes.Shape, error) {
	buf, err := b.buffer(backendBuffer)
	if err != nil {
		return shapes.Invalid(), err
	}
	return buf.shape, nil
}

// BufferDevice returns the device holding the buffer.
func (b *Backend) BufferDevice(backendBuffer backends.Buffer) (devices.Device, error) {
	buf, err := b.buffer(backendBuffer)
	if err != nil {
		return nil, err
	}
	return buf.device, nil
}

// BufferMemoryKind returns the kind of the memory holding the buffer.
func (b *Backend) BufferMemoryKind(backendBuffer backends.Buffer) (devices.MemoryKind, error) {
	buf, err := b.buffer(backendBuffer)
	if err != nil {
		return devices.DefaultMemoryKind, err
	}
	return buf.memory.kind, nil
}

// BufferToFlatData transfers the flat values of the buffer to the Go flat slice.
// The slice flat must have the exact number of elements required to store the backends.Buffer shape.
func (b *Backend) BufferToFlatData(backendBuffer backends.Buffer, flat any) error {
	buf, err := b.buffer(backendBuffer)
	if err != nil {
		return err
	}
	if err := checkFlat(flat, buf.shape); err != nil {
		return err
	}
	copyFlat(flat, buf.flat)
	return nil
}

// BufferFromFlatData transfers data from Go given as a flat slice (of the type corresponding to the shape DType)
// to the memory of device, and returns the corresponding backends.Buffer.
func (b *Backend) BufferFromFlatData(device devices.Device, memoryKind devices.MemoryKind, flat any, shape shapes.Shape) (backends.Buffer, error) {
	d, memory, err := b.location(device, memoryKind)
	if err != nil {
		return nil, err
	}
	if err := checkFlat(flat, shape); err != nil {
		return nil, err
	}
	if err := b.getTransferFailure(); err != nil {
		return nil, err
	}
	buffer := b.getBuffer(shape, d, memory)
	copyFlat(buffer.flat, flat)
	return buffer, nil
}

// BufferCopyToDevice copies the buffer to a new buffer in the memory of device.
func (b *Backend) BufferCopyToDevice(backendBuffer backends.Buffer, device devices.Device, memoryKind devices.MemoryKind) (backends.Buffer, error) {
	src, err := b.buffer(backendBuffer)
	if err != nil {
		return nil, err
	}
	d, memory, err := b.location(device, memoryKind)
	if err != nil {
		return nil, err
	}
	buffer := b.getBuffer(src.shape, d, memory)
	copyFlat(buffer.flat, src.flat)
	return buffer, nil
}

// HasSharedBuffers returns whether the backend can alias client memory: it is the "zerocopy" option.
func (b *Backend) HasSharedBuffers() bool {
	return b.config.SharedBuffers
}

// NewSharedBuffer returns a buffer that uses flat as its storage, without copying it.
//
// The client must not mutate flat while the buffer is alive.
func (b *Backend) NewSharedBuffer(device devices.Device, memoryKind devices.MemoryKind, flat any, shape shapes.Shape) (backends.Buffer, error) {
	if !b.config.SharedBuffers {
		return nil, status.Unimplementedf("%q backend configured without shared buffers (zerocopy=false)", BackendName)
	}
	d, memory, err := b.location(device, memoryKind)
	if err != nil {
		return nil, err
	}
	if err := checkFlat(flat, shape); err != nil {
		return nil, err
	}
	if err := b.getTransferFailure(); err != nil {
		return nil, err
	}
	buffer := &Buffer{
		shape:  shape.Clone(),
		device: d,
		memory: memory,
		shared: true,
		flat:   flat,
	}
	buffer.valid.Store(true)
	b.trackBuffer(buffer, +1)
	return buffer, nil
}
