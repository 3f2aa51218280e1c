// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/shapes"
)

// Buffer represents actual data (one shard) stored in one memory of one device.
//
// It is opaque from the caller's perspective: it is only handled through the DataInterface methods.
type Buffer any

// DataInterface is the Backend's sub-interface that defines the API to transfer Buffer to/from devices.
//
// Flat data is a Go slice of the shape's DType Go type (`[]string` for dtypes.String), in packed
// major-to-minor (row-major) layout.
type DataInterface interface {
	// BufferFinalize allows the client to inform backend that buffer is no longer needed and associated resources can be
	// freed immediately -- as opposed to waiting for a GC.
	//
	// A finalized buffer should never be used again. Finalizing it twice returns an error.
	BufferFinalize(buffer Buffer) error

	// BufferShape returns the shape for the buffer.
	BufferShape(buffer Buffer) (shapes.Shape, error)

	// BufferDevice returns the device holding the buffer.
	BufferDevice(buffer Buffer) (devices.Device, error)

	// BufferMemoryKind returns the (canonical) kind of the memory holding the buffer.
	BufferMemoryKind(buffer Buffer) (devices.MemoryKind, error)

	// BufferToFlatData transfers the flat values of buffer to the Go flat slice.
	// The slice flat must have the exact number of elements required to store the Buffer shape.
	BufferToFlatData(buffer Buffer, flat any) error

	// BufferFromFlatData transfers data from Go given as a flat slice (of the type corresponding to the shape DType)
	// to the memory of the given kind of device, and returns the corresponding Buffer.
	BufferFromFlatData(device devices.Device, memoryKind devices.MemoryKind, flat any, shape shapes.Shape) (Buffer, error)

	// BufferCopyToDevice copies buffer into a new Buffer on the memory of the given kind of device.
	BufferCopyToDevice(buffer Buffer, device devices.Device, memoryKind devices.MemoryKind) (Buffer, error)

	// HasSharedBuffers returns whether the backend supports "shared buffers": these are buffers
	// that has a local address that can be read or mutated directly by the client.
	HasSharedBuffers() bool

	// NewSharedBuffer returns a Buffer that aliases the given flat slice (zero-copy): the flat slice is the
	// buffer's storage until the buffer is finalized.
	//
	// It returns an error if the backend doesn't support shared buffers -- see HasSharedBuffers.
	NewSharedBuffer(device devices.Device, memoryKind devices.MemoryKind, flat any, shape shapes.Shape) (Buffer, error)
}
