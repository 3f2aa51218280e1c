// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays

import (
	"testing"

	"github.com/gomlx/ifrt/backends/cpu"
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/dtypes"
	"github.com/gomlx/ifrt/pkg/core/futures"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckBuffer(t *testing.T) {
	backend := must.M1(cpu.NewWithConfig(must.M1(cpu.ParseConfig("devices=2,parallelism=0"))))
	c := must.M1(NewClient(WithBackend(backend)))
	defer backend.Finalize()
	defer c.Close()

	device := backend.Devices()[1]
	shape := shapes.Make(dtypes.Float32, 2, 2)
	buf := must.M1(backend.BufferFromFlatData(device, cpu.PinnedHostMemory, []float32{1, 2, 3, 4}, shape))
	defer func() { require.NoError(t, backend.BufferFinalize(buf)) }()

	require.NoError(t, c.checkBuffer(buf, shape, cpu.PinnedHostMemory))
	// Unknown shapes are not checked.
	require.NoError(t, c.checkBuffer(buf, shapes.Invalid(), cpu.PinnedHostMemory))

	err := c.checkBuffer(buf, shapes.Make(dtypes.Float32, 4), cpu.PinnedHostMemory)
	assert.True(t, status.IsInternal(err), "got %v", err)
	err = c.checkBuffer(buf, shapes.Make(dtypes.Int32, 2, 2), cpu.PinnedHostMemory)
	assert.True(t, status.IsInternal(err), "got %v", err)
	// The default memory kind of the device is "device".
	err = c.checkBuffer(buf, shape, devices.DefaultMemoryKind)
	assert.True(t, status.IsInternal(err), "got %v", err)
	err = c.checkBuffer(buf, shape, "hbm")
	assert.True(t, status.IsInvalidArgument(err), "got %v", err)
}

func TestStoragePinnedRelease(t *testing.T) {
	backend := must.M1(cpu.NewWithConfig(must.M1(cpu.ParseConfig("devices=1"))))
	defer backend.Finalize()
	buffer := must.M1(backend.BufferFromFlatData(backend.Devices()[0], devices.DefaultMemoryKind, []int8{1}, shapes.Make(dtypes.Int8, 1)))

	s := newStorage(1, futures.Ready())
	s.set(0, newDeviceBuffer(backend, buffer, nil))
	require.NoError(t, s.pin())
	s.release()
	s.release()
	// Release is postponed while pinned, and new pins are refused.
	assert.Equal(t, 1, backend.LiveBuffers())
	require.True(t, status.IsFailedPrecondition(s.pin()))
	buf := must.M1(s.acquire(0))
	buf.release()
	s.unpin()
	assert.Equal(t, 0, backend.LiveBuffers())
	_, err := s.acquire(0)
	require.True(t, status.IsFailedPrecondition(err))
}
