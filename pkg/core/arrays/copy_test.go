// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays_test

import (
	"context"
	"testing"

	"github.com/gomlx/ifrt/backends/cpu"
	"github.com/gomlx/ifrt/pkg/core/arrays"
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/dtypes"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/sharding"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyArrays(t *testing.T) {
	e := newEnv(t, "devices=2,processes=2")
	ctx := context.Background()
	shape := shapes.Make(dtypes.Int16, 2, 2)
	s := must.M1(sharding.NewConcreteEven(e.list(0, 1), devices.DefaultMemoryKind, shape, shapes.Make(dtypes.Int16, 1, 2)))
	flat := []int16{1, 2, 3, 4}

	t.Run("ReversedDevices", func(t *testing.T) {
		a := fromHost(t, e, s, flat, 2, 2)
		copies := must.M1(e.client.CopyArrays(ctx, []*arrays.Array{a}, e.list(1, 0), devices.DefaultMemoryKind, arrays.AlwaysCopy))
		require.Len(t, copies, 1)
		c := copies[0]
		assert.Equal(t, []devices.ID{1, 0}, c.Sharding().Devices().IDs())
		assert.Equal(t, flat, toHost[int16](t, c))
		// The first shard (first row) is now on device 1.
		shards := must.M1(c.DisassembleIntoSingleDeviceArrays(ctx, arrays.ReuseInput, sharding.AddressableShards))
		assert.Equal(t, devices.ID(1), shards[0].Sharding().Devices().At(0).ID())
		assert.Equal(t, []int16{1, 2}, toHost[int16](t, shards[0]))
		assert.False(t, a.IsDeleted())
	})

	t.Run("MemoryKind", func(t *testing.T) {
		a := fromHost(t, e, s, flat, 2, 2)
		b := fromHost(t, e, s, []int16{5, 6, 7, 8}, 2, 2)
		copies := must.M1(e.client.CopyArrays(ctx, []*arrays.Array{a, b}, nil, cpu.PinnedHostMemory, arrays.ReuseInput))
		require.Len(t, copies, 2)
		for _, c := range copies {
			assert.Equal(t, cpu.PinnedHostMemory, c.MemoryKind())
			assert.True(t, c.Sharding().Devices().Equal(s.Devices()))
		}
		assert.Equal(t, cpu.DeviceMemory, a.MemoryKind())
		assert.Equal(t, flat, toHost[int16](t, copies[0]))
		assert.Equal(t, []int16{5, 6, 7, 8}, toHost[int16](t, copies[1]))
	})

	t.Run("ReuseInput", func(t *testing.T) {
		e := newEnv(t, "devices=2,processes=2")
		s := must.M1(sharding.NewConcreteEven(e.list(0, 1), devices.DefaultMemoryKind, shape, shapes.Make(dtypes.Int16, 1, 2)))
		a := fromHost(t, e, s, flat, 2, 2)
		require.Equal(t, 2, e.backend.LiveBuffers())
		// Same devices and memory kind: buffers are shared.
		copies := must.M1(e.client.CopyArrays(ctx, []*arrays.Array{a}, e.list(0, 1), cpu.DeviceMemory, arrays.ReuseInput))
		require.NoError(t, copies[0].GetReadyFuture().Await())
		assert.Equal(t, 2, e.backend.LiveBuffers())
		require.NoError(t, a.Delete().Await())
		assert.Equal(t, flat, toHost[int16](t, copies[0]))
		require.NoError(t, copies[0].Delete().Await())
		assert.Equal(t, 0, e.backend.LiveBuffers())
	})

	t.Run("DonateInput", func(t *testing.T) {
		a := fromHost(t, e, s, flat, 2, 2)
		copies := must.M1(e.client.CopyArrays(ctx, []*arrays.Array{a}, e.list(1, 0), devices.DefaultMemoryKind, arrays.DonateInput))
		assert.True(t, a.IsDeleted())
		assert.Equal(t, flat, toHost[int16](t, copies[0]))
	})

	t.Run("Empty", func(t *testing.T) {
		copies, err := e.client.CopyArrays(ctx, nil, e.list(1, 0), devices.DefaultMemoryKind, arrays.AlwaysCopy)
		require.NoError(t, err)
		assert.Empty(t, copies)
	})

	t.Run("Errors", func(t *testing.T) {
		a := fromHost(t, e, s, flat, 2, 2)
		reversed := must.M1(sharding.NewConcreteEven(e.list(1, 0), devices.DefaultMemoryKind, shape, shapes.Make(dtypes.Int16, 1, 2)))
		b := fromHost(t, e, reversed, flat, 2, 2)
		pinned := must.M1(sharding.NewConcreteEven(e.list(0, 1), cpu.PinnedHostMemory, shape, shapes.Make(dtypes.Int16, 1, 2)))
		c := fromHost(t, e, pinned, flat, 2, 2)

		checkFails := func(inputs []*arrays.Array, devs *devices.List, memoryKind devices.MemoryKind, code status.Code) {
			t.Helper()
			_, err := e.client.CopyArrays(ctx, inputs, devs, memoryKind, arrays.AlwaysCopy)
			require.Error(t, err)
			assert.Equal(t, code, status.CodeOf(err), "got %v", err)
		}
		// Different device lists or memory kinds.
		checkFails([]*arrays.Array{a, b}, e.list(0, 1), devices.DefaultMemoryKind, status.InvalidArgument)
		checkFails([]*arrays.Array{a, c}, e.list(0, 1), devices.DefaultMemoryKind, status.InvalidArgument)
		// Wrong number of devices.
		checkFails([]*arrays.Array{a}, e.list(0), devices.DefaultMemoryKind, status.InvalidArgument)
		// Unknown memory kind.
		checkFails([]*arrays.Array{a}, e.list(0, 1), "hbm", status.InvalidArgument)
		// Across processes.
		checkFails([]*arrays.Array{a}, e.list(2, 3), devices.DefaultMemoryKind, status.Unimplemented)
		// Deleted input.
		require.NoError(t, b.Delete().Await())
		checkFails([]*arrays.Array{b}, e.list(0, 1), devices.DefaultMemoryKind, status.FailedPrecondition)
	})

	t.Run("NonAddressable", func(t *testing.T) {
		// Arrays over non-addressable devices can be re-assigned to other non-addressable devices.
		all := must.M1(sharding.NewConcreteEven(e.list(0, 2), devices.DefaultMemoryKind, shape, shapes.Make(dtypes.Int16, 1, 2)))
		a := fromHost(t, e, all, flat, 2, 2)
		copies := must.M1(e.client.CopyArrays(ctx, []*arrays.Array{a}, e.list(1, 3), devices.DefaultMemoryKind, arrays.AlwaysCopy))
		require.NoError(t, copies[0].GetReadyFuture().Await())
		shards := must.M1(copies[0].DisassembleIntoSingleDeviceArrays(ctx, arrays.ReuseInput, sharding.AddressableShards))
		require.Len(t, shards, 1)
		assert.Equal(t, devices.ID(1), shards[0].Sharding().Devices().At(0).ID())
		assert.Equal(t, []int16{1, 2}, toHost[int16](t, shards[0]))
	})
}

func TestCopyToHostBufferErrors(t *testing.T) {
	e := newEnv(t, "devices=2")
	a := fromHost(t, e, e.single(0), []float32{1, 2, 3, 4}, 2, 2)

	err := a.CopyToHostBuffer(make([]float32, 4), nil, arrays.ReuseInput).Await()
	require.True(t, status.IsUnimplemented(err), "got %v", err)
	err = a.CopyToHostBuffer(make([]float64, 4), nil, arrays.AlwaysCopy).Await()
	require.True(t, status.IsInvalidArgument(err), "got %v", err)
	err = a.CopyToHostBuffer(make([]float32, 3), nil, arrays.AlwaysCopy).Await()
	require.True(t, status.IsInvalidArgument(err), "got %v", err)
	err = a.CopyToHostBuffer(make([]float32, 4), []int64{8, 8}, arrays.AlwaysCopy).Await()
	require.True(t, status.IsInvalidArgument(err), "got %v", err)
	err = a.CopyToHostBuffer("not a slice", nil, arrays.AlwaysCopy).Await()
	require.True(t, status.IsInvalidArgument(err), "got %v", err)

	// Zero-sized arrays copy nothing.
	empty := fromHost(t, e, e.single(1), []float32{}, 0, 3)
	require.NoError(t, empty.CopyToHostBuffer([]float32{}, nil, arrays.AlwaysCopy).Await())
}
