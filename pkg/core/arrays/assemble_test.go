// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays_test

import (
	"context"
	"runtime"
	"testing"

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

func TestDisassembleAssemble(t *testing.T) {
	e := newEnv(t, "devices=2,processes=2")
	ctx := context.Background()
	shape := shapes.Make(dtypes.Float32, 4, 2)
	s := must.M1(sharding.NewConcreteEven(e.list(0, 1), devices.DefaultMemoryKind, shape, shapes.Make(dtypes.Float32, 2, 2)))
	flat := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	a := fromHost(t, e, s, flat, 4, 2)

	for _, semantics := range []arrays.CopySemantics{arrays.AlwaysCopy, arrays.ReuseInput} {
		shards := must.M1(a.DisassembleIntoSingleDeviceArrays(ctx, semantics, sharding.AddressableShards))
		require.Len(t, shards, 2)
		for ii, shard := range shards {
			assert.Equal(t, devices.ID(ii), shard.Sharding().Devices().At(0).ID())
			assert.True(t, shard.Shape().Equal(shapes.Make(dtypes.Float32, 2, 2)))
		}
		assert.Equal(t, []float32{0, 1, 2, 3}, toHost[float32](t, shards[0]))
		assert.Equal(t, []float32{4, 5, 6, 7}, toHost[float32](t, shards[1]))

		// Assemble back, inferring the dtype.
		assembled := must.M1(e.client.AssembleArrayFromSingleDeviceArrays(ctx, shapes.Shape{Dimensions: []int{4, 2}}, s,
			shards, semantics, sharding.AddressableShards))
		assert.True(t, assembled.Shape().Equal(shape))
		assert.Equal(t, flat, toHost[float32](t, assembled))
	}

	// Disassembled shards outlive the original array.
	shards := must.M1(a.DisassembleIntoSingleDeviceArrays(ctx, arrays.ReuseInput, sharding.AddressableShards))
	require.NoError(t, a.Delete().Await())
	assert.Equal(t, []float32{4, 5, 6, 7}, toHost[float32](t, shards[1]))
}

func TestAssembleAllShards(t *testing.T) {
	e := newEnv(t, "devices=2,processes=2")
	ctx := context.Background()
	shape := shapes.Make(dtypes.Int32, 4, 2)
	s := must.M1(sharding.NewConcreteEven(e.list(0, 1, 2, 3), devices.DefaultMemoryKind, shape, shapes.Make(dtypes.Int32, 1, 2)))
	a := fromHost(t, e, s, []int32{0, 1, 2, 3, 4, 5, 6, 7}, 4, 2)

	all := must.M1(a.DisassembleIntoSingleDeviceArrays(ctx, arrays.ReuseInput, sharding.AllShards))
	require.Len(t, all, 4)
	for ii, shard := range all {
		assert.Equal(t, devices.ID(ii), shard.Sharding().Devices().At(0).ID())
		// Shards of non-addressable devices are ready placeholders.
		require.NoError(t, shard.GetReadyFuture().Await())
	}
	assert.Equal(t, []int32{2, 3}, toHost[int32](t, all[1]))

	assembled := must.M1(e.client.AssembleArrayFromSingleDeviceArrays(ctx, shape, s, all, arrays.AlwaysCopy, sharding.AllShards))
	shards := must.M1(assembled.DisassembleIntoSingleDeviceArrays(ctx, arrays.ReuseInput, sharding.AddressableShards))
	require.Len(t, shards, 2)
	assert.Equal(t, []int32{0, 1}, toHost[int32](t, shards[0]))
	assert.Equal(t, []int32{2, 3}, toHost[int32](t, shards[1]))

	// With AddressableShards only the 2 addressable arrays are expected.
	_, err := e.client.AssembleArrayFromSingleDeviceArrays(ctx, shape, s, all, arrays.AlwaysCopy, sharding.AddressableShards)
	require.True(t, status.IsInvalidArgument(err), "got %v", err)
	assembled = must.M1(e.client.AssembleArrayFromSingleDeviceArrays(ctx, shape, s, all[:2], arrays.ReuseInput, sharding.AddressableShards))
	require.NoError(t, assembled.GetReadyFuture().Await())
}

func TestAssembleOpaque(t *testing.T) {
	e := newEnv(t, "devices=2")
	ctx := context.Background()
	top := fromHost(t, e, e.single(0), []int64{0, 1}, 1, 2)
	bottom := fromHost(t, e, e.single(1), []int64{2, 3, 4, 5, 6, 7}, 3, 2)
	s := must.M1(sharding.NewOpaque(e.list(0, 1), devices.DefaultMemoryKind))
	shape := shapes.Make(dtypes.Int64, 4, 2)
	assembled := must.M1(e.client.AssembleArrayFromSingleDeviceArrays(ctx, shape, s, []*arrays.Array{top, bottom},
		arrays.ReuseInput, sharding.AddressableShards))
	require.NoError(t, assembled.GetReadyFuture().Await())

	// The shard shapes are known from the assembled arrays.
	shards := must.M1(assembled.DisassembleIntoSingleDeviceArrays(ctx, arrays.AlwaysCopy, sharding.AddressableShards))
	require.Len(t, shards, 2)
	assert.True(t, shards[1].Shape().Equal(shapes.Make(dtypes.Int64, 3, 2)))
	assert.Equal(t, []int64{2, 3, 4, 5, 6, 7}, toHost[int64](t, shards[1]))

	// Without index domains, the array can't be copied to the host as a whole.
	err := assembled.CopyToHostBuffer(make([]int64, 8), nil, arrays.AlwaysCopy).Await()
	require.True(t, status.IsUnimplemented(err), "got %v", err)
}

func TestAssembleDonate(t *testing.T) {
	e := newEnv(t, "devices=2")
	ctx := context.Background()
	shape := shapes.Make(dtypes.Uint8, 2, 3)
	s := must.M1(sharding.NewConcreteEven(e.list(0, 1), devices.DefaultMemoryKind, shape, shapes.Make(dtypes.Uint8, 1, 3)))
	inputs := []*arrays.Array{
		fromHost(t, e, e.single(0), []uint8{1, 2, 3}, 1, 3),
		fromHost(t, e, e.single(1), []uint8{4, 5, 6}, 1, 3),
	}
	assembled := must.M1(e.client.AssembleArrayFromSingleDeviceArrays(ctx, shape, s, inputs, arrays.DonateInput,
		sharding.AddressableShards))
	for _, input := range inputs {
		assert.True(t, input.IsDeleted())
	}
	assert.Equal(t, []uint8{1, 2, 3, 4, 5, 6}, toHost[uint8](t, assembled))
	assert.Equal(t, 2, e.backend.LiveBuffers())

	// Donated arrays can't be used again.
	_, err := e.client.AssembleArrayFromSingleDeviceArrays(ctx, shape, s, inputs, arrays.AlwaysCopy, sharding.AddressableShards)
	require.True(t, status.IsFailedPrecondition(err), "got %v", err)

	// Disassembling with DonateInput deletes the source.
	shards := must.M1(assembled.DisassembleIntoSingleDeviceArrays(ctx, arrays.DonateInput, sharding.AddressableShards))
	assert.True(t, assembled.IsDeleted())
	assert.Equal(t, []uint8{4, 5, 6}, toHost[uint8](t, shards[1]))
	assert.Equal(t, 2, e.backend.LiveBuffers())
	runtime.KeepAlive(shards)
}

func TestAssembleErrors(t *testing.T) {
	e := newEnv(t, "devices=2,processes=2")
	ctx := context.Background()
	shape := shapes.Make(dtypes.Float32, 2, 2)
	shardShape := shapes.Make(dtypes.Float32, 1, 2)
	s := must.M1(sharding.NewConcreteEven(e.list(0, 1), devices.DefaultMemoryKind, shape, shardShape))
	on0 := fromHost(t, e, e.single(0), []float32{1, 2}, 1, 2)
	on1 := fromHost(t, e, e.single(1), []float32{3, 4}, 1, 2)

	checkFails := func(inputs []*arrays.Array, shape shapes.Shape, s sharding.Sharding, code status.Code) {
		t.Helper()
		_, err := e.client.AssembleArrayFromSingleDeviceArrays(ctx, shape, s, inputs, arrays.ReuseInput, sharding.AddressableShards)
		require.Error(t, err)
		assert.Equal(t, code, status.CodeOf(err), "got %v", err)
	}

	// Devices in the wrong order.
	checkFails([]*arrays.Array{on1, on0}, shape, s, status.InvalidArgument)
	// Wrong number of arrays.
	checkFails([]*arrays.Array{on0}, shape, s, status.InvalidArgument)
	// Nil array.
	checkFails([]*arrays.Array{on0, nil}, shape, s, status.InvalidArgument)
	// Missing sharding.
	checkFails([]*arrays.Array{on0, on1}, shape, nil, status.InvalidArgument)
	// DType mismatch.
	checkFails([]*arrays.Array{on0, on1}, shapes.Make(dtypes.Float64, 2, 2), s, status.InvalidArgument)
	// Shard shape mismatch.
	tall := must.M1(sharding.NewConcreteEven(e.list(0, 1), devices.DefaultMemoryKind, shapes.Make(dtypes.Float32, 4, 2),
		shapes.Make(dtypes.Float32, 2, 2)))
	checkFails([]*arrays.Array{on0, on1}, shapes.Make(dtypes.Float32, 4, 2), tall, status.InvalidArgument)
	// Memory kind mismatch.
	pinned := must.M1(sharding.NewConcreteEven(e.list(0, 1), "pinned_host", shape, shardShape))
	checkFails([]*arrays.Array{on0, on1}, shape, pinned, status.InvalidArgument)
	// Not single-device arrays.
	multi := fromHost(t, e, s, []float32{1, 2, 3, 4}, 2, 2)
	checkFails([]*arrays.Array{multi, on1}, shape, s, status.InvalidArgument)
	// Arrays of another client.
	other := newEnv(t, "devices=2,processes=2")
	foreign := fromHost(t, other, other.single(1), []float32{3, 4}, 1, 2)
	checkFails([]*arrays.Array{on0, foreign}, shape, s, status.InvalidArgument)
	// Invalid copy semantics.
	_, err := e.client.AssembleArrayFromSingleDeviceArrays(ctx, shape, s, []*arrays.Array{on0, on1}, arrays.CopySemantics(5),
		sharding.AddressableShards)
	require.True(t, status.IsInvalidArgument(err), "got %v", err)
}
