// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays

import (
	"context"

	"github.com/gomlx/ifrt/backends"
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/dtypes"
	"github.com/gomlx/ifrt/pkg/core/futures"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/sharding"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/pkg/errors"
)

// shardSource is where the data of position pos of a new array comes from: position srcPos of the
// storage src.
//
// If target is nil, the data stays on the same device and memory kind. shape is the expected shard shape,
// invalid if unknown.
type shardSource struct {
	pos    int
	src    *storage
	srcPos int
	target devices.Device
	shape  shapes.Shape
}

// shareOrCopy fills the positions of dst from their sources.
//
// Sources with a target are always copied to it. The others share the source buffer (ReuseInput, DonateInput),
// or copy it to the same device (AlwaysCopy).
func (c *Client) shareOrCopy(dst *storage, sources []shardSource, memoryKind devices.MemoryKind,
	semantics CopySemantics) error {
	for _, source := range sources {
		buf, err := source.src.acquire(source.srcPos)
		if err != nil {
			return err
		}
		if semantics == AlwaysCopy || source.target != nil {
			target := source.target
			if target == nil {
				target, err = c.backend.BufferDevice(buf.buffer)
				if err != nil {
					buf.release()
					return err
				}
			}
			copied, err := c.backend.BufferCopyToDevice(buf.buffer, target, memoryKind)
			buf.release()
			if err != nil {
				return errors.WithMessagef(err, "failed to copy shard #%d to %s", source.pos, target)
			}
			buf = newDeviceBuffer(c.backend, copied, nil)
		}
		if err := c.checkBuffer(buf.buffer, source.shape, memoryKind); err != nil {
			buf.release()
			return errors.WithMessagef(err, "shard #%d", source.pos)
		}
		dst.set(source.pos, buf)
	}
	return nil
}

// checkBuffer checks that the backend buffer has the expected shape (if valid) and is in memory of the
// given kind: a mismatch is an Internal error.
func (c *Client) checkBuffer(buffer backends.Buffer, shape shapes.Shape, memoryKind devices.MemoryKind) error {
	if shape.Ok() {
		bufferShape, err := c.backend.BufferShape(buffer)
		if err != nil {
			return err
		}
		if !bufferShape.Equal(shape) {
			return status.Internalf("device buffer has shape %s, expected %s", bufferShape, shape)
		}
	}
	device, err := c.backend.BufferDevice(buffer)
	if err != nil {
		return err
	}
	want, err := devices.CanonicalMemoryKind(device, memoryKind)
	if err != nil {
		return err
	}
	got, err := c.backend.BufferMemoryKind(buffer)
	if err != nil {
		return err
	}
	if got != want {
		return status.Internalf("device buffer on %s is in memory kind %q, expected %q", device, got, want)
	}
	return nil
}

// AssembleArrayFromSingleDeviceArrays creates an array with the given shape and sharding from single-device
// arrays holding its shards.
//
// With sharding.AddressableShards, arrays holds one array per addressable device of the sharding, in device list
// order. With sharding.AllShards, it holds one array per device: arrays on non-addressable devices are accepted
// as placeholders without data.
//
// If shape.DType is dtypes.InvalidDType, the dtype is taken from the arrays.
//
// With AlwaysCopy the new array has its own copy of the data, with ReuseInput it shares the data with the inputs,
// and with DonateInput the inputs are deleted.
func (c *Client) AssembleArrayFromSingleDeviceArrays(ctx context.Context, shape shapes.Shape, s sharding.Sharding,
	arrays []*Array, copySemantics CopySemantics, shardSemantics sharding.ShardSemantics) (*Array, error) {
	array, err := c.assemble(ctx, shape, s, arrays, copySemantics, shardSemantics)
	if err != nil {
		return nil, errors.WithMessagef(err, "AssembleArrayFromSingleDeviceArrays(%s, %s)", shape, s)
	}
	return array, nil
}

func (c *Client) assemble(ctx context.Context, shape shapes.Shape, s sharding.Sharding,
	arrays []*Array, copySemantics CopySemantics, shardSemantics sharding.ShardSemantics) (*Array, error) {
	if s == nil {
		return nil, status.InvalidArgumentf("sharding is required")
	}
	if err := copySemantics.validate(); err != nil {
		return nil, err
	}
	for ii, input := range arrays {
		if input == nil {
			return nil, status.InvalidArgumentf("array #%d is nil", ii)
		}
	}
	if shape.DType == dtypes.InvalidDType {
		if len(arrays) == 0 {
			return nil, status.InvalidArgumentf("dtype must be given when assembling from no arrays")
		}
		shape = shape.Clone()
		shape.DType = arrays[0].DType()
	}
	if !shape.Ok() {
		return nil, status.InvalidArgumentf("invalid shape %s", shape)
	}
	memoryKind, err := c.checkMemoryKind(s)
	if err != nil {
		return nil, err
	}

	// Positions of the device list expected in arrays, and their shapes if known.
	numPositions := s.NumShards()
	shardShapes, err := shardShapesOf(shape, s)
	if err != nil {
		return nil, err
	}
	var positions []int
	for pos := range numPositions {
		if shardSemantics == sharding.AllShards || s.Devices().At(pos).IsAddressable() {
			positions = append(positions, pos)
		}
	}
	if len(arrays) != len(positions) {
		return nil, status.InvalidArgumentf("expected %d single-device arrays (%s), got %d",
			len(positions), shardSemantics, len(arrays))
	}
	if shardShapes == nil {
		// Opaque shardings have no shard shape information: take them from the arrays.
		shardShapes = make([]shapes.Shape, numPositions)
		for ii := range shardShapes {
			shardShapes[ii] = shapes.Invalid()
		}
		for ii, pos := range positions {
			shardShapes[pos] = arrays[ii].Shape().Clone()
		}
	}

	var sources []shardSource
	readyFutures := make([]futures.Future, 0, len(arrays))
	for ii, pos := range positions {
		input := arrays[ii]
		if input.client != c {
			return nil, status.InvalidArgumentf("array #%d belongs to a different client", ii)
		}
		if err := input.checkNotDeleted(); err != nil {
			return nil, err
		}
		device, ok := input.singleDevice()
		if !ok {
			return nil, status.InvalidArgumentf("array #%d is not a single-device array: %s", ii, input.sharding)
		}
		expectedDevice := s.Devices().At(pos)
		if device.ID() != expectedDevice.ID() {
			return nil, status.InvalidArgumentf("array #%d is on device %s, but the sharding expects device %s at position %d",
				ii, device, expectedDevice, pos)
		}
		if input.DType() != shape.DType {
			return nil, status.InvalidArgumentf("array #%d has dtype %s, expected %s", ii, input.DType(), shape.DType)
		}
		if !input.Shape().EqualDimensions(shardShapes[pos]) {
			return nil, status.InvalidArgumentf("array #%d has shape %s, but the shard at position %d has shape %s",
				ii, input.Shape(), pos, shardShapes[pos])
		}
		inputKind, err := devices.CanonicalMemoryKind(device, input.sharding.MemoryKind())
		if err != nil {
			return nil, err
		}
		targetKind, err := devices.CanonicalMemoryKind(expectedDevice, memoryKind)
		if err != nil {
			return nil, err
		}
		if inputKind != targetKind {
			return nil, status.InvalidArgumentf("array #%d is in memory kind %q, the sharding uses %q", ii, inputKind, targetKind)
		}
		readyFutures = append(readyFutures, input.storage.ready)
		if expectedDevice.IsAddressable() {
			sources = append(sources, shardSource{pos: pos, src: input.storage, shape: shardShapes[pos]})
		}
	}

	dst := newStorage(numPositions, futures.Future{})
	dst.ready, err = c.derive(futures.Join(readyFutures...), storagesOf(arrays), func() error {
		return c.shareOrCopy(dst, sources, memoryKind, copySemantics)
	})
	if err != nil {
		return nil, err
	}
	if copySemantics == DonateInput {
		for _, input := range arrays {
			input.Delete()
		}
	}
	return c.newArray(ctx, shape, s, shardShapes, dst), nil
}

// DisassembleIntoSingleDeviceArrays returns one single-device array per shard, in device list order.
//
// With sharding.AddressableShards only the shards of addressable devices are returned. With sharding.AllShards
// the shards of non-addressable devices are returned as placeholders without data.
//
// With AlwaysCopy the new arrays have their own copy of the data, with ReuseInput they share the data with this
// array, and with DonateInput this array is deleted.
func (a *Array) DisassembleIntoSingleDeviceArrays(ctx context.Context, copySemantics CopySemantics,
	shardSemantics sharding.ShardSemantics) ([]*Array, error) {
	if err := a.checkNotDeleted(); err != nil {
		return nil, err
	}
	if err := copySemantics.validate(); err != nil {
		return nil, err
	}
	if a.shardShapes == nil {
		return nil, status.InvalidArgumentf("%s has no shard shape information to disassemble", a)
	}
	c := a.client
	memoryKind := a.sharding.MemoryKind()
	var results []*Array
	for pos := range a.sharding.NumShards() {
		device := a.sharding.Devices().At(pos)
		if !device.IsAddressable() && shardSemantics == sharding.AddressableShards {
			continue
		}
		shardShape := a.shardShapes[pos]
		if !shardShape.Ok() {
			return nil, status.InvalidArgumentf("%s has no shape information for shard #%d", a, pos)
		}
		single, err := sharding.NewSingleDevice(device, memoryKind)
		if err != nil {
			return nil, err
		}
		dst := newStorage(1, futures.Future{})
		var sources []shardSource
		if device.IsAddressable() {
			sources = []shardSource{{pos: 0, src: a.storage, srcPos: pos, shape: shardShape}}
		}
		dst.ready, err = c.derive(a.storage.ready, []*storage{a.storage}, func() error {
			return c.shareOrCopy(dst, sources, memoryKind, copySemantics)
		})
		if err != nil {
			return nil, err
		}
		results = append(results, c.newArray(ctx, shardShape, single, []shapes.Shape{shardShape}, dst))
	}
	if copySemantics == DonateInput {
		a.Delete()
	}
	return results, nil
}

// storagesOf returns the storage of each array.
func storagesOf(arrays []*Array) []*storage {
	storages := make([]*storage, len(arrays))
	for ii, array := range arrays {
		storages[ii] = array.storage
	}
	return storages
}
