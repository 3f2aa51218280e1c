// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays

import (
	"context"
	"reflect"
	"slices"

	"github.com/gomlx/ifrt/internal/strided"
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/dtypes"
	"github.com/gomlx/ifrt/pkg/core/futures"
	"github.com/gomlx/ifrt/pkg/core/sharding"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CopyArrays copies the arrays to a new device list and/or memory kind.
//
// All arrays must use the same device list and memory kind. If devs is nil, the arrays keep their device
// list; if memoryKind is devices.DefaultMemoryKind, they keep their memory kind. The new device list must
// have the same length as the current one: shard at position i is copied to devs.At(i).
//
// With ReuseInput and DonateInput, shards whose device and memory kind don't change share the buffers of
// the inputs, and DonateInput deletes the inputs.
//
// Copies between addressable and non-addressable devices (across processes) are not supported.
func (c *Client) CopyArrays(ctx context.Context, arrays []*Array, devs *devices.List, memoryKind devices.MemoryKind,
	copySemantics CopySemantics) ([]*Array, error) {
	if len(arrays) == 0 {
		return nil, nil
	}
	if err := copySemantics.validate(); err != nil {
		return nil, err
	}
	for ii, array := range arrays {
		if array == nil {
			return nil, status.InvalidArgumentf("CopyArrays: array #%d is nil", ii)
		}
		if array.client != c {
			return nil, status.InvalidArgumentf("CopyArrays: array #%d belongs to a different client", ii)
		}
		if err := array.checkNotDeleted(); err != nil {
			return nil, errors.WithMessagef(err, "CopyArrays: array #%d", ii)
		}
		if ii > 0 {
			if err := checkSameDevicesAndMemory(arrays[0].sharding, array.sharding); err != nil {
				return nil, errors.WithMessagef(err, "CopyArrays: array #%d", ii)
			}
		}
	}
	if devs == nil {
		devs = arrays[0].sharding.Devices()
	}

	results := make([]*Array, len(arrays))
	for ii, array := range arrays {
		result, err := c.copyArray(ctx, array, devs, memoryKind, copySemantics)
		if err != nil {
			return nil, errors.WithMessagef(err, "CopyArrays: array #%d (%s)", ii, array)
		}
		results[ii] = result
	}
	if copySemantics == DonateInput {
		for _, array := range arrays {
			array.Delete()
		}
	}
	return results, nil
}

func (c *Client) copyArray(ctx context.Context, array *Array, devs *devices.List, memoryKind devices.MemoryKind,
	copySemantics CopySemantics) (*Array, error) {
	newSharding, err := array.sharding.WithDeviceAssignment(devs, memoryKind)
	if err != nil {
		return nil, err
	}
	newMemoryKind, err := c.checkMemoryKind(newSharding)
	if err != nil {
		return nil, err
	}
	srcDevices := array.sharding.Devices()
	var sources []shardSource
	for pos := range devs.Len() {
		srcDevice, dstDevice := srcDevices.At(pos), devs.At(pos)
		if srcDevice.IsAddressable() != dstDevice.IsAddressable() {
			return nil, status.Unimplementedf("copying shard #%d from %s to %s crosses processes", pos, srcDevice, dstDevice)
		}
		if !dstDevice.IsAddressable() {
			continue
		}
		source := shardSource{pos: pos, src: array.storage, srcPos: pos, shape: array.shardShape(pos)}
		same, err := sameLocation(srcDevice, array.sharding.MemoryKind(), dstDevice, newMemoryKind)
		if err != nil {
			return nil, err
		}
		if !same {
			source.target = dstDevice
		}
		sources = append(sources, source)
	}
	dst := newStorage(devs.Len(), futures.Future{})
	dst.ready, err = c.derive(array.storage.ready, []*storage{array.storage}, func() error {
		return c.shareOrCopy(dst, sources, newMemoryKind, copySemantics)
	})
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("arrays: copying %s to %s (%s)", array, newSharding, copySemantics)
	return c.newArray(ctx, array.shape, newSharding, slices.Clone(array.shardShapes), dst), nil
}

// sameLocation returns whether both device and memory kind pairs refer to the same memory.
func sameLocation(device0 devices.Device, kind0 devices.MemoryKind, device1 devices.Device, kind1 devices.MemoryKind) (bool, error) {
	if device0.ID() != device1.ID() {
		return false, nil
	}
	canonical0, err := devices.CanonicalMemoryKind(device0, kind0)
	if err != nil {
		return false, err
	}
	canonical1, err := devices.CanonicalMemoryKind(device1, kind1)
	if err != nil {
		return false, err
	}
	return canonical0 == canonical1, nil
}

// shardRead is the read of the shard at position pos into the index domain of the host buffer.
type shardRead struct {
	pos    int
	domain sharding.IndexDomain
}

// CopyToHostBuffer copies the contents of the array into flat, a slice of the Go type of the array's dtype,
// using the given byte strides (nil for the packed major-to-minor layout).
//
// The copy happens once the array is ready: flat must not be accessed until the returned future is resolved.
// Only AlwaysCopy is supported.
//
// Every region of the array must be held by some addressable shard.
func (a *Array) CopyToHostBuffer(flat any, byteStrides []int64, copySemantics CopySemantics) futures.Future {
	reads, layout, err := a.planCopyToHost(flat, byteStrides, copySemantics)
	if err != nil {
		return futures.Failed(errors.WithMessagef(err, "CopyToHostBuffer(%s)", a))
	}
	c := a.client
	dtype := a.DType()
	packed := layout.IsPacked() && reflect.ValueOf(flat).Len() == a.shape.Size()
	done, err := c.derive(a.storage.ready, []*storage{a.storage}, func() error {
		for _, read := range reads {
			if err := c.readShard(a.storage, read, dtype, flat, layout, packed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return futures.Failed(errors.WithMessagef(err, "CopyToHostBuffer(%s)", a))
	}
	return done
}

func (a *Array) planCopyToHost(flat any, byteStrides []int64, copySemantics CopySemantics) ([]shardRead, strided.Layout, error) {
	var layout strided.Layout
	if err := a.checkNotDeleted(); err != nil {
		return nil, layout, err
	}
	if err := copySemantics.validate(); err != nil {
		return nil, layout, err
	}
	if copySemantics != AlwaysCopy {
		return nil, layout, status.Unimplementedf("only AlwaysCopy is supported to copy to host, got %s", copySemantics)
	}
	flatDType, err := dtypes.FromFlat(flat)
	if err != nil {
		return nil, layout, status.WithCode(status.InvalidArgument, err)
	}
	if flatDType != a.DType() {
		return nil, layout, status.InvalidArgumentf("host buffer is %T, but the array dtype is %s", flat, a.DType())
	}
	layout, err = strided.FromByteStrides(a.shape, byteStrides, reflect.ValueOf(flat).Len())
	if err != nil {
		return nil, layout, err
	}
	if a.shape.Size() == 0 {
		return nil, layout, nil
	}

	devs := a.sharding.Devices()
	if a.sharding.IsFullyReplicated() {
		for pos := range devs.Len() {
			if devs.At(pos).IsAddressable() {
				whole := sharding.IndexDomain{Origin: make([]int, a.shape.Rank()), Dimensions: slices.Clone(a.shape.Dimensions)}
				return []shardRead{{pos: pos, domain: whole}}, layout, nil
			}
		}
		return nil, layout, status.Unimplementedf("no addressable shard to copy from")
	}

	domains, err := a.sharding.IndexDomains(a.shape)
	if err != nil {
		return nil, layout, err
	}
	// Read each distinct domain once, from its first addressable shard.
	var reads []shardRead
	var missing []sharding.IndexDomain
	for pos, domain := range domains {
		if slices.ContainsFunc(reads, func(r shardRead) bool { return r.domain.Equal(domain) }) {
			continue
		}
		if !devs.At(pos).IsAddressable() {
			if !slices.ContainsFunc(missing, domain.Equal) {
				missing = append(missing, domain)
			}
			continue
		}
		reads = append(reads, shardRead{pos: pos, domain: domain})
	}
	for _, domain := range missing {
		if !slices.ContainsFunc(reads, func(r shardRead) bool { return r.domain.Equal(domain) }) {
			return nil, layout, status.Unimplementedf("%s is only held by non-addressable devices", domain)
		}
	}
	return reads, layout, nil
}

// readShard copies the shard into its domain of the host flat slice.
func (c *Client) readShard(s *storage, read shardRead, dtype dtypes.DType, flat any, layout strided.Layout, packed bool) error {
	buf, err := s.acquire(read.pos)
	if err != nil {
		return err
	}
	defer buf.release()
	whole := slices.Equal(read.domain.Dimensions, layout.Dimensions)
	if packed && whole {
		return c.backend.BufferToFlatData(buf.buffer, flat)
	}
	size := 1
	for _, dim := range read.domain.Dimensions {
		size *= dim
	}
	shardFlat := dtypes.MakeFlat(dtype, size)
	if err := c.backend.BufferToFlatData(buf.buffer, shardFlat); err != nil {
		return err
	}
	if whole {
		strided.Scatter(flat, layout, shardFlat)
		return nil
	}
	strided.Copy(flat, layout, read.domain.Origin, shardFlat, strided.Packed(read.domain.Dimensions),
		make([]int, len(read.domain.Dimensions)), read.domain.Dimensions)
	return nil
}

// MakeErrorArrays creates one array per spec whose readiness future fails with err.
//
// Error arrays carry shape and sharding, but no data: they are placeholders to propagate an error through
// code that expects arrays.
func (c *Client) MakeErrorArrays(ctx context.Context, err error, specs []ArraySpec) ([]*Array, error) {
	if err == nil {
		return nil, status.InvalidArgumentf("MakeErrorArrays requires a non-nil error")
	}
	results := make([]*Array, len(specs))
	for ii, spec := range specs {
		if spec.Sharding == nil {
			return nil, status.InvalidArgumentf("MakeErrorArrays: spec #%d has no sharding", ii)
		}
		if !spec.Shape.Ok() {
			return nil, status.InvalidArgumentf("MakeErrorArrays: spec #%d has an invalid shape %s", ii, spec.Shape)
		}
		if layoutErr := checkLayout(spec.Layout, spec.Shape.Rank()); layoutErr != nil {
			return nil, errors.WithMessagef(layoutErr, "MakeErrorArrays: spec #%d", ii)
		}
		shardShapes, shapeErr := shardShapesOf(spec.Shape, spec.Sharding)
		if shapeErr != nil {
			return nil, errors.WithMessagef(shapeErr, "MakeErrorArrays: spec #%d (%s)", ii, spec)
		}
		s := newStorage(spec.Sharding.NumShards(), futures.Failed(err))
		results[ii] = c.newArray(ctx, spec.Shape, spec.Sharding, shardShapes, s)
	}
	return results, nil
}
