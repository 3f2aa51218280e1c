// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sharding describes how the logical shape of an Array decomposes into per-device shards.
//
// A Sharding is one of a closed set of variants:
//
//   - SingleDevice: one shard, equal to the whole shape, on one device.
//   - ConcreteEven: every shard has the same explicit shape; shards tile the logical shape row-major,
//     and each tile is replicated over NumShards/numTiles consecutive devices.
//   - Concrete: explicit (possibly uneven) per-shard shapes, without placement information.
//   - Opaque: only the devices are known, not the shard shapes.
//   - Param: derived from a ShardingParam, a per-dimension shard factorization plus a device
//     permutation. See also Mesh and Spec, a named-axes way of building a ShardingParam.
//
// Shardings are immutable once created, and can be freely shared among arrays.
package sharding

import (
	"fmt"
	"slices"

	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/status"
)

// Sharding is the common interface of all sharding variants.
type Sharding interface {
	// Devices returns the device list: the position of a device in the list is its shard index.
	Devices() *devices.List

	// MemoryKind where the shards are stored. It may be devices.DefaultMemoryKind.
	MemoryKind() devices.MemoryKind

	// NumShards is the number of shards, one per device (it is the same as Devices().Len()).
	NumShards() int

	// IsFullyReplicated returns whether every shard holds the whole logical array.
	IsFullyReplicated() bool

	// ShardShape returns the shape common to all shards of an array with the given logical shape.
	// It fails if the shards have different shapes, or if shape is not compatible with the sharding.
	ShardShape(shape shapes.Shape) (shapes.Shape, error)

	// Disassemble returns the shards of an array with the given logical shape, in device-list order.
	//
	// With AddressableShards, non-addressable devices are elided.
	Disassemble(shape shapes.Shape, semantics ShardSemantics) ([]Shard, error)

	// IndexDomains returns for each shard (in device-list order, all devices) the region of the logical
	// array it holds.
	//
	// It is only defined for variants with placement information: others return an Unimplemented error.
	IndexDomains(shape shapes.Shape) ([]IndexDomain, error)

	// WithDeviceAssignment returns the same sharding with a new device list of the same length and,
	// if memoryKind is not devices.DefaultMemoryKind, a new memory kind.
	WithDeviceAssignment(devs *devices.List, memoryKind devices.MemoryKind) (Sharding, error)

	// Equal returns whether other is the same variant, with the same devices, memory kind and parameters.
	Equal(other Sharding) bool

	// String for pretty-printing.
	String() string

	// isSharding closes the set of variants to this package.
	isSharding()
}

// ShardSemantics selects which shards are enumerated by disassembly and expected by assembly.
type ShardSemantics int

const (
	// AddressableShards enumerates only the shards on addressable devices.
	AddressableShards ShardSemantics = iota

	// AllShards enumerates all shards: non-addressable ones hold no data.
	AllShards
)

// String implements fmt.Stringer.
func (s ShardSemantics) String() string {
	switch s {
	case AddressableShards:
		return "AddressableShards"
	case AllShards:
		return "AllShards"
	}
	return fmt.Sprintf("ShardSemantics(%d)", int(s))
}

// Shard is one piece of a disassembled sharding.
type Shard struct {
	// Index is the position of the shard's device in the sharding's device list.
	Index int

	// Device holding the shard.
	Device devices.Device

	// Shape of the shard.
	Shape shapes.Shape

	// Sharding of the shard as a standalone array.
	Sharding *SingleDevice
}

// IndexDomain is a box region of a logical array: its origin and the shape (dimensions) of the box.
type IndexDomain struct {
	Origin     []int
	Dimensions []int
}

// String implements fmt.Stringer.
func (d IndexDomain) String() string {
	return fmt.Sprintf("IndexDomain(origin=%v, shape=%v)", d.Origin, d.Dimensions)
}

// Equal returns whether both domains are the same.
func (d IndexDomain) Equal(other IndexDomain) bool {
	return slices.Equal(d.Origin, other.Origin) && slices.Equal(d.Dimensions, other.Dimensions)
}

// base holds the fields common to all variants.
type base struct {
	devices    *devices.List
	memoryKind devices.MemoryKind
}

func newBase(devs *devices.List, memoryKind devices.MemoryKind) (base, error) {
	if devs == nil || devs.Len() == 0 {
		return base{}, status.InvalidArgumentf("sharding requires at least one device")
	}
	return base{devices: devs, memoryKind: memoryKind}, nil
}

func (b *base) Devices() *devices.List          { return b.devices }
func (b *base) MemoryKind() devices.MemoryKind { return b.memoryKind }
func (b *base) NumShards() int                 { return b.devices.Len() }

func (b *base) equalBase(other *base) bool {
	return b.memoryKind == other.memoryKind && b.devices.Equal(other.devices)
}

// reassign validates the arguments of WithDeviceAssignment and returns the new base.
func (b *base) reassign(devs *devices.List, memoryKind devices.MemoryKind) (base, error) {
	if devs == nil || devs.Len() != b.devices.Len() {
		return base{}, status.InvalidArgumentf("WithDeviceAssignment requires %d devices (same as the current device list %s), got %s",
			b.devices.Len(), b.devices, devs)
	}
	if memoryKind == devices.DefaultMemoryKind {
		memoryKind = b.memoryKind
	}
	return base{devices: devs, memoryKind: memoryKind}, nil
}

func (b *base) describe(variant string, extra string) string {
	if extra != "" {
		extra = ", " + extra
	}
	return fmt.Sprintf("%s(devices=%s, memory_kind=%s%s)", variant, b.devices, b.memoryKind, extra)
}

// disassemble creates the shards given the shape of each position in the device list.
func (b *base) disassemble(shardShapes []shapes.Shape, semantics ShardSemantics) []Shard {
	shards := make([]Shard, 0, len(shardShapes))
	for idx, shardShape := range shardShapes {
		device := b.devices.At(idx)
		if semantics == AddressableShards && !device.IsAddressable() {
			continue
		}
		shards = append(shards, Shard{
			Index:    idx,
			Device:   device,
			Shape:    shardShape,
			Sharding: newSingleDevice(device, b.memoryKind),
		})
	}
	return shards
}

// replicatedDomains returns the index domains of a fully replicated array.
func replicatedDomains(shape shapes.Shape, numShards int) []IndexDomain {
	domains := make([]IndexDomain, numShards)
	for ii := range domains {
		domains[ii] = IndexDomain{Origin: make([]int, shape.Rank()), Dimensions: slices.Clone(shape.Dimensions)}
	}
	return domains
}

// checkShardFits checks that shardShape has the same rank as shape and no larger dimensions.
func checkShardFits(shape, shardShape shapes.Shape) error {
	if shardShape.Rank() != shape.Rank() {
		return status.InvalidArgumentf("shard shape %s has a different rank than the logical shape %s", shardShape, shape)
	}
	for axis, dim := range shardShape.Dimensions {
		if dim < 0 || shape.Dimensions[axis] < 0 {
			return status.InvalidArgumentf("negative dimensions in shard shape %s or logical shape %s", shardShape, shape)
		}
		if dim > shape.Dimensions[axis] {
			return status.InvalidArgumentf("shard shape %s is larger than the logical shape %s on axis %d",
				shardShape, shape, axis)
		}
	}
	return nil
}

// Equal returns whether both shardings are equal. Two nil shardings are equal.
func Equal(a, b Sharding) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}
