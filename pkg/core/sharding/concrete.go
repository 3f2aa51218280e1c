// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"fmt"
	"slices"

	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/gomlx/ifrt/pkg/support/xslices"
)

// ConcreteEven is a sharding where all shards have the same explicit shape.
//
// The shards tile the logical shape in row-major order, and each tile is held by NumShards/numTiles
// consecutive devices of the device list.
//
// Only the dimensions of the shapes are used: the sharding is independent of the DType.
type ConcreteEven struct {
	base
	dims, shardDims []int
	tilesPerAxis    []int
	replication     int
}

var _ Sharding = (*ConcreteEven)(nil)

// NewConcreteEven creates a ConcreteEven sharding of arrays with the logical shape into shards of shardShape.
//
// Each dimension of shardShape must divide the corresponding logical dimension, and the number of tiles
// must divide the number of devices.
func NewConcreteEven(devs *devices.List, memoryKind devices.MemoryKind, shape, shardShape shapes.Shape) (*ConcreteEven, error) {
	b, err := newBase(devs, memoryKind)
	if err != nil {
		return nil, err
	}
	if err := checkShardFits(shape, shardShape); err != nil {
		return nil, err
	}
	tilesPerAxis := make([]int, shape.Rank())
	for axis, dim := range shape.Dimensions {
		shardDim := shardShape.Dimensions[axis]
		switch {
		case dim == 0:
			tilesPerAxis[axis] = 1
		case shardDim == 0 || dim%shardDim != 0:
			return nil, status.InvalidArgumentf("ConcreteEven shard shape %s doesn't evenly tile logical shape %s on axis %d",
				shardShape, shape, axis)
		default:
			tilesPerAxis[axis] = dim / shardDim
		}
	}
	numTiles := xslices.Product(tilesPerAxis)
	if devs.Len()%numTiles != 0 {
		return nil, status.InvalidArgumentf("ConcreteEven shard shape %s splits logical shape %s into %d tiles, which doesn't divide the %d devices %s",
			shardShape, shape, numTiles, devs.Len(), devs)
	}
	return &ConcreteEven{
		base:         b,
		dims:         slices.Clone(shape.Dimensions),
		shardDims:    slices.Clone(shardShape.Dimensions),
		tilesPerAxis: tilesPerAxis,
		replication:  devs.Len() / numTiles,
	}, nil
}

func (s *ConcreteEven) isSharding() {}

// IsFullyReplicated returns whether the shard shape is the whole logical shape.
func (s *ConcreteEven) IsFullyReplicated() bool {
	return slices.Equal(s.dims, s.shardDims)
}

func (s *ConcreteEven) checkShape(shape shapes.Shape) error {
	if !slices.Equal(shape.Dimensions, s.dims) {
		return status.InvalidArgumentf("%s is defined for logical dimensions %v, got shape %s", s, s.dims, shape)
	}
	return nil
}

// ShardShape implements Sharding.
func (s *ConcreteEven) ShardShape(shape shapes.Shape) (shapes.Shape, error) {
	if err := s.checkShape(shape); err != nil {
		return shapes.Invalid(), err
	}
	return shape.WithDimensions(s.shardDims...), nil
}

// Disassemble implements Sharding.
func (s *ConcreteEven) Disassemble(shape shapes.Shape, semantics ShardSemantics) ([]Shard, error) {
	shardShape, err := s.ShardShape(shape)
	if err != nil {
		return nil, err
	}
	shardShapes := make([]shapes.Shape, s.NumShards())
	for ii := range shardShapes {
		shardShapes[ii] = shardShape
	}
	return s.disassemble(shardShapes, semantics), nil
}

// IndexDomains implements Sharding.
func (s *ConcreteEven) IndexDomains(shape shapes.Shape) ([]IndexDomain, error) {
	if err := s.checkShape(shape); err != nil {
		return nil, err
	}
	domains := make([]IndexDomain, s.NumShards())
	tileIndices := make([]int, len(s.dims))
	for pos := range domains {
		xslices.Unflatten(pos/s.replication, s.tilesPerAxis, tileIndices)
		origin := make([]int, len(s.dims))
		for axis, tileIdx := range tileIndices {
			origin[axis] = tileIdx * s.shardDims[axis]
		}
		domains[pos] = IndexDomain{Origin: origin, Dimensions: slices.Clone(s.shardDims)}
	}
	return domains, nil
}

// WithDeviceAssignment implements Sharding.
func (s *ConcreteEven) WithDeviceAssignment(devs *devices.List, memoryKind devices.MemoryKind) (Sharding, error) {
	b, err := s.reassign(devs, memoryKind)
	if err != nil {
		return nil, err
	}
	newS := *s
	newS.base = b
	return &newS, nil
}

// Equal implements Sharding.
func (s *ConcreteEven) Equal(other Sharding) bool {
	o, ok := other.(*ConcreteEven)
	return ok && s.equalBase(&o.base) && slices.Equal(s.dims, o.dims) && slices.Equal(s.shardDims, o.shardDims)
}

// String implements Sharding.
func (s *ConcreteEven) String() string {
	return s.describe("ConcreteEven", fmt.Sprintf("shape=%v, shard_shape=%v", s.dims, s.shardDims))
}

// Concrete is a sharding with explicit, possibly different, shapes for each shard.
//
// It carries no placement information: the region of the logical array held by each shard is unknown,
// unless the sharding is fully replicated.
type Concrete struct {
	base
	dims      []int
	shardDims [][]int
}

var _ Sharding = (*Concrete)(nil)

// NewConcrete creates a Concrete sharding with one shard shape per device.
func NewConcrete(devs *devices.List, memoryKind devices.MemoryKind, shape shapes.Shape, shardShapes []shapes.Shape) (*Concrete, error) {
	b, err := newBase(devs, memoryKind)
	if err != nil {
		return nil, err
	}
	if len(shardShapes) != devs.Len() {
		return nil, status.InvalidArgumentf("Concrete sharding got %d shard shapes for %d devices %s",
			len(shardShapes), devs.Len(), devs)
	}
	s := &Concrete{
		base:      b,
		dims:      slices.Clone(shape.Dimensions),
		shardDims: make([][]int, len(shardShapes)),
	}
	for ii, shardShape := range shardShapes {
		if err := checkShardFits(shape, shardShape); err != nil {
			return nil, err
		}
		s.shardDims[ii] = slices.Clone(shardShape.Dimensions)
	}
	return s, nil
}

func (s *Concrete) isSharding() {}

// IsFullyReplicated returns whether every shard has the whole logical shape.
func (s *Concrete) IsFullyReplicated() bool {
	for _, dims := range s.shardDims {
		if !slices.Equal(dims, s.dims) {
			return false
		}
	}
	return true
}

func (s *Concrete) checkShape(shape shapes.Shape) error {
	if !slices.Equal(shape.Dimensions, s.dims) {
		return status.InvalidArgumentf("%s is defined for logical dimensions %v, got shape %s", s, s.dims, shape)
	}
	return nil
}

// ShardShape returns the shard shape if all shards have the same shape, and fails otherwise.
func (s *Concrete) ShardShape(shape shapes.Shape) (shapes.Shape, error) {
	if err := s.checkShape(shape); err != nil {
		return shapes.Invalid(), err
	}
	for _, dims := range s.shardDims[1:] {
		if !slices.Equal(dims, s.shardDims[0]) {
			return shapes.Invalid(), status.InvalidArgumentf("%s has shards of different shapes", s)
		}
	}
	return shape.WithDimensions(s.shardDims[0]...), nil
}

// Disassemble implements Sharding.
func (s *Concrete) Disassemble(shape shapes.Shape, semantics ShardSemantics) ([]Shard, error) {
	if err := s.checkShape(shape); err != nil {
		return nil, err
	}
	shardShapes := make([]shapes.Shape, len(s.shardDims))
	for ii, dims := range s.shardDims {
		shardShapes[ii] = shape.WithDimensions(dims...)
	}
	return s.disassemble(shardShapes, semantics), nil
}

// IndexDomains is only defined if the sharding is fully replicated.
func (s *Concrete) IndexDomains(shape shapes.Shape) ([]IndexDomain, error) {
	if err := s.checkShape(shape); err != nil {
		return nil, err
	}
	if !s.IsFullyReplicated() {
		return nil, status.Unimplementedf("%s has no placement information for index domains", s)
	}
	return replicatedDomains(shape, s.NumShards()), nil
}

// WithDeviceAssignment implements Sharding.
func (s *Concrete) WithDeviceAssignment(devs *devices.List, memoryKind devices.MemoryKind) (Sharding, error) {
	b, err := s.reassign(devs, memoryKind)
	if err != nil {
		return nil, err
	}
	newS := *s
	newS.base = b
	return &newS, nil
}

// Equal implements Sharding.
func (s *Concrete) Equal(other Sharding) bool {
	o, ok := other.(*Concrete)
	if !ok || !s.equalBase(&o.base) || !slices.Equal(s.dims, o.dims) || len(s.shardDims) != len(o.shardDims) {
		return false
	}
	for ii, dims := range s.shardDims {
		if !slices.Equal(dims, o.shardDims[ii]) {
			return false
		}
	}
	return true
}

// String implements Sharding.
func (s *Concrete) String() string {
	return s.describe("Concrete", fmt.Sprintf("shape=%v, shard_shapes=%v", s.dims, s.shardDims))
}
