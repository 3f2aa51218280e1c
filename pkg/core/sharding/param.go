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

// MinorToMajor describes how devices are ordered for a ShardingParam.
//
// The device order is iota(prod(AxisSizes)) reshaped to AxisSizes, transposed by Permutation and
// flattened: the i-th position of the order walks the device axes given by Permutation, the last one
// varying fastest.
type MinorToMajor struct {
	Permutation []int
	AxisSizes   []int
}

// NumDevices returns the number of devices, the product of the axis sizes.
func (m MinorToMajor) NumDevices() int {
	return xslices.Product(m.AxisSizes)
}

// DeviceOrder returns the order of the device positions: iota(N).reshape(AxisSizes).transpose(Permutation).flatten().
func (m MinorToMajor) DeviceOrder() []int {
	numDevices := m.NumDevices()
	rank := len(m.AxisSizes)
	strides := make([]int, rank)
	stride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= m.AxisSizes[axis]
	}
	transposedDims := make([]int, rank)
	for ii, axis := range m.Permutation {
		transposedDims[ii] = m.AxisSizes[axis]
	}
	order := make([]int, numDevices)
	indices := make([]int, rank)
	for pos := range order {
		xslices.Unflatten(pos, transposedDims, indices)
		device := 0
		for ii, axis := range m.Permutation {
			device += indices[ii] * strides[axis]
		}
		order[pos] = device
	}
	return order
}

// ShardingParam describes a sharding by the number of shards of each dimension of the array (DimShards),
// and the ordering of devices (MinorToMajor).
//
// The shards are enumerated row-major over the DimShards grid. When there are more devices than shards,
// each shard is replicated over NumDevices/prod(DimShards) consecutive positions of the device order.
type ShardingParam struct {
	DimShards    []int
	MinorToMajor MinorToMajor
}

// String implements fmt.Stringer.
func (p ShardingParam) String() string {
	return fmt.Sprintf("ShardingParam(dim_shards=%v, permutation=%v, axis_sizes=%v)",
		p.DimShards, p.MinorToMajor.Permutation, p.MinorToMajor.AxisSizes)
}

// Equal returns whether both params are the same.
func (p ShardingParam) Equal(other ShardingParam) bool {
	return slices.Equal(p.DimShards, other.DimShards) &&
		slices.Equal(p.MinorToMajor.Permutation, other.MinorToMajor.Permutation) &&
		slices.Equal(p.MinorToMajor.AxisSizes, other.MinorToMajor.AxisSizes)
}

// Validate the param: positive shard counts and axis sizes, Permutation a permutation of the axes,
// and the number of shards dividing the number of devices.
func (p ShardingParam) Validate() error {
	for axis, numShards := range p.DimShards {
		if numShards <= 0 {
			return status.InvalidArgumentf("%s: dim_shards[%d]=%d must be positive", p, axis, numShards)
		}
	}
	if len(p.MinorToMajor.Permutation) != len(p.MinorToMajor.AxisSizes) {
		return status.InvalidArgumentf("%s: permutation and axis_sizes must have the same length", p)
	}
	if !xslices.IsPermutation(p.MinorToMajor.Permutation) {
		return status.InvalidArgumentf("%s: invalid permutation", p)
	}
	for axis, size := range p.MinorToMajor.AxisSizes {
		if size <= 0 {
			return status.InvalidArgumentf("%s: axis_sizes[%d]=%d must be positive", p, axis, size)
		}
	}
	numDevices := p.MinorToMajor.NumDevices()
	numShards := xslices.Product(p.DimShards)
	if numDevices%numShards != 0 {
		return status.InvalidArgumentf("%s: the %d shards don't divide the %d devices", p, numShards, numDevices)
	}
	return nil
}

// NumShards returns the number of distinct shards, the product of DimShards.
func (p ShardingParam) NumShards() int {
	return xslices.Product(p.DimShards)
}

// Replication returns over how many devices each distinct shard is replicated.
func (p ShardingParam) Replication() int {
	return p.MinorToMajor.NumDevices() / p.NumShards()
}

// Param is a sharding derived from a ShardingParam.
type Param struct {
	base
	param ShardingParam

	// tileOfPosition maps each position in the device list to the index of its shard in the DimShards grid.
	tileOfPosition []int
}

var _ Sharding = (*Param)(nil)

// NewParam creates a sharding from param, over devs: devs must have as many devices as the param.
func NewParam(param ShardingParam, devs *devices.List, memoryKind devices.MemoryKind) (*Param, error) {
	b, err := newBase(devs, memoryKind)
	if err != nil {
		return nil, err
	}
	if err := param.Validate(); err != nil {
		return nil, err
	}
	if param.MinorToMajor.NumDevices() != devs.Len() {
		return nil, status.InvalidArgumentf("%s requires %d devices, got %d devices %s",
			param, param.MinorToMajor.NumDevices(), devs.Len(), devs)
	}
	param = ShardingParam{
		DimShards: slices.Clone(param.DimShards),
		MinorToMajor: MinorToMajor{
			Permutation: slices.Clone(param.MinorToMajor.Permutation),
			AxisSizes:   slices.Clone(param.MinorToMajor.AxisSizes),
		},
	}
	replication := param.Replication()
	tileOfPosition := make([]int, devs.Len())
	for pos, devicePos := range param.MinorToMajor.DeviceOrder() {
		tileOfPosition[devicePos] = pos / replication
	}
	return &Param{base: b, param: param, tileOfPosition: tileOfPosition}, nil
}

func (s *Param) isSharding() {}

// ShardingParam returns the param the sharding was created from.
func (s *Param) ShardingParam() ShardingParam { return s.param }

// IsFullyReplicated returns whether there is only one shard.
func (s *Param) IsFullyReplicated() bool {
	return s.param.NumShards() == 1
}

// ShardShape divides each dimension of shape by its number of shards: they must divide evenly.
func (s *Param) ShardShape(shape shapes.Shape) (shapes.Shape, error) {
	if shape.Rank() != len(s.param.DimShards) {
		return shapes.Invalid(), status.InvalidArgumentf("%s has %d dimensions, but shape %s has rank %d",
			s.param, len(s.param.DimShards), shape, shape.Rank())
	}
	dims := make([]int, shape.Rank())
	for axis, dim := range shape.Dimensions {
		numShards := s.param.DimShards[axis]
		if dim < 0 {
			return shapes.Invalid(), status.InvalidArgumentf("%s: shape %s has a negative dimension on axis %d", s.param, shape, axis)
		}
		if dim%numShards != 0 {
			return shapes.Invalid(), status.InvalidArgumentf("%s: dimension %d of axis %d of shape %s is not divisible by %d shards",
				s.param, dim, axis, shape, numShards)
		}
		dims[axis] = dim / numShards
	}
	return shape.WithDimensions(dims...), nil
}

// Disassemble implements Sharding.
func (s *Param) Disassemble(shape shapes.Shape, semantics ShardSemantics) ([]Shard, error) {
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
func (s *Param) IndexDomains(shape shapes.Shape) ([]IndexDomain, error) {
	shardShape, err := s.ShardShape(shape)
	if err != nil {
		return nil, err
	}
	rank := shape.Rank()
	domains := make([]IndexDomain, s.NumShards())
	tileIndices := make([]int, rank)
	for pos := range domains {
		xslices.Unflatten(s.tileOfPosition[pos], s.param.DimShards, tileIndices)
		origin := make([]int, rank)
		for axis, tileIdx := range tileIndices {
			origin[axis] = tileIdx * shardShape.Dimensions[axis]
		}
		domains[pos] = IndexDomain{Origin: origin, Dimensions: slices.Clone(shardShape.Dimensions)}
	}
	return domains, nil
}

// WithDeviceAssignment implements Sharding.
func (s *Param) WithDeviceAssignment(devs *devices.List, memoryKind devices.MemoryKind) (Sharding, error) {
	b, err := s.reassign(devs, memoryKind)
	if err != nil {
		return nil, err
	}
	newS := *s
	newS.base = b
	return &newS, nil
}

// Equal implements Sharding.
func (s *Param) Equal(other Sharding) bool {
	o, ok := other.(*Param)
	return ok && s.equalBase(&o.base) && s.param.Equal(o.param)
}

// String implements Sharding.
func (s *Param) String() string {
	return s.describe("Param", s.param.String())
}
