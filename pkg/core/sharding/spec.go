// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"strings"

	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/gomlx/ifrt/pkg/support/sets"
)

// Spec (also known as PartitionSpec in JAX) defines how a logical array is sharded across a Mesh.
//
// The definition is per axis of the logical array, and not per axis of the Mesh. Axes of the array beyond
// len(Axes) are replicated. Mesh axes not used by any array axis replicate the shards.
//
// Example:
//
//	mesh, _ := sharding.NewMesh([]int{2, 2}, []string{"data", "model"})
//
//	// First axis is replicated, second is sharded across "model" devices.
//	spec, _ := sharding.BuildSpec(mesh).R().S("model").Done()
//
//	// Bind to 4 devices, creating a Param sharding.
//	s, _ := spec.Sharding(2, devs, devices.DefaultMemoryKind)
type Spec struct {
	Mesh *Mesh
	Axes []AxisSpec
}

// AxisSpec lists the mesh axes (major to minor) an array axis is sharded over.
// An empty list means the axis is replicated.
type AxisSpec []string

// ReplicatedAxis is the AxisSpec of a replicated array axis.
var ReplicatedAxis = AxisSpec(nil)

// NewSpec creates a new Spec for an array over the given mesh, with one AxisSpec per array axis.
func NewSpec(mesh *Mesh, axisSpec ...AxisSpec) (*Spec, error) {
	s := &Spec{mesh, axisSpec}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewReplicatedSpec creates a Spec that is replicated across all mesh axes.
func NewReplicatedSpec(mesh *Mesh) *Spec {
	return &Spec{mesh, nil}
}

// Validate the spec returning an error if something is invalid.
func (s *Spec) Validate() error {
	used := sets.Make[string]()
	for axisIdx, arrayAxisSpec := range s.Axes {
		for _, axisName := range arrayAxisSpec {
			if _, ok := s.Mesh.nameToAxis[axisName]; !ok {
				return status.InvalidArgumentf("Spec axis #%d refers to unknown mesh axis %q", axisIdx, axisName)
			}
			if !used.InsertNew(axisName) {
				return status.InvalidArgumentf("mesh axis %q used more than once in Spec", axisName)
			}
		}
	}
	return nil
}

// IsReplicated returns true if the array is not sharded along any axis.
func (s *Spec) IsReplicated() bool {
	for _, meshAxes := range s.Axes {
		if len(meshAxes) > 0 {
			return false
		}
	}
	return true
}

// String returns a human-readable representation, e.g. "Spec{axes=[R, S(model)]}".
func (s *Spec) String() string {
	if s == nil {
		return "Spec<nil>"
	}
	parts := make([]string, len(s.Axes))
	for i, axisSpec := range s.Axes {
		if len(axisSpec) == 0 {
			parts[i] = "R"
		} else {
			parts[i] = "S(" + strings.Join(axisSpec, ",") + ")"
		}
	}
	return "Spec{" + s.Mesh.String() + ", axes=[" + strings.Join(parts, ", ") + "]}"
}

// SpecBuilder is a more ergonomic way of building a Spec.
type SpecBuilder struct {
	spec *Spec
}

// BuildSpec is a more ergonomic way of building a Spec.
//
// Example:
//
//	spec, err := sharding.BuildSpec(mesh).R().S("model").Done()
func BuildSpec(mesh *Mesh) *SpecBuilder {
	return &SpecBuilder{spec: &Spec{Mesh: mesh}}
}

// R adds a replicated axis to the Spec being built.
func (b *SpecBuilder) R() *SpecBuilder {
	b.spec.Axes = append(b.spec.Axes, ReplicatedAxis)
	return b
}

// S adds an axis sharded along meshAxes to the Spec being built.
func (b *SpecBuilder) S(meshAxes ...string) *SpecBuilder {
	b.spec.Axes = append(b.spec.Axes, meshAxes)
	return b
}

// Done builds the Spec.
func (b *SpecBuilder) Done() (*Spec, error) {
	if err := b.spec.Validate(); err != nil {
		return nil, err
	}
	return b.spec, nil
}

// NumDevicesShardingAxis returns the number of shards of the given array axis, 1 if it is replicated.
func (s *Spec) NumDevicesShardingAxis(axis int) int {
	if axis >= len(s.Axes) {
		return 1
	}
	size := 1
	for _, meshAxis := range s.Axes[axis] {
		size *= s.Mesh.axesSizes[s.Mesh.nameToAxis[meshAxis]]
	}
	return size
}

// ShardingParam converts the spec for an array of the given rank.
//
// The mesh axes used by the array axes come first in the device ordering (in array-axis order), followed by
// the unused mesh axes, over which shards are replicated.
func (s *Spec) ShardingParam(rank int) (ShardingParam, error) {
	if len(s.Axes) > rank {
		return ShardingParam{}, status.InvalidArgumentf("%s has %d axes, more than the array rank %d", s, len(s.Axes), rank)
	}
	dimShards := make([]int, rank)
	permutation := make([]int, 0, s.Mesh.Rank())
	used := sets.Make[int](s.Mesh.Rank())
	for axis := range dimShards {
		dimShards[axis] = s.NumDevicesShardingAxis(axis)
		if axis < len(s.Axes) {
			for _, meshAxis := range s.Axes[axis] {
				meshAxisIdx := s.Mesh.nameToAxis[meshAxis]
				permutation = append(permutation, meshAxisIdx)
				used.Insert(meshAxisIdx)
			}
		}
	}
	for meshAxisIdx := range s.Mesh.Rank() {
		if !used.Has(meshAxisIdx) {
			permutation = append(permutation, meshAxisIdx)
		}
	}
	return ShardingParam{
		DimShards:    dimShards,
		MinorToMajor: MinorToMajor{Permutation: permutation, AxisSizes: s.Mesh.AxesSizes()},
	}, nil
}

// Sharding creates a Param sharding for an array of the given rank, with the mesh bound to devs
// (see Mesh.BindDevices).
func (s *Spec) Sharding(rank int, devs *devices.List, memoryKind devices.MemoryKind) (*Param, error) {
	param, err := s.ShardingParam(rank)
	if err != nil {
		return nil, err
	}
	meshDevices, err := s.Mesh.BindDevices(devs)
	if err != nil {
		return nil, err
	}
	return NewParam(param, meshDevices, memoryKind)
}
