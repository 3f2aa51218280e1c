// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/status"
)

// Opaque sharding only knows its devices: the shard shapes are known only by the arrays that use it
// (e.g. when assembled from single-device arrays).
type Opaque struct {
	base
}

var _ Sharding = (*Opaque)(nil)

// NewOpaque creates an Opaque sharding over devs.
func NewOpaque(devs *devices.List, memoryKind devices.MemoryKind) (*Opaque, error) {
	b, err := newBase(devs, memoryKind)
	if err != nil {
		return nil, err
	}
	return &Opaque{b}, nil
}

func (s *Opaque) isSharding() {}

// IsFullyReplicated is always false: the sharding holds no shard information.
func (s *Opaque) IsFullyReplicated() bool { return false }

// ShardShape fails: opaque shardings have no shard shape information.
func (s *Opaque) ShardShape(shape shapes.Shape) (shapes.Shape, error) {
	return shapes.Invalid(), status.InvalidArgumentf("%s has no shard shape information (logical shape %s)", s, shape)
}

// Disassemble fails: opaque shardings have no shard shape information.
func (s *Opaque) Disassemble(shape shapes.Shape, semantics ShardSemantics) ([]Shard, error) {
	return nil, status.InvalidArgumentf("%s cannot be disassembled: no shard shape information (logical shape %s)", s, shape)
}

// IndexDomains is not supported by opaque shardings.
func (s *Opaque) IndexDomains(shape shapes.Shape) ([]IndexDomain, error) {
	return nil, status.Unimplementedf("%s has no index domains", s)
}

// WithDeviceAssignment implements Sharding.
func (s *Opaque) WithDeviceAssignment(devs *devices.List, memoryKind devices.MemoryKind) (Sharding, error) {
	b, err := s.reassign(devs, memoryKind)
	if err != nil {
		return nil, err
	}
	return &Opaque{b}, nil
}

// Equal implements Sharding.
func (s *Opaque) Equal(other Sharding) bool {
	o, ok := other.(*Opaque)
	return ok && s.equalBase(&o.base)
}

// String implements Sharding.
func (s *Opaque) String() string {
	return s.describe("Opaque", "")
}
