// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/status"
)

// SingleDevice places the whole array on one device.
type SingleDevice struct {
	base
}

var _ Sharding = (*SingleDevice)(nil)

// NewSingleDevice creates a SingleDevice sharding on device.
func NewSingleDevice(device devices.Device, memoryKind devices.MemoryKind) (*SingleDevice, error) {
	if device == nil {
		return nil, status.InvalidArgumentf("sharding.NewSingleDevice() requires a device")
	}
	return newSingleDevice(device, memoryKind), nil
}

func newSingleDevice(device devices.Device, memoryKind devices.MemoryKind) *SingleDevice {
	return &SingleDevice{base{devices: devices.MustNewList(device), memoryKind: memoryKind}}
}

func (s *SingleDevice) isSharding() {}

// Device returns the only device of the sharding.
func (s *SingleDevice) Device() devices.Device { return s.devices.At(0) }

// IsFullyReplicated is always true: the only shard is the whole array.
func (s *SingleDevice) IsFullyReplicated() bool { return true }

// ShardShape returns shape itself.
func (s *SingleDevice) ShardShape(shape shapes.Shape) (shapes.Shape, error) {
	return shape, nil
}

// Disassemble returns a single shard with the whole shape (none if the device is not addressable and
// semantics is AddressableShards).
func (s *SingleDevice) Disassemble(shape shapes.Shape, semantics ShardSemantics) ([]Shard, error) {
	return s.disassemble([]shapes.Shape{shape}, semantics), nil
}

// IndexDomains returns the whole array as the only domain.
func (s *SingleDevice) IndexDomains(shape shapes.Shape) ([]IndexDomain, error) {
	return replicatedDomains(shape, 1), nil
}

// WithDeviceAssignment implements Sharding.
func (s *SingleDevice) WithDeviceAssignment(devs *devices.List, memoryKind devices.MemoryKind) (Sharding, error) {
	b, err := s.reassign(devs, memoryKind)
	if err != nil {
		return nil, err
	}
	return &SingleDevice{b}, nil
}

// Equal implements Sharding.
func (s *SingleDevice) Equal(other Sharding) bool {
	o, ok := other.(*SingleDevice)
	return ok && s.equalBase(&o.base)
}

// String implements Sharding.
func (s *SingleDevice) String() string {
	return s.describe("SingleDevice", "")
}
