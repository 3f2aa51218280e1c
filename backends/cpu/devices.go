// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"fmt"

	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/status"
)

// Device is a CPU device. Devices of processes other than the local one are not addressable.
type Device struct {
	backend  *Backend
	id       devices.ID
	process  int
	memories []*Memory
}

var _ devices.Device = (*Device)(nil)

// ID implements devices.Device.
func (d *Device) ID() devices.ID { return d.id }

// Kind implements devices.Device.
func (d *Device) Kind() string { return DeviceKind }

// IsAddressable implements devices.Device.
func (d *Device) IsAddressable() bool { return d.process == d.backend.config.ProcessIndex }

// ProcessIndex implements devices.Device.
func (d *Device) ProcessIndex() int { return d.process }

// Memories implements devices.Device.
func (d *Device) Memories() []devices.Memory {
	memories := make([]devices.Memory, len(d.memories))
	for ii, m := range d.memories {
		memories[ii] = m
	}
	return memories
}

// DefaultMemory implements devices.Device. It is the first memory kind of the configuration.
func (d *Device) DefaultMemory() devices.Memory { return d.memories[0] }

// String implements devices.Device.
func (d *Device) String() string {
	return fmt.Sprintf("cpu:%d", d.id)
}

func (d *Device) findMemory(kind devices.MemoryKind) (*Memory, error) {
	if kind == devices.DefaultMemoryKind {
		return d.memories[0], nil
	}
	for _, m := range d.memories {
		if m.kind == kind {
			return m, nil
		}
	}
	return nil, status.InvalidArgumentf("device %s has no memory of kind %q", d, kind)
}

// Memory is one of the memory spaces of a CPU device.
type Memory struct {
	id   int
	kind devices.MemoryKind
}

var _ devices.Memory = (*Memory)(nil)

// ID implements devices.Memory.
func (m *Memory) ID() int { return m.id }

// Kind implements devices.Memory.
func (m *Memory) Kind() devices.MemoryKind { return m.kind }

// String implements devices.Memory.
func (m *Memory) String() string { return fmt.Sprintf("memory#%d(%s)", m.id, m.kind) }

// device converts and checks that the device belongs to this backend and is addressable.
func (b *Backend) device(device devices.Device) (*Device, error) {
	d, ok := device.(*Device)
	if !ok || d == nil || d.backend != b {
		return nil, status.InvalidArgumentf("device %v doesn't belong to the %q backend %s", device, BackendName, b.id)
	}
	if !d.IsAddressable() {
		return nil, status.InvalidArgumentf("device %s belongs to process %d, it is not addressable from process %d",
			d, d.process, b.config.ProcessIndex)
	}
	return d, nil
}
