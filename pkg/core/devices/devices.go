// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices defines the contract of the devices and memories provided by a backend, and List,
// the ordered device list that defines the shard ↔ device correspondence of a sharding.
//
// Devices are enumerated by the backend (see package backends): this package only consumes them.
package devices

import (
	"fmt"
	"strings"

	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/gomlx/ifrt/pkg/support/sets"
	"github.com/gomlx/ifrt/pkg/support/xslices"
)

// ID is the stable, globally unique identifier of a device.
type ID int

// MemoryKind distinguishes address spaces within a device, e.g. "device" or "pinned_host".
//
// The zero value DefaultMemoryKind means "the device's default memory".
type MemoryKind string

// DefaultMemoryKind is the unspecified memory kind: it resolves to the device's default memory.
const DefaultMemoryKind MemoryKind = ""

// String implements fmt.Stringer.
func (k MemoryKind) String() string {
	if k == DefaultMemoryKind {
		return "<default>"
	}
	return string(k)
}

// Memory is an address space exposed by one or more devices.
type Memory interface {
	// ID of the memory space, unique within the backend.
	ID() int

	// Kind of the memory.
	Kind() MemoryKind

	// String for pretty-printing.
	String() string
}

// Device is an opaque device identity, provided by the backend.
type Device interface {
	// ID is the stable global identifier of the device.
	ID() ID

	// Kind of the device, e.g.: "cpu".
	Kind() string

	// IsAddressable returns whether the local process can directly operate on the device.
	IsAddressable() bool

	// ProcessIndex returns the index of the process that owns the device.
	ProcessIndex() int

	// Memories returns the memory spaces of the device. The first is not necessarily the default.
	Memories() []Memory

	// DefaultMemory returns the memory used when DefaultMemoryKind is requested.
	DefaultMemory() Memory

	// String for pretty-printing.
	String() string
}

// FindMemory returns the memory of the given kind in device. DefaultMemoryKind returns the default memory.
//
// It returns an InvalidArgument error if the device has no memory of that kind.
func FindMemory(device Device, kind MemoryKind) (Memory, error) {
	if kind == DefaultMemoryKind {
		return device.DefaultMemory(), nil
	}
	for _, memory := range device.Memories() {
		if memory.Kind() == kind {
			return memory, nil
		}
	}
	return nil, status.InvalidArgumentf("device %s has no memory of kind %q", device, kind)
}

// CanonicalMemoryKind resolves DefaultMemoryKind to the kind of the default memory of the device, and
// checks that the device has the requested memory kind.
func CanonicalMemoryKind(device Device, kind MemoryKind) (MemoryKind, error) {
	memory, err := FindMemory(device, kind)
	if err != nil {
		return DefaultMemoryKind, err
	}
	return memory.Kind(), nil
}

// List is an immutable ordered list of distinct devices.
//
// Two lists are equal if they hold the same devices in the same order.
type List struct {
	devices     []Device
	addressable []Device
	ids         []ID
}

// NewList creates a List with the given devices.
//
// It returns an InvalidArgument error if a device is nil or repeated.
func NewList(devices ...Device) (*List, error) {
	l := &List{
		devices: make([]Device, 0, len(devices)),
		ids:     make([]ID, 0, len(devices)),
	}
	seen := sets.Make[ID](len(devices))
	for ii, device := range devices {
		if device == nil {
			return nil, status.InvalidArgumentf("devices.NewList(): device #%d is nil", ii)
		}
		if !seen.InsertNew(device.ID()) {
			return nil, status.InvalidArgumentf("devices.NewList(): device %s given more than once (position %d)", device, ii)
		}
		l.devices = append(l.devices, device)
		l.ids = append(l.ids, device.ID())
		if device.IsAddressable() {
			l.addressable = append(l.addressable, device)
		}
	}
	return l, nil
}

// MustNewList creates a List and panics on error. Intended for tests and static configurations.
func MustNewList(devices ...Device) *List {
	l, err := NewList(devices...)
	if err != nil {
		panic(err)
	}
	return l
}

// Len returns the number of devices in the list.
func (l *List) Len() int { return len(l.devices) }

// At returns the device at position idx.
func (l *List) At(idx int) Device { return l.devices[idx] }

// Devices returns a copy of the devices in the list.
func (l *List) Devices() []Device {
	return append([]Device(nil), l.devices...)
}

// IDs returns the ids of the devices, in list order.
func (l *List) IDs() []ID {
	return append([]ID(nil), l.ids...)
}

// AddressableDevices returns the addressable devices, in list order.
func (l *List) AddressableDevices() []Device {
	return append([]Device(nil), l.addressable...)
}

// NumAddressable returns the number of addressable devices in the list.
func (l *List) NumAddressable() int { return len(l.addressable) }

// IsFullyAddressable returns whether all devices of the list are addressable.
func (l *List) IsFullyAddressable() bool { return len(l.addressable) == len(l.devices) }

// Index returns the position of the device with the given id, or -1 if it is not in the list.
func (l *List) Index(id ID) int {
	for ii, devID := range l.ids {
		if devID == id {
			return ii
		}
	}
	return -1
}

// Equal returns whether both lists hold the same devices in the same order.
func (l *List) Equal(other *List) bool {
	if l == other {
		return true
	}
	if l == nil || other == nil || len(l.ids) != len(other.ids) {
		return false
	}
	for ii, id := range l.ids {
		if other.ids[ii] != id {
			return false
		}
	}
	return true
}

// SameDeviceSet returns whether both lists hold the same devices, in any order.
func (l *List) SameDeviceSet(other *List) bool {
	return sets.MakeWith(l.ids...).Equal(sets.MakeWith(other.ids...))
}

// String implements fmt.Stringer.
func (l *List) String() string {
	if l == nil {
		return "[]"
	}
	return fmt.Sprintf("[%s]", xslices.Join(l.ids, ","))
}

// Describe returns a longer description, with each device's String.
func (l *List) Describe() string {
	return fmt.Sprintf("[%s]", strings.Join(xslices.Map(l.devices, Device.String), ", "))
}
