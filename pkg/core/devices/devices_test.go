// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"fmt"
	"testing"

	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMemory struct {
	id   int
	kind MemoryKind
}

func (m *fakeMemory) ID() int          { return m.id }
func (m *fakeMemory) Kind() MemoryKind { return m.kind }
func (m *fakeMemory) String() string   { return fmt.Sprintf("mem%d(%s)", m.id, m.kind) }

type fakeDevice struct {
	id          ID
	addressable bool
	memories    []Memory
}

func newFakeDevice(id ID, addressable bool) *fakeDevice {
	return &fakeDevice{
		id:          id,
		addressable: addressable,
		memories: []Memory{
			&fakeMemory{id: 2 * int(id), kind: "device"},
			&fakeMemory{id: 2*int(id) + 1, kind: "pinned_host"},
		},
	}
}

func (d *fakeDevice) ID() ID                { return d.id }
func (d *fakeDevice) Kind() string          { return "fake" }
func (d *fakeDevice) IsAddressable() bool   { return d.addressable }
func (d *fakeDevice) ProcessIndex() int     { return 0 }
func (d *fakeDevice) Memories() []Memory    { return d.memories }
func (d *fakeDevice) DefaultMemory() Memory { return d.memories[0] }
func (d *fakeDevice) String() string        { return fmt.Sprintf("fake:%d", d.id) }

func TestList(t *testing.T) {
	d0, d1, d2 := newFakeDevice(0, true), newFakeDevice(1, true), newFakeDevice(2, false)
	l, err := NewList(d0, d1, d2)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, d1, l.At(1))
	assert.Equal(t, []ID{0, 1, 2}, l.IDs())
	assert.Equal(t, 2, l.NumAddressable())
	assert.False(t, l.IsFullyAddressable())
	assert.Equal(t, []Device{d0, d1}, l.AddressableDevices())
	assert.Equal(t, 2, l.Index(2))
	assert.Equal(t, -1, l.Index(7))
	assert.Equal(t, "[0,1,2]", l.String())
	assert.Equal(t, "[fake:0, fake:1, fake:2]", l.Describe())

	// Equality is order-sensitive, device-set comparison is not.
	reversed := MustNewList(d2, d1, d0)
	assert.False(t, l.Equal(reversed))
	assert.True(t, l.SameDeviceSet(reversed))
	assert.True(t, l.Equal(MustNewList(d0, d1, d2)))
	assert.False(t, l.Equal(MustNewList(d0, d1)))

	_, err = NewList(d0, d0)
	require.Error(t, err)
	assert.True(t, status.IsInvalidArgument(err))
	_, err = NewList(d0, nil)
	assert.True(t, status.IsInvalidArgument(err))
}

func TestMemoryKinds(t *testing.T) {
	d := newFakeDevice(3, true)
	kind, err := CanonicalMemoryKind(d, DefaultMemoryKind)
	require.NoError(t, err)
	assert.Equal(t, MemoryKind("device"), kind)

	memory, err := FindMemory(d, "pinned_host")
	require.NoError(t, err)
	assert.Equal(t, 7, memory.ID())

	_, err = CanonicalMemoryKind(d, "unpinned_host")
	assert.True(t, status.IsInvalidArgument(err))
	assert.Equal(t, "<default>", DefaultMemoryKind.String())
}
