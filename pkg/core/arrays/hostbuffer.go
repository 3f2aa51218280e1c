// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gomlx/ifrt/internal/strided"
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/dtypes"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/sharding"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/gomlx/ifrt/pkg/support/sets"
	"k8s.io/klog/v2"
)

// HostBuffer is data in host memory used to create arrays.
type HostBuffer struct {
	// Flat is a slice of the Go type of Shape.DType (e.g. []float32 for Float32, []string for String).
	Flat any

	// Shape of the data.
	Shape shapes.Shape

	// ByteStrides of each axis in the memory of Flat, where each element takes the Go size of the dtype
	// (for String, the size of a Go string header).
	// If nil, the data is packed in major-to-minor (row-major) order.
	ByteStrides []int64

	// OnDone is called exactly once, when the client is done reading Flat: when exactly depends on
	// the HostBufferSemantics used. After that the caller can reuse Flat. It can be nil.
	OnDone func()
}

// HostBufferSemantics defines for how long the client may access the memory of a HostBuffer.
type HostBufferSemantics int

const (
	// ImmutableOnlyDuringCall: the host data is only read during the call, and HostBuffer.OnDone is called before
	// the call returns.
	ImmutableOnlyDuringCall HostBufferSemantics = iota

	// ImmutableUntilTransferCompletes: the host data is read until the transfer completes, and HostBuffer.OnDone
	// is called before the array's readiness future is resolved.
	ImmutableUntilTransferCompletes

	// ImmutableZeroCopy: the host data may be used directly as device storage for the lifetime of the
	// array, and HostBuffer.OnDone is called only once all the device buffers created from it are freed.
	//
	// If the backend can't alias the host data (layout, shard slicing or no shared buffers support), the data
	// is copied, but OnDone is still only called when the buffers are freed.
	ImmutableZeroCopy
)

// String implements fmt.Stringer.
func (s HostBufferSemantics) String() string {
	switch s {
	case ImmutableOnlyDuringCall:
		return "ImmutableOnlyDuringCall"
	case ImmutableUntilTransferCompletes:
		return "ImmutableUntilTransferCompletes"
	case ImmutableZeroCopy:
		return "ImmutableZeroCopy"
	}
	return fmt.Sprintf("HostBufferSemantics(%d)", int(s))
}

// hostRef calls the OnDone callback of a HostBuffer when the last holder releases it.
type hostRef struct {
	refs   atomic.Int32
	once   sync.Once
	onDone func()
}

func newHostRef(onDone func()) *hostRef {
	h := &hostRef{onDone: onDone}
	h.refs.Store(1)
	return h
}

func (h *hostRef) acquire() {
	h.refs.Add(1)
}

func (h *hostRef) release() {
	if h.refs.Add(-1) != 0 {
		return
	}
	h.once.Do(func() {
		if h.onDone != nil {
			h.onDone()
		}
	})
}

// hostData is a validated HostBuffer being ingested.
type hostData struct {
	flat   any
	shape  shapes.Shape
	layout strided.Layout
	ref    *hostRef
	length int

	// zeroCopy: device buffers created from this data hold ref until they are freed.
	zeroCopy bool
}

func newHostData(hb HostBuffer, semantics HostBufferSemantics) (*hostData, error) {
	hd := &hostData{
		flat:     hb.Flat,
		shape:    hb.Shape,
		ref:      newHostRef(hb.OnDone),
		zeroCopy: semantics == ImmutableZeroCopy,
	}
	if semantics < ImmutableOnlyDuringCall || semantics > ImmutableZeroCopy {
		return hd, status.InvalidArgumentf("invalid host buffer semantics %s", semantics)
	}
	if !hb.Shape.Ok() {
		return hd, status.InvalidArgumentf("host buffer has an invalid shape %s", hb.Shape)
	}
	flatDType, err := dtypes.FromFlat(hb.Flat)
	if err != nil {
		return hd, status.WithCode(status.InvalidArgument, err)
	}
	if flatDType != hb.Shape.DType {
		return hd, status.InvalidArgumentf("host buffer data is %T, but its shape is %s", hb.Flat, hb.Shape)
	}
	hd.length = reflect.ValueOf(hb.Flat).Len()
	hd.layout, err = strided.FromByteStrides(hb.Shape, hb.ByteStrides, hd.length)
	if err != nil {
		return hd, err
	}
	return hd, nil
}

// wholeDomain returns the index domain covering the whole host data.
func (hd *hostData) wholeDomain() sharding.IndexDomain {
	return sharding.IndexDomain{Origin: make([]int, hd.shape.Rank()), Dimensions: slices.Clone(hd.shape.Dimensions)}
}

// canAlias returns whether the domain of the host data can be used directly as a device buffer.
func (hd *hostData) canAlias(domain sharding.IndexDomain) bool {
	return hd.zeroCopy && hd.layout.IsPacked() && hd.length == hd.shape.Size() &&
		slices.Equal(domain.Dimensions, hd.shape.Dimensions)
}

// releaseAll releases the hold of the ingestion on the host data. Used when a call fails before the
// ingestion starts.
func releaseAll(hosts []*hostData) {
	for _, hd := range hosts {
		if hd != nil {
			hd.ref.release()
		}
	}
}

// shardTransfer is the transfer of one domain of the host data to the shard at position pos.
type shardTransfer struct {
	pos    int
	device devices.Device
	domain sharding.IndexDomain
	host   *hostData
}

// ingestion is the set of transfers that materialize one array from host data.
type ingestion struct {
	storage      *storage
	numPositions int
	memoryKind   devices.MemoryKind
	transfers    []shardTransfer
	hosts        []*hostData
}

// ingest runs all transfers of the ingestion. Its hold on each host data is released right after the last
// transfer reading it, and on failure.
//
// It stops at the first failed transfer.
func (c *Client) ingest(ing *ingestion) error {
	pending := make(map[*hostData]int, len(ing.hosts))
	for _, t := range ing.transfers {
		pending[t.host]++
	}
	released := sets.Make[*hostData](len(ing.hosts))
	release := func(hd *hostData) {
		if released.InsertNew(hd) {
			hd.ref.release()
		}
	}
	defer func() {
		for _, hd := range ing.hosts {
			release(hd)
		}
	}()
	for _, hd := range ing.hosts {
		if pending[hd] == 0 {
			release(hd)
		}
	}
	for _, t := range ing.transfers {
		buf, err := c.transfer(t, ing.memoryKind)
		if err != nil {
			return err
		}
		ing.storage.set(t.pos, buf)
		pending[t.host]--
		if pending[t.host] == 0 {
			release(t.host)
		}
	}
	return nil
}

// transfer host data to a new device buffer, aliasing it if possible.
func (c *Client) transfer(t shardTransfer, memoryKind devices.MemoryKind) (*deviceBuffer, error) {
	hd := t.host
	shardShape := hd.shape.WithDimensions(t.domain.Dimensions...)
	var holder *hostRef
	if hd.zeroCopy {
		holder = hd.ref
	}
	backend := c.backend
	if hd.canAlias(t.domain) && backend.HasSharedBuffers() {
		buffer, err := backend.NewSharedBuffer(t.device, memoryKind, hd.flat, shardShape)
		if err == nil {
			klog.V(2).Infof("arrays: aliased host data %s to shard #%d on %s", shardShape, t.pos, t.device)
			return newDeviceBuffer(backend, buffer, holder), nil
		}
		if !status.IsUnimplemented(err) {
			return nil, err
		}
	}
	flat := hd.flat
	whole := slices.Equal(t.domain.Dimensions, hd.shape.Dimensions)
	switch {
	case whole && hd.layout.IsPacked() && hd.length == hd.shape.Size():
	case whole:
		flat = dtypes.MakeFlat(hd.shape.DType, shardShape.Size())
		strided.Gather(flat, hd.flat, hd.layout)
	default:
		flat = dtypes.MakeFlat(hd.shape.DType, shardShape.Size())
		strided.Copy(flat, strided.Packed(t.domain.Dimensions), make([]int, shardShape.Rank()),
			hd.flat, hd.layout, t.domain.Origin, t.domain.Dimensions)
	}
	buffer, err := backend.BufferFromFlatData(t.device, memoryKind, flat, shardShape)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("arrays: copied host data %s to shard #%d on %s", shardShape, t.pos, t.device)
	return newDeviceBuffer(backend, buffer, holder), nil
}
