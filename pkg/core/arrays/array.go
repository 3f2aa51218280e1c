// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/dtypes"
	"github.com/gomlx/ifrt/pkg/core/futures"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/sharding"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/gomlx/ifrt/pkg/core/usercontext"
	"k8s.io/klog/v2"
)

// Value is a runtime value whose readiness can be awaited, and that can be deleted.
type Value interface {
	// GetReadyFuture returns a future resolved when the value is materialized, or failed.
	GetReadyFuture() futures.Future

	// Delete the value, see Array.Delete.
	Delete() futures.Future

	// IsDeleted returns whether Delete has been called.
	IsDeleted() bool

	// UserContext that created the value.
	UserContext() *usercontext.UserContext
}

// CopySemantics defines whether operations that create arrays from other arrays copy the data.
type CopySemantics int

const (
	// AlwaysCopy makes an independent copy of the data: the input arrays remain usable and can be deleted
	// independently of the result.
	AlwaysCopy CopySemantics = iota

	// ReuseInput shares the data of the inputs when possible: the input arrays remain usable, and the data is freed
	// once all arrays sharing it are deleted.
	ReuseInput

	// DonateInput moves the data from the inputs to the result: the inputs are deleted.
	DonateInput
)

// String implements fmt.Stringer.
func (s CopySemantics) String() string {
	switch s {
	case AlwaysCopy:
		return "AlwaysCopy"
	case ReuseInput:
		return "ReuseInput"
	case DonateInput:
		return "DonateInput"
	}
	return fmt.Sprintf("CopySemantics(%d)", int(s))
}

func (s CopySemantics) validate() error {
	if s < AlwaysCopy || s > DonateInput {
		return status.InvalidArgumentf("invalid copy semantics %s", s)
	}
	return nil
}

// Layout of the shards of an array on device: the order of the axes from minor to major.
//
// Only the default major-to-minor layout is supported.
type Layout struct {
	MinorToMajor []int
}

func checkLayout(layout *Layout, rank int) error {
	if layout == nil {
		return nil
	}
	if len(layout.MinorToMajor) == rank {
		isDefault := true
		for ii, axis := range layout.MinorToMajor {
			if axis != rank-1-ii {
				isDefault = false
				break
			}
		}
		if isDefault {
			return nil
		}
	}
	return status.Unimplementedf("only the default major-to-minor layout is supported, got minor-to-major %v for rank %d",
		layout.MinorToMajor, rank)
}

// ArraySpec describes an array to be created: its shape (including dtype), sharding and optional layout.
type ArraySpec struct {
	Shape    shapes.Shape
	Sharding sharding.Sharding
	Layout   *Layout
}

// String implements fmt.Stringer.
func (spec ArraySpec) String() string {
	return fmt.Sprintf("ArraySpec(shape=%s, sharding=%s)", spec.Shape, spec.Sharding)
}

// Array is a logical array sharded over the devices of its Sharding.
//
// The shape and sharding of an Array are immutable. The data of addressable shards lives in device buffers,
// possibly shared with other arrays (see CopySemantics and ImmutableZeroCopy), and is freed when the
// Array is deleted, or garbage collected.
type Array struct {
	client      *Client
	shape       shapes.Shape
	sharding    sharding.Sharding
	userContext *usercontext.UserContext

	// shardShapes per position of the sharding's device list. Unknown shapes (opaque shardings) are invalid.
	shardShapes []shapes.Shape

	storage *storage

	deleted      atomic.Bool
	deleteOnce   sync.Once
	deleteFuture futures.Future
}

var _ Value = (*Array)(nil)

// newArray creates an Array with the given storage. The array is tagged with the user context carried by ctx.
func (c *Client) newArray(ctx context.Context, shape shapes.Shape, s sharding.Sharding, shardShapes []shapes.Shape,
	storage *storage) *Array {
	a := &Array{
		client:      c,
		shape:       shape,
		sharding:    s,
		userContext: usercontext.FromContext(ctx),
		shardShapes: shardShapes,
		storage:     storage,
	}
	runtime.AddCleanup(a, releaseWhenReady, storage)
	if klog.V(1).Enabled() {
		klog.Infof("arrays: created %s (%s)", a, humanize.Bytes(uint64(shape.Memory())))
	}
	return a
}

// shardShapesOf returns the shape of each position of the sharding device list.
//
// Opaque shardings have no shard shape information: it returns nil for them.
func shardShapesOf(shape shapes.Shape, s sharding.Sharding) ([]shapes.Shape, error) {
	if _, isOpaque := s.(*sharding.Opaque); isOpaque {
		return nil, nil
	}
	shards, err := s.Disassemble(shape, sharding.AllShards)
	if err != nil {
		return nil, err
	}
	shardShapes := make([]shapes.Shape, len(shards))
	for ii, shard := range shards {
		shardShapes[ii] = shard.Shape
	}
	return shardShapes, nil
}

// shardShape returns the shape of the shard at position pos, or an invalid shape if unknown.
func (a *Array) shardShape(pos int) shapes.Shape {
	if a.shardShapes == nil {
		return shapes.Invalid()
	}
	return a.shardShapes[pos]
}

// Client that created the array.
func (a *Array) Client() *Client { return a.client }

// DType of the array elements.
func (a *Array) DType() dtypes.DType { return a.shape.DType }

// Shape of the logical array.
func (a *Array) Shape() shapes.Shape { return a.shape }

// Sharding of the array.
func (a *Array) Sharding() sharding.Sharding { return a.sharding }

// UserContext that created the array. It may be nil.
func (a *Array) UserContext() *usercontext.UserContext { return a.userContext }

// NumShards returns the number of shards, including the non-addressable ones.
func (a *Array) NumShards() int { return a.sharding.NumShards() }

// MemoryKind returns the canonical memory kind of the shards: if the sharding uses the default memory kind,
// it is resolved with the default memory of its first device.
func (a *Array) MemoryKind() devices.MemoryKind {
	kind, err := devices.CanonicalMemoryKind(a.sharding.Devices().At(0), a.sharding.MemoryKind())
	if err != nil {
		return a.sharding.MemoryKind()
	}
	return kind
}

// String implements fmt.Stringer.
func (a *Array) String() string {
	deleted := ""
	if a.IsDeleted() {
		deleted = ", deleted"
	}
	return fmt.Sprintf("Array(shape=%s, sharding=%s, %s%s)", a.shape, a.sharding, a.userContext, deleted)
}

// GetReadyFuture returns a future that is resolved once all the addressable shards of the array are
// materialized, or with the error that prevented it.
func (a *Array) GetReadyFuture() futures.Future {
	return a.storage.ready
}

// IsDeleted returns whether Delete was called. The shape, dtype and sharding of a deleted array remain valid.
func (a *Array) IsDeleted() bool {
	return a.deleted.Load()
}

// Delete the array: its data is freed once pending transfers complete.
//
// The array is marked as deleted before Delete returns. Delete can be called any number of times, concurrently:
// all calls return the same future, resolved when the data is freed.
func (a *Array) Delete() futures.Future {
	a.deleteOnce.Do(func() {
		a.deleted.Store(true)
		promise, done := futures.New()
		a.deleteFuture = done
		s, inFlight := a.storage, a.client.inFlight
		inFlight.Add(1)
		s.ready.OnReady(func(error) {
			defer inFlight.Done()
			s.release()
			promise.Set(nil)
		})
		klog.V(1).Infof("arrays: deleted %s", a)
	})
	return a.deleteFuture
}

// checkNotDeleted returns a FailedPrecondition error if the array was deleted.
func (a *Array) checkNotDeleted() error {
	if a.IsDeleted() {
		return status.FailedPreconditionf("%s was deleted", a)
	}
	return nil
}

// singleDevice returns the device of a single-device array.
func (a *Array) singleDevice() (devices.Device, bool) {
	if a.sharding.NumShards() != 1 {
		return nil, false
	}
	return a.sharding.Devices().At(0), true
}

// GetReadyFuture returns a future resolved once all values are ready. If some fail, the error combines
// the errors of all failed values, in the order they were given.
func (c *Client) GetReadyFuture(values ...Value) futures.Future {
	readyFutures := make([]futures.Future, len(values))
	for ii, v := range values {
		readyFutures[ii] = v.GetReadyFuture()
	}
	return futures.Join(readyFutures...)
}
