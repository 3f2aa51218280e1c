// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arrays

import (
	"context"
	"runtime"

	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/futures"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/sharding"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/gomlx/ifrt/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// MakeArrayFromHostBuffer creates an array with the shape of hb, sharded with s.
//
// If s is fully replicated (e.g. a single-device sharding), hb is transferred to every addressable device.
// Otherwise, each addressable shard receives its index domain of hb, which requires a sharding with placement
// information (see sharding.Sharding.IndexDomains).
//
// When hb.OnDone is called depends on semantics. If the call fails, hb.OnDone is called before it returns.
func (c *Client) MakeArrayFromHostBuffer(ctx context.Context, hb HostBuffer, s sharding.Sharding,
	semantics HostBufferSemantics) (*Array, error) {
	hd, err := newHostData(hb, semantics)
	if err != nil {
		hd.ref.release()
		return nil, err
	}
	ing, shardShapes, err := c.planHostBuffer(hd, s)
	if err != nil {
		hd.ref.release()
		return nil, errors.WithMessagef(err, "MakeArrayFromHostBuffer(%s, %s)", hb.Shape, s)
	}
	storages := c.startIngestions(ctx, []*ingestion{ing}, semantics)
	return c.newArray(ctx, hb.Shape, s, shardShapes, storages[0]), nil
}

// planHostBuffer plans the transfers of one host buffer to all the addressable shards of s.
func (c *Client) planHostBuffer(hd *hostData, s sharding.Sharding) (*ingestion, []shapes.Shape, error) {
	if s == nil {
		return nil, nil, status.InvalidArgumentf("sharding is required")
	}
	memoryKind, err := c.checkMemoryKind(s)
	if err != nil {
		return nil, nil, err
	}
	shards, err := s.Disassemble(hd.shape, sharding.AllShards)
	if err != nil {
		return nil, nil, err
	}
	var domains []sharding.IndexDomain
	if !s.IsFullyReplicated() {
		domains, err = s.IndexDomains(hd.shape)
		if err != nil {
			return nil, nil, status.InvalidArgumentf("a host buffer can only be transferred to a single device, "+
				"a fully replicated sharding or a sharding with index domains, got %s: %v", s, err)
		}
	}
	ing := &ingestion{
		numPositions: len(shards),
		memoryKind:   memoryKind,
		hosts:        []*hostData{hd},
	}
	shardShapes := make([]shapes.Shape, len(shards))
	for ii, shard := range shards {
		shardShapes[ii] = shard.Shape
		if !shard.Device.IsAddressable() {
			continue
		}
		domain := hd.wholeDomain()
		if domains != nil {
			domain = domains[shard.Index]
		}
		ing.transfers = append(ing.transfers, shardTransfer{pos: shard.Index, device: shard.Device, domain: domain, host: hd})
	}
	return ing, shardShapes, nil
}

// HostBufferShards is a host buffer to be transferred to the shards at the given Indices, which refer to
// the addressable shards of the array, in device list order (see sharding.AddressableShards).
type HostBufferShards struct {
	Indices []int
	Buffer  HostBuffer
}

// HostBufferShardsSpec describes an array to create from per-shard host buffers.
type HostBufferShardsSpec struct {
	Buffers []HostBufferShards
	Array   ArraySpec
}

// MakeArraysFromHostBufferShards creates one array per spec, where each addressable shard is given
// its own host buffer.
//
// All specs must use the same device list and memory kind. Every addressable shard must be given exactly
// one buffer, with the shard's shape.
//
// The host buffers of all specs are ingested concurrently. When each HostBuffer.OnDone is called depends
// on semantics. If the call fails, the OnDone of every buffer is called before it returns.
func (c *Client) MakeArraysFromHostBufferShards(ctx context.Context, specs []HostBufferShardsSpec,
	semantics HostBufferSemantics) ([]*Array, error) {
	var hosts []*hostData
	var firstErr error
	for _, spec := range specs {
		for _, hbs := range spec.Buffers {
			hd, err := newHostData(hbs.Buffer, semantics)
			hosts = append(hosts, hd)
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		releaseAll(hosts)
		return nil, errors.WithMessagef(firstErr, "MakeArraysFromHostBufferShards")
	}
	ingestions := make([]*ingestion, len(specs))
	allShardShapes := make([][]shapes.Shape, len(specs))
	hostIdx := 0
	for specIdx, spec := range specs {
		specHosts := hosts[hostIdx : hostIdx+len(spec.Buffers)]
		hostIdx += len(spec.Buffers)
		var err error
		ingestions[specIdx], allShardShapes[specIdx], err = c.planHostBufferShards(spec, specHosts)
		if err == nil && specIdx > 0 {
			err = checkSameDevicesAndMemory(specs[0].Array.Sharding, spec.Array.Sharding)
		}
		if err != nil {
			releaseAll(hosts)
			return nil, errors.WithMessagef(err, "MakeArraysFromHostBufferShards spec #%d (%s)", specIdx, spec.Array)
		}
	}
	storages := c.startIngestions(ctx, ingestions, semantics)
	arrays := make([]*Array, len(specs))
	for ii, spec := range specs {
		arrays[ii] = c.newArray(ctx, spec.Array.Shape, spec.Array.Sharding, allShardShapes[ii], storages[ii])
	}
	return arrays, nil
}

// checkSameDevicesAndMemory returns an InvalidArgument error if the shardings have different device lists or
// (canonical) memory kinds.
func checkSameDevicesAndMemory(s0, s1 sharding.Sharding) error {
	if !s0.Devices().Equal(s1.Devices()) {
		return status.InvalidArgumentf("all arrays must use the same device list, got %s and %s", s0.Devices(), s1.Devices())
	}
	kind0, err := devices.CanonicalMemoryKind(s0.Devices().At(0), s0.MemoryKind())
	if err != nil {
		return err
	}
	kind1, err := devices.CanonicalMemoryKind(s1.Devices().At(0), s1.MemoryKind())
	if err != nil {
		return err
	}
	if kind0 != kind1 {
		return status.InvalidArgumentf("all arrays must use the same memory kind, got %q and %q", kind0, kind1)
	}
	return nil
}

func (c *Client) planHostBufferShards(spec HostBufferShardsSpec, hosts []*hostData) (*ingestion, []shapes.Shape, error) {
	s := spec.Array.Sharding
	if s == nil {
		return nil, nil, status.InvalidArgumentf("sharding is required")
	}
	if !spec.Array.Shape.Ok() {
		return nil, nil, status.InvalidArgumentf("invalid array shape %s", spec.Array.Shape)
	}
	if err := checkLayout(spec.Array.Layout, spec.Array.Shape.Rank()); err != nil {
		return nil, nil, err
	}
	memoryKind, err := c.checkMemoryKind(s)
	if err != nil {
		return nil, nil, err
	}
	allShards, err := s.Disassemble(spec.Array.Shape, sharding.AllShards)
	if err != nil {
		return nil, nil, err
	}
	shardShapes := make([]shapes.Shape, len(allShards))
	var addressable []sharding.Shard
	for ii, shard := range allShards {
		shardShapes[ii] = shard.Shape
		if shard.Device.IsAddressable() {
			addressable = append(addressable, shard)
		}
	}
	ing := &ingestion{numPositions: len(allShards), memoryKind: memoryKind, hosts: hosts}
	covered := sets.Make[int](len(addressable))
	for bufIdx, hbs := range spec.Buffers {
		hd := hosts[bufIdx]
		if len(hbs.Indices) == 0 {
			return nil, nil, status.InvalidArgumentf("host buffer #%d has no shard indices", bufIdx)
		}
		for _, idx := range hbs.Indices {
			if idx < 0 || idx >= len(addressable) {
				return nil, nil, status.InvalidArgumentf("host buffer #%d refers to shard %d, but there are only %d addressable shards",
					bufIdx, idx, len(addressable))
			}
			if !covered.InsertNew(idx) {
				return nil, nil, status.InvalidArgumentf("addressable shard %d given more than one host buffer", idx)
			}
			shard := addressable[idx]
			if !hd.shape.Equal(shard.Shape) {
				return nil, nil, status.InvalidArgumentf("host buffer #%d has shape %s, but shard %d (device %s) has shape %s",
					bufIdx, hd.shape, idx, shard.Device, shard.Shape)
			}
			ing.transfers = append(ing.transfers, shardTransfer{
				pos: shard.Index, device: shard.Device, domain: hd.wholeDomain(), host: hd})
		}
	}
	if len(covered) != len(addressable) {
		return nil, nil, status.InvalidArgumentf("only %d of the %d addressable shards were given a host buffer",
			len(covered), len(addressable))
	}
	return ing, shardShapes, nil
}

// checkMemoryKind checks that the memory kind of the sharding is available in its devices, and returns it.
func (c *Client) checkMemoryKind(s sharding.Sharding) (devices.MemoryKind, error) {
	kind := s.MemoryKind()
	for _, device := range s.Devices().Devices() {
		if _, err := devices.CanonicalMemoryKind(device, kind); err != nil {
			return kind, err
		}
	}
	return kind, nil
}

// startIngestions creates the storage of each ingestion and starts its transfers.
//
// With ImmutableOnlyDuringCall all transfers complete before it returns, using at most runtime.NumCPU()
// goroutines. Otherwise they run in the backend transfer workers.
func (c *Client) startIngestions(ctx context.Context, ingestions []*ingestion, semantics HostBufferSemantics) []*storage {
	storages := make([]*storage, len(ingestions))
	if semantics == ImmutableOnlyDuringCall {
		errs := make([]error, len(ingestions))
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.NumCPU())
		for ii, ing := range ingestions {
			storages[ii] = newStorage(ing.numPositions, futures.Future{})
			ing.storage = storages[ii]
			g.Go(func() error {
				if err := gCtx.Err(); err != nil {
					releaseAll(ing.hosts)
					errs[ii] = errors.Wrapf(err, "transfer cancelled")
					return nil
				}
				errs[ii] = c.run(func() error { return c.ingest(ing) })
				return nil
			})
		}
		// Errors are kept per ingestion: a failed array must not cancel the transfers of the others.
		_ = g.Wait()
		for ii, s := range storages {
			if errs[ii] != nil {
				klog.V(1).Infof("arrays: transfer failed: %v", errs[ii])
				s.ready = futures.Failed(errs[ii])
			} else {
				s.ready = futures.Ready()
			}
		}
		return storages
	}

	for ii, ing := range ingestions {
		promise, ready := futures.New()
		storages[ii] = newStorage(ing.numPositions, ready)
		ing.storage = storages[ii]
		c.goAsync(promise, func() error { return c.ingest(ing) })
	}
	return storages
}
