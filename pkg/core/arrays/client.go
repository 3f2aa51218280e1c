// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arrays implements sharded arrays: logical arrays whose data is split in shards held by the devices
// of a backend, following a sharding.Sharding.
//
// Arrays are created by a Client, from host data (MakeArrayFromHostBuffer, MakeArraysFromHostBufferShards),
// from other arrays (AssembleArrayFromSingleDeviceArrays, CopyArrays, Array.DisassembleIntoSingleDeviceArrays)
// or as placeholders for errors (MakeErrorArrays).
//
// All operations are asynchronous with respect to the data movement: the returned arrays may not be
// materialized yet, and Array.GetReadyFuture tells when they are (or why they failed).
// Structural errors (shapes, devices, shardings) are returned synchronously; errors that only happen during
// the transfers are delivered through the readiness future.
//
// Every array is tagged with the usercontext.UserContext carried by the context.Context given to the call that
// created it.
package arrays

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/ifrt/backends"
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/futures"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/gomlx/ifrt/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Client creates and manages arrays on the devices of one backend.
type Client struct {
	backend     backends.Backend
	ownsBackend bool

	// inFlight counts the asynchronous work (transfers, copies) not yet completed.
	inFlight *xsync.DynamicWaitGroup
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	backend backends.Backend
	config  *string
}

// WithBackend makes the client use the given backend. The caller remains its owner: Client.Close won't
// finalize it.
func WithBackend(backend backends.Backend) Option {
	return func(c *clientConfig) {
		c.backend = backend
	}
}

// WithConfig creates the backend of the client with backends.NewWithConfig(config).
func WithConfig(config string) Option {
	return func(c *clientConfig) {
		c.config = &config
	}
}

// NewClient creates a new Client. By default, it creates a new backend with backends.New, which is
// configured with the IFRT_BACKEND environment variable.
func NewClient(options ...Option) (*Client, error) {
	var cfg clientConfig
	for _, option := range options {
		option(&cfg)
	}
	c := &Client{
		backend:  cfg.backend,
		inFlight: xsync.NewDynamicWaitGroup(),
	}
	if c.backend == nil {
		var err error
		if cfg.config != nil {
			c.backend, err = backends.NewWithConfig(*cfg.config)
		} else {
			c.backend, err = backends.New()
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "arrays.NewClient() failed to create backend")
		}
		c.ownsBackend = true
	}
	if c.backend.IsFinalized() {
		return nil, status.FailedPreconditionf("arrays.NewClient() given a finalized backend %q", c.backend.Name())
	}
	klog.V(1).Infof("arrays.Client created for %s", c.backend.Description())
	return c, nil
}

// Backend returns the backend used by the client.
func (c *Client) Backend() backends.Backend {
	return c.backend
}

// Devices returns all devices of the backend, including the non-addressable ones.
func (c *Client) Devices() []devices.Device {
	return c.backend.Devices()
}

// AddressableDevices returns the devices of the local process.
func (c *Client) AddressableDevices() []devices.Device {
	return c.backend.AddressableDevices()
}

// LookupDevice returns the device with the given id.
func (c *Client) LookupDevice(id devices.ID) (devices.Device, error) {
	for _, device := range c.backend.Devices() {
		if device.ID() == id {
			return device, nil
		}
	}
	return nil, status.InvalidArgumentf("no device with id %d in backend %q", id, c.backend.Name())
}

// MakeDeviceList creates a devices.List with the given devices.
func (c *Client) MakeDeviceList(devs ...devices.Device) (*devices.List, error) {
	return devices.NewList(devs...)
}

// Close waits for all pending transfers to complete, and finalizes the backend if it was created by the client.
//
// Arrays of the client should not be used after Close.
func (c *Client) Close() {
	c.inFlight.Wait()
	if c.ownsBackend {
		c.backend.Finalize()
	}
}

// goAsync runs task in the backend's transfer workers, and resolves promise with its result.
//
// A panic in task resolves the promise with an Internal error.
func (c *Client) goAsync(promise futures.Promise, task func() error) {
	c.inFlight.Add(1)
	c.backend.Go(func() {
		defer c.inFlight.Done()
		promise.Set(c.run(task))
	})
}

// run task capturing panics as Internal errors.
func (c *Client) run(task func() error) error {
	var err error
	exception := exceptions.TryCatch[error](func() { err = task() })
	if exception != nil {
		return status.WithCode(status.Internal, errors.WithMessagef(exception, "panic in %q backend", c.backend.Name()))
	}
	return err
}

// after runs task once ready is resolved, and returns the future of the task's completion.
//
// If ready fails, task is not run and the returned future carries the same error.
// If ready is already resolved, task runs synchronously.
func (c *Client) after(ready futures.Future, task func() error) futures.Future {
	if ready.IsReady() {
		if err := ready.Await(); err != nil {
			return ready
		}
		if err := c.run(task); err != nil {
			return futures.Failed(err)
		}
		return futures.Ready()
	}
	promise, done := futures.New()
	c.inFlight.Add(1)
	ready.OnReady(func(err error) {
		defer c.inFlight.Done()
		if err != nil {
			promise.Set(err)
			return
		}
		promise.Set(c.run(task))
	})
	return done
}

// derive runs task once ready is resolved, keeping the sources pinned until it is done, and returns the future
// of the task's completion.
//
// It fails immediately if any of the sources is being released.
func (c *Client) derive(ready futures.Future, sources []*storage, task func() error) (futures.Future, error) {
	for ii, src := range sources {
		if err := src.pin(); err != nil {
			for _, pinned := range sources[:ii] {
				pinned.unpin()
			}
			return futures.Future{}, err
		}
	}
	done := c.after(ready, task)
	done.OnReady(func(error) {
		for _, src := range sources {
			src.unpin()
		}
	})
	return done, nil
}
