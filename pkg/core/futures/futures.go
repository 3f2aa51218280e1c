// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package futures implements write-once readiness signals: a Promise is resolved exactly once (with
// nil for success or an error), and any number of readers Await the corresponding Future.
//
// A Future has no cancellation: to bound waiting time use Future.AwaitContext, which returns when the
// context is done, without aborting the underlying operation.
package futures

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gomlx/ifrt/pkg/support/xsync"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

type state struct {
	latch *xsync.LatchWithValue[error]

	mu        sync.Mutex
	callbacks []func(error)
}

// Promise is the write side of a Future.
type Promise struct {
	s *state
}

// Future is the read side of a Promise. It is a small value and can be freely copied.
//
// The zero value is not valid: use New, Ready or Failed.
type Future struct {
	s *state
}

// New returns an unresolved Promise and its Future.
func New() (Promise, Future) {
	s := &state{latch: xsync.NewLatchWithValue[error]()}
	return Promise{s}, Future{s}
}

var readyFuture = func() Future {
	p, f := New()
	p.Set(nil)
	return f
}()

// Ready returns an already successfully resolved Future.
func Ready() Future {
	return readyFuture
}

// Failed returns a Future already resolved with err.
func Failed(err error) Future {
	p, f := New()
	p.Set(err)
	return f
}

// Set resolves the promise with err (nil for success).
//
// Only the first call has any effect: it returns true if this call resolved the promise.
// Callbacks registered with Future.OnReady are called synchronously by the resolving call.
func (p Promise) Set(err error) bool {
	if !p.s.latch.Trigger(err) {
		return false
	}
	p.s.mu.Lock()
	callbacks := p.s.callbacks
	p.s.callbacks = nil
	p.s.mu.Unlock()
	for _, callback := range callbacks {
		callback(err)
	}
	return true
}

// Future returns the read side of the promise.
func (p Promise) Future() Future {
	return Future{p.s}
}

// IsValid returns whether the future was created with one of the constructors.
func (f Future) IsValid() bool {
	return f.s != nil
}

// Await blocks until the future is resolved and returns its error (nil on success).
func (f Future) Await() error {
	return f.s.latch.Wait()
}

// AwaitContext waits for the future, or until ctx is done, whichever comes first.
//
// If ctx is done first it returns the context error: the operation behind the future is not aborted,
// and may still complete later.
func (f Future) AwaitContext(ctx context.Context) error {
	select {
	case <-f.s.latch.WaitChan():
		return f.s.latch.Wait()
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for future")
	}
}

// IsReady returns whether the future has been resolved, without blocking.
func (f Future) IsReady() bool {
	return f.s.latch.Test()
}

// Done returns a channel that is closed when the future is resolved.
func (f Future) Done() <-chan struct{} {
	return f.s.latch.WaitChan()
}

// OnReady registers fn to be called with the future's error once it is resolved.
//
// If the future is already resolved, fn is called immediately, in the caller's goroutine.
// Otherwise, it is called by the goroutine that resolves the future, so fn should not block.
func (f Future) OnReady(fn func(err error)) {
	f.s.mu.Lock()
	if !f.s.latch.Test() {
		f.s.callbacks = append(f.s.callbacks, fn)
		f.s.mu.Unlock()
		return
	}
	f.s.mu.Unlock()
	fn(f.s.latch.Wait())
}

// Join returns a future resolved once all the given futures are resolved.
//
// On failure, its error combines (go.uber.org/multierr) the errors of all failed futures, in input order.
// It returns an already resolved future if futures is empty.
func Join(futures ...Future) Future {
	if len(futures) == 0 {
		return Ready()
	}
	if len(futures) == 1 {
		return futures[0]
	}
	promise, joined := New()
	errs := make([]error, len(futures))
	var pending atomic.Int32
	pending.Store(int32(len(futures)))
	for ii, f := range futures {
		f.OnReady(func(err error) {
			errs[ii] = err
			if pending.Add(-1) == 0 {
				promise.Set(multierr.Combine(errs...))
			}
		})
	}
	return joined
}
