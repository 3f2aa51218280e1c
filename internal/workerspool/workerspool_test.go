// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/ifrt/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPool_Limit(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool := New()
	pool.SetMaxParallelism(2)
	require.True(t, pool.IsEnabled())
	require.False(t, pool.IsUnlimited())

	release := xsync.NewLatch()
	var started atomic.Int32
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			started.Add(1)
			release.Wait()
		})
	}
	// Both workers are busy: no more tasks can start.
	require.False(t, pool.StartIfAvailable(func() {}))
	require.Equal(t, 2, pool.NumRunning())

	// A third WaitToStart blocks until a worker is released.
	thirdStarted := xsync.NewLatch()
	wg.Add(1)
	go func() {
		pool.WaitToStart(func() {
			defer wg.Done()
			thirdStarted.Trigger()
		})
	}()
	time.Sleep(10 * time.Millisecond)
	require.False(t, thirdStarted.Test())
	release.Trigger()
	thirdStarted.Wait()
	wg.Wait()
	assert.Equal(t, int32(2), started.Load())
	assert.Eventually(t, func() bool { return pool.NumRunning() == 0 }, time.Second, time.Millisecond)
}

func TestPool_Inline(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	require.False(t, pool.IsEnabled())
	ran := false
	pool.WaitToStart(func() { ran = true })
	require.True(t, ran, "with parallelism 0 tasks run inline")
	require.False(t, pool.StartIfAvailable(func() {}))
}

func TestPool_Unlimited(t *testing.T) {
	defer goleak.VerifyNone(t)
	pool := New()
	pool.SetMaxParallelism(-1)
	require.True(t, pool.IsUnlimited())
	release := xsync.NewLatch()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		require.True(t, pool.StartIfAvailable(func() {
			defer wg.Done()
			release.Wait()
		}))
	}
	release.Trigger()
	wg.Wait()
}
