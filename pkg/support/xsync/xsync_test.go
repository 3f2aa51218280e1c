// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestLatchWithValue(t *testing.T) {
	defer goleak.VerifyNone(t)
	l := NewLatchWithValue[int]()
	require.False(t, l.Test())

	var wg sync.WaitGroup
	results := make([]int, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = l.Wait()
		}()
	}
	require.True(t, l.Trigger(7))
	require.False(t, l.Trigger(8))
	wg.Wait()
	assert.Equal(t, []int{7, 7, 7, 7}, results)
	assert.True(t, l.Test())
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan should be closed after Trigger")
	}
}

func TestDynamicWaitGroup(t *testing.T) {
	defer goleak.VerifyNone(t)
	wg := NewDynamicWaitGroup()
	wg.Add(1)
	require.Equal(t, 1, wg.Count())

	done := NewLatch()
	go func() {
		wg.Wait()
		done.Trigger()
	}()

	// Add more work while someone is waiting.
	wg.Add(1)
	wg.Done()
	time.Sleep(10 * time.Millisecond)
	require.False(t, done.Test())
	wg.Done()
	done.Wait()
	require.Equal(t, 0, wg.Count())
	require.Panics(t, func() { wg.Done() })
}
