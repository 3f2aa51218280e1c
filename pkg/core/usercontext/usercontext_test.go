// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package usercontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopes(t *testing.T) {
	ctx := context.Background()
	require.Nil(t, FromContext(ctx))
	require.Equal(t, uint64(0), FromContext(ctx).Fingerprint())

	outer := With(ctx, New(100, "outer"))
	require.Equal(t, uint64(100), FromContext(outer).Fingerprint())

	inner := With(outer, New(200, "inner"))
	require.Equal(t, uint64(200), FromContext(inner).Fingerprint())
	assert.Equal(t, "inner", FromContext(inner).Description())

	// The outer scope is restored once the inner context goes out of use.
	require.Equal(t, uint64(100), FromContext(outer).Fingerprint())
}

func TestAnonymous(t *testing.T) {
	a, b := Anonymous("a"), Anonymous("b")
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, "UserContext(none)", (*UserContext)(nil).String())
	assert.Equal(t, "UserContext(7: x)", New(7, "x").String())
	assert.Equal(t, "UserContext(7)", New(7, "").String())
}
