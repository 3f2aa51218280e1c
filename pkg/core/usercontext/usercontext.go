// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package usercontext defines UserContext, a provenance tag attached to every Array at creation.
//
// The tag is carried by a context.Context: any Array produced by a call given that context is tagged with
// it. Nested scopes (With called on a context that already holds a UserContext) shadow the outer one.
// It is purely diagnostic: it never changes the behavior of the operations.
package usercontext

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// UserContext identifies who created a value. Its observable identity is the Fingerprint.
type UserContext struct {
	fingerprint uint64
	description string
}

// New creates a UserContext with the given fingerprint and description.
func New(fingerprint uint64, description string) *UserContext {
	return &UserContext{fingerprint: fingerprint, description: description}
}

// Anonymous creates a UserContext with a random fingerprint.
func Anonymous(description string) *UserContext {
	id := uuid.New()
	return New(binary.LittleEndian.Uint64(id[:8]), description)
}

// Fingerprint returns the identity of the user context, or 0 for a nil UserContext.
func (uc *UserContext) Fingerprint() uint64 {
	if uc == nil {
		return 0
	}
	return uc.fingerprint
}

// Description returns the human-readable description given at creation.
func (uc *UserContext) Description() string {
	if uc == nil {
		return ""
	}
	return uc.description
}

// String implements fmt.Stringer.
func (uc *UserContext) String() string {
	if uc == nil {
		return "UserContext(none)"
	}
	if uc.description == "" {
		return fmt.Sprintf("UserContext(%d)", uc.fingerprint)
	}
	return fmt.Sprintf("UserContext(%d: %s)", uc.fingerprint, uc.description)
}

type contextKey struct{}

// With returns a copy of ctx carrying uc: values created with the returned context are tagged with uc.
func With(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, uc)
}

// FromContext returns the innermost UserContext carried by ctx, or nil if there is none.
func FromContext(ctx context.Context) *UserContext {
	if ctx == nil {
		return nil
	}
	uc, _ := ctx.Value(contextKey{}).(*UserContext)
	return uc
}
