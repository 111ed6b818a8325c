// Copyright 2026 The Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

package clientbuffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageRef_InitialRefsMustBePositive(t *testing.T) {
	_, err := NewPageRef(SerializedPage{}, 0, func() {})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidRefCount)
}

func TestPageRef_ReleaseInvokesOnReleaseOnce(t *testing.T) {
	released := 0
	ref, err := NewPageRef(SerializedPage{RetainedSizeInBytes: 10}, 1, func() { released++ })
	require.NoError(t, err)

	require.NoError(t, ref.AddReference())
	require.NoError(t, ref.Release())
	require.Equal(t, 0, released, "still one reference outstanding")

	require.NoError(t, ref.Release())
	require.Equal(t, 1, released)
}

func TestPageRef_AddReferenceAfterReleaseIsResurrection(t *testing.T) {
	ref, err := NewPageRef(SerializedPage{}, 1, func() {})
	require.NoError(t, err)

	require.NoError(t, ref.Release())
	err = ref.AddReference()
	require.Error(t, err)
}

func TestPageRef_ReleaseBelowZeroIsIllegal(t *testing.T) {
	ref, err := NewPageRef(SerializedPage{}, 1, func() {})
	require.NoError(t, err)

	require.NoError(t, ref.Release())
	err = ref.Release()
	require.Error(t, err)
}

func TestPageRef_FanOutReleasesOnceAfterAllHoldersDrop(t *testing.T) {
	released := 0
	ref, err := NewPageRef(SerializedPage{}, 1, func() { released++ })
	require.NoError(t, err)

	const fanOut = 4
	for i := 0; i < fanOut; i++ {
		require.NoError(t, ref.AddReference())
	}
	// Producer drops its own handle.
	require.NoError(t, ref.Release())

	for i := 0; i < fanOut-1; i++ {
		require.NoError(t, ref.Release())
		require.Equal(t, 0, released)
	}
	require.NoError(t, ref.Release())
	require.Equal(t, 1, released)
}
