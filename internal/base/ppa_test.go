// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"testing"

	"github.com/ocssd/ftl/media"
	"github.com/stretchr/testify/require"
)

func TestPPAVariants(t *testing.T) {
	e := EmptyPPA()
	require.True(t, e.IsEmpty())
	require.False(t, e.IsCached())
	require.False(t, e.IsPersisted())

	c := CachedPPA(1234)
	require.True(t, c.IsCached())
	require.False(t, c.IsEmpty())
	require.EqualValues(t, 1234, c.CacheLine())
	require.False(t, c.ReadInflight())

	r := c.WithReadInflight(true)
	require.True(t, r.ReadInflight())
	require.EqualValues(t, 1234, r.CacheLine())
	require.True(t, r.SameLine(1234))
	require.False(t, r.WithReadInflight(false).ReadInflight())

	a := media.DevAddr{Ch: 1, LUN: 3, Pl: 1, Blk: 513, Pg: 129, Sec: 2}
	p := PersistedPPA(a)
	require.True(t, p.IsPersisted())
	require.False(t, p.IsCached())
	require.Equal(t, a, p.Addr())
}

func TestPPAZeroValueIsPersistedOrigin(t *testing.T) {
	// The zero word decodes as the device origin; the map relies on
	// EmptyPPA, never the zero value, for unmapped entries.
	var p PPA
	require.False(t, p.IsEmpty())
	require.Equal(t, media.DevAddr{}, p.Addr())
}

func TestPPAString(t *testing.T) {
	require.Equal(t, "empty", EmptyPPA().String())
	require.Equal(t, "cache:7", CachedPPA(7).String())
	require.Equal(t, "cache:7(r)", CachedPPA(7).WithReadInflight(true).String())
}

func TestDevAddrPackRoundTrip(t *testing.T) {
	addrs := []media.DevAddr{
		{},
		{Ch: 7, LUN: 15, Pl: 3, Blk: 1023, Pg: 255, Sec: 7},
		{Ch: 255, LUN: 255, Pl: 255, Blk: 1<<14 - 1, Pg: 1<<16 - 1, Sec: 255},
	}
	for _, a := range addrs {
		require.Equal(t, a, media.UnpackDevAddr(a.Pack()), "addr %+v", a)
		// A packed address never collides with the PPA tag bits.
		require.Zero(t, a.Pack()>>62)
	}
}
