// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package media

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemBlockLifecycle(t *testing.T) {
	m := NewMem(Geometry{})
	geo := m.Geometry()
	require.Equal(t, DefaultGeometry, geo)

	require.Equal(t, geo.BlksPerLUN, m.FreeBlocks(0))
	h, ok := m.GetBlk(0)
	require.True(t, ok)
	require.Equal(t, geo.BlksPerLUN-1, m.FreeBlocks(0))

	require.NoError(t, m.EraseBlk(h))
	require.Equal(t, 1, m.Erases(h))

	m.PutBlk(h)
	require.Equal(t, geo.BlksPerLUN, m.FreeBlocks(0))

	// A bad block never rejoins the free pool.
	h, _ = m.GetBlk(0)
	m.MarkBad(h)
	m.PutBlk(h)
	require.Equal(t, geo.BlksPerLUN-1, m.FreeBlocks(0))
}

func TestMemExhaustion(t *testing.T) {
	m := NewMem(Geometry{})
	for i := 0; i < DefaultGeometry.BlksPerLUN; i++ {
		_, ok := m.GetBlk(1)
		require.True(t, ok)
	}
	_, ok := m.GetBlk(1)
	require.False(t, ok)
}

func TestMemWriteRead(t *testing.T) {
	m := NewMem(Geometry{})
	geo := m.Geometry()
	h, _ := m.GetBlk(0)

	addrs := []DevAddr{
		{Ch: h.Ch, LUN: h.LUN, Blk: h.Blk, Pg: 0, Sec: 0},
		{Ch: h.Ch, LUN: h.LUN, Blk: h.Blk, Pg: 0, Sec: 1},
	}
	data := append(bytes.Repeat([]byte{'x'}, geo.SecSize), bytes.Repeat([]byte{'y'}, geo.SecSize)...)
	done := make(chan *Request, 1)
	rq := &Request{
		Op:    OpWrite,
		Addrs: addrs,
		Data:  data,
		Meta:  []LBA{11, 12},
		Done:  func(rq *Request) { done <- rq },
	}
	require.NoError(t, m.Submit(rq))
	require.NoError(t, (<-done).Err)

	got := make([]byte, 2*geo.SecSize)
	meta := make([]LBA, 2)
	rrq := &Request{
		Op:    OpRead,
		Addrs: addrs,
		Data:  got,
		Meta:  meta,
		Done:  func(rq *Request) { done <- rq },
	}
	require.NoError(t, m.Submit(rrq))
	require.NoError(t, (<-done).Err)
	require.Equal(t, data, got)
	require.Equal(t, []LBA{11, 12}, meta)

	// An erase wipes data and OOB state.
	require.NoError(t, m.EraseBlk(h))
	require.NoError(t, m.Submit(rrq))
	require.NoError(t, (<-done).Err)
	require.Equal(t, make([]byte, 2*geo.SecSize), got)
}

func TestMemWriteFaultInjection(t *testing.T) {
	m := NewMem(Geometry{})
	geo := m.Geometry()
	h, _ := m.GetBlk(0)

	m.FailNextWriteSector(1)
	addrs := []DevAddr{
		{LUN: h.LUN, Blk: h.Blk, Pg: 0, Sec: 0},
		{LUN: h.LUN, Blk: h.Blk, Pg: 0, Sec: 1},
		{LUN: h.LUN, Blk: h.Blk, Pg: 0, Sec: 2},
	}
	done := make(chan *Request, 1)
	rq := &Request{
		Op:    OpWrite,
		Addrs: addrs,
		Data:  make([]byte, 3*geo.SecSize),
		Done:  func(rq *Request) { done <- rq },
	}
	require.NoError(t, m.Submit(rq))
	out := <-done
	require.ErrorIs(t, out.Err, ErrFailWrite)
	require.EqualValues(t, 0b010, out.SectorErrors)

	// The fault is one-shot.
	rq2 := &Request{
		Op:    OpWrite,
		Addrs: addrs,
		Data:  make([]byte, 3*geo.SecSize),
		Done:  func(rq *Request) { done <- rq },
	}
	require.NoError(t, m.Submit(rq2))
	require.NoError(t, (<-done).Err)
}

func TestMemRequestValidation(t *testing.T) {
	m := NewMem(Geometry{})
	require.Error(t, m.Submit(&Request{Op: OpWrite}))
	require.Error(t, m.Submit(&Request{
		Op:    OpWrite,
		Addrs: make([]DevAddr, 2),
		Data:  make([]byte, 1),
	}))
}
